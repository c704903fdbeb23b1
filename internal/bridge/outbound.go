package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/taskrelay/internal/broker"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
)

// DispatchResult summarizes one Dispatch call.
type DispatchResult struct {
	ScannedAt time.Time `json:"scanned_at"`
	Mode      string    `json:"mode"`
	TaskIDs   []string  `json:"task_ids"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
}

// Dispatch scans for tasks due at now and emits {"task_id": id} once per id,
// either on the outbound queue or on the local bus. A failed emit does not
// stop the remaining ids; all failures are joined into the returned error.
func (b *Bridge) Dispatch(ctx context.Context, now time.Time) (DispatchResult, error) {
	ctx, span := otel.StartSpan(ctx, b.tracer, "bridge.dispatch", otel.AttrDispatchMode.String(b.mode))
	defer span.End()

	result := DispatchResult{ScannedAt: persistence.TruncateMinute(now), Mode: b.mode}
	store, err := b.resolveStore()
	if err != nil {
		return result, fmt.Errorf("dispatch: %w", err)
	}

	start := time.Now()
	ids, err := b.scanner(store).ScanDue(ctx, now)
	b.metrics.ScanDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan")
		return result, err
	}
	result.TaskIDs = ids
	span.SetAttributes(otel.AttrDueCount.Int(len(ids)))
	b.metrics.TasksDue.Add(ctx, int64(len(ids)))
	if len(ids) == 0 {
		return result, nil
	}

	var pub Publisher
	if b.mode == DispatchBroker {
		pub, err = b.resolvePublisher()
		if err != nil {
			result.Failed = len(ids)
			b.metrics.DispatchErrors.Add(ctx, int64(len(ids)))
			return result, fmt.Errorf("dispatch: %w", err)
		}
	}

	var errs []error
	for _, id := range ids {
		if err := b.emit(ctx, pub, id, result.ScannedAt); err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s: %w", id, err))
			result.Failed++
			b.metrics.DispatchErrors.Add(ctx, 1)
			continue
		}
		result.Sent++
		b.metrics.TasksDispatched.Add(ctx, 1)
	}
	b.logger.Info("dispatch complete",
		"mode", b.mode,
		"scanned_at", persistence.FormatExecutionTime(result.ScannedAt),
		"due", len(ids),
		"sent", result.Sent,
		"failed", result.Failed,
	)
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch")
		return result, err
	}
	return result, nil
}

func (b *Bridge) emit(ctx context.Context, pub Publisher, taskID string, scannedAt time.Time) error {
	if b.mode == DispatchLocal {
		b.bus.Publish(bus.TopicTaskDue, bus.DispatchNotice{TaskID: taskID, ScannedAt: scannedAt})
		return nil
	}
	body, err := json.Marshal(DispatchPayload{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("encode dispatch payload: %w", err)
	}
	ctx, span := otel.StartProducerSpan(ctx, b.tracer, "bridge.publish",
		otel.AttrQueue.String(b.outboundQueue),
		otel.AttrTaskID.String(taskID),
	)
	defer span.End()
	if err := pub.Publish(ctx, broker.Publishing{
		Queue:   b.outboundQueue,
		Body:    body,
		Headers: otel.InjectHeaders(ctx),
	}); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
