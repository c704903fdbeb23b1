package bridge

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/broker"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/execctx"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/shared"
)

// HandleMessage is the broker.Handler for the inbound queue. Creation
// payloads become tasks; anything else is forwarded as a one-turn
// conversation. Duplicate and malformed payloads are reported and return nil
// so the delivery is acknowledged. Other store failures are returned so the
// delivery is redelivered.
func (b *Bridge) HandleMessage(ctx context.Context, d broker.Delivery) error {
	ctx = otel.ExtractHeaders(ctx, d.Headers)
	ctx, span := otel.StartConsumerSpan(ctx, b.tracer, "bridge.inbound",
		otel.AttrQueue.String(d.Queue),
		otel.AttrDeliveryTag.Int64(int64(d.DeliveryTag)),
	)
	defer span.End()
	b.metrics.InboundMessages.Add(ctx, 1)

	if !IsCreationPayload(d.Body) {
		span.SetAttributes(otel.AttrPayloadKind.String("conversation"))
		if err := b.forwardConversation(ctx, d); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "forward conversation")
			b.metrics.DeliveriesFailed.Add(ctx, 1)
			return err
		}
		return nil
	}

	span.SetAttributes(otel.AttrPayloadKind.String("task"))
	taskID, err := b.CreateFromPayload(ctx, d.Body)
	switch {
	case err == nil:
		span.SetAttributes(otel.AttrTaskID.String(taskID))
		return nil
	case errors.Is(err, persistence.ErrDuplicateID), errors.Is(err, persistence.ErrMalformedInput):
		b.reject(ctx, taskID, err)
		return nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "create task")
		b.metrics.DeliveriesFailed.Add(ctx, 1)
		return err
	}
}

// CreateFromPayload validates body and creates the task. On ErrDuplicateID
// the returned id is the one that already exists.
func (b *Bridge) CreateFromPayload(ctx context.Context, body []byte) (string, error) {
	store, err := b.resolveStore()
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	in, err := b.validator.decode(body, store)
	if err != nil {
		return "", err
	}
	taskID, err := store.CreateTask(ctx, in)
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicateID) {
			return in.TaskID, err
		}
		return "", err
	}
	b.metrics.TasksCreated.Add(ctx, 1)
	b.logger.Info("task created from payload", "task_id", taskID, "trace_id", shared.TraceID(ctx))
	return taskID, nil
}

func (b *Bridge) reject(ctx context.Context, taskID string, err error) {
	reason := "malformed_input"
	if errors.Is(err, persistence.ErrDuplicateID) {
		reason = "duplicate_id"
	}
	b.metrics.TasksRejected.Add(ctx, 1)
	audit.Record(audit.Reject, "bridge.inbound", reason, taskID)
	b.logger.Warn("task payload rejected",
		"task_id", taskID,
		"reason", reason,
		"trace_id", shared.TraceID(ctx),
		"error", err,
	)
	b.bus.Publish(bus.TopicTaskRejected, bus.TaskRejected{
		TaskID: taskID,
		Reason: reason,
		Error:  err.Error(),
	})
}

func (b *Bridge) forwardConversation(ctx context.Context, d broker.Delivery) error {
	conversation := []persistence.Message{{Role: "user", Content: string(d.Body)}}
	b.exec.Set(execctx.KeyConversation, conversation)
	b.exec.Set(execctx.KeyMessage, d.Body)
	b.exec.Set(execctx.KeyMessageProperties, d)

	if b.onConversation != nil {
		if err := b.onConversation(ctx, conversation); err != nil {
			return fmt.Errorf("forward conversation: %w", err)
		}
	}

	turns := make([]bus.ConversationTurn, 0, len(conversation))
	for _, m := range conversation {
		turns = append(turns, bus.ConversationTurn{Role: m.Role, Content: m.Content})
	}
	b.bus.Publish(bus.TopicConversationReceived, bus.ConversationReceived{
		Conversation: turns,
		DeliveryTag:  d.DeliveryTag,
	})
	b.logger.Debug("conversation forwarded", "delivery_tag", d.DeliveryTag, "trace_id", shared.TraceID(ctx))
	return nil
}
