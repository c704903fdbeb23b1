package bridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/basket/taskrelay/internal/bridge"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/execctx"
	"github.com/basket/taskrelay/internal/persistence"
)

func seedDue(t *testing.T, store *persistence.Store, ids ...string) time.Time {
	t.Helper()
	at := time.Date(2025, 2, 26, 12, 0, 0, 0, time.UTC)
	for i, id := range ids {
		if _, err := store.CreateTask(context.Background(), persistence.NewTask{
			TaskID:        id,
			Summary:       id,
			ExecutionTime: at.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	return at.Add(time.Hour)
}

func TestDispatch_LocalModePublishesOnBus(t *testing.T) {
	store := openTestStore(t)
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicTaskDue)
	defer eventBus.Unsubscribe(sub)
	b := newBridge(t, bridge.Config{Store: store, Bus: eventBus})
	now := seedDue(t, store, "a", "b")

	res, err := b.Dispatch(context.Background(), now)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Sent != 2 || res.Mode != bridge.DispatchLocal {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, want := range []string{"a", "b"} {
		ev := nextEvent(t, sub)
		notice := ev.Payload.(bus.DispatchNotice)
		if notice.TaskID != want {
			t.Fatalf("expected %s, got %s", want, notice.TaskID)
		}
		if !notice.ScannedAt.Equal(now) {
			t.Fatalf("expected scanned_at %v, got %v", now, notice.ScannedAt)
		}
	}
}

func TestDispatch_SkipsWaitingTasks(t *testing.T) {
	store := openTestStore(t)
	b := newBridge(t, bridge.Config{Store: store, Bus: bus.New()})
	now := seedDue(t, store, "runs", "waits")
	if _, err := store.DeferTask(context.Background(), "waits"); err != nil {
		t.Fatalf("defer: %v", err)
	}

	res, err := b.Dispatch(context.Background(), now)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.TaskIDs) != 1 || res.TaskIDs[0] != "runs" {
		t.Fatalf("expected only the non-waiting task, got %v", res.TaskIDs)
	}
}

func TestDispatch_PerIDFailuresAreJoined(t *testing.T) {
	store := openTestStore(t)
	boom := errors.New("channel closed")
	pub := &recordingPublisher{failOn: map[string]error{"b": boom}}
	b := newBridge(t, bridge.Config{
		Store:         store,
		Publisher:     pub,
		DispatchMode:  bridge.DispatchBroker,
		OutboundQueue: "due",
	})
	now := seedDue(t, store, "a", "b", "c")

	res, err := b.Dispatch(context.Background(), now)
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined publish error, got %v", err)
	}
	if res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("expected 2 sent and 1 failed, got %+v", res)
	}
	ids := pub.taskIDs(t)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Fatalf("expected remaining ids still published, got %v", ids)
	}
}

func TestDispatch_PublisherFromExecutionContext(t *testing.T) {
	store := openTestStore(t)
	ec := execctx.New()
	pub := &recordingPublisher{}
	ec.Set(execctx.KeyBrokerChannel, pub)
	b := newBridge(t, bridge.Config{
		Store:         store,
		Exec:          ec,
		DispatchMode:  bridge.DispatchBroker,
		OutboundQueue: "due",
	})
	now := seedDue(t, store, "a")

	if _, err := b.Dispatch(context.Background(), now); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ids := pub.taskIDs(t); len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("expected inherited publisher to be used, got %v", ids)
	}
}

func TestDispatch_BrokerModeWithoutPublisher(t *testing.T) {
	store := openTestStore(t)
	b := newBridge(t, bridge.Config{Store: store, DispatchMode: bridge.DispatchBroker, OutboundQueue: "due"})
	now := seedDue(t, store, "a")

	res, err := b.Dispatch(context.Background(), now)
	if err == nil {
		t.Fatal("expected error without a publisher")
	}
	if res.Failed != 1 {
		t.Fatalf("expected the due id counted as failed, got %+v", res)
	}
}

func TestDispatch_BrokerMessagesCarryTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	store := openTestStore(t)
	pub := &recordingPublisher{}
	b := newBridge(t, bridge.Config{
		Store:         store,
		Publisher:     pub,
		DispatchMode:  bridge.DispatchBroker,
		OutboundQueue: "due",
		Tracer:        tp.Tracer("test"),
	})
	now := seedDue(t, store, "traced")

	if _, err := b.Dispatch(context.Background(), now); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.msgs))
	}
	tp0, _ := pub.msgs[0].Headers["traceparent"].(string)
	if tp0 == "" {
		t.Fatalf("expected traceparent header, got %v", pub.msgs[0].Headers)
	}
}
