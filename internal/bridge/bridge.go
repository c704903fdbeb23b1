// Package bridge connects the message channel to the task store: inbound
// deliveries become tasks or forwarded conversations, and due scans become
// dispatch notifications.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskrelay/internal/broker"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/cron"
	"github.com/basket/taskrelay/internal/execctx"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
)

// Dispatch modes.
const (
	DispatchLocal  = "local"
	DispatchBroker = "broker"
)

// TaskStore is the part of the store the bridge writes through.
type TaskStore interface {
	CreateTask(ctx context.Context, in persistence.NewTask) (string, error)
	DueTaskIDs(ctx context.Context, now time.Time) ([]string, error)
	Location() *time.Location
}

// Publisher sends outbound messages. *broker.Channel implements it.
type Publisher interface {
	Publish(ctx context.Context, p broker.Publishing) error
}

// ConversationHandler receives plain utterances from the inbound queue.
type ConversationHandler func(ctx context.Context, conversation []persistence.Message) error

type Config struct {
	// Store and Publisher fall back to the execution context when nil.
	Store     TaskStore
	Publisher Publisher
	Exec      *execctx.Context

	Bus            *bus.Bus
	DispatchMode   string // DispatchLocal (default) or DispatchBroker
	OutboundQueue  string
	OnConversation ConversationHandler

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

// Bridge holds only its collaborators.
type Bridge struct {
	store          TaskStore
	publisher      Publisher
	exec           *execctx.Context
	bus            *bus.Bus
	mode           string
	outboundQueue  string
	onConversation ConversationHandler
	logger         *slog.Logger
	tracer         trace.Tracer
	metrics        *otel.Metrics
	validator      *payloadValidator
}

func New(cfg Config) (*Bridge, error) {
	mode := cfg.DispatchMode
	if mode == "" {
		mode = DispatchLocal
	}
	if mode != DispatchLocal && mode != DispatchBroker {
		return nil, fmt.Errorf("unknown dispatch mode %q (supported: %s, %s)", mode, DispatchLocal, DispatchBroker)
	}
	if mode == DispatchBroker && cfg.OutboundQueue == "" {
		return nil, fmt.Errorf("dispatch mode %q requires an outbound queue", mode)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	metrics := cfg.Metrics
	if tracer == nil || metrics == nil {
		disabled := otel.Disabled()
		if tracer == nil {
			tracer = disabled.Tracer
		}
		if metrics == nil {
			m, err := otel.NewMetrics(disabled.Meter)
			if err != nil {
				return nil, fmt.Errorf("create noop metrics: %w", err)
			}
			metrics = m
		}
	}
	validator, err := newPayloadValidator()
	if err != nil {
		return nil, err
	}
	return &Bridge{
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		exec:           cfg.Exec,
		bus:            cfg.Bus,
		mode:           mode,
		outboundQueue:  cfg.OutboundQueue,
		onConversation: cfg.OnConversation,
		logger:         logger,
		tracer:         tracer,
		metrics:        metrics,
		validator:      validator,
	}, nil
}

// Mode returns the configured dispatch mode.
func (b *Bridge) Mode() string {
	return b.mode
}

func (b *Bridge) resolveStore() (TaskStore, error) {
	return execctx.Resolve(b.exec, b.store, execctx.KeyTasksDB)
}

func (b *Bridge) resolvePublisher() (Publisher, error) {
	return execctx.Resolve(b.exec, b.publisher, execctx.KeyBrokerChannel)
}

func (b *Bridge) scanner(store TaskStore) *cron.Scanner {
	return cron.NewScanner(store, b.logger)
}
