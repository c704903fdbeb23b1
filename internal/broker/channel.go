// Package broker is the AMQP message channel: connect, declare, publish,
// consume with manual acknowledgement, purge and disconnect.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/basket/taskrelay/internal/execctx"
)

// Conn is the connection surface used by Channel. *amqp.Connection is
// adapted to it by DialAMQP.
type Conn interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel is the subset of *amqp.Channel that Channel uses.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueuePurge(name string, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(ctx context.Context, cfg Config) (Conn, error)

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (AMQPChannel, error) {
	return c.Connection.Channel()
}

// DialAMQP is the default Dialer.
func DialAMQP(ctx context.Context, cfg Config) (Conn, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	amqpCfg := amqp.Config{
		Vhost:     cfg.vhost(),
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(cfg.timeout()),
	}
	if cfg.TLS {
		amqpCfg.TLSClientConfig = cfg.tlsConfig()
	}
	conn, err := amqp.DialConfig(cfg.URL(), amqpCfg)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

type options struct {
	dialer        Dialer
	logger        *slog.Logger
	exec          *execctx.Context
	purgeAttempts int
	purgeDelay    time.Duration
}

// Option configures Connect and PurgeQueue.
type Option func(*options)

func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithExecContext records the connection, channel and declared queues under
// the well-known execution context keys.
func WithExecContext(ec *execctx.Context) Option {
	return func(o *options) { o.exec = ec }
}

// WithPurgeRetry overrides the PurgeQueue retry bound (3 attempts, 2s apart).
func WithPurgeRetry(attempts int, delay time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.purgeAttempts = attempts
		}
		if delay >= 0 {
			o.purgeDelay = delay
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		dialer:        DialAMQP,
		logger:        slog.Default(),
		purgeAttempts: 3,
		purgeDelay:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Delivery is one inbound message handed to a Handler.
type Delivery struct {
	Queue       string
	Body        []byte
	DeliveryTag uint64
	Redelivered bool
	ContentType string
	MessageID   string
	Exchange    string
	RoutingKey  string
	Headers     map[string]any
	Timestamp   time.Time
}

// Handler processes one delivery. The delivery is acknowledged only when the
// handler returns nil; an error or panic requeues it.
type Handler func(ctx context.Context, d Delivery) error

// Publishing is an outbound message. An empty Exchange with an empty
// RoutingKey routes to Queue through the default exchange.
type Publishing struct {
	Queue       string
	Exchange    string
	RoutingKey  string
	Body        []byte
	ContentType string
	Headers     map[string]any
}

type subscription struct {
	queue      string
	tag        string
	handler    Handler
	deliveries <-chan amqp.Delivery
}

// Channel is one logical AMQP channel. The Channel returned by Connect owns
// the connection; channels from OpenPublisher share it.
type Channel struct {
	cfg      Config
	conn     Conn
	ownsConn bool
	ch       AMQPChannel
	logger   *slog.Logger
	exec     *execctx.Context
	closeCh  chan *amqp.Error

	mu        sync.Mutex
	declared  map[string]struct{}
	subs      []subscription
	consuming bool
}

// Connect dials the broker and opens a channel.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Channel, error) {
	o := buildOptions(opts)
	conn, err := o.dialer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectFailed, cfg.Redacted(), err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: open channel: %w", ErrConnectFailed, err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("%w: set prefetch: %w", ErrConnectFailed, err)
		}
	}
	c := &Channel{
		cfg:      cfg,
		conn:     conn,
		ownsConn: true,
		ch:       ch,
		logger:   o.logger,
		exec:     o.exec,
		closeCh:  ch.NotifyClose(make(chan *amqp.Error, 1)),
		declared: make(map[string]struct{}),
	}
	c.exec.Set(execctx.KeyBrokerClient, conn)
	c.exec.Set(execctx.KeyBrokerChannel, c)
	c.logger.Info("broker connected", "addr", cfg.Addr(), "vhost", cfg.vhost(), "tls", cfg.TLS)
	return c, nil
}

// OpenPublisher opens a second channel on the same connection for
// publishing. It is not recorded in the execution context and its Disconnect
// leaves the connection open.
func (c *Channel) OpenPublisher() (*Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	c.logger.Debug("publisher channel opened", "addr", c.cfg.Addr())
	return &Channel{
		cfg:      c.cfg,
		conn:     c.conn,
		ch:       ch,
		logger:   c.logger,
		closeCh:  ch.NotifyClose(make(chan *amqp.Error, 1)),
		declared: make(map[string]struct{}),
	}, nil
}

// FromContext returns explicit when non-nil, otherwise the channel recorded
// in the execution context.
func FromContext(ec *execctx.Context, explicit *Channel) (*Channel, error) {
	return execctx.Resolve(ec, explicit, execctx.KeyBrokerChannel)
}

// EnsureQueue declares name once per channel.
func (c *Channel) EnsureQueue(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureQueueLocked(name)
}

func (c *Channel) ensureQueueLocked(name string) error {
	if _, ok := c.declared[name]; ok {
		return nil
	}
	if _, err := c.ch.QueueDeclare(name, c.cfg.DurableQueues, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	c.declared[name] = struct{}{}
	c.exec.Set(execctx.KeyBrokerQueue, name)
	c.logger.Debug("queue declared", "queue", name)
	return nil
}

// Publish sends p, declaring p.Queue first when it is set.
func (c *Channel) Publish(ctx context.Context, p Publishing) error {
	if p.Queue != "" {
		if err := c.EnsureQueue(p.Queue); err != nil {
			return err
		}
	}
	key := p.RoutingKey
	if p.Exchange == "" && key == "" {
		key = p.Queue
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	mode := amqp.Transient
	if c.cfg.DurableQueues {
		mode = amqp.Persistent
	}
	msg := amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: mode,
		Timestamp:    time.Now().UTC(),
		Body:         p.Body,
	}
	if len(p.Headers) > 0 {
		msg.Headers = amqp.Table(p.Headers)
	}
	if err := c.ch.PublishWithContext(ctx, p.Exchange, key, false, false, msg); err != nil {
		if IsStreamLost(err) {
			return fmt.Errorf("publish to %q: %w: %w", key, ErrTransientTransport, err)
		}
		return fmt.Errorf("publish to %q: %w", key, err)
	}
	return nil
}

// Subscribe registers handler for queue. Deliveries start flowing to the
// handler once StartConsuming runs.
func (c *Channel) Subscribe(queue string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("subscribe %q: handler required", queue)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consuming {
		return fmt.Errorf("subscribe %q: channel is already consuming", queue)
	}
	if err := c.ensureQueueLocked(queue); err != nil {
		return err
	}
	tag := fmt.Sprintf("taskrelay-%s-%d", queue, len(c.subs)+1)
	deliveries, err := c.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", queue, err)
	}
	c.subs = append(c.subs, subscription{queue: queue, tag: tag, handler: handler, deliveries: deliveries})
	c.logger.Info("subscribed", "queue", queue, "consumer", tag)
	return nil
}

// Disconnect closes the channel and connection. Close errors are logged,
// never returned.
func (c *Channel) Disconnect() {
	if c == nil {
		return
	}
	if err := c.ch.Close(); err != nil {
		c.logger.Warn("broker channel close failed", "error", err)
	}
	if !c.ownsConn {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("broker connection close failed", "error", err)
	}
	c.exec.Delete(execctx.KeyBrokerChannel)
	c.exec.Delete(execctx.KeyBrokerClient)
	c.logger.Info("broker disconnected", "addr", c.cfg.Addr())
}
