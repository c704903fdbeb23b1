package broker_test

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/basket/taskrelay/internal/broker"
)

type publishedMsg struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	published  []publishedMsg
	consumers  map[string]chan amqp.Delivery
	qos        int
	purged     []string
	purgeN     int
	purgeErr   error
	publishErr error
	closeErr   error
	closed     bool
	notify     chan *amqp.Error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{consumers: make(map[string]chan amqp.Delivery)}
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if autoAck {
		return nil, errors.New("auto-ack must be off")
	}
	ch := make(chan amqp.Delivery, 16)
	f.consumers[queue] = ch
	return ch, nil
}

func (f *fakeChannel) QueuePurge(name string, noWait bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, name)
	if f.purgeErr != nil {
		return 0, f.purgeErr
	}
	return f.purgeN, nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qos = prefetchCount
	return nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = c
	return c
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeChannel) consumer(queue string) chan amqp.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumers[queue]
}

func (f *fakeChannel) publishedMessages() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMsg(nil), f.published...)
}

type fakeConn struct {
	ch       *fakeChannel
	extra    []*fakeChannel
	opened   int
	closeErr error
	closed   bool
}

// Channel hands out ch first and a fresh fake for every later call.
func (c *fakeConn) Channel() (broker.AMQPChannel, error) {
	c.opened++
	if c.opened == 1 {
		return c.ch, nil
	}
	extra := newFakeChannel()
	c.extra = append(c.extra, extra)
	return extra, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return c.closeErr
}

func dialerFor(conn *fakeConn) broker.Dialer {
	return func(ctx context.Context, cfg broker.Config) (broker.Conn, error) {
		return conn, nil
	}
}

type ackRecord struct {
	tag     uint64
	ack     bool
	requeue bool
}

// fakeAcker records acknowledgements in arrival order.
type fakeAcker struct {
	mu      sync.Mutex
	records []ackRecord
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, ackRecord{tag: tag, ack: true})
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, ackRecord{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) snapshot() []ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ackRecord(nil), a.records...)
}
