package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/basket/taskrelay/internal/execctx"
	"github.com/basket/taskrelay/internal/shared"
)

type inbound struct {
	sub subscription
	msg amqp.Delivery
}

// StartConsuming pumps deliveries from every subscription to its handler,
// one at a time on the calling goroutine, until ctx is cancelled or the
// transport fails. Cancellation returns nil. A transport failure is logged and
// returned wrapped in ErrUnrecoverable.
func (c *Channel) StartConsuming(ctx context.Context) error {
	c.mu.Lock()
	if c.consuming {
		c.mu.Unlock()
		return fmt.Errorf("start consuming: already consuming")
	}
	if len(c.subs) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("start consuming: no subscriptions")
	}
	c.consuming = true
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.consuming = false
		c.mu.Unlock()
	}()

	done := make(chan struct{})
	merged := make(chan inbound)
	var wg sync.WaitGroup
	defer func() {
		close(done)
		wg.Wait()
	}()
	for _, sub := range subs {
		wg.Add(1)
		go func(sub subscription) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				case msg, ok := <-sub.deliveries:
					if !ok {
						return
					}
					select {
					case merged <- inbound{sub: sub, msg: msg}:
					case <-done:
						// Not handed to the loop; give it back to the broker.
						_ = msg.Nack(false, true)
						return
					}
				}
			}
		}(sub)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	c.logger.Info("consuming", "subscriptions", len(subs))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consuming stopped", "reason", ctx.Err())
			return nil
		case amqpErr, ok := <-c.closeCh:
			if !ok || amqpErr == nil {
				c.logger.Info("consuming stopped", "reason", "channel closed")
				return nil
			}
			c.logger.Error("broker transport error", "code", amqpErr.Code, "reason", amqpErr.Reason)
			return fmt.Errorf("%w: %w", ErrUnrecoverable, amqpErr)
		case in, ok := <-merged:
			if !ok {
				c.logger.Error("broker delivery streams closed")
				return fmt.Errorf("%w: delivery streams closed", ErrUnrecoverable)
			}
			c.handle(ctx, in)
		}
	}
}

func (c *Channel) handle(ctx context.Context, in inbound) {
	d := toDelivery(in.sub.queue, in.msg)
	ctx = shared.EnsureTraceID(ctx)
	ctx = shared.WithDeliveryTag(ctx, d.DeliveryTag)
	c.exec.Set(execctx.KeyMessage, d.Body)
	c.exec.Set(execctx.KeyMessageProperties, d)

	if err := invoke(ctx, in.sub.handler, d); err != nil {
		c.logger.Warn("delivery handler failed; requeueing",
			"queue", d.Queue,
			"delivery_tag", d.DeliveryTag,
			"trace_id", shared.TraceID(ctx),
			"error", err,
		)
		if nackErr := in.msg.Nack(false, true); nackErr != nil {
			c.logger.Error("nack failed", "delivery_tag", d.DeliveryTag, "error", nackErr)
		}
		return
	}
	if err := in.msg.Ack(false); err != nil {
		c.logger.Error("ack failed", "delivery_tag", d.DeliveryTag, "error", err)
		return
	}
	c.logger.Debug("delivery acknowledged", "queue", d.Queue, "delivery_tag", d.DeliveryTag)
}

func invoke(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}

func toDelivery(queue string, msg amqp.Delivery) Delivery {
	headers := make(map[string]any, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return Delivery{
		Queue:       queue,
		Body:        msg.Body,
		DeliveryTag: msg.DeliveryTag,
		Redelivered: msg.Redelivered,
		ContentType: msg.ContentType,
		MessageID:   msg.MessageId,
		Exchange:    msg.Exchange,
		RoutingKey:  msg.RoutingKey,
		Headers:     headers,
		Timestamp:   msg.Timestamp,
	}
}
