package broker

import (
	"context"
	"fmt"
	"time"
)

// PurgeQueue opens a fresh connection, purges queue and closes again. A lost
// stream is retried (3 attempts, 2s apart by default); any other error aborts
// at once.
func PurgeQueue(ctx context.Context, cfg Config, queue string, opts ...Option) (int, error) {
	o := buildOptions(opts)
	var lastErr error
	for attempt := 1; attempt <= o.purgeAttempts; attempt++ {
		n, err := purgeOnce(ctx, cfg, queue, o)
		if err == nil {
			o.logger.Info("queue purged", "queue", queue, "messages", n, "attempt", attempt)
			return n, nil
		}
		if !IsStreamLost(err) {
			o.logger.Error("queue purge failed", "queue", queue, "error", err)
			return 0, fmt.Errorf("purge queue %q: %w", queue, err)
		}
		lastErr = err
		o.logger.Warn("queue purge lost stream", "queue", queue, "attempt", attempt, "error", err)
		if attempt == o.purgeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(o.purgeDelay):
		}
	}
	return 0, fmt.Errorf("purge queue %q after %d attempts: %w: %w", queue, o.purgeAttempts, ErrTransientTransport, lastErr)
}

func purgeOnce(ctx context.Context, cfg Config, queue string, o options) (int, error) {
	conn, err := o.dialer(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			o.logger.Warn("purge connection close failed", "error", err)
		}
	}()
	ch, err := conn.Channel()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := ch.Close(); err != nil {
			o.logger.Warn("purge channel close failed", "error", err)
		}
	}()
	return ch.QueuePurge(queue, false)
}
