package broker

import (
	"errors"
	"io"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrConnectFailed wraps auth, network and TLS failures from Connect.
	ErrConnectFailed = errors.New("broker connect failed")

	// ErrTransientTransport marks a lost stream that is worth retrying.
	ErrTransientTransport = errors.New("broker stream lost")

	// ErrUnrecoverable marks a transport failure that ends consumption.
	ErrUnrecoverable = errors.New("broker transport failed")
)

// IsStreamLost reports whether err means the connection dropped underneath
// an operation, as opposed to the broker refusing it.
func IsStreamLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientTransport) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, amqp.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return !amqpErr.Server && amqpErr.Recover
	}
	return false
}
