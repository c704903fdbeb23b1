// Package execctx holds the run-scoped key/value context that components fall
// back to when a caller does not pass its own store or broker handle.
package execctx

import (
	"fmt"
	"sync"
)

// Well-known keys shared with the host process.
const (
	KeyTasksDB           = "tasksdb_conn"
	KeyBrokerClient      = "rabbitmq_client"
	KeyBrokerChannel     = "rabbitmq_channel"
	KeyBrokerQueue       = "rabbitmq_queue"
	KeyConversation      = "conversation"
	KeyMessage           = "rabbitmq_message"
	KeyMessageProperties = "rabbitmq_properties"
)

// Context is safe for concurrent use. The host owns the lifecycle of every
// value it stores here; Context never closes anything.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

func New() *Context {
	return &Context{values: make(map[string]any)}
}

func (c *Context) Set(key string, value any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *Context) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Keys returns the currently set keys in no particular order.
func (c *Context) Keys() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.values))
	for k := range c.values {
		out = append(out, k)
	}
	return out
}

// Lookup returns the value under key asserted to T.
func Lookup[T any](c *Context, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Resolve returns explicit when it is non-nil, otherwise the context value
// stored under key. It fails when neither is available.
func Resolve[T comparable](c *Context, explicit T, key string) (T, error) {
	var zero T
	if explicit != zero {
		return explicit, nil
	}
	v, ok := Lookup[T](c, key)
	if !ok || v == zero {
		return zero, fmt.Errorf("no %s supplied and none in execution context", key)
	}
	return v, nil
}
