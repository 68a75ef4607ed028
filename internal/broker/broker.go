// Package broker carries room frames between gateway processes.
//
// Every published frame comes back through Subscribe, including on the
// publishing process, so local and remote delivery share one path.
package broker

import (
	"context"
	"errors"
	"sync"
)

// Handler receives a frame published to room.
type Handler func(room string, data []byte)

// Broker is a room-addressed publish/subscribe channel.
type Broker interface {
	Publish(ctx context.Context, room string, data []byte) error
	// Subscribe installs h until ctx is done. It returns once the
	// subscription is live.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// ErrClosed is returned by a closed broker.
var ErrClosed = errors.New("broker closed")

// Local is an in-process broker for single-node deployments and tests.
type Local struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
	closed   bool
}

func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

func (b *Local) Publish(_ context.Context, room string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, h := range b.handlers {
		h(room, data)
	}
	return nil
}

func (b *Local) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[int]Handler)
	return nil
}
