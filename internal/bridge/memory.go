package bridge

import (
	"context"
	"sync"
)

// MemoryBus is an in-process PubSub for single-node deployments and tests.
// A real multi-node fleet should use RedisBus instead.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64
	closed   bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[uint64]Handler)}
}

func (b *MemoryBus) Publish(ctx context.Context, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	copied := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		copied = append(copied, h)
	}
	b.mu.RUnlock()

	for _, h := range copied {
		_ = h(ctx, ev)
	}
	return nil
}

func (b *MemoryBus) Consume(ctx context.Context, consumer string, handler Handler) error {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return ctx.Err()
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.handlers = make(map[uint64]Handler)
	b.mu.Unlock()
	return nil
}
