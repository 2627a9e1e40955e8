// Package notify provides the push-style change notifications the HTTP layer
// streams to clients: a small generic pub/sub broker with context-scoped
// subscriptions.
package notify

import (
	"context"
	"sync"
)

const defaultBuffer = 16

// Broker fans out values to every live subscriber. Publish never blocks: a
// subscriber that falls behind drops notifications, which is acceptable
// because each notification only says "a collection changed" and the client
// re-fetches snapshots anyway.
type Broker[T any] struct {
	mu     sync.Mutex
	subs   map[chan T]struct{}
	closed bool
}

// NewBroker returns an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[chan T]struct{})}
}

// Subscribe registers a channel that receives published values until ctx is
// cancelled or the broker closes; either closes the channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan T, defaultBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}()
	return ch
}

// Publish delivers v to every subscriber without blocking.
func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Close closes every subscription. Publish after Close is a no-op.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
