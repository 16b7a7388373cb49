// Package watch provides a single-slot latest-value cell with change
// notification: one writer, any number of readers. Writers never block;
// readers observe the newest value and can wait for the next change.
// Unlike a channel, intermediate values are overwritten, which is the
// right fit for status reporting where only the latest state matters.
package watch

import (
	"context"
	"sync"
)

type core[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	changed chan struct{} // closed on every Send, then replaced
}

// Sender is the write half. There is exactly one logical writer; Send
// is nevertheless safe for concurrent use.
type Sender[T any] struct {
	c *core[T]
}

// Receiver is the read half. Each Receiver tracks the last version it
// observed, so Next returns every value that is newer than that, most
// recent wins. Receivers are cloneable; clones track independently.
type Receiver[T any] struct {
	c    *core[T]
	seen uint64
}

// New creates a watch cell holding initial. The returned Receiver
// considers initial already observed: Next blocks until the first Send.
func New[T any](initial T) (*Sender[T], *Receiver[T]) {
	c := &core[T]{
		value:   initial,
		version: 1,
		changed: make(chan struct{}),
	}
	return &Sender[T]{c: c}, &Receiver[T]{c: c, seen: 1}
}

// Send stores a new value and wakes all waiting receivers.
func (s *Sender[T]) Send(v T) {
	s.c.mu.Lock()
	s.c.value = v
	s.c.version++
	close(s.c.changed)
	s.c.changed = make(chan struct{})
	s.c.mu.Unlock()
}

// Subscribe returns a fresh Receiver that treats the current value as
// already observed.
func (s *Sender[T]) Subscribe() *Receiver[T] {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	return &Receiver[T]{c: s.c, seen: s.c.version}
}

// Latest returns the current value and marks it observed.
func (r *Receiver[T]) Latest() T {
	r.c.mu.RLock()
	defer r.c.mu.RUnlock()
	r.seen = r.c.version
	return r.c.value
}

// Peek returns the current value without marking it observed.
func (r *Receiver[T]) Peek() T {
	r.c.mu.RLock()
	defer r.c.mu.RUnlock()
	return r.c.value
}

// Next blocks until a value newer than the last observed one is
// available, then returns it. Intermediate values may be skipped; the
// newest wins. Returns ctx.Err() when the context ends first.
func (r *Receiver[T]) Next(ctx context.Context) (T, error) {
	for {
		r.c.mu.RLock()
		if r.c.version != r.seen {
			v := r.c.value
			r.seen = r.c.version
			r.c.mu.RUnlock()
			return v, nil
		}
		ch := r.c.changed
		r.c.mu.RUnlock()

		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Clone returns an independent Receiver starting from this one's
// observation point.
func (r *Receiver[T]) Clone() *Receiver[T] {
	return &Receiver[T]{c: r.c, seen: r.seen}
}
