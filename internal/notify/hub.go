// Package notify provides a typed publish/subscribe registry used to fan out
// cache events to consumers.
package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Hub holds an explicit set of subscribers for events of type T.
//
// Publish runs handlers synchronously on the caller's goroutine with the
// registry lock released, so handlers may subscribe, unsubscribe or read the
// producer's state.
type Hub[T any] struct {
	name   string
	logger *slog.Logger

	mu   sync.RWMutex
	subs []subscriber[T]
}

type subscriber[T any] struct {
	id uuid.UUID
	fn func(T)
}

// Subscription identifies one registered handler.
type Subscription struct {
	id     uuid.UUID
	cancel func()
	once   sync.Once
}

// ID returns the subscription id.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// NewHub creates an empty hub. name is used in log output.
func NewHub[T any](name string, logger *slog.Logger) *Hub[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub[T]{
		name:   name,
		logger: logger,
	}
}

// Subscribe registers fn and returns its subscription.
func (h *Hub[T]) Subscribe(fn func(T)) *Subscription {
	id := uuid.New()

	h.mu.Lock()
	h.subs = append(h.subs, subscriber[T]{id: id, fn: fn})
	h.mu.Unlock()

	return &Subscription{
		id:     id,
		cancel: func() { h.remove(id) },
	}
}

// SubscribeChan registers a buffered channel of the given size. When the
// channel is full the oldest pending event is dropped. The channel is closed
// on Unsubscribe.
func (h *Hub[T]) SubscribeChan(size int) (<-chan T, *Subscription) {
	if size <= 0 {
		size = 1
	}
	ch := make(chan T, size)

	var mu sync.Mutex
	closed := false

	sub := h.Subscribe(func(v T) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
			// Channel full, drop oldest by consuming one and retrying.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	})

	inner := sub.cancel
	sub.cancel = func() {
		inner()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}

	return ch, sub
}

// Publish delivers v to every current subscriber in registration order.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	subs := make([]subscriber[T], len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, s := range subs {
		h.deliver(s, v)
	}
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber panicked",
				"hub", h.name,
				"subscription", s.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.fn(v)
}

func (h *Hub[T]) remove(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}
