package service

import (
	"sync"
)

// syncWaiter manages a set of channel-based waiters keyed by correlation ID.
// The queue-backed plugin uses it to turn publish/subscribe round-trips into
// synchronous calls.
type syncWaiter[T any] struct {
	mu      sync.Mutex
	waiters map[string]chan *T
}

func newSyncWaiter[T any]() *syncWaiter[T] {
	return &syncWaiter[T]{
		waiters: make(map[string]chan *T),
	}
}

// register creates a buffered channel for the given request ID.
func (w *syncWaiter[T]) register(requestID string) chan *T {
	ch := make(chan *T, 1)
	w.mu.Lock()
	w.waiters[requestID] = ch
	w.mu.Unlock()
	return ch
}

// unregister removes the waiter for the given request ID.
func (w *syncWaiter[T]) unregister(requestID string) {
	w.mu.Lock()
	delete(w.waiters, requestID)
	w.mu.Unlock()
}

// deliver sends a result to the waiting channel and removes the waiter.
// Returns false if no waiter was registered for the given ID.
func (w *syncWaiter[T]) deliver(requestID string, payload *T) bool {
	w.mu.Lock()
	ch, ok := w.waiters[requestID]
	if ok {
		delete(w.waiters, requestID)
	}
	w.mu.Unlock()

	if !ok {
		return false
	}

	ch <- payload
	return true
}
