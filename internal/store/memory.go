package store

import (
	"sync"
)

// subscriberBuffer is the channel capacity given to each subscriber.
const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// Published snapshots reach subscribers in the order they were produced.
// Sends are non-blocking; if a subscriber's buffer is full, the snapshot is
// dropped for that subscriber to prevent blocking the update path.
type MemoryStore[T any] struct {
	mu          sync.RWMutex
	state       T
	subscribers map[chan T]struct{}
	subMu       sync.RWMutex
}

// NewMemoryStore creates a [MemoryStore] holding initial.
func NewMemoryStore[T any](initial T) *MemoryStore[T] {
	return &MemoryStore[T]{
		state:       initial,
		subscribers: make(map[chan T]struct{}),
	}
}

// Get returns the current snapshot.
func (m *MemoryStore[T]) Get() T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Update applies mutate under the write lock and publishes the result if
// mutate reports a change.
func (m *MemoryStore[T]) Update(mutate func(*T) bool) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !mutate(&m.state) {
		return m.state, false
	}
	// notify while holding mu so snapshots are delivered in order
	m.notifySubscribers(m.state)
	return m.state, true
}

// Subscribe creates a new subscription and returns a channel for receiving
// snapshots.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource leaks.
func (m *MemoryStore[T]) Subscribe() <-chan T {
	ch := make(chan T, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (m *MemoryStore[T]) Unsubscribe(ch <-chan T) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

func (m *MemoryStore[T]) notifySubscribers(snapshot T) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- snapshot:
		default:
			// subscriber is slow, drop the snapshot
		}
	}
}
