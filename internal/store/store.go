package store

// Store defines the interface for reading and subscribing to a state
// snapshot of type T.
//
// Store implementations must be safe for concurrent access. T is treated as
// a value: mutators replace pointer fields rather than writing through them.
type Store[T any] interface {
	// Get returns the current snapshot.
	Get() T

	// Update applies mutate to the state. mutate reports whether it changed
	// anything; when it returns false nothing is published. Update returns
	// the resulting snapshot and whether it was published.
	Update(mutate func(*T) bool) (T, bool)

	// Subscribe returns a channel that receives every published snapshot.
	// The returned channel has a buffer; slow consumers may miss updates.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan T

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan T)
}
