// Package store holds the engine's current state snapshot and fans updates
// out to subscribers.
//
// The main components are:
//
//   - [Store]: Interface defining snapshot and subscription operations
//   - [MemoryStore]: In-memory implementation of Store with pub/sub
//
// Subscribers receive whole snapshots via buffered channels with
// non-blocking sends: a slow subscriber misses intermediate snapshots but
// the next one it receives is always complete. Updates that leave the
// state unchanged are not published.
package store
