// Package stream maintains the WebSocket push channel.
//
// A [Manager] owns at most one socket at a time. It decodes broadcast
// envelopes, drops snapshots whose tracked counters did not change, and
// reconnects with exponential backoff after an abnormal close. A close with
// code 1000 (normal closure) is treated as deliberate and never reconnected.
//
// All state changes go through a single transition function so the
// connection status reported to callers is always one of the four states
// in [State].
package stream
