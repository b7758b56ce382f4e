// Package line holds the production-line data model and the aggregator.
//
// Records arrive from two sources (the WebSocket broadcast and the REST
// polling endpoints) with inconsistent line identifiers and with counters
// encoded either as strings or numbers. This package normalizes both and
// reduces a record set into one [Counters] value per line.
//
// Everything here is pure: [Aggregate] recomputes the full sum on every
// call, so calling it twice on the same input yields the same output.
package line
