package linepulse

import (
	"github.com/jpalmerr/linepulse/internal/backend"
	"github.com/jpalmerr/linepulse/internal/stream"
)

// Error kinds, usable with errors.Is. The engine reports them through
// [State] rather than returning them.
var (
	// ErrConnection marks WebSocket failures. They are retried with backoff.
	ErrConnection = stream.ErrConnection

	// ErrParse marks malformed WebSocket messages. They are dropped and the
	// connection stays open.
	ErrParse = stream.ErrParse

	// ErrFetch marks failed REST requests. They are retried, then reported
	// with the previous counters retained.
	ErrFetch = backend.ErrFetch
)

// Typed errors, usable with errors.As.
type (
	ConnectionError = stream.ConnectionError
	ParseError      = stream.ParseError
	FetchError      = backend.FetchError
)
