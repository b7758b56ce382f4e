package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection classifies transport failures: dial errors and
	// unexpected read errors.
	ErrConnection = errors.New("connection error")

	// ErrParse classifies messages that are not valid JSON.
	ErrParse = errors.New("parse error")
)

// ConnectionError reports a transport failure on the push channel.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("websocket %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// ParseError reports a message that could not be decoded. The connection is
// kept open when it occurs.
type ParseError struct {
	Size int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("websocket message (%d bytes): %v", e.Size, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }
