package transport

import (
	"context"
	"errors"
)

// ErrClosed indicates the endpoint has been shut down.
var ErrClosed = errors.New("endpoint closed")

// Message is one inbound cross-context message tagged with the sender origin.
type Message struct {
	Origin string
	Data   []byte
}

// Endpoint is one side of an asynchronous, unordered message channel between
// two browsing contexts.
type Endpoint interface {
	// Post sends data to the peer context.
	Post(ctx context.Context, data []byte) error
	// Messages yields inbound messages until Done is closed.
	Messages() <-chan Message
	// Done is closed when the endpoint shuts down.
	Done() <-chan struct{}
	Close() error
}
