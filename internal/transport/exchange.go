package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const defaultExchangeBuffer = 16

// Exchange is an Endpoint for peers that cannot hold a channel open, such as
// content calling over plain HTTP. Each inbound message is delivered by a
// caller that waits for the reply carrying the same messageId.
type Exchange struct {
	inbox chan Message
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	waiting map[string]chan []byte
}

var _ Endpoint = (*Exchange)(nil)

// NewExchange builds an open Exchange.
func NewExchange() *Exchange {
	return &Exchange{
		inbox:   make(chan Message, defaultExchangeBuffer),
		done:    make(chan struct{}),
		waiting: map[string]chan []byte{},
	}
}

// RoundTrip delivers msg and blocks until the host posts a reply for
// messageID, ctx ends or the exchange closes.
func (e *Exchange) RoundTrip(ctx context.Context, messageID string, msg Message) ([]byte, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, errors.New("message id is required")
	}
	reply := make(chan []byte, 1)
	e.mu.Lock()
	if _, busy := e.waiting[messageID]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("message %s already in flight", messageID)
	}
	e.waiting[messageID] = reply
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiting, messageID)
		e.mu.Unlock()
	}()

	if err := e.Send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case data := <-reply:
		return data, nil
	case <-e.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send delivers msg without waiting for a reply.
func (e *Exchange) Send(ctx context.Context, msg Message) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.inbox <- msg:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post hands a host reply to the round trip waiting on its messageId. Posts
// nobody waits for, such as host notifications, are dropped.
func (e *Exchange) Post(_ context.Context, data []byte) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	var envelope struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.MessageID == "" {
		return nil
	}
	e.mu.Lock()
	reply, ok := e.waiting[envelope.MessageID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case reply <- append([]byte(nil), data...):
	default:
	}
	return nil
}

// Messages returns the inbound queue.
func (e *Exchange) Messages() <-chan Message {
	return e.inbox
}

// Done is closed by Close.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Close fails every waiting round trip with ErrClosed.
func (e *Exchange) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}
