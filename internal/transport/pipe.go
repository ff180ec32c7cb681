package transport

import (
	"context"
	"sync"
)

const defaultPipeBuffer = 64

// PipeEnd is one side of an in-memory message channel.
type PipeEnd struct {
	origin string
	inbox  chan Message
	peer   *PipeEnd
	shared *pipeState
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// NewPipe connects two in-memory endpoints. Messages posted on the first end
// arrive at the second tagged with originA, and vice versa.
func NewPipe(originA, originB string) (*PipeEnd, *PipeEnd) {
	state := &pipeState{done: make(chan struct{})}
	a := &PipeEnd{origin: originA, inbox: make(chan Message, defaultPipeBuffer), shared: state}
	b := &PipeEnd{origin: originB, inbox: make(chan Message, defaultPipeBuffer), shared: state}
	a.peer = b
	b.peer = a
	return a, b
}

// Origin returns the origin this end stamps on outbound messages.
func (p *PipeEnd) Origin() string {
	return p.origin
}

// Post delivers data to the peer end.
func (p *PipeEnd) Post(ctx context.Context, data []byte) error {
	return p.peer.Deliver(ctx, Message{Origin: p.origin, Data: append([]byte(nil), data...)})
}

// Deliver places msg in this end's inbox as if it came from msg.Origin.
func (p *PipeEnd) Deliver(ctx context.Context, msg Message) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	select {
	case p.inbox <- msg:
		return nil
	case <-p.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns the inbound queue.
func (p *PipeEnd) Messages() <-chan Message {
	return p.inbox
}

// Done is closed when either end closes.
func (p *PipeEnd) Done() <-chan struct{} {
	return p.shared.done
}

// Close shuts down both ends.
func (p *PipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}
