package rte

import (
	"context"
	"sync"
)

// Result is the settled value of one RTE call.
type Result struct {
	Value     string
	ErrorCode string
	ErrorMsg  string
	Err       error
}

// Bool reports whether the call returned the SCORM "true" string.
func (r Result) Bool() bool {
	return r.Value == "true"
}

// Call is the future returned by every API method, whether the call is
// answered in-process or proxied to another context.
type Call struct {
	op     Op
	once   sync.Once
	done   chan struct{}
	result Result
}

func newCall(op Op) *Call {
	return &Call{op: op, done: make(chan struct{})}
}

// Resolved returns a Call already settled with result.
func Resolved(op Op, result Result) *Call {
	call := newCall(op)
	call.resolve(result)
	return call
}

// Failed returns a Call settled with op's sentinel and err.
func Failed(op Op, err error) *Call {
	return Resolved(op, failure(op, err))
}

// Op returns the operation this call performs.
func (c *Call) Op() Op {
	return c.op
}

// Done is closed once the call settles.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call settles or ctx ends. On ctx expiry the result
// carries the op sentinel and ctx.Err().
func (c *Call) Wait(ctx context.Context) Result {
	select {
	case <-c.done:
		return c.result
	case <-ctx.Done():
		return failure(c.op, ctx.Err())
	}
}

func (c *Call) resolve(result Result) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

func failure(op Op, err error) Result {
	return Result{Value: op.Sentinel(), ErrorCode: ErrorGeneral, Err: err}
}
