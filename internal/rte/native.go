package rte

import (
	"context"
	"errors"
	"time"
)

// ErrCrossOrigin indicates a browsing context could not be inspected because
// it belongs to another origin.
var ErrCrossOrigin = errors.New("cross-origin browsing context")

// Native is a synchronous SCORM API object as content sees it: method names
// are version specific and every argument and return value is a string.
type Native interface {
	Invoke(ctx context.Context, method string, args ...string) string
}

// NativeFunc adapts a function to Native.
type NativeFunc func(ctx context.Context, method string, args ...string) string

// Invoke calls f.
func (f NativeFunc) Invoke(ctx context.Context, method string, args ...string) string {
	return f(ctx, method, args...)
}

// Frame is a browsing context that discovery can inspect.
type Frame interface {
	// Lookup returns the object stored under global, or nil when absent.
	// It returns ErrCrossOrigin when the context cannot be inspected.
	Lookup(global string) (Native, error)
	// Parent returns the enclosing frame, or nil at the top.
	Parent() Frame
	// Opener returns the context that opened this one, or nil.
	Opener() Frame
}

// StaticFrame is an in-memory Frame.
type StaticFrame struct {
	Globals     map[string]Native
	ParentFrame *StaticFrame
	OpenerFrame *StaticFrame
	CrossOrigin bool
}

// Lookup implements Frame.
func (f *StaticFrame) Lookup(global string) (Native, error) {
	if f.CrossOrigin {
		return nil, ErrCrossOrigin
	}
	return f.Globals[global], nil
}

// Parent implements Frame.
func (f *StaticFrame) Parent() Frame {
	if f.ParentFrame == nil {
		return nil
	}
	return f.ParentFrame
}

// Opener implements Frame.
func (f *StaticFrame) Opener() Frame {
	if f.OpenerFrame == nil {
		return nil
	}
	return f.OpenerFrame
}

// Blocking exposes api as a synchronous Native. Each invocation waits for the
// call to settle, at most timeout, and returns the op sentinel on failure.
func Blocking(api API, timeout time.Duration) Native {
	return NativeFunc(func(ctx context.Context, method string, args ...string) string {
		op, ok := ParseOp(method)
		if !ok {
			return ""
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return Dispatch(ctx, api, op, args...).Wait(ctx).Value
	})
}
