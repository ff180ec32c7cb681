package rte

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoAPI indicates discovery found neither a reachable API object nor a proxy channel.
	ErrNoAPI = errors.New("no scorm runtime api available")
	// ErrClosed indicates the bridge was closed before the call completed.
	ErrClosed = errors.New("runtime bridge closed")
	// ErrUnknownAction indicates a request named an action outside the RTE surface.
	ErrUnknownAction = errors.New("unknown rte action")
)

// Mode tells how an API reaches the tracking store.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeProxy  Mode = "proxy"
)

// API is the SCORM runtime surface exposed to content. Every method returns a
// Call; direct implementations settle it before returning.
type API interface {
	Initialize(ctx context.Context) *Call
	Terminate(ctx context.Context) *Call
	GetValue(ctx context.Context, name string) *Call
	SetValue(ctx context.Context, name, value string) *Call
	Commit(ctx context.Context) *Call
	GetLastError(ctx context.Context) *Call
	GetErrorString(ctx context.Context, code string) *Call
	Version() Version
	Mode() Mode
	// Close settles every outstanding call with a failure wrapping ErrClosed.
	Close(cause error)
}

// Dispatch invokes op on api with positional params.
func Dispatch(ctx context.Context, api API, op Op, params ...string) *Call {
	if api == nil {
		return Failed(op, ErrNoAPI)
	}
	param := func(i int) string {
		if i < len(params) {
			return params[i]
		}
		return ""
	}
	switch op {
	case OpInitialize:
		return api.Initialize(ctx)
	case OpTerminate:
		return api.Terminate(ctx)
	case OpGetValue:
		return api.GetValue(ctx, param(0))
	case OpSetValue:
		return api.SetValue(ctx, param(0), param(1))
	case OpCommit:
		return api.Commit(ctx)
	case OpGetLastError:
		return api.GetLastError(ctx)
	case OpGetErrorString:
		return api.GetErrorString(ctx, param(0))
	default:
		return Failed(op, fmt.Errorf("%w: %q", ErrUnknownAction, op))
	}
}
