package rte

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// SyncAPI wraps a same-origin Native. Calls settle before returning.
type SyncAPI struct {
	native  Native
	version Version
	closed  atomic.Bool
}

// NewSyncAPI binds native under version.
func NewSyncAPI(native Native, version Version) (*SyncAPI, error) {
	if native == nil {
		return nil, errors.New("native api is required")
	}
	if version != Version12 && version != Version2004 {
		return nil, fmt.Errorf("unsupported scorm version %q", version)
	}
	return &SyncAPI{native: native, version: version}, nil
}

func (s *SyncAPI) Initialize(ctx context.Context) *Call { return s.invoke(ctx, OpInitialize, "") }
func (s *SyncAPI) Terminate(ctx context.Context) *Call  { return s.invoke(ctx, OpTerminate, "") }
func (s *SyncAPI) Commit(ctx context.Context) *Call     { return s.invoke(ctx, OpCommit, "") }

func (s *SyncAPI) GetValue(ctx context.Context, name string) *Call {
	return s.invoke(ctx, OpGetValue, name)
}

func (s *SyncAPI) SetValue(ctx context.Context, name, value string) *Call {
	return s.invoke(ctx, OpSetValue, name, value)
}

func (s *SyncAPI) GetLastError(ctx context.Context) *Call {
	return s.invoke(ctx, OpGetLastError)
}

func (s *SyncAPI) GetErrorString(ctx context.Context, code string) *Call {
	return s.invoke(ctx, OpGetErrorString, code)
}

// Version implements API.
func (s *SyncAPI) Version() Version { return s.version }

// Mode implements API.
func (s *SyncAPI) Mode() Mode { return ModeDirect }

// Close makes later calls fail with ErrClosed.
func (s *SyncAPI) Close(error) {
	s.closed.Store(true)
}

func (s *SyncAPI) invoke(ctx context.Context, op Op, args ...string) *Call {
	if s.closed.Load() {
		return Failed(op, ErrClosed)
	}
	value := s.native.Invoke(ctx, s.version.Method(op), args...)
	result := Result{Value: value}

	// Error queries describe the previous call and must not be chained.
	if op == OpGetLastError || op == OpGetErrorString {
		return Resolved(op, result)
	}
	code := s.native.Invoke(ctx, s.version.Method(OpGetLastError))
	if code != "" && code != ErrorNone {
		result.ErrorCode = code
		result.ErrorMsg = s.native.Invoke(ctx, s.version.Method(OpGetErrorString), code)
	}
	return Resolved(op, result)
}
