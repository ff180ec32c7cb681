package rte

import (
	"context"
	"errors"

	"github.com/agoge-lms/scormbridge/internal/origin"
	"github.com/agoge-lms/scormbridge/internal/transport"
)

// DefaultSearchDepth bounds how many ancestors are inspected per chain.
const DefaultSearchDepth = 7

// DiscoverOptions configures Discover.
type DiscoverOptions struct {
	// MaxDepth bounds the parent walk of each chain.
	MaxDepth int
	// Proxy, when set, is used if no same-origin API object is reachable.
	Proxy transport.Endpoint
	// Guard filters proxy inbound messages. Required with Proxy.
	Guard *origin.Guard
	// ProxyVersion is the version announced by the proxy. Defaults to 2004.
	ProxyVersion Version
	ProxyOptions []ProxyOption
}

// Discover locates the runtime API from frame. It checks the frame itself,
// then its parents, then the opener chain, stopping a chain at the first
// cross-origin context. When nothing is reachable it falls back to a
// ProxyAPI over opts.Proxy, or returns ErrNoAPI.
func Discover(_ context.Context, frame Frame, opts DiscoverOptions) (API, error) {
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = DefaultSearchDepth
	}

	if frame != nil {
		native, version, top := searchChain(frame, depth)
		if native == nil && top != nil {
			if opener := top.Opener(); opener != nil {
				native, version, _ = searchChain(opener, depth)
			}
		}
		if native != nil {
			return NewSyncAPI(native, version)
		}
	}

	if opts.Proxy == nil {
		return nil, ErrNoAPI
	}
	return NewProxyAPI(opts.Proxy, opts.Guard, opts.ProxyVersion, opts.ProxyOptions...)
}

// searchChain inspects frame and up to depth parents. It returns the found
// object and the top-most accessible frame reached.
func searchChain(frame Frame, depth int) (Native, Version, Frame) {
	var last Frame
	current := frame
	for i := 0; current != nil && i <= depth; i++ {
		native, version, err := lookupAPI(current)
		if err != nil {
			return nil, "", last
		}
		if native != nil {
			return native, version, current
		}
		last = current
		current = current.Parent()
	}
	return nil, "", last
}

func lookupAPI(frame Frame) (Native, Version, error) {
	for _, version := range []Version{Version2004, Version12} {
		native, err := frame.Lookup(version.Global())
		if errors.Is(err, ErrCrossOrigin) {
			return nil, "", err
		}
		if err != nil {
			continue
		}
		if native != nil {
			return native, version, nil
		}
	}
	return nil, "", nil
}
