package origin

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ErrUntrustedOrigin marks a cross-context message from an origin outside the allow-list.
var ErrUntrustedOrigin = errors.New("untrusted message origin")

// Guard accepts messages only from a fixed allow-list of origins.
// A Guard is immutable after construction and safe to share across sessions.
type Guard struct {
	allowed map[string]struct{}
}

// NewGuard normalizes the configured origins into an allow-list.
// Wildcards and the opaque "null" origin are rejected.
func NewGuard(origins []string) (*Guard, error) {
	allowed := make(map[string]struct{}, len(origins))
	for _, raw := range origins {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		normalized, err := Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("allowed origin %q: %w", raw, err)
		}
		allowed[normalized] = struct{}{}
	}
	if len(allowed) == 0 {
		return nil, errors.New("at least one allowed origin is required")
	}
	return &Guard{allowed: allowed}, nil
}

// Allowed reports whether origin is on the allow-list.
func (g *Guard) Allowed(origin string) bool {
	if g == nil {
		return false
	}
	normalized, err := Normalize(origin)
	if err != nil {
		return false
	}
	_, ok := g.allowed[normalized]
	return ok
}

// Check returns ErrUntrustedOrigin when origin is not allow-listed.
func (g *Guard) Check(origin string) error {
	if g.Allowed(origin) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUntrustedOrigin, origin)
}

// CheckRequest validates the Origin header of an HTTP request. It fits
// websocket.Upgrader.CheckOrigin.
func (g *Guard) CheckRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	return g.Allowed(r.Header.Get("Origin"))
}

// Origins returns the sorted allow-list.
func (g *Guard) Origins() []string {
	if g == nil {
		return nil
	}
	out := make([]string, 0, len(g.allowed))
	for o := range g.allowed {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// Normalize reduces an origin or URL to lower-case scheme://host[:port],
// dropping default ports, paths, queries and fragments.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" || strings.Contains(raw, "*") {
		return "", fmt.Errorf("unsupported origin %q", raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported origin scheme %q", parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("origin %q has no host", raw)
	}
	port := parsed.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return scheme + "://" + host + ":" + port, nil
	}
	return scheme + "://" + host, nil
}
