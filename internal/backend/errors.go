package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoLaunchURL indicates the launch endpoint answered without a usable scorm_url.
	ErrNoLaunchURL = errors.New("backend returned no launch url")
	// ErrUnavailable indicates the circuit breaker is refusing requests.
	ErrUnavailable = errors.New("backend temporarily unavailable")
)

// Error is a non-2xx answer from the backend.
type Error struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("backend: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Is matches another *Error by status code so callers can compare against a template.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.StatusCode == 0 || t.StatusCode == e.StatusCode
}

// Temporary reports whether retrying the request may succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// IsUnauthorized reports whether err is a backend 401 or 403.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// UserMessage returns the backend's message for err, or fallback when err
// did not come from a backend response.
func UserMessage(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}

func parseErrorResponse(method, path string, statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode, Method: method, Path: path}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"error", "message", "detail"} {
			if value, ok := payload[key].(string); ok && strings.TrimSpace(value) != "" {
				apiErr.Message = strings.TrimSpace(value)
				return apiErr
			}
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		text = http.StatusText(statusCode)
	}
	apiErr.Message = text
	return apiErr
}
