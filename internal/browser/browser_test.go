package browser

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoge-lms/scormbridge/internal/launch"
	"github.com/agoge-lms/scormbridge/internal/testutil"
)

// chromeEnv points the integration test at a running Chrome DevTools endpoint.
const chromeEnv = "SCORMBRIDGE_CHROME_URL"

func TestNewOpenerDefaults(t *testing.T) {
	t.Parallel()

	opener := NewOpener(Config{PlaceholderURL: "  "})
	assert.Equal(t, defaultNavigationTimeout, opener.cfg.NavigationTimeout)
	assert.Equal(t, blankURL, opener.cfg.PlaceholderURL)
	assert.NotNil(t, opener.logger)

	opener = NewOpener(Config{PlaceholderURL: "http://127.0.0.1:8740/launch/placeholder", NavigationTimeout: time.Second})
	assert.Equal(t, time.Second, opener.cfg.NavigationTimeout)
	assert.Equal(t, "http://127.0.0.1:8740/launch/placeholder", opener.cfg.PlaceholderURL)
}

func TestOpenFailsWhenChromeUnreachable(t *testing.T) {
	t.Parallel()

	opener := NewOpener(Config{ControlURL: "ws://127.0.0.1:1/devtools/browser/none"})
	t.Cleanup(func() { _ = opener.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	window, err := opener.Open(ctx)
	require.Error(t, err)
	assert.Nil(t, window)
	assert.Contains(t, err.Error(), "connect to chrome")
}

func TestOpenAfterCloseFails(t *testing.T) {
	t.Parallel()

	opener := NewOpener(Config{})
	require.NoError(t, opener.Close())
	_, err := opener.Open(context.Background())
	assert.ErrorIs(t, err, ErrBrowserClosed)
}

func TestClosedWindowRefusesNavigation(t *testing.T) {
	t.Parallel()

	window := &Window{timeout: time.Second}
	window.closed.Store(true)

	assert.True(t, window.Closed())
	assert.ErrorIs(t, window.Navigate(context.Background(), "https://cdn.example.com"), launch.ErrWindowClosed)
	assert.NoError(t, window.Close(), "closing twice is a no-op")
}

func TestAttachRuntimeRequiresOpenWindowAndBridgeURL(t *testing.T) {
	t.Parallel()

	window := &Window{timeout: time.Second}
	err := window.AttachRuntime(context.Background(), "session-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge url")

	window = &Window{bridgeURL: "https://bridge.example", version: "9.9", timeout: time.Second}
	err = window.AttachRuntime(context.Background(), "session-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render runtime api")

	window.closed.Store(true)
	assert.ErrorIs(t, window.AttachRuntime(context.Background(), "session-1"), launch.ErrWindowClosed)
}

func TestAttachedRuntimeReachesBridgeAgainstChrome(t *testing.T) {
	testutil.SkipIfShort(t)
	controlURL := os.Getenv(chromeEnv)
	if controlURL == "" {
		t.Skipf("%s not set", chromeEnv)
	}

	calls := make(chan string, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/course/index.html", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<!doctype html><title>course</title>")
	})
	mux.HandleFunc("/rte/session-1/call", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action    string `json:"action"`
			MessageID string `json:"messageId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		calls <- req.Action
		_ = json.NewEncoder(w).Encode(map[string]string{"messageId": req.MessageID, "result": "true"})
	})
	bridge := httptest.NewServer(mux)
	t.Cleanup(bridge.Close)

	opener := NewOpener(Config{ControlURL: controlURL, BridgeURL: bridge.URL, NavigationTimeout: 10 * time.Second})
	t.Cleanup(func() { _ = opener.Close() })
	ctx := testutil.Context(t)

	opened, err := opener.Open(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = opened.Close() })
	require.NoError(t, opened.AttachRuntime(ctx, "session-1"))
	require.NoError(t, opened.Navigate(ctx, bridge.URL+"/course/index.html"))

	window, ok := opened.(*Window)
	require.True(t, ok)
	result, err := window.page.Context(ctx).Eval(`() => window.API_1484_11.Initialize("")`)
	require.NoError(t, err)
	assert.Equal(t, "true", result.Value.Str())
	assert.Equal(t, "Initialize", <-calls)
}

func TestWindowLifecycleAgainstChrome(t *testing.T) {
	testutil.SkipIfShort(t)
	controlURL := os.Getenv(chromeEnv)
	if controlURL == "" {
		t.Skipf("%s not set", chromeEnv)
	}

	opener := NewOpener(Config{ControlURL: controlURL, NavigationTimeout: 10 * time.Second})
	t.Cleanup(func() { _ = opener.Close() })
	ctx := testutil.Context(t)

	window, err := opener.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, window.ShowPlaceholder(ctx))
	assert.False(t, window.Closed())

	require.NoError(t, window.Close())
	assert.True(t, window.Closed())
	err = window.Navigate(ctx, blankURL)
	assert.True(t, errors.Is(err, launch.ErrWindowClosed))
}
