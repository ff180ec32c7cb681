// Package browser drives a real Chrome through the DevTools protocol. Each
// launch attempt gets its own tab; the controller polls it for closure.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/agoge-lms/scormbridge/internal/launch"
	"github.com/agoge-lms/scormbridge/internal/rte"
	"github.com/agoge-lms/scormbridge/internal/shim"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	closeCheckTimeout        = 2 * time.Second
	blankURL                 = "about:blank"
)

// ErrBrowserClosed is returned by Open after Close.
var ErrBrowserClosed = errors.New("browser closed")

// Config controls how Chrome is reached.
type Config struct {
	// ControlURL connects to an already running Chrome. Empty launches one.
	ControlURL string
	// Bin overrides the Chrome binary used when launching.
	Bin      string
	Headless bool
	// PlaceholderURL is shown while the launch URL is fetched.
	PlaceholderURL string
	// BridgeURL is the relay base URL the injected runtime API calls.
	BridgeURL         string
	Version           rte.Version
	NavigationTimeout time.Duration
	Logger            *log.Logger
}

// Opener opens one tab per launch attempt. It implements launch.Opener.
type Opener struct {
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	closed   bool
}

var _ launch.Opener = (*Opener)(nil)

// NewOpener builds an Opener. Chrome is started or connected lazily on the
// first Open.
func NewOpener(cfg Config) *Opener {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	cfg.PlaceholderURL = strings.TrimSpace(cfg.PlaceholderURL)
	if cfg.PlaceholderURL == "" {
		cfg.PlaceholderURL = blankURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Opener{cfg: cfg, logger: logger}
}

// Open creates a new blank tab.
func (o *Opener) Open(ctx context.Context) (launch.Window, error) {
	browser, err := o.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: blankURL})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	// Detach the page from the Open context; it lives until closed.
	page = page.Context(context.Background())
	o.logger.With("target_id", string(page.TargetID)).Debug("tab opened")
	return &Window{
		page:           page,
		placeholderURL: o.cfg.PlaceholderURL,
		bridgeURL:      o.cfg.BridgeURL,
		version:        o.cfg.Version,
		timeout:        o.cfg.NavigationTimeout,
		logger:         o.logger,
	}, nil
}

// ControlURL returns the DevTools URL once connected.
func (o *Opener) ControlURL() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.ControlURL
}

// Close disconnects from Chrome and stops it if this Opener launched it.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	var err error
	if o.browser != nil {
		err = o.browser.Close()
		o.browser = nil
	}
	if o.launcher != nil {
		o.launcher.Kill()
		o.launcher = nil
	}
	return err
}

func (o *Opener) ensureStarted(ctx context.Context) (*rod.Browser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrBrowserClosed
	}
	if o.browser != nil {
		if _, err := o.browser.Version(); err == nil {
			return o.browser, nil
		}
		o.logger.Warn("stale browser connection, reconnecting")
		_ = o.browser.Close()
		o.browser = nil
	}

	controlURL := strings.TrimSpace(o.cfg.ControlURL)
	if controlURL == "" {
		l := launcher.New().Headless(o.cfg.Headless)
		if bin := strings.TrimSpace(o.cfg.Bin); bin != "" {
			l = l.Bin(bin)
		}
		u, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		o.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	o.browser = browser
	o.cfg.ControlURL = controlURL
	o.logger.With("control_url", controlURL).Info("connected to chrome")
	return browser, nil
}

// Window is one Chrome tab. It implements launch.Window.
type Window struct {
	page           *rod.Page
	placeholderURL string
	bridgeURL      string
	version        rte.Version
	timeout        time.Duration
	logger         *log.Logger
	closed         atomic.Bool

	mu            sync.Mutex
	removeRuntime func() error
}

var _ launch.Window = (*Window)(nil)

// ShowPlaceholder loads the placeholder page.
func (w *Window) ShowPlaceholder(ctx context.Context) error {
	return w.Navigate(ctx, w.placeholderURL)
}

// AttachRuntime registers the SCORM API for sessionID to run before any
// script of each document the tab loads. A previous registration is removed.
func (w *Window) AttachRuntime(ctx context.Context, sessionID string) error {
	if w.closed.Load() {
		return launch.ErrWindowClosed
	}
	if strings.TrimSpace(w.bridgeURL) == "" {
		return errors.New("bridge url is not configured")
	}
	script, err := shim.Script(shim.Config{PublicURL: w.bridgeURL, SessionID: sessionID, Version: w.version})
	if err != nil {
		return fmt.Errorf("render runtime api: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.removeRuntime != nil {
		if err := w.removeRuntime(); err != nil && w.logger != nil {
			w.logger.With("error", err).Debug("remove previous runtime api")
		}
		w.removeRuntime = nil
	}
	remove, err := w.page.Context(ctx).EvalOnNewDocument(script)
	if err != nil {
		return fmt.Errorf("install runtime api: %w", err)
	}
	w.removeRuntime = remove
	return nil
}

// Navigate loads rawURL in the tab.
func (w *Window) Navigate(ctx context.Context, rawURL string) error {
	if w.closed.Load() {
		return launch.ErrWindowClosed
	}
	if err := w.page.Context(ctx).Timeout(w.timeout).Navigate(rawURL); err != nil {
		return fmt.Errorf("navigate tab: %w", err)
	}
	return nil
}

// Closed reports whether the tab is gone, either closed here or by the user.
func (w *Window) Closed() bool {
	if w.closed.Load() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeCheckTimeout)
	defer cancel()
	if _, err := w.page.Context(ctx).Info(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// A slow check is not a closed tab.
			return false
		}
		w.closed.Store(true)
		return true
	}
	return false
}

// Close closes the tab.
func (w *Window) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	if err := w.page.Close(); err != nil {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}
