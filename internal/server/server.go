// Package server exposes the host HTTP surface: the relay endpoints content
// reaches the runtime bridge through, the placeholder page shown while a
// launch URL is fetched, and a health check.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/agoge-lms/scormbridge/internal/events"
	"github.com/agoge-lms/scormbridge/internal/origin"
	"github.com/agoge-lms/scormbridge/internal/protocol"
	"github.com/agoge-lms/scormbridge/internal/relay"
	"github.com/agoge-lms/scormbridge/internal/rte"
	"github.com/agoge-lms/scormbridge/internal/shim"
	"github.com/agoge-lms/scormbridge/internal/telemetry/invariants"
	"github.com/agoge-lms/scormbridge/internal/transport"
)

const (
	// PlaceholderPath serves the page shown in a freshly opened window.
	PlaceholderPath = "/launch/placeholder"
	// HealthPath answers liveness checks.
	HealthPath = "/healthz"

	socketPath    = "/rte/:session/ws"
	callPath      = "/rte/:session/call"
	scriptPath    = "/rte/:session/api.js"
	socketBufSize = 64 * 1024
	maxCallBody   = 1 << 20

	defaultCallTimeout = 30 * time.Second
)

const placeholderHTML = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Loading course</title></head>
<body><p>Loading course...</p></body>
</html>
`

// Relay is the subset of the relay hub served over HTTP.
type Relay interface {
	Has(id string) bool
	Attach(ctx context.Context, id string, endpoint transport.Endpoint) error
	Call(ctx context.Context, id string, msg transport.Message) ([]byte, error)
	Bindings(ctx context.Context) ([]relay.Info, error)
}

// Health is the body of the health check.
type Health struct {
	Status     string            `json:"status"`
	Sessions   int               `json:"sessions"`
	Violations map[string]uint64 `json:"invariant_violations,omitempty"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher publishes rejected handshakes.
func WithPublisher(publisher events.Publisher) Option {
	return func(s *Server) {
		s.publisher = publisher
	}
}

// WithRequestLogs logs one line per HTTP request.
func WithRequestLogs(enabled bool) Option {
	return func(s *Server) {
		s.requestLogs = enabled
	}
}

// WithPublicURL sets the base URL rendered into served runtime scripts.
// Without it the request host is used.
func WithPublicURL(publicURL string) Option {
	return func(s *Server) {
		s.publicURL = strings.TrimSpace(publicURL)
	}
}

// WithVersion sets the SCORM API generation served scripts install.
func WithVersion(version rte.Version) Option {
	return func(s *Server) {
		if version != "" {
			s.version = version
		}
	}
}

// WithCallTimeout bounds each HTTP runtime call.
func WithCallTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.callTimeout = timeout
		}
	}
}

// Server is the echo application in front of the relay hub.
type Server struct {
	guard       *origin.Guard
	relay       Relay
	logger      *log.Logger
	publisher   events.Publisher
	requestLogs bool
	publicURL   string
	version     rte.Version
	callTimeout time.Duration
	upgrader    websocket.Upgrader
	app         *echo.Echo
}

var _ http.Handler = (*Server)(nil)

// New builds the server. Handshakes from origins outside guard are refused
// before the upgrade.
func New(guard *origin.Guard, hub Relay, options ...Option) (*Server, error) {
	if guard == nil {
		return nil, errors.New("origin guard is required")
	}
	if hub == nil {
		return nil, errors.New("relay is required")
	}
	s := &Server{
		guard:       guard,
		relay:       hub,
		logger:      log.New(io.Discard),
		version:     rte.Version2004,
		callTimeout: defaultCallTimeout,
		app:         echo.New(),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  socketBufSize,
		WriteBufferSize: socketBufSize,
		CheckOrigin:     guard.CheckRequest,
	}
	s.setup()
	return s, nil
}

func (s *Server) setup() {
	s.app.HideBanner = true
	s.app.HidePort = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if s.requestLogs {
		s.app.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod:  true,
			LogURI:     true,
			LogStatus:  true,
			LogLatency: true,
			LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
				s.logger.With("method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency).Info("http request")
				return nil
			},
		}))
	}
	s.app.Use(middleware.Recover())

	cors := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(requestOrigin string) (bool, error) {
			return s.guard.Allowed(requestOrigin), nil
		},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderContentType},
	})

	s.app.GET(HealthPath, s.health)
	s.app.GET(PlaceholderPath, placeholder)
	s.app.GET(socketPath, s.socket)
	s.app.GET(scriptPath, s.script, cors)
	s.app.POST(callPath, s.call, cors)
	s.app.OPTIONS(callPath, echo.MethodNotAllowedHandler, cors)
}

// ServeHTTP lets the server run under any http.Server or httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.app.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.With("addr", addr).Info("http server listening")
	if err := s.app.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	infos, err := s.relay.Bindings(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	health := Health{Status: "ok", Sessions: len(infos)}
	if counts := invariants.Counts(); len(counts) > 0 {
		health.Violations = counts
	}
	return c.JSON(http.StatusOK, health)
}

func placeholder(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.HTML(http.StatusOK, placeholderHTML)
}

func (s *Server) socket(c echo.Context) error {
	id := strings.TrimSpace(c.Param("session"))
	requestOrigin := c.Request().Header.Get(echo.HeaderOrigin)
	logger := s.logger.With("session_id", id, "origin", requestOrigin)

	if !s.guard.CheckRequest(c.Request()) {
		logger.Warn("refused relay handshake from untrusted origin")
		return s.refuse(id, requestOrigin, "handshake")
	}
	if id == "" || !s.relay.Has(id) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown relay session")
	}

	conn, err := transport.Accept(c.Response(), c.Request(), &s.upgrader)
	if err != nil {
		// The upgrader has already written the failure response.
		logger.With("error", err).Warn("relay handshake failed")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.relay.Attach(ctx, id, conn); err != nil {
		logger.With("error", err).Warn("attach relay session")
		if closeErr := conn.Close(); closeErr != nil {
			logger.With("error", closeErr).Debug("close refused connection")
		}
		return nil
	}
	logger.Info("relay session connected")
	return nil
}

// call serves one synchronous runtime call from the injected API.
func (s *Server) call(c echo.Context) error {
	id := strings.TrimSpace(c.Param("session"))
	requestOrigin := c.Request().Header.Get(echo.HeaderOrigin)
	logger := s.logger.With("session_id", id, "origin", requestOrigin)

	if !s.guard.CheckRequest(c.Request()) {
		logger.Warn("refused runtime call from untrusted origin")
		return s.refuse(id, requestOrigin, "call")
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCallBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read call body")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.callTimeout)
	defer cancel()
	reply, err := s.relay.Call(ctx, id, transport.Message{Origin: requestOrigin, Data: body})
	switch {
	case err == nil && reply == nil:
		return c.NoContent(http.StatusNoContent)
	case err == nil:
		c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, reply)
	case errors.Is(err, relay.ErrUnknownSession):
		return echo.NewHTTPError(http.StatusNotFound, "unknown relay session")
	case errors.Is(err, relay.ErrAlreadyAttached):
		return echo.NewHTTPError(http.StatusConflict, "relay session served elsewhere")
	case errors.Is(err, protocol.ErrMalformed):
		return echo.NewHTTPError(http.StatusBadRequest, "malformed runtime call")
	case errors.Is(err, context.DeadlineExceeded):
		logger.With("error", err).Warn("runtime call timed out")
		return echo.NewHTTPError(http.StatusGatewayTimeout, "runtime call timed out")
	default:
		logger.With("error", err).Warn("runtime call failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "runtime call failed")
	}
}

// script serves the runtime API for content that loads it with a script tag
// instead of having it injected.
func (s *Server) script(c echo.Context) error {
	id := strings.TrimSpace(c.Param("session"))
	publicURL := s.publicURL
	if publicURL == "" {
		publicURL = c.Scheme() + "://" + c.Request().Host
	}
	script, err := shim.Script(shim.Config{PublicURL: publicURL, SessionID: id, Version: s.version})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Blob(http.StatusOK, "application/javascript; charset=utf-8", []byte(script))
}

func (s *Server) refuse(id, requestOrigin, where string) error {
	s.publish(events.Event{
		Type:       events.EventTypeUntrustedOrigin,
		EntityType: "binding",
		EntityID:   id,
		Severity:   events.SeverityWarn,
		Payload:    events.UntrustedOrigin{Origin: requestOrigin, Where: where},
	})
	return echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
}

func (s *Server) publish(event events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(event)
	}
}
