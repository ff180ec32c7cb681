package rte

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agoge-lms/scormbridge/internal/correlation"
	"github.com/agoge-lms/scormbridge/internal/events"
	"github.com/agoge-lms/scormbridge/internal/origin"
	"github.com/agoge-lms/scormbridge/internal/protocol"
	"github.com/agoge-lms/scormbridge/internal/telemetry/invariants"
	"github.com/agoge-lms/scormbridge/internal/transport"
)

// NotificationHandler receives notifications that passed the origin guard.
type NotificationHandler func(ctx context.Context, notification protocol.Notification)

// ProxyOption configures a ProxyAPI.
type ProxyOption func(*ProxyAPI)

// WithProxyTimeout bounds each proxied call.
func WithProxyTimeout(timeout time.Duration) ProxyOption {
	return func(p *ProxyAPI) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithProxyLogger sets the proxy logger.
func WithProxyLogger(logger *log.Logger) ProxyOption {
	return func(p *ProxyAPI) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProxyPublisher publishes untrusted-origin and timeout events.
func WithProxyPublisher(publisher events.Publisher) ProxyOption {
	return func(p *ProxyAPI) {
		p.publisher = publisher
	}
}

// WithProxyNotifications forwards trusted notifications to handler.
func WithProxyNotifications(handler NotificationHandler) ProxyOption {
	return func(p *ProxyAPI) {
		p.onNotification = handler
	}
}

// WithProxyTracer sets the tracer used for proxied call spans.
func WithProxyTracer(tracer trace.Tracer) ProxyOption {
	return func(p *ProxyAPI) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// ProxyAPI forwards every call across an origin boundary and settles it when
// the matching response arrives. It owns the endpoint it is given.
type ProxyAPI struct {
	endpoint transport.Endpoint
	guard    *origin.Guard
	version  Version
	table    *correlation.Table

	timeout        time.Duration
	logger         *log.Logger
	publisher      events.Publisher
	onNotification NotificationHandler
	tracer         trace.Tracer

	closeOnce sync.Once
	closing   chan struct{}
	stopped   chan struct{}
}

// NewProxyAPI starts reading endpoint. Only messages whose origin passes guard
// are considered.
func NewProxyAPI(endpoint transport.Endpoint, guard *origin.Guard, version Version, options ...ProxyOption) (*ProxyAPI, error) {
	if endpoint == nil {
		return nil, errors.New("endpoint is required")
	}
	if guard == nil {
		return nil, errors.New("origin guard is required")
	}
	if version == "" {
		version = Version2004
	}
	if version != Version12 && version != Version2004 {
		return nil, fmt.Errorf("unsupported scorm version %q", version)
	}

	proxy := &ProxyAPI{
		endpoint: endpoint,
		guard:    guard,
		version:  version,
		timeout:  correlation.DefaultTimeout,
		logger:   log.New(io.Discard),
		tracer:   otel.Tracer("scormbridge/rte"),
		closing:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(proxy)
	}
	proxy.table = correlation.NewTable(
		correlation.WithTimeout(proxy.timeout),
		correlation.WithLogger(proxy.logger),
	)

	go proxy.run()
	return proxy, nil
}

func (p *ProxyAPI) Initialize(ctx context.Context) *Call { return p.invoke(ctx, OpInitialize, "") }
func (p *ProxyAPI) Terminate(ctx context.Context) *Call  { return p.invoke(ctx, OpTerminate, "") }
func (p *ProxyAPI) Commit(ctx context.Context) *Call     { return p.invoke(ctx, OpCommit, "") }

func (p *ProxyAPI) GetValue(ctx context.Context, name string) *Call {
	return p.invoke(ctx, OpGetValue, name)
}

func (p *ProxyAPI) SetValue(ctx context.Context, name, value string) *Call {
	return p.invoke(ctx, OpSetValue, name, value)
}

func (p *ProxyAPI) GetLastError(ctx context.Context) *Call {
	return p.invoke(ctx, OpGetLastError)
}

func (p *ProxyAPI) GetErrorString(ctx context.Context, code string) *Call {
	return p.invoke(ctx, OpGetErrorString, code)
}

// Version implements API.
func (p *ProxyAPI) Version() Version { return p.version }

// Mode implements API.
func (p *ProxyAPI) Mode() Mode { return ModeProxy }

// Pending returns the number of calls awaiting a response.
func (p *ProxyAPI) Pending() int {
	return p.table.Len()
}

// Done is closed once the reader goroutine has exited.
func (p *ProxyAPI) Done() <-chan struct{} {
	return p.stopped
}

// Close rejects every pending call and closes the endpoint. It does not wait
// for the reader goroutine; use Done for that.
func (p *ProxyAPI) Close(cause error) {
	p.closeOnce.Do(func() {
		close(p.closing)
		if cause == nil {
			cause = ErrClosed
		} else if !errors.Is(cause, ErrClosed) {
			cause = fmt.Errorf("%w: %w", ErrClosed, cause)
		}
		p.table.Close(context.Background(), cause)
		_ = p.endpoint.Close()
	})
}

func (p *ProxyAPI) invoke(ctx context.Context, op Op, params ...string) *Call {
	call := newCall(op)
	ctx, span := p.tracer.Start(ctx, "rte.proxy."+string(op))
	span.SetAttributes(
		attribute.String("rte.version", string(p.version)),
		attribute.String("rte.action", string(op)),
	)

	pending, err := p.table.Register(string(op))
	if err != nil {
		if errors.Is(err, correlation.ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
		settleSpan(span, err)
		call.resolve(failure(op, err))
		return call
	}
	span.SetAttributes(attribute.String("rte.message_id", pending.MessageID))

	data, err := protocol.Encode(protocol.NewRequest(string(op), pending.MessageID, params...))
	if err == nil {
		err = p.endpoint.Post(ctx, data)
	}
	if err != nil {
		err = fmt.Errorf("post %s request: %w", op, err)
		if errors.Is(err, transport.ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
		p.table.Reject(pending.MessageID, err)
	}

	go func() {
		// Every pending settles through a response, timeout, reject or close.
		outcome, err := pending.Wait(context.Background())
		if err != nil {
			if errors.Is(err, correlation.ErrTimeout) {
				p.publish(events.Event{
					Type:       events.EventTypeProxyTimeout,
					EntityType: "message",
					EntityID:   pending.MessageID,
					Payload:    events.ProxyTimeout{MessageID: pending.MessageID, Action: string(op), Timeout: p.timeout},
					Severity:   events.SeverityWarn,
				})
			}
			if errors.Is(err, correlation.ErrClosed) && !errors.Is(err, ErrClosed) {
				err = fmt.Errorf("%w: %w", ErrClosed, err)
			}
			settleSpan(span, err)
			call.resolve(failure(op, err))
			return
		}
		settleSpan(span, nil)
		call.resolve(Result{Value: outcome.Result, ErrorCode: outcome.ErrorCode, ErrorMsg: outcome.ErrorMsg})
	}()
	return call
}

func (p *ProxyAPI) run() {
	defer close(p.stopped)

	for {
		select {
		case <-p.closing:
			return
		case <-p.endpoint.Done():
			p.table.Close(context.Background(), transport.ErrClosed)
			return
		case msg := <-p.endpoint.Messages():
			p.handle(msg)
		}
	}
}

func (p *ProxyAPI) handle(msg transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.With("panic", fmt.Sprint(r)).Error("recovered from panic while handling bridge message")
		}
	}()

	ctx := context.Background()
	if !acceptOrigin(ctx, p.guard, msg.Origin, "rte.proxy.receive", p.logger, p.publisher) {
		return
	}
	decoded, err := protocol.Decode(msg.Data)
	if err != nil {
		p.logger.With("error", err).Debug("discarding malformed bridge message")
		return
	}

	switch decoded.Kind {
	case protocol.KindResponse:
		resp := decoded.Response
		p.table.Resolve(ctx, resp.MessageID, correlation.Outcome{
			Result:    resp.Result.String(),
			ErrorCode: resp.ErrorCode,
			ErrorMsg:  resp.ErrorMsg,
		})
	case protocol.KindNotification:
		if p.onNotification != nil {
			p.onNotification(ctx, *decoded.Notification)
		}
	default:
		p.logger.With("action", decoded.Request.Action).Debug("ignoring request sent to proxy side")
	}
}

func (p *ProxyAPI) publish(event events.Event) {
	if p.publisher != nil {
		p.publisher.Publish(event)
	}
}

// acceptOrigin applies guard to an inbound message origin, recording and
// publishing rejections.
func acceptOrigin(
	ctx context.Context,
	guard *origin.Guard,
	messageOrigin string,
	where string,
	logger *log.Logger,
	publisher events.Publisher,
) bool {
	trusted := guard.Allowed(messageOrigin)
	if invariants.CheckOriginTrusted(ctx, where, messageOrigin, trusted) {
		return true
	}
	logger.With("origin", messageOrigin, "where", where).Warn("ignoring message from untrusted origin")
	if publisher != nil {
		publisher.Publish(events.Event{
			Type:       events.EventTypeUntrustedOrigin,
			EntityType: "origin",
			EntityID:   messageOrigin,
			Payload:    events.UntrustedOrigin{Origin: messageOrigin, Where: where},
			Severity:   events.SeverityWarn,
		})
	}
	return false
}

func settleSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
