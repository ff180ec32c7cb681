package rte

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/agoge-lms/scormbridge/internal/events"
	"github.com/agoge-lms/scormbridge/internal/origin"
	"github.com/agoge-lms/scormbridge/internal/protocol"
	"github.com/agoge-lms/scormbridge/internal/transport"
)

const defaultResponderCallTimeout = 30 * time.Second

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithResponderLogger sets the responder logger.
func WithResponderLogger(logger *log.Logger) ResponderOption {
	return func(r *Responder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResponderPublisher publishes untrusted-origin events.
func WithResponderPublisher(publisher events.Publisher) ResponderOption {
	return func(r *Responder) {
		r.publisher = publisher
	}
}

// WithResponderNotifications forwards trusted notifications to handler.
func WithResponderNotifications(handler NotificationHandler) ResponderOption {
	return func(r *Responder) {
		r.onNotification = handler
	}
}

// WithResponderCallTimeout bounds each dispatched call.
func WithResponderCallTimeout(timeout time.Duration) ResponderOption {
	return func(r *Responder) {
		if timeout > 0 {
			r.callTimeout = timeout
		}
	}
}

// Responder serves proxied RTE requests arriving on an endpoint from a
// host-side API, one request at a time, and answers on the same endpoint.
type Responder struct {
	endpoint transport.Endpoint
	guard    *origin.Guard
	api      API

	logger         *log.Logger
	publisher      events.Publisher
	onNotification NotificationHandler
	callTimeout    time.Duration
	nextID         func() string
}

// NewResponder binds api to endpoint.
func NewResponder(endpoint transport.Endpoint, guard *origin.Guard, api API, options ...ResponderOption) (*Responder, error) {
	if endpoint == nil {
		return nil, errors.New("endpoint is required")
	}
	if guard == nil {
		return nil, errors.New("origin guard is required")
	}
	if api == nil {
		return nil, errors.New("host api is required")
	}
	responder := &Responder{
		endpoint:    endpoint,
		guard:       guard,
		api:         api,
		logger:      log.New(io.Discard),
		callTimeout: defaultResponderCallTimeout,
		nextID:      uuid.NewString,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(responder)
	}
	return responder, nil
}

// Run serves requests until ctx ends or the endpoint closes.
func (r *Responder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.endpoint.Done():
			return nil
		case msg := <-r.endpoint.Messages():
			r.handle(ctx, msg)
		}
	}
}

// Notify posts a host notification such as protocol.NotificationReady.
func (r *Responder) Notify(ctx context.Context, notificationType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal notification payload: %w", err)
		}
		raw = data
	}
	data, err := protocol.Encode(protocol.Notification{Type: notificationType, Payload: raw, MessageID: r.nextID()})
	if err != nil {
		return err
	}
	if err := r.endpoint.Post(ctx, data); err != nil {
		return fmt.Errorf("post %s notification: %w", notificationType, err)
	}
	return nil
}

func (r *Responder) handle(ctx context.Context, msg transport.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.With("panic", fmt.Sprint(rec)).Error("recovered from panic while serving bridge request")
		}
	}()

	if !acceptOrigin(ctx, r.guard, msg.Origin, "rte.responder.receive", r.logger, r.publisher) {
		return
	}
	decoded, err := protocol.Decode(msg.Data)
	if err != nil {
		r.logger.With("error", err).Debug("discarding malformed bridge message")
		return
	}

	switch decoded.Kind {
	case protocol.KindRequest:
		r.serve(ctx, *decoded.Request)
	case protocol.KindNotification:
		if r.onNotification != nil {
			r.onNotification(ctx, *decoded.Notification)
		}
	default:
		r.logger.With("message_id", decoded.Response.MessageID).Debug("ignoring response sent to host side")
	}
}

func (r *Responder) serve(ctx context.Context, req protocol.Request) {
	resp := protocol.Response{MessageID: req.MessageID}

	op, ok := ParseOp(req.Action)
	if !ok {
		resp.ErrorCode = ErrorNotImplemented
		resp.ErrorMsg = fmt.Sprintf("unknown action %q", req.Action)
	} else {
		params := make([]string, 0, len(req.Params))
		for _, p := range req.Params {
			params = append(params, p.String())
		}
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		result := Dispatch(callCtx, r.api, op, params...).Wait(callCtx)
		cancel()

		resp.Result = protocol.Value(result.Value)
		resp.ErrorCode = result.ErrorCode
		resp.ErrorMsg = result.ErrorMsg
		if result.Err != nil {
			r.logger.With("action", op, "message_id", req.MessageID, "error", result.Err).Warn("host api call failed")
		}
	}

	data, err := protocol.Encode(resp)
	if err != nil {
		r.logger.With("message_id", req.MessageID, "error", err).Error("encode bridge response")
		return
	}
	if err := r.endpoint.Post(ctx, data); err != nil {
		r.logger.With("message_id", req.MessageID, "error", err).Warn("post bridge response")
	}
}
