package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/agoge-lms/scormbridge/internal/events"
	"github.com/agoge-lms/scormbridge/internal/protocol"
	"github.com/agoge-lms/scormbridge/internal/rte"
	"github.com/agoge-lms/scormbridge/internal/state"
	"github.com/agoge-lms/scormbridge/internal/tracking"
	"github.com/agoge-lms/scormbridge/internal/transport"
)

const terminateTimeout = 5 * time.Second

// Info describes a binding for health checks.
type Info struct {
	ID          string    `json:"id"`
	CourseID    string    `json:"course_id"`
	LearnerID   string    `json:"learner_id"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	PeerDone    bool      `json:"peer_done"`
}

// ReadyPayload is sent to content with the scorm:ready notification.
type ReadyPayload struct {
	SessionID string `json:"sessionId"`
	CourseID  string `json:"courseId"`
	Version   string `json:"version"`
}

// Binding is the host side of one launch attempt's runtime bridge.
type Binding struct {
	hub            *Hub
	id             string
	courseID       string
	learnerID      string
	onNotification rte.NotificationHandler
	createdAt      time.Time
	logger         *log.Logger

	// attachMu serializes the lazy attach done by HTTP calls.
	attachMu sync.Mutex

	mu          sync.Mutex
	state       string
	connectedAt time.Time
	endpoint    transport.Endpoint
	tracking    *tracking.API
	host        *rte.SyncAPI

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the session id.
func (b *Binding) ID() string { return b.id }

// Done is closed once the binding is closed.
func (b *Binding) Done() <-chan struct{} { return b.done }

// State returns the binding lifecycle state.
func (b *Binding) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Info returns a health snapshot of the binding.
func (b *Binding) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := Info{
		ID:          b.id,
		CourseID:    b.courseID,
		LearnerID:   b.learnerID,
		State:       b.state,
		CreatedAt:   b.createdAt,
		ConnectedAt: b.connectedAt,
	}
	if b.endpoint != nil {
		select {
		case <-b.endpoint.Done():
			info.PeerDone = true
		default:
		}
	}
	return info
}

// Close tears the binding down. Content waiting on proxied calls sees its
// channel close and rejects them. An active tracking session is terminated.
func (b *Binding) Close(cause error) {
	b.closeOnce.Do(func() {
		if cause == nil {
			cause = errors.New("binding closed")
		}
		b.mu.Lock()
		previous := b.state
		b.state = state.BindingClosed
		endpoint := b.endpoint
		api := b.tracking
		host := b.host
		b.mu.Unlock()

		if api != nil && api.Active() {
			ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
			api.Invoke(ctx, "Terminate", "")
			cancel()
		}
		if host != nil {
			host.Close(cause)
		}
		if endpoint != nil {
			if err := endpoint.Close(); err != nil {
				b.logger.With("error", err).Debug("close relay endpoint")
			}
		}
		if err := b.hub.machine.Transition(context.Background(), state.EntityBinding, b.id, previous, state.BindingClosed, cause.Error()); err != nil {
			b.logger.With("error", err).Warn("record binding close")
		}
		b.hub.remove(b.id)
		b.hub.publish(events.Event{
			Type:       events.EventTypeBridgeClosed,
			EntityType: string(state.EntityBinding),
			EntityID:   b.id,
			Severity:   events.SeverityInfo,
			Payload: events.BridgeClosed{
				SessionID: b.id,
				Connected: previous == state.BindingConnected,
				Reason:    cause.Error(),
			},
		})
		b.logger.With("reason", cause.Error()).Info("relay session closed")
		close(b.done)
	})
}

func (b *Binding) attach(ctx context.Context, endpoint transport.Endpoint) error {
	h := b.hub
	api, err := tracking.NewAPI(b.courseID, h.store,
		tracking.WithLogger(b.logger),
		tracking.WithCompletionHook(b.completionWritten),
	)
	if err != nil {
		return err
	}
	host, err := rte.NewSyncAPI(api, h.version)
	if err != nil {
		return err
	}
	responder, err := rte.NewResponder(endpoint, h.guard, host,
		rte.WithResponderLogger(b.logger),
		rte.WithResponderPublisher(h.publisher),
		rte.WithResponderNotifications(b.notify),
		rte.WithResponderCallTimeout(h.callTimeout),
	)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.state != state.BindingOpen {
		current := b.state
		b.mu.Unlock()
		if current == state.BindingClosed {
			return ErrUnknownSession
		}
		return ErrAlreadyAttached
	}
	if err := h.machine.Transition(ctx, state.EntityBinding, b.id, state.BindingOpen, state.BindingConnected, "content connected"); err != nil {
		b.mu.Unlock()
		return err
	}
	b.state = state.BindingConnected
	b.connectedAt = h.now().UTC()
	b.endpoint = endpoint
	b.tracking = api
	b.host = host
	b.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := responder.Run(h.ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.With("error", err).Warn("relay responder stopped")
		}
		b.Close(transport.ErrClosed)
	}()

	ready := ReadyPayload{SessionID: b.id, CourseID: b.courseID, Version: string(h.version)}
	if err := responder.Notify(ctx, protocol.NotificationReady, ready); err != nil {
		b.logger.With("error", err).Warn("send ready notification")
	}
	b.logger.Info("content attached")
	return nil
}

// exchange returns the HTTP exchange serving this binding, attaching one on
// the first call.
func (b *Binding) exchange(ctx context.Context) (*transport.Exchange, error) {
	b.attachMu.Lock()
	defer b.attachMu.Unlock()

	b.mu.Lock()
	current, endpoint := b.state, b.endpoint
	b.mu.Unlock()
	switch current {
	case state.BindingOpen:
		exchange := transport.NewExchange()
		if err := b.attach(ctx, exchange); err != nil {
			_ = exchange.Close()
			return nil, err
		}
		return exchange, nil
	case state.BindingConnected:
		if exchange, ok := endpoint.(*transport.Exchange); ok {
			return exchange, nil
		}
		return nil, ErrAlreadyAttached
	default:
		return nil, ErrUnknownSession
	}
}

func (b *Binding) notify(ctx context.Context, notification protocol.Notification) {
	if b.onNotification != nil {
		b.onNotification(ctx, notification)
	}
}

// completionWritten turns a completed status written through the RTE into
// the same signal as a content completion notification.
func (b *Binding) completionWritten(ctx context.Context, _ string) {
	b.notify(ctx, protocol.Notification{Type: protocol.NotificationComplete, MessageID: uuid.NewString()})
}
