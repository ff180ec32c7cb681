// Package relay binds launch sessions to the host side of the runtime bridge.
// Each launch attempt gets a Binding; when the content connects, the binding
// serves its RTE calls from the tracking backend until either side closes.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/agoge-lms/scormbridge/internal/events"
	"github.com/agoge-lms/scormbridge/internal/launch"
	"github.com/agoge-lms/scormbridge/internal/origin"
	"github.com/agoge-lms/scormbridge/internal/protocol"
	"github.com/agoge-lms/scormbridge/internal/rte"
	"github.com/agoge-lms/scormbridge/internal/state"
	"github.com/agoge-lms/scormbridge/internal/tracking"
	"github.com/agoge-lms/scormbridge/internal/transport"
)

var (
	// ErrUnknownSession is returned when no binding exists for a session id.
	ErrUnknownSession = errors.New("unknown relay session")
	// ErrAlreadyAttached is returned when content connects twice to one binding.
	ErrAlreadyAttached = errors.New("relay session already attached")
	// ErrHubClosed is returned after Close.
	ErrHubClosed = errors.New("relay hub closed")
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithPublisher publishes bridge events.
func WithPublisher(publisher events.Publisher) Option {
	return func(h *Hub) {
		h.publisher = publisher
	}
}

// WithVersion sets the SCORM version answered to content. Default 2004.
func WithVersion(version rte.Version) Option {
	return func(h *Hub) {
		if version != "" {
			h.version = version
		}
	}
}

// WithTracer overrides the tracer used for binding transitions.
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Hub) {
		if tracer != nil {
			h.tracer = tracer
		}
	}
}

// WithCallTimeout bounds each backend-backed RTE call.
func WithCallTimeout(timeout time.Duration) Option {
	return func(h *Hub) {
		if timeout > 0 {
			h.callTimeout = timeout
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// Hub owns every live binding. It implements launch.Binder.
type Hub struct {
	guard       *origin.Guard
	store       tracking.Store
	logger      *log.Logger
	publisher   events.Publisher
	tracer      trace.Tracer
	version     rte.Version
	callTimeout time.Duration
	now         func() time.Time
	machine     *state.Machine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	bindings map[string]*Binding
}

var _ launch.Binder = (*Hub)(nil)

// NewHub builds a hub that trusts content from guard and persists tracking
// data through store.
func NewHub(guard *origin.Guard, store tracking.Store, options ...Option) (*Hub, error) {
	if guard == nil {
		return nil, errors.New("origin guard is required")
	}
	if store == nil {
		return nil, errors.New("tracking store is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	hub := &Hub{
		guard:       guard,
		store:       store,
		logger:      log.New(io.Discard),
		tracer:      otel.Tracer("scormbridge/relay"),
		version:     rte.Version2004,
		callTimeout: 30 * time.Second,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		bindings:    map[string]*Binding{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(hub)
	}
	machine, err := state.NewMachine(state.NewLogJournal(hub.logger), "relay", state.WithTracer(hub.tracer), state.WithClock(hub.now))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create binding state machine: %w", err)
	}
	hub.machine = machine
	return hub, nil
}

// Bind registers a binding for session. The binding waits for content to
// Attach. ctx only scopes registration; the binding lives until closed.
func (h *Hub) Bind(_ context.Context, session launch.Session, onNotification rte.NotificationHandler) (launch.Binding, error) {
	id := strings.TrimSpace(session.ID)
	if id == "" {
		return nil, errors.New("session id is required")
	}
	if strings.TrimSpace(session.CourseID) == "" {
		return nil, errors.New("course id is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if _, exists := h.bindings[id]; exists {
		return nil, fmt.Errorf("session %s already bound", id)
	}
	binding := &Binding{
		hub:            h,
		id:             id,
		courseID:       strings.TrimSpace(session.CourseID),
		learnerID:      strings.TrimSpace(session.LearnerID),
		onNotification: onNotification,
		createdAt:      h.now().UTC(),
		state:          state.BindingOpen,
		done:           make(chan struct{}),
		logger:         h.logger.With("session_id", id, "course_id", session.CourseID),
	}
	h.bindings[id] = binding
	binding.logger.Info("relay session bound")
	return binding, nil
}

// Has reports whether a binding exists for id and is still waiting for content.
func (h *Hub) Has(id string) bool {
	binding, ok := h.lookup(id)
	return ok && binding.State() == state.BindingOpen
}

// Attach connects content arriving on endpoint to the binding for id and
// starts serving its requests. The hub owns endpoint from here on.
func (h *Hub) Attach(ctx context.Context, id string, endpoint transport.Endpoint) error {
	if endpoint == nil {
		return errors.New("endpoint is required")
	}
	binding, ok := h.lookup(id)
	if !ok {
		return fmt.Errorf("attach %s: %w", id, ErrUnknownSession)
	}
	if err := binding.attach(ctx, endpoint); err != nil {
		return fmt.Errorf("attach %s: %w", id, err)
	}
	return nil
}

// Call serves one message content sent over HTTP for session id. The first
// call attaches the binding. A request returns the encoded response; a
// notification returns nil.
func (h *Hub) Call(ctx context.Context, id string, msg transport.Message) ([]byte, error) {
	decoded, err := protocol.Decode(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", id, err)
	}
	if decoded.Kind == protocol.KindResponse {
		return nil, fmt.Errorf("call %s: %w: content sent a response", id, protocol.ErrMalformed)
	}
	binding, ok := h.lookup(id)
	if !ok {
		return nil, fmt.Errorf("call %s: %w", id, ErrUnknownSession)
	}
	exchange, err := binding.exchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", id, err)
	}

	if decoded.Kind == protocol.KindNotification {
		if err := exchange.Send(ctx, msg); err != nil {
			return nil, fmt.Errorf("call %s: %w", id, err)
		}
		return nil, nil
	}
	reply, err := exchange.RoundTrip(ctx, decoded.Request.MessageID, msg)
	if err != nil {
		return nil, fmt.Errorf("call %s %s: %w", id, decoded.Request.Action, err)
	}
	return reply, nil
}

// Bindings lists live bindings ordered by creation time.
func (h *Hub) Bindings(context.Context) ([]Info, error) {
	h.mu.Lock()
	bindings := make([]*Binding, 0, len(h.bindings))
	for _, binding := range h.bindings {
		bindings = append(bindings, binding)
	}
	h.mu.Unlock()

	infos := make([]Info, 0, len(bindings))
	for _, binding := range bindings {
		infos = append(infos, binding.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos, nil
}

// CloseBinding closes the binding for id with cause.
func (h *Hub) CloseBinding(_ context.Context, id string, cause error) error {
	binding, ok := h.lookup(id)
	if !ok {
		return fmt.Errorf("close %s: %w", id, ErrUnknownSession)
	}
	binding.Close(cause)
	return nil
}

// Close tears down every binding and waits for their peers to stop.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	bindings := make([]*Binding, 0, len(h.bindings))
	for _, binding := range h.bindings {
		bindings = append(bindings, binding)
	}
	h.mu.Unlock()

	for _, binding := range bindings {
		binding.Close(ErrHubClosed)
	}
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) lookup(id string) (*Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	binding, ok := h.bindings[strings.TrimSpace(id)]
	return binding, ok
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.bindings, id)
	h.mu.Unlock()
}

func (h *Hub) publish(event events.Event) {
	if h.publisher != nil {
		h.publisher.Publish(event)
	}
}
