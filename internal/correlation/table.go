package correlation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/agoge-lms/scormbridge/internal/telemetry/invariants"
)

// DefaultTimeout bounds how long a pending call waits for its response.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTimeout indicates no response arrived within the table timeout.
	ErrTimeout = errors.New("proxied call timed out")
	// ErrClosed indicates the table was torn down before the response arrived.
	ErrClosed = errors.New("correlation table closed")
)

// Outcome is the final state of one pending call.
type Outcome struct {
	Result    string
	ErrorCode string
	ErrorMsg  string
	Err       error
}

// Pending is one outstanding request awaiting its response.
type Pending struct {
	MessageID string
	Action    string
	CreatedAt time.Time

	done    chan struct{}
	outcome Outcome
	timer   *time.Timer
}

// Done is closed once the call has been resolved or rejected.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Outcome returns the resolved outcome. It is only meaningful after Done is closed.
func (p *Pending) Outcome() Outcome {
	select {
	case <-p.done:
		return p.outcome
	default:
		return Outcome{}
	}
}

// Wait blocks until the call resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, p.outcome.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Option configures a Table.
type Option func(*Table)

// WithTimeout sets the per-call response window.
func WithTimeout(timeout time.Duration) Option {
	return func(t *Table) {
		if timeout > 0 {
			t.timeout = timeout
		}
	}
}

// WithLogger sets the logger used for dropped responses and timeouts.
func WithLogger(logger *log.Logger) Option {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(next func() string) Option {
	return func(t *Table) {
		if next != nil {
			t.nextID = next
		}
	}
}

// Table maps outstanding message ids to their continuations. Each id
// resolves at most once; unknown ids are ignored.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Pending
	closed  bool

	timeout time.Duration
	logger  *log.Logger
	nextID  func() string
	now     func() time.Time
}

// NewTable constructs an empty correlation scope.
func NewTable(options ...Option) *Table {
	table := &Table{
		pending: make(map[string]*Pending),
		timeout: DefaultTimeout,
		logger:  log.New(io.Discard),
		nextID:  uuid.NewString,
		now:     time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(table)
	}
	return table
}

// Register allocates a fresh message id for action and arms its timeout.
func (t *Table) Register(action string) (*Pending, error) {
	if t == nil {
		return nil, errors.New("table is nil")
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, errors.New("action must not be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	id := t.nextID()
	if _, exists := t.pending[id]; exists {
		return nil, fmt.Errorf("message id %q already pending", id)
	}
	pending := &Pending{
		MessageID: id,
		Action:    action,
		CreatedAt: t.now().UTC(),
		done:      make(chan struct{}),
	}
	pending.timer = time.AfterFunc(t.timeout, func() {
		if t.settle(id, Outcome{Err: ErrTimeout}) {
			t.logger.With("message_id", id, "action", action, "timeout", t.timeout).Warn("proxied call unresolved")
		}
	})
	t.pending[id] = pending
	return pending, nil
}

// Resolve completes the pending call for messageID. It reports false, with no
// other effect, when the id is unknown or already resolved.
func (t *Table) Resolve(ctx context.Context, messageID string, outcome Outcome) bool {
	if t == nil {
		return false
	}
	messageID = strings.TrimSpace(messageID)
	if t.settle(messageID, outcome) {
		return true
	}
	invariants.CheckSingleResolution(ctx, "correlation.table.resolve", messageID, false)
	t.logger.With("message_id", messageID).Debug("dropping response for unknown message id")
	return false
}

// Reject fails the pending call for messageID with err.
func (t *Table) Reject(messageID string, err error) bool {
	if t == nil {
		return false
	}
	if err == nil {
		err = errors.New("rejected")
	}
	return t.settle(strings.TrimSpace(messageID), Outcome{Err: err})
}

// Close rejects every pending call with ErrClosed (wrapping cause when given)
// and refuses further registrations. It returns the number of rejected calls.
func (t *Table) Close(ctx context.Context, cause error) int {
	if t == nil {
		return 0
	}
	err := ErrClosed
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrClosed, cause)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	rejected := 0
	for _, id := range ids {
		if t.settle(id, Outcome{Err: err}) {
			rejected++
		}
	}
	invariants.CheckPendingRejectedOnClose(ctx, "correlation.table.close", t.Len())
	if rejected > 0 {
		t.logger.With("rejected", rejected).Info("rejected pending calls on close")
	}
	return rejected
}

// Len returns the number of live pending calls.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Closed reports whether Close has been called.
func (t *Table) Closed() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Table) settle(messageID string, outcome Outcome) bool {
	t.mu.Lock()
	pending, ok := t.pending[messageID]
	if ok {
		delete(t.pending, messageID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	pending.timer.Stop()
	pending.outcome = outcome
	close(pending.done)
	return true
}
