package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agoge-lms/scormbridge/internal/telemetry/invariants"
)

// EntityType identifies which state machine to evaluate.
type EntityType string

const (
	// EntityLaunch is the per-course launch lifecycle.
	EntityLaunch EntityType = "launch"
	// EntityBinding is the lifecycle of one relay binding between host and content.
	EntityBinding EntityType = "binding"
)

const (
	LaunchIdle              = "idle"
	LaunchSelectingLanguage = "selecting_language"
	LaunchNoLanguages       = "no_languages"
	LaunchLaunching         = "launching"
	LaunchRunning           = "running"
	LaunchCompleted         = "completed"
	LaunchFailed            = "failed"
)

const (
	BindingOpen      = "open"
	BindingConnected = "connected"
	BindingClosed    = "closed"
)

// transitions lists the legal next states per state. States without an entry
// are terminal.
var transitions = map[EntityType]map[string][]string{
	EntityLaunch: {
		LaunchIdle:              {LaunchSelectingLanguage, LaunchNoLanguages, LaunchFailed},
		LaunchSelectingLanguage: {LaunchLaunching},
		LaunchLaunching:         {LaunchRunning, LaunchFailed},
		LaunchRunning:           {LaunchCompleted, LaunchSelectingLanguage, LaunchFailed},
		LaunchCompleted:         {LaunchSelectingLanguage},
		LaunchFailed:            {LaunchSelectingLanguage, LaunchIdle, LaunchCompleted},
	},
	EntityBinding: {
		BindingOpen:      {BindingConnected, BindingClosed},
		BindingConnected: {BindingClosed},
	},
}

// Allowed reports whether from -> to is a legal transition for entityType.
func Allowed(entityType EntityType, fromState, toState string) bool {
	return isAllowed(entityType, strings.TrimSpace(fromState), strings.TrimSpace(toState))
}

// Terminal reports whether state has no outgoing transitions.
func Terminal(entityType EntityType, state string) bool {
	return len(transitions[entityType][state]) == 0
}

// Journal records accepted transitions.
type Journal interface {
	Append(ctx context.Context, record TransitionRecord) error
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now != nil {
			machine.now = now
		}
	}
}

// TransitionRecord is one accepted transition.
type TransitionRecord struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
	Actor      string
	Timestamp  time.Time
}

// String renders the record as a single journal line.
func (r TransitionRecord) String() string {
	return fmt.Sprintf(
		"state_transition entity=%s id=%s from=%s to=%s actor=%s timestamp=%s reason=%q",
		r.EntityType,
		r.EntityID,
		r.FromState,
		r.ToState,
		r.Actor,
		r.Timestamp.Format(time.RFC3339),
		r.Reason,
	)
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for entity lifecycle"
	}
	return fmt.Sprintf("%s %s: %s -> %s: %s", e.EntityType, e.EntityID, e.FromState, e.ToState, reason)
}

// Is matches any *IllegalTransitionError.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine validates and journals deterministic state transitions.
type Machine struct {
	journal Journal
	actor   string
	tracer  trace.Tracer
	now     func() time.Time

	mu      sync.Mutex
	history []TransitionRecord
}

// NewMachine builds a state machine that appends accepted transitions to journal.
func NewMachine(journal Journal, actor string, options ...Option) (*Machine, error) {
	if journal == nil {
		return nil, errors.New("journal is required")
	}

	if actor = strings.TrimSpace(actor); actor == "" {
		actor = "controller"
	}

	machine := &Machine{
		journal: journal,
		actor:   actor,
		tracer:  otel.Tracer("scormbridge/state"),
		now:     time.Now,
		history: []TransitionRecord{},
	}
	for _, option := range options {
		if option != nil {
			option(machine)
		}
	}
	return machine, nil
}

// Transition validates and journals one state transition.
func (m *Machine) Transition(ctx context.Context, entityType EntityType, entityID, fromState, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record := TransitionRecord{
		EntityType: entityType,
		EntityID:   strings.TrimSpace(entityID),
		FromState:  strings.TrimSpace(fromState),
		ToState:    strings.TrimSpace(toState),
		Reason:     strings.TrimSpace(reason),
		Actor:      m.actor,
	}

	started := time.Now()
	ctx, span := m.tracer.Start(ctx, "state.transition", trace.WithAttributes(
		attribute.String("entity_type", string(record.EntityType)),
		attribute.String("entity_id", record.EntityID),
		attribute.String("from_state", record.FromState),
		attribute.String("to_state", record.ToState),
		attribute.String("reason", record.Reason),
	))
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	if err := m.apply(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

func (m *Machine) apply(ctx context.Context, record TransitionRecord) error {
	switch {
	case record.EntityID == "":
		return errors.New("entity id must not be empty")
	case record.FromState == "" || record.ToState == "":
		return errors.New("from and to states must not be empty")
	}
	legal := isAllowed(record.EntityType, record.FromState, record.ToState)
	if !invariants.CheckStateTransitionLegal(ctx, "state.machine.transition",
		string(record.EntityType), record.FromState, record.ToState, legal) {
		return &IllegalTransitionError{
			EntityType: record.EntityType,
			EntityID:   record.EntityID,
			FromState:  record.FromState,
			ToState:    record.ToState,
		}
	}

	record.Timestamp = m.now().UTC()
	if err := m.journal.Append(ctx, record); err != nil {
		return fmt.Errorf("journal state transition for %s: %w", record.EntityID, err)
	}
	m.mu.Lock()
	m.history = append(m.history, record)
	m.mu.Unlock()
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(entityType EntityType, fromState, toState string) bool {
	return slices.Contains(transitions[entityType][fromState], toState)
}
