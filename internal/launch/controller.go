package launch

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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agoge-lms/scormbridge/internal/backend"
	"github.com/agoge-lms/scormbridge/internal/events"
	"github.com/agoge-lms/scormbridge/internal/progress"
	"github.com/agoge-lms/scormbridge/internal/protocol"
	"github.com/agoge-lms/scormbridge/internal/state"
)

// DefaultPollInterval is how often an open content window is checked for closure.
const DefaultPollInterval = 500 * time.Millisecond

// ErrBusy is returned when Start or Launch is already in flight.
var ErrBusy = errors.New("launch operation in progress")

const (
	msgLanguagesFailed = "Could not load course languages. Please try again."
	msgPopupBlocked    = "The course window was blocked. Allow popups for this site and try again."
	msgNoLaunchURL     = "This course has no content for the selected language."
	msgLaunchFailed    = "Could not start the course. Please try again."
	msgProgressFailed  = "Could not check your course progress. Please try again."
)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer overrides the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithPublisher publishes lifecycle and completion events.
func WithPublisher(publisher events.Publisher) Option {
	return func(c *Controller) {
		c.publisher = publisher
	}
}

// WithProgress enables reconciliation reads at start and at session end.
func WithProgress(reader ProgressReader) Option {
	return func(c *Controller) {
		c.progress = reader
	}
}

// WithBinder creates a bridge binding for every launch attempt.
func WithBinder(binder Binder) Option {
	return func(c *Controller) {
		c.binder = binder
	}
}

// WithMachine replaces the default in-memory state machine.
func WithMachine(machine *state.Machine) Option {
	return func(c *Controller) {
		if machine != nil {
			c.machine = machine
		}
	}
}

// WithPollInterval sets how often the content window is checked.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Controller) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithClock overrides the session timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(next func() string) Option {
	return func(c *Controller) {
		if next != nil {
			c.newID = next
		}
	}
}

// Controller drives the launch lifecycle of one course for one learner.
type Controller struct {
	courseID  string
	learnerID string
	backend   Backend
	opener    Opener

	progress     ProgressReader
	binder       Binder
	machine      *state.Machine
	publisher    events.Publisher
	logger       *log.Logger
	tracer       trace.Tracer
	pollInterval time.Duration
	now          func() time.Time
	newID        func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	status       Status
	busy         bool
	closed       bool
	attempt      uint64
	languages    []backend.Language
	recommended  []backend.Course
	session      *Session
	binding      Binding
	lastLanguage string
	failure      string
	lastProgress *progress.View
	// recheck marks a failure raised by the end-of-session progress read.
	recheck bool
}

// NewController builds a controller for courseID and learnerID.
func NewController(courseID, learnerID string, client Backend, opener Opener, options ...Option) (*Controller, error) {
	courseID = strings.TrimSpace(courseID)
	learnerID = strings.TrimSpace(learnerID)
	if courseID == "" {
		return nil, errors.New("course id is required")
	}
	if learnerID == "" {
		return nil, errors.New("learner id is required")
	}
	if client == nil {
		return nil, errors.New("backend is required")
	}
	if opener == nil {
		return nil, errors.New("window opener is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		courseID:     courseID,
		learnerID:    learnerID,
		backend:      client,
		opener:       opener,
		logger:       log.New(io.Discard),
		tracer:       otel.Tracer("scormbridge/launch"),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		newID:        uuid.NewString,
		ctx:          ctx,
		cancel:       cancel,
		status:       StatusIdle,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(c)
	}
	if c.machine == nil {
		machine, err := state.NewMachine(state.MemoryJournal{}, "launch-controller", state.WithTracer(c.tracer))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create state machine: %w", err)
		}
		c.machine = machine
	}
	c.logger = c.logger.With("course_id", courseID, "learner_id", learnerID)
	return c, nil
}

// Start loads languages, recommendations and the learner's progress.
func (c *Controller) Start(ctx context.Context) (err error) {
	ctx, span := c.tracer.Start(ctx, "launch.start", trace.WithAttributes(
		attribute.String("course_id", c.courseID),
	))
	defer func() { settleSpan(span, err) }()

	c.mu.Lock()
	if err := c.claimLocked(StatusIdle, StatusSelectingLanguage); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	defer c.release()

	_, _ = c.reconcile(ctx)

	recommended, recErr := c.backend.RecommendedCourses(ctx, c.courseID)
	if recErr != nil {
		c.logger.With("error", recErr).Warn("load recommended courses")
	}
	languages, langErr := c.backend.AvailableLanguages(ctx, c.courseID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerClosed
	}
	c.recommended = recommended
	if langErr != nil {
		c.failure = backend.UserMessage(langErr, msgLanguagesFailed)
		if err := c.transitionLocked(ctx, StatusFailed, "language fetch failed"); err != nil {
			return err
		}
		return fmt.Errorf("load languages for course %s: %w", c.courseID, langErr)
	}
	c.languages = languages
	if len(languages) == 0 {
		return c.transitionLocked(ctx, StatusNoLanguages, "no languages offered")
	}
	return c.transitionLocked(ctx, StatusSelectingLanguage, "languages loaded")
}

// Launch opens the content window for languageCode and navigates it to
// the course. The window is opened before any network call.
func (c *Controller) Launch(ctx context.Context, languageCode string) (err error) {
	languageCode = strings.TrimSpace(languageCode)
	ctx, span := c.tracer.Start(ctx, "launch.launch", trace.WithAttributes(
		attribute.String("course_id", c.courseID),
		attribute.String("language_code", languageCode),
	))
	defer func() { settleSpan(span, err) }()

	c.mu.Lock()
	if err := c.claimLocked(StatusSelectingLanguage, StatusLaunching); err != nil {
		c.mu.Unlock()
		return err
	}
	sessionID := c.newID()
	request := state.LaunchRequest{SessionID: sessionID, CourseID: c.courseID, LanguageCode: languageCode, LearnerID: c.learnerID}
	if err := state.ValidateLaunchRequest(request); err != nil {
		c.busy = false
		c.mu.Unlock()
		return err
	}
	previous := c.session
	c.session = &Session{
		ID:           sessionID,
		CourseID:     c.courseID,
		LanguageCode: languageCode,
		LearnerID:    c.learnerID,
		Status:       c.status,
		CreatedAt:    c.now().UTC(),
	}
	if err := c.transitionLocked(ctx, StatusLaunching, "language selected"); err != nil {
		c.session = previous
		c.busy = false
		c.mu.Unlock()
		return err
	}
	c.attempt++
	attempt := c.attempt
	c.lastLanguage = languageCode
	c.failure = ""
	stale := c.binding
	c.binding = nil
	c.mu.Unlock()
	defer c.release()
	span.SetAttributes(attribute.String("session_id", sessionID))

	if stale != nil {
		stale.Close(ErrWindowClosed)
	}

	window, openErr := c.opener.Open(ctx)
	if openErr != nil || window == nil {
		cause := ErrPopupBlocked
		if openErr != nil {
			cause = fmt.Errorf("%w: %v", ErrPopupBlocked, openErr)
		}
		return c.fail(ctx, attempt, cause, msgPopupBlocked, nil)
	}
	if err := window.ShowPlaceholder(ctx); err != nil {
		c.logger.With("session_id", sessionID, "error", err).Warn("render placeholder")
	}
	c.mu.Lock()
	if attempt == c.attempt && c.session != nil {
		c.session.Window = window
	}
	c.mu.Unlock()

	if err := c.backend.SetUserCookie(ctx, c.learnerID); err != nil {
		return c.fail(ctx, attempt, fmt.Errorf("set learner cookie: %w", err), backend.UserMessage(err, msgLaunchFailed), window)
	}
	rawURL, err := c.backend.LaunchURL(ctx, c.courseID, languageCode)
	if err != nil {
		message := backend.UserMessage(err, msgLaunchFailed)
		if errors.Is(err, backend.ErrNoLaunchURL) {
			message = msgNoLaunchURL
		}
		return c.fail(ctx, attempt, fmt.Errorf("fetch launch url: %w", err), message, window)
	}
	launchURL, err := DecorateURL(sessionID, rawURL, c.learnerID)
	if err != nil {
		return c.fail(ctx, attempt, fmt.Errorf("decorate launch url: %w", err), msgLaunchFailed, window)
	}

	var binding Binding
	if c.binder != nil {
		binding, err = c.binder.Bind(ctx, c.sessionCopy(), c.HandleNotification)
		if err != nil {
			return c.fail(ctx, attempt, fmt.Errorf("bind runtime bridge: %w", err), msgLaunchFailed, window)
		}
		if err := window.AttachRuntime(ctx, sessionID); err != nil {
			binding.Close(err)
			return c.fail(ctx, attempt, fmt.Errorf("attach runtime api: %w", err), msgLaunchFailed, window)
		}
	}
	if err := window.Navigate(ctx, launchURL); err != nil {
		if binding != nil {
			binding.Close(err)
		}
		return c.fail(ctx, attempt, fmt.Errorf("navigate content window: %w", err), msgLaunchFailed, window)
	}

	c.mu.Lock()
	if c.closed || attempt != c.attempt || c.status != StatusLaunching {
		c.mu.Unlock()
		if binding != nil {
			binding.Close(ErrControllerClosed)
		}
		return ErrControllerClosed
	}
	c.session.LaunchURL = launchURL
	c.binding = binding
	if err := c.transitionLocked(ctx, StatusRunning, "content window navigated"); err != nil {
		c.binding = nil
		c.mu.Unlock()
		if binding != nil {
			binding.Close(err)
		}
		return err
	}
	c.wg.Add(1)
	go c.supervise(attempt, window)
	c.mu.Unlock()

	c.logger.With("session_id", sessionID, "language_code", languageCode).Info("course launched")
	return nil
}

// HandleNotification applies a trusted content notification. A completion
// signal while running completes the course; anything else is ignored.
func (c *Controller) HandleNotification(ctx context.Context, notification protocol.Notification) {
	if notification.Type != protocol.NotificationComplete {
		c.logger.With("type", notification.Type).Debug("ignoring content notification")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.status != StatusRunning {
		return
	}
	if err := c.transitionLocked(ctx, StatusCompleted, "content signalled completion"); err != nil {
		c.logger.With("error", err).Warn("apply completion signal")
		return
	}
	c.publishCompletionLocked("notification")
}

// Retry replays the failed attempt. It is never invoked automatically.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.status != StatusFailed {
		err := c.illegalLocked(StatusSelectingLanguage, "retry requires a failed launch")
		c.mu.Unlock()
		return err
	}
	if c.recheck {
		c.mu.Unlock()
		return c.retryReconcile(ctx)
	}
	if len(c.languages) > 0 && c.lastLanguage != "" {
		if err := c.transitionLocked(ctx, StatusSelectingLanguage, "retry requested"); err != nil {
			c.mu.Unlock()
			return err
		}
		language := c.lastLanguage
		c.failure = ""
		c.mu.Unlock()
		return c.Launch(ctx, language)
	}
	if err := c.transitionLocked(ctx, StatusIdle, "retry requested"); err != nil {
		c.mu.Unlock()
		return err
	}
	c.failure = ""
	c.mu.Unlock()
	return c.Start(ctx)
}

// Repeat returns a completed course to language selection for another run.
// Recommendations are kept.
func (c *Controller) Repeat(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.status != StatusCompleted {
		err := c.illegalLocked(StatusSelectingLanguage, "repeat requires a completed course")
		c.mu.Unlock()
		return err
	}
	if err := c.transitionLocked(ctx, StatusSelectingLanguage, "repeat requested"); err != nil {
		c.mu.Unlock()
		return err
	}
	c.attempt++
	binding := c.binding
	c.binding = nil
	c.session = nil
	c.failure = ""
	c.mu.Unlock()

	if binding != nil {
		binding.Close(ErrWindowClosed)
	}
	return nil
}

// Snapshot returns a copy of the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := Snapshot{
		CourseID:    c.courseID,
		LearnerID:   c.learnerID,
		Status:      c.status,
		View:        ViewFor(c.status),
		Languages:   append([]backend.Language(nil), c.languages...),
		Recommended: append([]backend.Course(nil), c.recommended...),
		Failure:     c.failure,
		CanRetry:    c.status == StatusFailed,
	}
	if c.session != nil {
		session := *c.session
		snapshot.Session = &session
	}
	if c.lastProgress != nil {
		view := *c.lastProgress
		snapshot.Progress = &view
	}
	return snapshot
}

// Close stops window supervision and tears down the current binding. The
// content window itself is left to the learner.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	binding := c.binding
	c.binding = nil
	c.mu.Unlock()

	c.cancel()
	if binding != nil {
		binding.Close(ErrControllerClosed)
	}
	c.wg.Wait()
}

func (c *Controller) supervise(attempt uint64, window Window) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.current(attempt) {
				return
			}
			if window.Closed() {
				c.windowClosed(attempt)
				return
			}
		}
	}
}

func (c *Controller) windowClosed(attempt uint64) {
	ctx := c.ctx
	c.mu.Lock()
	if attempt != c.attempt || c.closed {
		c.mu.Unlock()
		return
	}
	binding := c.binding
	c.binding = nil
	c.mu.Unlock()

	if binding != nil {
		binding.Close(ErrWindowClosed)
	}
	view, err := c.reconcile(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if attempt != c.attempt || c.closed || c.status != StatusRunning {
		return
	}
	if err != nil {
		c.failure = backend.UserMessage(err, msgProgressFailed)
		c.recheck = true
		if err := c.transitionLocked(ctx, StatusFailed, "progress read failed after window closed"); err != nil {
			c.logger.With("error", err).Warn("record progress failure")
		}
		return
	}
	c.settleLocked(ctx, view, "window closed before completion")
}

// retryReconcile repeats the end-of-session progress read that failed.
func (c *Controller) retryReconcile(ctx context.Context) error {
	c.mu.Lock()
	if err := c.claimLocked(StatusFailed, StatusSelectingLanguage); err != nil {
		c.mu.Unlock()
		return err
	}
	attempt := c.attempt
	c.mu.Unlock()
	defer c.release()

	view, err := c.reconcile(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || attempt != c.attempt || c.status != StatusFailed {
		return ErrControllerClosed
	}
	if err != nil {
		c.failure = backend.UserMessage(err, msgProgressFailed)
		return err
	}
	c.recheck = false
	c.failure = ""
	c.settleLocked(ctx, view, "progress read after retry")
	return nil
}

// settleLocked moves a finished session to completed when progress says so
// and back to language selection otherwise.
func (c *Controller) settleLocked(ctx context.Context, view *progress.View, reason string) {
	if view != nil && view.Status == progress.StatusCompleted {
		if err := c.transitionLocked(ctx, StatusCompleted, "progress reports completion"); err != nil {
			c.logger.With("error", err).Warn("apply reconciled completion")
			return
		}
		c.publishCompletionLocked("progress")
		return
	}
	if err := c.transitionLocked(ctx, StatusSelectingLanguage, reason); err != nil {
		c.logger.With("error", err).Warn("return to language selection")
	}
}

// reconcile re-reads learner progress. It returns nil without error when no
// progress reader is configured.
func (c *Controller) reconcile(ctx context.Context) (*progress.View, error) {
	if c.progress == nil {
		return nil, nil
	}
	view, err := c.progress.Learner(ctx, c.courseID, c.learnerID)
	if err != nil {
		c.logger.With("error", err).Warn("read learner progress")
		return nil, fmt.Errorf("read learner progress: %w", err)
	}
	c.mu.Lock()
	c.lastProgress = &view
	c.mu.Unlock()
	return &view, nil
}

func (c *Controller) fail(ctx context.Context, attempt uint64, cause error, message string, window Window) error {
	if window != nil {
		if err := window.Close(); err != nil {
			c.logger.With("error", err).Debug("close content window")
		}
	}
	c.mu.Lock()
	if !c.closed && attempt == c.attempt && c.status == StatusLaunching {
		c.failure = message
		if err := c.transitionLocked(ctx, StatusFailed, cause.Error()); err != nil {
			c.logger.With("error", err).Warn("record launch failure")
		}
	}
	c.mu.Unlock()
	c.logger.With("error", cause).Warn("launch failed")
	return cause
}

func (c *Controller) claimLocked(from, to Status) error {
	if c.closed {
		return ErrControllerClosed
	}
	if c.busy {
		return ErrBusy
	}
	if c.status != from {
		return c.illegalLocked(to, "operation requires status "+string(from))
	}
	c.busy = true
	return nil
}

func (c *Controller) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Controller) current(attempt uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return attempt == c.attempt && !c.closed
}

func (c *Controller) transitionLocked(ctx context.Context, to Status, reason string) error {
	from := c.status
	entityID := c.entityIDLocked()
	if err := c.machine.Transition(ctx, state.EntityLaunch, entityID, string(from), string(to), reason); err != nil {
		return err
	}
	c.status = to
	if c.session != nil {
		c.session.Status = to
	}
	c.logger.With("session_id", entityID, "from", string(from), "to", string(to), "reason", reason).Info("launch state changed")
	if c.publisher != nil {
		c.publisher.Publish(events.Event{
			Type:       events.EventTypeLaunchStateChanged,
			EntityType: string(state.EntityLaunch),
			EntityID:   entityID,
			Severity:   events.SeverityInfo,
			Payload: events.LaunchStateChanged{
				SessionID: entityID,
				CourseID:  c.courseID,
				From:      string(from),
				To:        string(to),
				Reason:    reason,
				At:        c.now().UTC(),
			},
		})
	}
	return nil
}

func (c *Controller) illegalLocked(to Status, reason string) error {
	return &state.IllegalTransitionError{
		EntityType: state.EntityLaunch,
		EntityID:   c.entityIDLocked(),
		FromState:  string(c.status),
		ToState:    string(to),
		Reason:     reason,
	}
}

func (c *Controller) publishCompletionLocked(source string) {
	if c.publisher == nil {
		return
	}
	sessionID := c.entityIDLocked()
	c.publisher.Publish(events.Event{
		Type:       events.EventTypeCompletionSignal,
		EntityType: string(state.EntityLaunch),
		EntityID:   sessionID,
		Severity:   events.SeverityInfo,
		Payload:    events.CompletionSignal{SessionID: sessionID, CourseID: c.courseID, Source: source},
	})
}

func (c *Controller) entityIDLocked() string {
	if c.session != nil {
		return c.session.ID
	}
	return "course-" + c.courseID
}

func (c *Controller) sessionCopy() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}
	}
	return *c.session
}

func settleSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
