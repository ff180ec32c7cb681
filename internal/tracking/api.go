package tracking

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/agoge-lms/scormbridge/internal/rte"
)

// Store persists CMI elements for one learner session. backend.Client satisfies it.
type Store interface {
	GetValue(ctx context.Context, courseID, element string) (string, error)
	SetValue(ctx context.Context, courseID, element, value string) error
	Commit(ctx context.Context, courseID string) error
	EndSession(ctx context.Context, courseID string) error
}

// CompletionHook runs when content records a completed status.
type CompletionHook func(ctx context.Context, courseID string)

const fallbackErrorString = "No error description available"

var errorStrings = map[string]string{
	"0":   "No error",
	"101": "General exception",
	"102": "General initialization failure",
	"103": "Already initialized",
	"104": "Content instance terminated",
	"201": "Invalid argument error",
	"301": "Not initialized",
	"401": "Not implemented error",
	"402": "Invalid set value, element is a keyword",
	"403": "Element is read only",
	"404": "Element is write only",
	"405": "Incorrect data type",
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithCompletionHook registers hook for completed status writes.
func WithCompletionHook(hook CompletionHook) Option {
	return func(a *API) {
		a.onComplete = hook
	}
}

// API is the host-side SCORM object for one course session. It answers both
// SCORM 1.2 and 2004 method names and forwards reads and writes to a Store.
type API struct {
	courseID string
	store    Store

	mu          sync.Mutex
	initialized bool
	terminated  bool
	lastError   string

	logger     *log.Logger
	onComplete CompletionHook
}

// NewAPI binds a tracking session to courseID.
func NewAPI(courseID string, store Store, options ...Option) (*API, error) {
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		return nil, errors.New("course id is required")
	}
	if store == nil {
		return nil, errors.New("tracking store is required")
	}
	api := &API{
		courseID:  courseID,
		store:     store,
		lastError: rte.ErrorNone,
		logger:    log.New(io.Discard),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(api)
	}
	return api, nil
}

// Invoke implements rte.Native.
func (a *API) Invoke(ctx context.Context, method string, args ...string) string {
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	if method == "GetDiagnostic" || method == "LMSGetDiagnostic" {
		return ""
	}
	op, ok := rte.ParseOp(method)
	if !ok {
		a.setError(rte.ErrorNotImplemented)
		return ""
	}

	switch op {
	case rte.OpInitialize:
		return a.initialize()
	case rte.OpTerminate:
		return a.terminate(ctx)
	case rte.OpGetValue:
		return a.getValue(ctx, arg(0))
	case rte.OpSetValue:
		return a.setValue(ctx, arg(0), arg(1))
	case rte.OpCommit:
		return a.commit(ctx)
	case rte.OpGetLastError:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.lastError
	default:
		return ErrorString(arg(0))
	}
}

// ErrorString describes a SCORM error code.
func ErrorString(code string) string {
	if text, ok := errorStrings[strings.TrimSpace(code)]; ok {
		return text
	}
	return fallbackErrorString
}

// Active reports whether the session is initialized and not yet terminated.
func (a *API) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialized && !a.terminated
}

func (a *API) initialize() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminated {
		a.lastError = rte.ErrorTerminated
		return "false"
	}
	if !a.initialized {
		a.initialized = true
		a.logger.With("course_id", a.courseID).Info("tracking session initialized")
	}
	a.lastError = rte.ErrorNone
	return "true"
}

func (a *API) terminate(ctx context.Context) string {
	a.mu.Lock()
	if a.terminated {
		a.mu.Unlock()
		return "true"
	}
	a.terminated = true
	a.lastError = rte.ErrorNone
	a.mu.Unlock()

	if err := a.store.EndSession(ctx, a.courseID); err != nil {
		a.logger.With("course_id", a.courseID, "error", err).Warn("end tracking session")
	}
	return "true"
}

func (a *API) getValue(ctx context.Context, element string) string {
	if !a.ready() {
		return ""
	}
	value, err := a.store.GetValue(ctx, a.courseID, element)
	if err != nil {
		a.logger.With("course_id", a.courseID, "element", element, "error", err).Warn("read tracking value")
		a.setError(rte.ErrorNotImplemented)
		return ""
	}
	a.setError(rte.ErrorNone)
	return value
}

func (a *API) setValue(ctx context.Context, element, value string) string {
	if !a.ready() {
		return "false"
	}
	if err := a.store.SetValue(ctx, a.courseID, element, value); err != nil {
		a.logger.With("course_id", a.courseID, "element", element, "error", err).Warn("write tracking value")
		a.setError(rte.ErrorWriteFailed)
		return "false"
	}
	a.setError(rte.ErrorNone)
	if isCompletionWrite(element, value) && a.onComplete != nil {
		a.onComplete(ctx, a.courseID)
	}
	return "true"
}

func (a *API) commit(ctx context.Context) string {
	if !a.ready() {
		return "false"
	}
	if err := a.store.Commit(ctx, a.courseID); err != nil {
		a.logger.With("course_id", a.courseID, "error", err).Warn("commit tracking data")
		a.setError(rte.ErrorGeneral)
		return "false"
	}
	a.setError(rte.ErrorNone)
	return "true"
}

func (a *API) ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized || a.terminated {
		a.lastError = rte.ErrorNotInitialized
		return false
	}
	return true
}

func (a *API) setError(code string) {
	a.mu.Lock()
	a.lastError = code
	a.mu.Unlock()
}

func isCompletionWrite(element, value string) bool {
	if strings.TrimSpace(value) != "completed" {
		return false
	}
	return element == "cmi.completion_status" || element == "cmi.core.lesson_status"
}
