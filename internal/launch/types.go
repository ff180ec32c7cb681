package launch

import (
	"context"
	"errors"
	"time"

	"github.com/agoge-lms/scormbridge/internal/backend"
	"github.com/agoge-lms/scormbridge/internal/progress"
	"github.com/agoge-lms/scormbridge/internal/rte"
	"github.com/agoge-lms/scormbridge/internal/state"
)

var (
	// ErrPopupBlocked means no browsing context could be opened for the content.
	ErrPopupBlocked = errors.New("popup blocked")
	// ErrWindowClosed is the cause given to a binding torn down because the learner closed the window.
	ErrWindowClosed = errors.New("content window closed")
	// ErrControllerClosed is returned by operations after Close.
	ErrControllerClosed = errors.New("launch controller closed")
)

// Status is the launch lifecycle state of one course for one learner.
type Status string

const (
	StatusIdle              Status = state.LaunchIdle
	StatusSelectingLanguage Status = state.LaunchSelectingLanguage
	StatusNoLanguages       Status = state.LaunchNoLanguages
	StatusLaunching         Status = state.LaunchLaunching
	StatusRunning           Status = state.LaunchRunning
	StatusCompleted         Status = state.LaunchCompleted
	StatusFailed            Status = state.LaunchFailed
)

// View is what the learner should be shown for a status.
type View string

const (
	ViewLoading           View = "loading"
	ViewLanguageSelection View = "language_selection"
	ViewNoLanguages       View = "no_languages"
	ViewLaunching         View = "launching"
	ViewRunning           View = "running"
	ViewCongratulations   View = "congratulations"
	ViewError             View = "error"
)

// ViewFor maps a status to its view.
func ViewFor(status Status) View {
	switch status {
	case StatusSelectingLanguage:
		return ViewLanguageSelection
	case StatusNoLanguages:
		return ViewNoLanguages
	case StatusLaunching:
		return ViewLaunching
	case StatusRunning:
		return ViewRunning
	case StatusCompleted:
		return ViewCongratulations
	case StatusFailed:
		return ViewError
	default:
		return ViewLoading
	}
}

// Window is a browsing context showing course content. The learner may
// close it at any time; the controller only observes that through Closed.
type Window interface {
	ShowPlaceholder(ctx context.Context) error
	// AttachRuntime installs the SCORM API for sessionID into every document
	// the window loads from now on.
	AttachRuntime(ctx context.Context, sessionID string) error
	Navigate(ctx context.Context, url string) error
	Closed() bool
	Close() error
}

// Opener creates browsing contexts. A nil Window or an error means the
// environment refused to open one.
type Opener interface {
	Open(ctx context.Context) (Window, error)
}

// Backend is the subset of the backend API the controller drives.
type Backend interface {
	AvailableLanguages(ctx context.Context, courseID string) ([]backend.Language, error)
	LaunchURL(ctx context.Context, courseID, languageCode string) (string, error)
	SetUserCookie(ctx context.Context, learnerID string) error
	RecommendedCourses(ctx context.Context, courseID string) ([]backend.Course, error)
}

// ProgressReader reads a learner's derived progress for a course.
type ProgressReader interface {
	Learner(ctx context.Context, courseID, learnerID string) (progress.View, error)
}

// Binding is the runtime bridge scope of one launch attempt.
type Binding interface {
	Close(cause error)
}

// Binder creates a bridge binding for a session. Trusted notifications
// arriving on the binding are passed to onNotification.
type Binder interface {
	Bind(ctx context.Context, session Session, onNotification rte.NotificationHandler) (Binding, error)
}

// Session is one launch attempt.
type Session struct {
	ID           string    `json:"id"`
	CourseID     string    `json:"course_id"`
	LanguageCode string    `json:"language_code"`
	LearnerID    string    `json:"learner_id"`
	LaunchURL    string    `json:"launch_url,omitempty"`
	Window       Window    `json:"-"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Snapshot is a point-in-time copy of controller state.
type Snapshot struct {
	CourseID    string             `json:"course_id"`
	LearnerID   string             `json:"learner_id"`
	Status      Status             `json:"status"`
	View        View               `json:"view"`
	Languages   []backend.Language `json:"languages"`
	Recommended []backend.Course   `json:"recommended"`
	Session     *Session           `json:"session,omitempty"`
	Failure     string             `json:"failure,omitempty"`
	CanRetry    bool               `json:"can_retry"`
	Progress    *progress.View     `json:"progress,omitempty"`
}
