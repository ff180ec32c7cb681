package state

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// LaunchRequest captures what must be known before a launch attempt may start.
type LaunchRequest struct {
	SessionID    string
	CourseID     string
	LanguageCode string
	LearnerID    string
}

// LaunchRequestError describes why a launch attempt may not start.
type LaunchRequestError struct {
	SessionID string
	Field     string
	Reason    string
}

func (e *LaunchRequestError) Error() string {
	return fmt.Sprintf(
		"launch request validation failed for session %q (%s): %s",
		e.SessionID,
		e.Field,
		e.Reason,
	)
}

// ValidateLaunchRequest enforces that a launch attempt names a course, a
// language and a learner.
func ValidateLaunchRequest(request LaunchRequest) error {
	sessionID := strings.TrimSpace(request.SessionID)
	if sessionID == "" {
		return errors.New("session id must not be empty")
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{name: "course_id", value: request.CourseID},
		{name: "language_code", value: request.LanguageCode},
		{name: "learner_id", value: request.LearnerID},
	} {
		if strings.TrimSpace(field.value) == "" {
			return &LaunchRequestError{
				SessionID: sessionID,
				Field:     field.name,
				Reason:    field.name + " must not be empty",
			}
		}
	}
	return nil
}

// ValidateLaunchURL rejects anything but an absolute http(s) URL.
func ValidateLaunchURL(sessionID, raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &LaunchRequestError{SessionID: sessionID, Field: "launch_url", Reason: "launch url must not be empty"}
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, &LaunchRequestError{SessionID: sessionID, Field: "launch_url", Reason: err.Error()}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &LaunchRequestError{SessionID: sessionID, Field: "launch_url", Reason: "launch url must be http or https"}
	}
	if parsed.Host == "" {
		return nil, &LaunchRequestError{SessionID: sessionID, Field: "launch_url", Reason: "launch url must be absolute"}
	}
	return parsed, nil
}
