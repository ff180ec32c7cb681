package events

import "time"

// LaunchStateChanged is the payload of EventTypeLaunchStateChanged.
type LaunchStateChanged struct {
	SessionID string    `json:"session_id"`
	CourseID  string    `json:"course_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// CompletionSignal is the payload of EventTypeCompletionSignal.
type CompletionSignal struct {
	SessionID string `json:"session_id"`
	CourseID  string `json:"course_id"`
	Source    string `json:"source"`
}

// UntrustedOrigin is the payload of EventTypeUntrustedOrigin.
type UntrustedOrigin struct {
	Origin string `json:"origin"`
	Where  string `json:"where"`
}

// ProxyTimeout is the payload of EventTypeProxyTimeout.
type ProxyTimeout struct {
	MessageID string        `json:"message_id"`
	Action    string        `json:"action"`
	Timeout   time.Duration `json:"timeout"`
}

// BridgeClosed is the payload of EventTypeBridgeClosed.
type BridgeClosed struct {
	SessionID string `json:"session_id"`
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}
