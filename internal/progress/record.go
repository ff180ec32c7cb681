package progress

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// CMI element names read from tracking records.
const (
	keyCompletionStatus  = "cmi.completion_status"
	keyLessonStatus      = "cmi.core.lesson_status"
	keyScoreRaw          = "cmi.score.raw"
	keyScoreMax          = "cmi.score.max"
	keyLegacyScoreRaw    = "cmi.core.score.raw"
	keyLegacyScoreMax    = "cmi.core.score.max"
	keySessionTime       = "cmi.session_time"
	keyLegacySessionTime = "cmi.core.session_time"
	keyTotalSessionTime  = "cmi.core.total_session_time"
	keyTotalTime         = "cmi.total_time"
	keyExit              = "cmi.exit"
	keyLegacyExit        = "cmi.core.exit"
	keyHistory           = "completion_history"
)

// CompletionAttempt is one historical run of a course, newest first in Record.History.
type CompletionAttempt struct {
	Timestamp   time.Time
	RawTime     string
	ScoreRaw    string
	ScoreMax    string
	SessionTime string
}

// Record is one learner's tracking data for one course as stored by the backend.
type Record struct {
	LearnerID string
	CourseID  string

	CompletionStatus  string
	ScoreRaw          string
	ScoreMax          string
	SessionTime       string
	LegacySessionTime string
	Exit              string
	History           []CompletionAttempt

	// Values is the flat CMI namespace, passed through opaquely.
	Values map[string]string
	// Malformed is set when progress data was present but not a JSON object.
	Malformed bool
}

// Empty reports whether the record carries no tracking data at all.
func (r Record) Empty() bool {
	return len(r.Values) == 0 && len(r.History) == 0
}

// ParseRecord decodes a backend progress_data document. It never fails:
// unreadable input yields a Malformed record with no values.
func ParseRecord(learnerID, courseID string, raw json.RawMessage) Record {
	record := Record{
		LearnerID: strings.TrimSpace(learnerID),
		CourseID:  strings.TrimSpace(courseID),
		Values:    map[string]string{},
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return record
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		record.Malformed = true
		return record
	}
	for key, value := range fields {
		if key == keyHistory {
			record.History = parseHistory(value)
			continue
		}
		if text, ok := scalarText(value); ok {
			record.Values[key] = text
		}
	}

	record.CompletionStatus = firstValue(record.Values, keyCompletionStatus)
	if record.CompletionStatus == "" && record.Values[keyLessonStatus] == "completed" {
		record.CompletionStatus = "completed"
	}
	record.ScoreRaw = firstValue(record.Values, keyScoreRaw, keyLegacyScoreRaw)
	record.ScoreMax = firstValue(record.Values, keyScoreMax, keyLegacyScoreMax)
	record.SessionTime = firstValue(record.Values, keySessionTime, keyLegacySessionTime)
	record.LegacySessionTime = firstValue(record.Values, keyTotalSessionTime, keyTotalTime)
	record.Exit = firstValue(record.Values, keyExit, keyLegacyExit)
	return record
}

func parseHistory(raw json.RawMessage) []CompletionAttempt {
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	attempts := make([]CompletionAttempt, 0, len(entries))
	for _, entry := range entries {
		values := map[string]string{}
		for key, value := range entry {
			if text, ok := scalarText(value); ok {
				values[key] = text
			}
		}
		attempt := CompletionAttempt{
			RawTime:     firstValue(values, "timestamp"),
			ScoreRaw:    firstValue(values, "score_raw", "scoreRaw"),
			ScoreMax:    firstValue(values, "score_max", "scoreMax"),
			SessionTime: firstValue(values, "session_time", "sessionTime"),
		}
		if ts, err := time.Parse(time.RFC3339, attempt.RawTime); err == nil {
			attempt.Timestamp = ts
		}
		attempts = append(attempts, attempt)
	}
	return attempts
}

func scalarText(raw json.RawMessage) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case trimmed == "" || trimmed == "null":
		return "", false
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case trimmed == "true" || trimmed == "false":
		return trimmed, true
	default:
		if _, err := strconv.ParseFloat(trimmed, 64); err != nil {
			return "", false
		}
		return trimmed, true
	}
}

func firstValue(values map[string]string, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(values[key]); value != "" {
			return value
		}
	}
	return ""
}
