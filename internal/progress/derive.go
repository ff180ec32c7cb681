package progress

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Status is the derived per-learner completion state of a course.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusStarted    Status = "started"
	StatusCompleted  Status = "completed"
)

func (s Status) rank() int {
	switch s {
	case StatusCompleted:
		return 2
	case StatusStarted:
		return 1
	default:
		return 0
	}
}

// ScoreSource records where a score was read from.
type ScoreSource string

const (
	ScoreNone    ScoreSource = ""
	ScoreLive    ScoreSource = "live"
	ScoreHistory ScoreSource = "history"
)

// Score is a raw/max pair. A zero Score means no score is known, which is
// different from a score of zero percent.
type Score struct {
	Raw    float64
	Max    float64
	Source ScoreSource
}

// Known reports whether a usable score was found.
func (s Score) Known() bool {
	return s.Source != ScoreNone && s.Max != 0
}

// Percent is raw/max scaled to 0..100. It is only meaningful when Known.
func (s Score) Percent() float64 {
	if !s.Known() {
		return 0
	}
	return s.Raw / s.Max * 100
}

// String renders the rounded percentage, or "no score".
func (s Score) String() string {
	if !s.Known() {
		return "no score"
	}
	return fmt.Sprintf("%d%%", int(math.Round(s.Percent())))
}

// DeriveStatus classifies a record. Only an exact "completed" status counts
// as completion; any recorded time or a suspended exit counts as started.
func DeriveStatus(r Record) Status {
	if r.CompletionStatus == "completed" {
		return StatusCompleted
	}
	if r.LegacySessionTime != "" || r.SessionTime != "" || r.Exit == "suspend" {
		return StatusStarted
	}
	return StatusNotStarted
}

// DeriveScore prefers the live score and falls back to the newest attempt.
func DeriveScore(r Record) Score {
	if raw, max, ok := parsePair(r.ScoreRaw, r.ScoreMax); ok {
		return Score{Raw: raw, Max: max, Source: ScoreLive}
	}
	if len(r.History) > 0 {
		newest := r.History[0]
		if raw, max, ok := parsePair(newest.ScoreRaw, newest.ScoreMax); ok {
			return Score{Raw: raw, Max: max, Source: ScoreHistory}
		}
	}
	return Score{}
}

// Duration is the time spent in the course: the accumulated total when the
// content reports one, otherwise the last session time.
func (r Record) Duration() time.Duration {
	if d := ParseSessionTime(r.LegacySessionTime); d > 0 {
		return d
	}
	return ParseSessionTime(r.SessionTime)
}

// View is the learner-facing result for one course.
type View struct {
	LearnerID   string        `json:"learner_id"`
	CourseID    string        `json:"course_id"`
	Status      Status        `json:"status"`
	Score       Score         `json:"-"`
	ScoreText   string        `json:"score"`
	SessionTime time.Duration `json:"-"`
	TimeText    string        `json:"session_time"`
	Attempts    int           `json:"attempts"`
	Malformed   bool          `json:"malformed,omitempty"`
}

// NewView derives a View from r.
func NewView(r Record) View {
	score := DeriveScore(r)
	duration := r.Duration()
	return View{
		LearnerID:   r.LearnerID,
		CourseID:    r.CourseID,
		Status:      DeriveStatus(r),
		Score:       score,
		ScoreText:   score.String(),
		SessionTime: duration,
		TimeText:    FormatSessionTime(duration),
		Attempts:    len(r.History),
		Malformed:   r.Malformed,
	}
}

func parsePair(rawText, maxText string) (float64, float64, bool) {
	raw, err := strconv.ParseFloat(strings.TrimSpace(rawText), 64)
	if err != nil || math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, 0, false
	}
	max, err := strconv.ParseFloat(strings.TrimSpace(maxText), 64)
	if err != nil || max == 0 || math.IsNaN(max) || math.IsInf(max, 0) {
		return 0, 0, false
	}
	return raw, max, true
}
