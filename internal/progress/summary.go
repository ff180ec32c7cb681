package progress

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Summary aggregates every learner's record for one course.
type Summary struct {
	CourseID          string        `json:"course_id"`
	Learners          int           `json:"learners"`
	Completed         int           `json:"completed"`
	Started           int           `json:"started"`
	NotStarted        int           `json:"not_started"`
	Scored            int           `json:"scored"`
	AverageScore      float64       `json:"average_score"`
	TotalSessionTime  time.Duration `json:"-"`
	CompletedLearners []string      `json:"completed_learners"`
	Unavailable       bool          `json:"unavailable,omitempty"`
}

// AverageText renders the average score, or "no score" when no learner has one.
func (s Summary) AverageText() string {
	if s.Scored == 0 {
		return Score{}.String()
	}
	return Score{Raw: s.AverageScore, Max: 100, Source: ScoreLive}.String()
}

// Summarize folds records into a course summary. Learners are counted once
// each, under the strongest status any of their rows reaches. Session time
// is a plain sum over all rows and the average covers scored learners only.
func Summarize(courseID string, records []Record) Summary {
	summary := Summary{CourseID: strings.TrimSpace(courseID), CompletedLearners: []string{}}

	type learner struct {
		status Status
		score  Score
	}
	learners := map[string]*learner{}
	order := []string{}
	for _, record := range records {
		summary.TotalSessionTime += record.Duration()

		entry, ok := learners[record.LearnerID]
		if !ok {
			entry = &learner{status: StatusNotStarted}
			learners[record.LearnerID] = entry
			order = append(order, record.LearnerID)
		}
		if status := DeriveStatus(record); status.rank() > entry.status.rank() {
			entry.status = status
		}
		if !entry.score.Known() {
			entry.score = DeriveScore(record)
		}
	}

	percentSum := 0.0
	for _, id := range order {
		entry := learners[id]
		switch entry.status {
		case StatusCompleted:
			summary.Completed++
			summary.CompletedLearners = append(summary.CompletedLearners, id)
		case StatusStarted:
			summary.Started++
		default:
			summary.NotStarted++
		}
		if entry.score.Known() {
			summary.Scored++
			percentSum += entry.score.Percent()
		}
	}
	summary.Learners = len(order)
	if summary.Scored > 0 {
		summary.AverageScore = math.Round(percentSum / float64(summary.Scored))
	}
	sort.Strings(summary.CompletedLearners)
	return summary
}

// Totals aggregates summaries across courses.
type Totals struct {
	Courses          int           `json:"courses"`
	Completions      int           `json:"completions"`
	TotalSessionTime time.Duration `json:"-"`
}

// SumTotals counts distinct completed (learner, course) pairs and sums time.
func SumTotals(summaries []Summary) Totals {
	type pair struct{ learner, course string }
	seen := map[pair]struct{}{}
	courses := map[string]struct{}{}
	totals := Totals{}
	for _, summary := range summaries {
		courses[summary.CourseID] = struct{}{}
		totals.TotalSessionTime += summary.TotalSessionTime
		for _, learner := range summary.CompletedLearners {
			seen[pair{learner: learner, course: summary.CourseID}] = struct{}{}
		}
	}
	totals.Courses = len(courses)
	totals.Completions = len(seen)
	return totals
}
