package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Text decodes a JSON string or number into its string form. The backend
// serializes ids and prices either way.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*t = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode text: %w", err)
	}
	*t = Text(n.String())
	return nil
}

// String returns the underlying string.
func (t Text) String() string {
	return string(t)
}

// Language is one selectable content language for a course.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Course is a recommended course summary.
type Course struct {
	ID          Text   `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Language    string `json:"language"`
	ImageURL    string `json:"image_url"`
	Duration    string `json:"duration"`
	Price       Text   `json:"price"`
	Industry    string `json:"bransch_typ"`
}

// ProgressRow is one learner's tracking record for a course.
type ProgressRow struct {
	UserID       Text            `json:"user_id"`
	ProgressData json.RawMessage `json:"progress_data"`
}

type languagesResponse struct {
	Languages []Language `json:"languages"`
}

type launchResponse struct {
	ScormURL string `json:"scorm_url"`
}

type recommendedResponse struct {
	Courses []Course `json:"courses"`
}

type valueResponse struct {
	Value Text `json:"value"`
}

type userCookieRequest struct {
	UserID string `json:"user_id"`
}

type trackingRequest struct {
	CourseID   string  `json:"courseId"`
	CMIElement string  `json:"cmiElement,omitempty"`
	Value      *string `json:"value,omitempty"`
}
