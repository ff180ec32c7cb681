package launch

import (
	"strings"

	"github.com/agoge-lms/scormbridge/internal/state"
)

// LearnerParam is the query parameter that identifies the learner to content.
const LearnerParam = "userId"

// DecorateURL appends the learner id to a launch URL, keeping any query it
// already carries.
func DecorateURL(sessionID, raw, learnerID string) (string, error) {
	parsed, err := state.ValidateLaunchURL(sessionID, raw)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set(LearnerParam, strings.TrimSpace(learnerID))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
