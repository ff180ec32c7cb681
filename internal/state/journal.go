package state

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
)

// MemoryJournal keeps records in memory only; History on the Machine is enough.
type MemoryJournal struct{}

// Append implements Journal.
func (MemoryJournal) Append(context.Context, TransitionRecord) error { return nil }

// LogJournal writes each accepted transition as a structured log record.
type LogJournal struct {
	logger *log.Logger
}

// NewLogJournal returns a journal that logs to logger. A nil logger discards.
func NewLogJournal(logger *log.Logger) *LogJournal {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &LogJournal{logger: logger}
}

// Append implements Journal.
func (j *LogJournal) Append(_ context.Context, record TransitionRecord) error {
	j.logger.With(
		"entity", string(record.EntityType),
		"entity_id", record.EntityID,
		"from", record.FromState,
		"to", record.ToState,
		"actor", record.Actor,
		"reason", record.Reason,
	).Info("state transition")
	return nil
}
