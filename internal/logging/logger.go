// Package logging writes the host's JSON log files and derives per-session
// loggers from them.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

const (
	filePrefix = "scormbridge-"
	// DefaultKeep is how many log files survive pruning.
	DefaultKeep = 20
)

// Option configures New.
type Option func(*newOptions)

type newOptions struct {
	runID string
	dir   string
	level log.Level
	keep  int
	now   func() time.Time
}

// WithDir writes the log file under dir instead of ~/.scormbridge/logs.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum level written. Defaults to info.
func WithLevel(level log.Level) Option {
	return func(opts *newOptions) {
		opts.level = level
	}
}

// WithRunID tags every record with run_id and names the file after it.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithKeep sets how many of the newest log files are kept. Zero keeps all.
func WithKeep(keep int) Option {
	return func(opts *newOptions) {
		if keep >= 0 {
			opts.keep = keep
		}
	}
}

// RuntimeLogger owns one process's log file.
type RuntimeLogger struct {
	Logger *log.Logger
	file   *os.File
	path   string
}

// New opens a fresh log file under ~/.scormbridge/logs and prunes older ones.
// Nothing is written to stdout.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := newOptions{level: log.InfoLevel, keep: DefaultKeep, now: time.Now}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".scormbridge", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	name := filePrefix + resolved.now().UTC().Format("20060102-150405")
	if resolved.runID != "" {
		name += "-" + resolved.runID
	}
	filePath := filepath.Join(logDir, name+".log")
	// #nosec G304 -- filePath is built from the log directory and a generated name.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := NewWriter(file, resolved.level, true)
	if resolved.runID != "" {
		logger = logger.With("run_id", resolved.runID)
	}
	r := &RuntimeLogger{Logger: logger, file: file, path: filePath}
	r.Logger.With("log_file", filePath).Info("logger initialized")

	if resolved.keep > 0 {
		if removed, err := prune(logDir, filePath, resolved.keep); err != nil {
			r.Logger.With("error", err).Warn("prune old log files")
		} else if removed > 0 {
			r.Logger.With("removed", removed).Debug("pruned old log files")
		}
	}

	_ = ctx
	return r, nil
}

// ForSession returns a logger tagged with a launch session and its course.
func (r *RuntimeLogger) ForSession(sessionID, courseID string) *log.Logger {
	if r == nil || r.Logger == nil {
		return log.New(io.Discard)
	}
	return r.Logger.With("session_id", strings.TrimSpace(sessionID), "course_id", strings.TrimSpace(courseID))
}

// Close closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// WithTrace adds trace_id and span_id when ctx carries a recording span.
func WithTrace(ctx context.Context, logger *log.Logger) *log.Logger {
	if logger == nil {
		return log.New(io.Discard)
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// NewWriter builds a logger on w. JSON output matches the log files; text
// output suits a terminal.
func NewWriter(w io.Writer, level log.Level, json bool) *log.Logger {
	if w == nil {
		w = io.Discard
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	if json {
		logger.SetFormatter(log.JSONFormatter)
	}
	return logger
}

// prune removes all but the newest keep log files, never touching current.
func prune(dir, current string, keep int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read log directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		names = append(names, name)
	}
	if len(names) <= keep {
		return 0, nil
	}
	// Names embed a sortable UTC timestamp.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	removed := 0
	for _, name := range names[keep:] {
		path := filepath.Join(dir, name)
		if path == current {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}
