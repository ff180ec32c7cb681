package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agoge-lms/scormbridge/internal/backend"
)

const defaultConcurrency = 4

// Source reads raw progress rows for a course. backend.Client satisfies it.
type Source interface {
	ProgressData(ctx context.Context, courseID string) ([]backend.ProgressRow, error)
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithConcurrency bounds how many courses are read at once.
func WithConcurrency(limit int) ReconcilerOption {
	return func(r *Reconciler) {
		if limit > 0 {
			r.concurrency = limit
		}
	}
}

// WithTracer overrides the tracer.
func WithTracer(tracer trace.Tracer) ReconcilerOption {
	return func(r *Reconciler) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// Reconciler turns backend progress rows into learner views and course summaries.
type Reconciler struct {
	source      Source
	logger      *log.Logger
	tracer      trace.Tracer
	concurrency int
}

// NewReconciler constructs a Reconciler over source.
func NewReconciler(source Source, opts ...ReconcilerOption) (*Reconciler, error) {
	if source == nil {
		return nil, errors.New("progress source is required")
	}
	r := &Reconciler{
		source:      source,
		logger:      log.New(io.Discard),
		tracer:      otel.Tracer("scormbridge/progress"),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Records reads and parses every learner's record for courseID.
func (r *Reconciler) Records(ctx context.Context, courseID string) ([]Record, error) {
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		return nil, errors.New("course id is required")
	}
	ctx, span := r.tracer.Start(ctx, "progress.records", trace.WithAttributes(
		attribute.String("course_id", courseID),
	))
	defer span.End()

	rows, err := r.source.ProgressData(ctx, courseID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read progress for course %s: %w", courseID, err)
	}
	records := make([]Record, 0, len(rows))
	malformed := 0
	for _, row := range rows {
		record := ParseRecord(row.UserID.String(), courseID, row.ProgressData)
		if record.Malformed {
			malformed++
			r.logger.With("course_id", courseID, "learner_id", record.LearnerID).Warn("malformed progress data")
		}
		records = append(records, record)
	}
	span.SetAttributes(attribute.Int("rows", len(rows)), attribute.Int("malformed", malformed))
	return records, nil
}

// Learner returns learnerID's view of courseID. A learner without a row is
// not started.
func (r *Reconciler) Learner(ctx context.Context, courseID, learnerID string) (View, error) {
	learnerID = strings.TrimSpace(learnerID)
	if learnerID == "" {
		return View{}, errors.New("learner id is required")
	}
	records, err := r.Records(ctx, courseID)
	if err != nil {
		return View{}, err
	}
	for _, record := range records {
		if record.LearnerID == learnerID {
			return NewView(record), nil
		}
	}
	return NewView(Record{LearnerID: learnerID, CourseID: strings.TrimSpace(courseID)}), nil
}

// Course summarizes courseID.
func (r *Reconciler) Course(ctx context.Context, courseID string) (Summary, error) {
	records, err := r.Records(ctx, courseID)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(courseID, records), nil
}

// Courses summarizes several courses concurrently. A course whose data
// cannot be read is logged and reported as Unavailable with zero counts, so
// one failing course does not hide the others. Only context cancellation
// fails the whole call.
func (r *Reconciler) Courses(ctx context.Context, courseIDs []string) ([]Summary, Totals, error) {
	summaries := make([]Summary, len(courseIDs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)

	var mu sync.Mutex
	failed := 0
	for i, courseID := range courseIDs {
		group.Go(func() error {
			summary, err := r.Course(groupCtx, courseID)
			if err != nil {
				if ctxErr := groupCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				r.logger.With("course_id", courseID, "error", err).Warn("course progress unavailable")
				summary = Summarize(courseID, nil)
				summary.Unavailable = true
				mu.Lock()
				failed++
				mu.Unlock()
			}
			summaries[i] = summary
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, Totals{}, fmt.Errorf("reconcile courses: %w", err)
	}
	if failed > 0 {
		r.logger.With("failed", failed, "courses", len(courseIDs)).Info("reconciled with unavailable courses")
	}
	return summaries, SumTotals(summaries), nil
}
