package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/agoge-lms/scormbridge/internal/progress"
)

type progressOptions struct {
	courseIDs []string
	learnerID string
	asJSON    bool
}

type coursesReport struct {
	Courses []progress.Summary `json:"courses"`
	Totals  progress.Totals    `json:"totals"`
	Time    string             `json:"total_session_time"`
}

func newProgressCommand(a *app) *cobra.Command {
	opts := &progressOptions{}
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Reconcile completion, score and time from backend tracking data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(opts.courseIDs) == 0 {
				return errors.New("at least one --course is required")
			}
			if err := a.cfg.RequireBackend(); err != nil {
				return err
			}
			client, err := newBackendClient(a.cfg, a.logger)
			if err != nil {
				return err
			}
			reconciler, err := progress.NewReconciler(client, progress.WithLogger(a.logger.WithPrefix("progress")))
			if err != nil {
				return fmt.Errorf("build reconciler: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.learnerID != "" {
				views := make([]progress.View, 0, len(opts.courseIDs))
				for _, courseID := range opts.courseIDs {
					view, err := reconciler.Learner(cmd.Context(), courseID, opts.learnerID)
					if err != nil {
						return fmt.Errorf("read progress for course %s: %w", courseID, err)
					}
					views = append(views, view)
				}
				if opts.asJSON {
					return writeJSON(out, views)
				}
				return renderLearnerViews(out, views)
			}

			summaries, totals, err := reconciler.Courses(cmd.Context(), opts.courseIDs)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(out, coursesReport{
					Courses: summaries,
					Totals:  totals,
					Time:    progress.FormatSessionTime(totals.TotalSessionTime),
				})
			}
			return renderCourseSummaries(out, summaries, totals)
		},
	}
	cmd.Flags().StringSliceVar(&opts.courseIDs, "course", nil, "course id; repeatable")
	cmd.Flags().StringVar(&opts.learnerID, "learner", "", "show one learner's view instead of course summaries")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "emit JSON")
	return cmd
}

func renderLearnerViews(out io.Writer, views []progress.View) error {
	rows := make([][]string, 0, len(views))
	for _, view := range views {
		status := string(view.Status)
		if view.Malformed {
			status += " (malformed)"
		}
		rows = append(rows, []string{view.CourseID, status, view.ScoreText, view.TimeText, strconv.Itoa(view.Attempts)})
	}
	t := newTable([]string{"COURSE", "STATUS", "SCORE", "TIME", "ATTEMPTS"}, rows, nil)
	if _, err := fmt.Fprintln(out, t.String()); err != nil {
		return fmt.Errorf("write progress output: %w", err)
	}
	return nil
}

func renderCourseSummaries(out io.Writer, summaries []progress.Summary, totals progress.Totals) error {
	rows := make([][]string, 0, len(summaries)+1)
	muted := map[int]bool{}
	for i, s := range summaries {
		if s.Unavailable {
			muted[i] = true
			rows = append(rows, []string{s.CourseID, "unavailable", "", "", "", "", ""})
			continue
		}
		rows = append(rows, []string{
			s.CourseID,
			strconv.Itoa(s.Learners),
			strconv.Itoa(s.Completed),
			strconv.Itoa(s.Started),
			strconv.Itoa(s.NotStarted),
			s.AverageText(),
			progress.FormatSessionTime(s.TotalSessionTime),
		})
	}
	rows = append(rows, []string{"TOTAL", "", strconv.Itoa(totals.Completions), "", "", "", progress.FormatSessionTime(totals.TotalSessionTime)})

	t := newTable([]string{"COURSE", "LEARNERS", "COMPLETED", "STARTED", "NOT STARTED", "AVERAGE", "TIME"}, rows, muted)
	if _, err := fmt.Fprintln(out, t.String()); err != nil {
		return fmt.Errorf("write progress output: %w", err)
	}
	return nil
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode json output: %w", err)
	}
	return nil
}
