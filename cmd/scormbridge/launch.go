package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agoge-lms/scormbridge/internal/browser"
	"github.com/agoge-lms/scormbridge/internal/events"
	"github.com/agoge-lms/scormbridge/internal/launch"
	"github.com/agoge-lms/scormbridge/internal/server"
)

type launchOptions struct {
	courseID  string
	learnerID string
	language  string
}

func newLaunchCommand(a *app) *cobra.Command {
	opts := &launchOptions{}
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a course for a learner and wait for the session to end",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(opts.courseID) == "" || strings.TrimSpace(opts.learnerID) == "" {
				return errors.New("--course and --learner are required")
			}
			rt, err := a.newRuntime(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer rt.close()
			return runLaunch(cmd.Context(), rt, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.courseID, "course", "", "course id")
	cmd.Flags().StringVar(&opts.learnerID, "learner", "", "learner id")
	cmd.Flags().StringVar(&opts.language, "language", "", "language code; optional when the course offers one")
	return cmd
}

func runLaunch(ctx context.Context, rt *runtime, opts *launchOptions, out io.Writer) error {
	opener := browser.NewOpener(browser.Config{
		ControlURL:     rt.cfg.Browser.ControlURL,
		Bin:            rt.cfg.Browser.Bin,
		Headless:       rt.cfg.Browser.Headless,
		PlaceholderURL: rt.cfg.PublicURL + server.PlaceholderPath,
		BridgeURL:      rt.cfg.PublicURL,
		Version:        rt.cfg.SCORMVersion,
		Logger:         rt.logger.WithPrefix("browser"),
	})
	defer func() {
		if err := opener.Close(); err != nil {
			rt.logger.With("error", err).Warn("close browser")
		}
	}()

	controller, err := launch.NewController(opts.courseID, opts.learnerID, rt.client, opener,
		launch.WithLogger(rt.logger.WithPrefix("launch")),
		launch.WithPublisher(rt.bus),
		launch.WithProgress(rt.reconciler),
		launch.WithBinder(rt.hub),
		launch.WithPollInterval(rt.cfg.ClosePollInterval),
	)
	if err != nil {
		return fmt.Errorf("build launch controller: %w", err)
	}
	defer controller.Close()

	serveCtx, stopServe := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		return rt.serve(gctx)
	})
	g.Go(func() error {
		defer stopServe()
		return driveLaunch(gctx, rt.bus, controller, opts.language, out)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// driveLaunch runs one launch attempt and blocks until the session ends.
func driveLaunch(ctx context.Context, bus events.Bus, controller *launch.Controller, language string, out io.Writer) error {
	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("start launch: %w", err)
	}
	snapshot := controller.Snapshot()
	if snapshot.Status == launch.StatusNoLanguages {
		return printSnapshot(out, snapshot)
	}
	code, err := pickLanguage(snapshot, language)
	if err != nil {
		return err
	}

	ended := make(chan launch.Status, 1)
	unsubscribe := bus.Subscribe(events.EventTypeLaunchStateChanged, func(event events.Event) {
		changed, ok := event.Payload.(events.LaunchStateChanged)
		if !ok {
			return
		}
		if sessionEnded(launch.Status(changed.From), launch.Status(changed.To)) {
			select {
			case ended <- launch.Status(changed.To):
			default:
			}
		}
	})
	defer unsubscribe()

	if err := controller.Launch(ctx, code); err != nil {
		_ = printSnapshot(out, controller.Snapshot())
		return fmt.Errorf("launch course: %w", err)
	}
	if _, err := fmt.Fprintf(out, "Course running in session %s. Close the window to finish.\n", controller.Snapshot().Session.ID); err != nil {
		return fmt.Errorf("write launch output: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ended:
	}
	return printSnapshot(out, controller.Snapshot())
}

func sessionEnded(from, to launch.Status) bool {
	switch to {
	case launch.StatusCompleted, launch.StatusFailed:
		return true
	case launch.StatusSelectingLanguage:
		return from == launch.StatusRunning
	default:
		return false
	}
}

func pickLanguage(snapshot launch.Snapshot, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	codes := make([]string, 0, len(snapshot.Languages))
	for _, language := range snapshot.Languages {
		if requested != "" && strings.EqualFold(language.Code, requested) {
			return language.Code, nil
		}
		codes = append(codes, language.Code)
	}
	if requested == "" && len(codes) == 1 {
		return codes[0], nil
	}
	if requested == "" {
		return "", fmt.Errorf("course offers %s; choose one with --language", strings.Join(codes, ", "))
	}
	return "", fmt.Errorf("language %q not offered; choose one of %s", requested, strings.Join(codes, ", "))
}

func printSnapshot(out io.Writer, snapshot launch.Snapshot) error {
	lines := []string{titleStyle.Render(fmt.Sprintf("Course %s: %s", snapshot.CourseID, snapshot.View))}
	switch snapshot.View {
	case launch.ViewNoLanguages:
		lines = append(lines, "This course has no content available yet.")
	case launch.ViewError:
		lines = append(lines, failureStyle.Render(snapshot.Failure))
	case launch.ViewCongratulations:
		lines = append(lines, successStyle.Render("Congratulations, you completed the course."))
	}
	if p := snapshot.Progress; p != nil {
		lines = append(lines, fmt.Sprintf("Progress: %s, score %s, time %s, %d attempt(s)", p.Status, p.ScoreText, p.TimeText, p.Attempts))
	}
	if len(snapshot.Recommended) > 0 {
		lines = append(lines, "Recommended next:")
		for _, course := range snapshot.Recommended {
			lines = append(lines, fmt.Sprintf("  %s  %s", course.ID, course.Title))
		}
	}
	if _, err := fmt.Fprintln(out, strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("write launch output: %w", err)
	}
	return nil
}
