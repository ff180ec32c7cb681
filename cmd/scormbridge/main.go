package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agoge-lms/scormbridge/internal/config"
	"github.com/agoge-lms/scormbridge/internal/logging"
	"github.com/agoge-lms/scormbridge/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs. Config and logging are resolved
// in the root pre-run so that --config applies.
type app struct {
	configPath string
	otelFlag   string
	cfg        *config.Config
	logger     *log.Logger

	loadConfig func(ctx context.Context, extra ...string) (*config.Config, error)
	newRuntime func(cfg *config.Config, logger *log.Logger) (*runtime, error)
	closers    []func()
}

func run(ctx context.Context, args []string) error {
	runID := uuid.NewString()[:8]
	runtimeLogger, err := logging.New(ctx, logging.WithRunID(runID))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := runtimeLogger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	a := &app{
		logger:     runtimeLogger.Logger,
		loadConfig: config.Load,
		newRuntime: newRuntime,
	}
	defer a.close()

	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "scormbridge",
		Short:         "SCORM runtime bridge and launch reconciliation for the LMS",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "extra config file overlaid last")
	root.PersistentFlags().StringVar(&a.otelFlag, "otel-endpoint", "", "OTLP HTTP endpoint for traces, or \"off\"")
	root.AddCommand(
		newServeCommand(a),
		newLaunchCommand(a),
		newProgressCommand(a),
		newDoctorCommand(a),
		newBugreportCommand(a),
		newVersionCommand(),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		switch cmd.Name() {
		case "help", "completion", "version", "bugreport":
			return nil
		}
		if a.logger == nil {
			return errors.New("logger is required")
		}
		cfg, err := a.loadConfig(cmd.Context(), a.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
		a.logger.SetLevel(cfg.Level())
		a.logger.With("command", cmd.Name()).Debug("command invocation")

		if cmd.Name() == "serve" || cmd.Name() == "launch" {
			shutdown, err := telemetry.Init(cmd.Context(), telemetry.Options{
				Endpoint:       a.otelFlag,
				ConfigEndpoint: cfg.OTel.Endpoint,
				Version:        Version,
				ListenAddr:     cfg.ListenAddr,
				Logger:         a.logger.WithPrefix("otel"),
			})
			if err != nil {
				return fmt.Errorf("initialize telemetry: %w", err)
			}
			a.closers = append(a.closers, shutdown)
		}
		return nil
	}

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scormbridge version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
