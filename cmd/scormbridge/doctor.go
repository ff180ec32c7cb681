package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agoge-lms/scormbridge/internal/server"
)

const doctorTimeout = 5 * time.Second

var doctorHTTPClient = &http.Client{Timeout: doctorTimeout}

func newDoctorCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that a running bridge host answers its health check",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), a.cfg.PublicURL, cmd.OutOrStdout())
		},
	}
}

func runDoctor(ctx context.Context, publicURL string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	endpoint := strings.TrimRight(publicURL, "/") + server.HealthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := doctorHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge host unreachable at %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge host at %s answered %d", endpoint, resp.StatusCode)
	}

	var health server.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if _, err := fmt.Fprintf(out, "bridge host %s: %s, %d open session(s)\n", publicURL, health.Status, health.Sessions); err != nil {
		return fmt.Errorf("write doctor output: %w", err)
	}
	names := make([]string, 0, len(health.Violations))
	for name := range health.Violations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(out, "  %s: %d violation(s)\n", name, health.Violations[name]); err != nil {
			return fmt.Errorf("write doctor output: %w", err)
		}
	}
	return nil
}
