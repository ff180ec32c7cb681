package main

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agoge-lms/scormbridge/internal/config"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
)

var sensitiveKeyParts = []string{"token", "secret", "password", "api_key", "apikey", "cookie", "authorization"}

func newBugreportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect logs and redacted config into a diagnostic bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.logger != nil {
				a.logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			return runBugReport(cmd.OutOrStdout())
		},
	}
}

func runBugReport(out io.Writer) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	stamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(cwd, fmt.Sprintf(".scormbridge-bugreport-%s.tar.gz", stamp))

	stagingDir, err := os.MkdirTemp("", "scormbridge-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	report, err := collectBugreportArtifacts(homeDir, cwd, stagingDir)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, report); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	RunID     string
	SessionID string
	Configs   []string
	Warnings  []string
}

func collectBugreportArtifacts(homeDir, cwd, stagingDir string) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
		Warnings:  []string{},
	}

	logFiles, warnings := copyRecentLogs(filepath.Join(homeDir, config.DirName, "logs"), stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.RunID, summary.SessionID = lastCorrelation(logFiles)
	if summary.RunID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id found in copied logs")
	}

	lastRun := fmt.Sprintf("run_id: %s\nsession_id: %s\n", summary.RunID, summary.SessionID)
	if err := os.WriteFile(filepath.Join(stagingDir, "last-run.txt"), []byte(lastRun), 0o600); err != nil {
		return bugreportSummary{}, fmt.Errorf("write last-run.txt: %w", err)
	}
	versionText := fmt.Sprintf("scormbridge version: %s\n", strings.TrimSpace(summary.Version))
	if err := os.WriteFile(filepath.Join(stagingDir, "version.txt"), []byte(versionText), 0o600); err != nil {
		return bugreportSummary{}, fmt.Errorf("write version.txt: %w", err)
	}

	sources := map[string]string{
		"config.home.toml":    filepath.Join(homeDir, config.DirName, "config.toml"),
		"config.project.toml": filepath.Join(cwd, config.DirName, "config.toml"),
	}
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := copyRedactedConfig(sources[name], filepath.Join(stagingDir, name), &summary); err != nil {
			return bugreportSummary{}, err
		}
	}

	return summary, nil
}

func copyRecentLogs(logsDir, stagingDir string, limit int) ([]string, []string) {
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}
	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	warnings := []string{}
	copied := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from the logs directory listing.
		data, err := os.ReadFile(file.path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, err))
			continue
		}
		if err := os.WriteFile(filepath.Join(destDir, filepath.Base(file.path)), data, 0o600); err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, err))
			continue
		}
		copied = append(copied, file.path)
	}
	return copied, warnings
}

// lastCorrelation returns the newest run_id and session_id found in logPaths,
// which are ordered newest first.
func lastCorrelation(logPaths []string) (string, string) {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths come from copyRecentLogs.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		runID, sessionID := "", ""
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			record := map[string]any{}
			if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &record); err != nil {
				continue
			}
			if runID == "" {
				runID = asString(record["run_id"])
			}
			if sessionID == "" {
				sessionID = asString(record["session_id"])
			}
			if runID != "" && sessionID != "" {
				break
			}
		}
		if runID != "" {
			return runID, sessionID
		}
	}
	return "", ""
}

func copyRedactedConfig(source, destination string, summary *bugreportSummary) error {
	// #nosec G304 -- config paths are fixed under the home and working directories.
	data, err := os.ReadFile(source)
	if err != nil {
		if !os.IsNotExist(err) {
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read config %s: %v", source, err))
		}
		return nil
	}
	if err := os.WriteFile(destination, []byte(redactSensitiveConfig(string(data))), 0o600); err != nil {
		return fmt.Errorf("write redacted config: %w", err)
	}
	summary.Configs = append(summary.Configs, filepath.Base(destination))
	return nil
}

// redactSensitiveConfig masks the value of every TOML key that names a credential.
func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		key, _, found := strings.Cut(line, "=")
		if !found || !isSensitiveKey(strings.TrimSpace(key)) {
			continue
		}
		lines[i] = key + `= "***REDACTED***"`
	}
	return strings.Join(lines, "\n")
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	b := strings.Builder{}
	b.WriteString("scormbridge bug report\n")
	b.WriteString("======================\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&b, "Version: %s\n", summary.Version)
	fmt.Fprintf(&b, "run_id: %s\n", summary.RunID)
	fmt.Fprintf(&b, "session_id: %s\n\n", summary.SessionID)
	b.WriteString("Included artifacts:\n")
	fmt.Fprintf(&b, "- logs/ (up to last %d log files)\n", bugreportLogLimit)
	for _, name := range summary.Configs {
		fmt.Fprintf(&b, "- %s (credentials redacted)\n", name)
	}
	b.WriteString("- version.txt\n")
	b.WriteString("- last-run.txt\n")
	if len(summary.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			b.WriteString("- " + warning + "\n")
		}
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is a generated name in the working directory.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finish archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer file.Close()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func asString(value any) string {
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return ""
}
