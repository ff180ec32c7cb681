package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agoge-lms/scormbridge/internal/rte"
)

func isolate(t *testing.T) (home, work string) {
	t.Helper()
	home = t.TempDir()
	work = t.TempDir()
	t.Setenv("HOME", home)

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(work); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return home, work
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, DirName, "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Fatalf("listen_addr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.PublicURL != "http://"+defaultListenAddr {
		t.Fatalf("public_url = %q", cfg.PublicURL)
	}
	if cfg.ProxyTimeout != defaultProxyTimeout {
		t.Fatalf("proxy_timeout = %s, want %s", cfg.ProxyTimeout, defaultProxyTimeout)
	}
	if cfg.ClosePollInterval != defaultClosePollInterval {
		t.Fatalf("close_poll_interval = %s, want %s", cfg.ClosePollInterval, defaultClosePollInterval)
	}
	if cfg.RetryMaxTries != defaultRetryMaxTries {
		t.Fatalf("retry_max_tries = %d, want %d", cfg.RetryMaxTries, defaultRetryMaxTries)
	}
	if cfg.StaleSessionTimeout != defaultStaleSessionTimeout {
		t.Fatalf("stale_session_timeout = %s, want %s", cfg.StaleSessionTimeout, defaultStaleSessionTimeout)
	}
	if !cfg.Browser.Headless {
		t.Fatal("browser.headless should default to true")
	}
	if cfg.Level() != log.InfoLevel {
		t.Fatalf("level = %v, want info", cfg.Level())
	}
	if err := cfg.RequireBackend(); err == nil {
		t.Fatal("expected missing backend error")
	}
}

func TestLoadOverlaysProjectOverHome(t *testing.T) {
	home, work := isolate(t)

	writeConfig(t, home, `
backend_url = "https://lms.example.com/api/"
api_token = "home-token"
allowed_origins = ["https://cdn.example.com"]
proxy_timeout = "20s"
log_level = "debug"

[browser]
control_url = "ws://127.0.0.1:9222/devtools/browser/x"
`)
	writeConfig(t, work, `
api_token = "project-token"
allowed_origins = [" https://cdn.example.com ", "https://media.example.com:8443"]
close_poll_interval = "250ms"
retry_max_tries = 5
scorm_version = "1.2"

[browser]
headless = false

[otel]
endpoint = "http://collector:4318"
`)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.BackendURL != "https://lms.example.com/api" {
		t.Fatalf("backend_url = %q", cfg.BackendURL)
	}
	if cfg.APIToken != "project-token" {
		t.Fatalf("api_token = %q, want project-token", cfg.APIToken)
	}
	want := []string{"https://cdn.example.com", "https://media.example.com:8443"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Fatalf("allowed_origins = %v, want %v", cfg.AllowedOrigins, want)
	}
	if cfg.ProxyTimeout != 20*time.Second {
		t.Fatalf("proxy_timeout = %s, want 20s", cfg.ProxyTimeout)
	}
	if cfg.ClosePollInterval != 250*time.Millisecond {
		t.Fatalf("close_poll_interval = %s, want 250ms", cfg.ClosePollInterval)
	}
	if cfg.RetryMaxTries != 5 {
		t.Fatalf("retry_max_tries = %d, want 5", cfg.RetryMaxTries)
	}
	if cfg.SCORMVersion != rte.Version12 {
		t.Fatalf("scorm_version = %q, want 1.2", cfg.SCORMVersion)
	}
	if cfg.Browser.Headless {
		t.Fatal("browser.headless = true, want false")
	}
	if cfg.Browser.ControlURL != "ws://127.0.0.1:9222/devtools/browser/x" {
		t.Fatalf("browser.control_url = %q", cfg.Browser.ControlURL)
	}
	if cfg.OTel.Endpoint != "http://collector:4318" {
		t.Fatalf("otel.endpoint = %q", cfg.OTel.Endpoint)
	}
	if cfg.Level() != log.DebugLevel {
		t.Fatalf("level = %v, want debug", cfg.Level())
	}
	if err := cfg.RequireBackend(); err != nil {
		t.Fatalf("require backend: %v", err)
	}
}

func TestLoadExtraPathWins(t *testing.T) {
	_, work := isolate(t)
	writeConfig(t, work, `listen_addr = "127.0.0.1:9000"`)
	extra := filepath.Join(t.TempDir(), "override.toml")
	if err := os.WriteFile(extra, []byte(`listen_addr = "0.0.0.0:9100"`), 0o600); err != nil {
		t.Fatalf("write override: %v", err)
	}

	cfg, err := Load(context.Background(), extra)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9100" {
		t.Fatalf("listen_addr = %q, want override", cfg.ListenAddr)
	}

	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad duration", content: `proxy_timeout = "soon"`, want: "proxy_timeout"},
		{name: "zero duration", content: `stale_session_timeout = "0s"`, want: "stale_session_timeout"},
		{name: "bad retries", content: `retry_max_tries = 0`, want: "retry_max_tries"},
		{name: "bad backend", content: `backend_url = "lms.example.com"`, want: "backend_url"},
		{name: "bad origin", content: `allowed_origins = ["ftp://cdn.example.com"]`, want: "allowed_origins"},
		{name: "bad level", content: `log_level = "chatty"`, want: "log_level"},
		{name: "bad version", content: `scorm_version = "3.0"`, want: "scorm_version"},
		{name: "unknown key", content: `wip_limit = 3`, want: "unsupported key"},
		{name: "bad toml", content: `backend_url = `, want: "decode config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, work := isolate(t)
			writeConfig(t, work, tt.content)

			_, err := Load(context.Background())
			if err == nil {
				t.Fatal("expected load error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
