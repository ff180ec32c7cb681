// Package shim renders the SCORM API object injected into content windows.
// Content calls the API synchronously, so every method is a blocking HTTP
// round trip to the relay session the window was launched for.
package shim

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/template"

	"github.com/agoge-lms/scormbridge/internal/protocol"
	"github.com/agoge-lms/scormbridge/internal/rte"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var scriptTemplate = template.Must(template.ParseFS(templatesFS, "templates/api.js.tmpl"))

// Config selects the session and API generation a script is rendered for.
type Config struct {
	// PublicURL is the bridge base URL reachable from the content window.
	PublicURL string
	SessionID string
	Version   rte.Version
}

type method struct {
	Name     string `json:"name"`
	Action   string `json:"action"`
	Sentinel string `json:"sentinel"`
}

type scriptConfig struct {
	CallURL    string   `json:"callURL"`
	SessionID  string   `json:"sessionId"`
	Version    string   `json:"version"`
	Global     string   `json:"global"`
	Diagnostic string   `json:"diagnostic"`
	Complete   string   `json:"complete"`
	Methods    []method `json:"methods"`
}

// CallPath is the relay path content posts RTE calls to for sessionID.
func CallPath(sessionID string) string {
	return "/rte/" + url.PathEscape(strings.TrimSpace(sessionID)) + "/call"
}

// CallURL joins publicURL and CallPath.
func CallURL(publicURL, sessionID string) string {
	return strings.TrimRight(strings.TrimSpace(publicURL), "/") + CallPath(sessionID)
}

// Script renders the API installer for cfg.
func Script(cfg Config) (string, error) {
	sessionID := strings.TrimSpace(cfg.SessionID)
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	base, err := url.Parse(strings.TrimSpace(cfg.PublicURL))
	if err != nil {
		return "", fmt.Errorf("parse public url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return "", fmt.Errorf("public url %q must be an absolute http(s) url", cfg.PublicURL)
	}
	version := cfg.Version
	if version == "" {
		version = rte.Version2004
	}
	if version != rte.Version12 && version != rte.Version2004 {
		return "", fmt.Errorf("unsupported scorm version %q", version)
	}

	config := scriptConfig{
		CallURL:    CallURL(cfg.PublicURL, sessionID),
		SessionID:  sessionID,
		Version:    string(version),
		Global:     version.Global(),
		Diagnostic: "GetDiagnostic",
		Complete:   protocol.NotificationComplete,
	}
	if version == rte.Version12 {
		config.Diagnostic = "LMSGetDiagnostic"
	}
	for _, op := range rte.Ops() {
		config.Methods = append(config.Methods, method{
			Name:     version.Method(op),
			Action:   string(op),
			Sentinel: op.Sentinel(),
		})
	}
	encoded, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("encode shim config: %w", err)
	}

	var out bytes.Buffer
	if err := scriptTemplate.Execute(&out, struct{ Config string }{Config: string(encoded)}); err != nil {
		return "", fmt.Errorf("render shim script: %w", err)
	}
	return out.String(), nil
}
