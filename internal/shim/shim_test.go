package shim

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoge-lms/scormbridge/internal/rte"
)

func embeddedConfig(t *testing.T, script string) scriptConfig {
	t.Helper()
	const marker = "var config = "
	start := strings.Index(script, marker)
	require.GreaterOrEqual(t, start, 0, "script declares its config")
	rest := script[start+len(marker):]
	end := strings.Index(rest, ";\n")
	require.Greater(t, end, 0)

	var config scriptConfig
	require.NoError(t, json.Unmarshal([]byte(rest[:end]), &config))
	return config
}

func TestScriptInstallsSCORM2004API(t *testing.T) {
	t.Parallel()

	script, err := Script(Config{PublicURL: "https://bridge.example/", SessionID: " session-1 "})
	require.NoError(t, err)

	config := embeddedConfig(t, script)
	assert.Equal(t, "https://bridge.example/rte/session-1/call", config.CallURL)
	assert.Equal(t, "session-1", config.SessionID)
	assert.Equal(t, "API_1484_11", config.Global)
	assert.Equal(t, "GetDiagnostic", config.Diagnostic)
	assert.Equal(t, "scorm:complete", config.Complete)

	byName := map[string]method{}
	for _, m := range config.Methods {
		byName[m.Name] = m
	}
	require.Len(t, byName, len(rte.Ops()))
	assert.Equal(t, method{Name: "Initialize", Action: "Initialize", Sentinel: "false"}, byName["Initialize"])
	assert.Equal(t, method{Name: "GetValue", Action: "GetValue", Sentinel: ""}, byName["GetValue"])
	assert.Equal(t, method{Name: "GetLastError", Action: "GetLastError", Sentinel: "101"}, byName["GetLastError"])
	assert.Contains(t, script, `xhr.open("POST", config.callURL, false)`, "calls block until the host answers")
}

func TestScriptInstallsSCORM12API(t *testing.T) {
	t.Parallel()

	script, err := Script(Config{PublicURL: "http://127.0.0.1:8740", SessionID: "s-2", Version: rte.Version12})
	require.NoError(t, err)

	config := embeddedConfig(t, script)
	assert.Equal(t, "API", config.Global)
	assert.Equal(t, "LMSGetDiagnostic", config.Diagnostic)
	names := make([]string, 0, len(config.Methods))
	for _, m := range config.Methods {
		names = append(names, m.Name)
	}
	assert.Contains(t, names, "LMSInitialize")
	assert.Contains(t, names, "LMSFinish")
	assert.NotContains(t, names, "Terminate")
}

func TestScriptRejectsBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing session", cfg: Config{PublicURL: "https://bridge.example"}},
		{name: "relative url", cfg: Config{PublicURL: "/bridge", SessionID: "s"}},
		{name: "unsupported scheme", cfg: Config{PublicURL: "ftp://bridge.example", SessionID: "s"}},
		{name: "unknown version", cfg: Config{PublicURL: "https://bridge.example", SessionID: "s", Version: "3rd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Script(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestCallURLEscapesSessionID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/rte/a%2Fb/call", CallPath("a/b"))
	assert.Equal(t, "https://bridge.example/rte/s-1/call", CallURL("https://bridge.example//", "s-1"))
}
