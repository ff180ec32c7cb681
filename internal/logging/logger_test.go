package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoge-lms/scormbridge/internal/testutil"
)

func TestNewWritesJSONRecordsWithRunAndSessionFields(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(context.Background(), WithDir(dir), WithRunID("run-1"), WithLevel(log.DebugLevel))
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(logger.Path()))
	assert.True(t, strings.HasPrefix(filepath.Base(logger.Path()), "scormbridge-"))
	assert.True(t, strings.HasSuffix(logger.Path(), "-run-1.log"))

	logger.ForSession("s1", "7").Debug("content attached")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	records := decodeLines(t, data)
	require.Len(t, records, 2)

	assert.Equal(t, "logger initialized", records[0]["msg"])
	assert.Equal(t, "run-1", records[0]["run_id"])
	assert.Equal(t, "content attached", records[1]["msg"])
	assert.Equal(t, "s1", records[1]["session_id"])
	assert.Equal(t, "7", records[1]["course_id"])
}

func TestNewRespectsLevel(t *testing.T) {
	logger, err := New(context.Background(), WithDir(t.TempDir()), WithLevel(log.WarnLevel))
	require.NoError(t, err)
	logger.Logger.Info("dropped")
	logger.Logger.Warn("kept")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	records := decodeLines(t, data)
	require.Len(t, records, 1)
	assert.Equal(t, "kept", records[0]["msg"])
}

func TestNewPrunesOldestFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"scormbridge-20261001-090000.log",
		"scormbridge-20261002-090000-abc.log",
		"scormbridge-20261003-090000.log",
		"unrelated.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o600))
	}

	logger, err := New(context.Background(), WithDir(dir), WithKeep(2))
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.Len(t, names, 3)
	assert.Contains(t, names, "unrelated.txt")
	assert.Contains(t, names, filepath.Base(logger.Path()))
	assert.Contains(t, names, "scormbridge-20261003-090000.log")
}

func TestWithTraceAddsSpanIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriter(&buf, log.InfoLevel, true)

	assert.Same(t, base, WithTrace(context.Background(), base))

	tracer, _ := testutil.Tracer(t)
	ctx, span := tracer.Start(context.Background(), "relay.call")
	WithTrace(ctx, base).Info("proxied")
	span.End()

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 1)
	assert.Equal(t, span.SpanContext().TraceID().String(), records[0]["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), records[0]["span_id"])
}

func TestNewWriterAndNilReceivers(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, log.InfoLevel, false).Info("plain text")
	assert.Contains(t, buf.String(), "plain text")
	assert.NotPanics(t, func() { NewWriter(nil, log.InfoLevel, true).Info("discarded") })

	var r *RuntimeLogger
	assert.NoError(t, r.Close())
	assert.Empty(t, r.Path())
	assert.NotNil(t, r.ForSession("s1", "7"))
	assert.NotNil(t, WithTrace(context.Background(), nil))
}

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		record := map[string]any{}
		require.NoError(t, json.Unmarshal(line, &record))
		out = append(out, record)
	}
	return out
}
