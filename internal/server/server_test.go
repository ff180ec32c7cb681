package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoge-lms/scormbridge/internal/events"
	"github.com/agoge-lms/scormbridge/internal/launch"
	"github.com/agoge-lms/scormbridge/internal/origin"
	"github.com/agoge-lms/scormbridge/internal/protocol"
	"github.com/agoge-lms/scormbridge/internal/relay"
	"github.com/agoge-lms/scormbridge/internal/rte"
	"github.com/agoge-lms/scormbridge/internal/shim"
	"github.com/agoge-lms/scormbridge/internal/testutil"
	"github.com/agoge-lms/scormbridge/internal/transport"
)

const contentOrigin = "https://cdn.example.com"

type memoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memoryStore) GetValue(_ context.Context, courseID, element string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[courseID+"/"+element], nil
}

func (m *memoryStore) SetValue(_ context.Context, courseID, element, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[courseID+"/"+element] = value
	return nil
}

func (m *memoryStore) value(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

func (m *memoryStore) Commit(context.Context, string) error     { return nil }
func (m *memoryStore) EndSession(context.Context, string) error { return nil }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingPublisher) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	hub       *relay.Hub
	store     *memoryStore
	publisher *recordingPublisher
	http      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	guard, err := origin.NewGuard([]string{contentOrigin})
	require.NoError(t, err)
	store := &memoryStore{values: map[string]string{}}
	hub, err := relay.NewHub(guard, store)
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	publisher := &recordingPublisher{}
	srv, err := New(guard, hub, WithPublisher(publisher))
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &fixture{hub: hub, store: store, publisher: publisher, http: ts}
}

func (f *fixture) socketURL(session string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + "/rte/" + session + "/ws"
}

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	guard, err := origin.NewGuard([]string{contentOrigin})
	require.NoError(t, err)
	_, err = New(nil, &relay.Hub{})
	require.Error(t, err)
	_, err = New(guard, nil)
	require.Error(t, err)
}

func TestHealthReportsLiveSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.hub.Bind(testutil.Context(t), launch.Session{ID: "s1", CourseID: "7"}, nil)
	require.NoError(t, err)

	resp, err := http.Get(f.http.URL + HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Sessions)
}

func TestPlaceholderPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, err := http.Get(f.http.URL + PlaceholderPath + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestSocketServesRuntimeCalls(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := testutil.Context(t)
	var (
		mu    sync.Mutex
		types []string
	)
	_, err := f.hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7", LearnerID: "42"}, func(_ context.Context, n protocol.Notification) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, n.Type)
	})
	require.NoError(t, err)

	conn, err := transport.Dial(ctx, f.socketURL("s1"), contentOrigin)
	require.NoError(t, err)

	hostGuard, err := origin.NewGuard([]string{f.http.URL})
	require.NoError(t, err)
	proxy, err := rte.NewProxyAPI(conn, hostGuard, rte.Version2004)
	require.NoError(t, err)
	t.Cleanup(func() { proxy.Close(nil) })

	assert.True(t, proxy.Initialize(ctx).Wait(ctx).Bool())
	assert.True(t, proxy.SetValue(ctx, "cmi.location", "slide-3").Wait(ctx).Bool())
	assert.Equal(t, "slide-3", proxy.GetValue(ctx, "cmi.location").Wait(ctx).Value)
	assert.True(t, proxy.SetValue(ctx, "cmi.completion_status", "completed").Wait(ctx).Bool())

	mu.Lock()
	got := append([]string(nil), types...)
	mu.Unlock()
	assert.Equal(t, []string{protocol.NotificationComplete}, got)
	assert.False(t, f.hub.Has("s1"))
}

func TestSocketRefusesUntrustedOrigin(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := testutil.Context(t)
	_, err := f.hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7"}, nil)
	require.NoError(t, err)

	_, err = transport.Dial(ctx, f.socketURL("s1"), "https://evil.example.com")
	require.Error(t, err)
	assert.Equal(t, 1, f.publisher.count(events.EventTypeUntrustedOrigin))
	assert.True(t, f.hub.Has("s1"), "a refused handshake leaves the session waiting")
}

func TestSocketRejectsUnknownSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/rte/missing/ws", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", contentOrigin)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func postCall(t *testing.T, f *fixture, session, requestOrigin, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, shim.CallURL(f.http.URL, session), strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(echo.HeaderContentType, "text/plain;charset=UTF-8")
	req.Header.Set(echo.HeaderOrigin, requestOrigin)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeCallResponse(t *testing.T, resp *http.Response) protocol.Response {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out protocol.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCallServesInjectedRuntimeRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := testutil.Context(t)
	var (
		mu    sync.Mutex
		types []string
	)
	_, err := f.hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7", LearnerID: "42"}, func(_ context.Context, n protocol.Notification) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, n.Type)
	})
	require.NoError(t, err)

	resp := postCall(t, f, "s1", contentOrigin, `{"action":"Initialize","params":[""],"messageId":"s1-1"}`)
	assert.Equal(t, contentOrigin, resp.Header.Get(echo.HeaderAccessControlAllowOrigin))
	out := decodeCallResponse(t, resp)
	assert.Equal(t, "s1-1", out.MessageID)
	assert.Equal(t, "true", out.Result.String())

	out = decodeCallResponse(t, postCall(t, f, "s1", contentOrigin, `{"action":"SetValue","params":["cmi.location","slide-9"],"messageId":"s1-2"}`))
	assert.Equal(t, "true", out.Result.String())
	assert.Equal(t, "slide-9", f.store.value("7/cmi.location"))
	out = decodeCallResponse(t, postCall(t, f, "s1", contentOrigin, `{"action":"GetValue","params":["cmi.location"],"messageId":"s1-3"}`))
	assert.Equal(t, "slide-9", out.Result.String())

	resp = postCall(t, f, "s1", contentOrigin, `{"type":"scorm:complete","messageId":"s1-4"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	testutil.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 1
	})
	assert.False(t, f.hub.Has("s1"), "the first call attaches the session")
}

func TestCallRefusesUntrustedOrigin(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.hub.Bind(testutil.Context(t), launch.Session{ID: "s1", CourseID: "7"}, nil)
	require.NoError(t, err)

	resp := postCall(t, f, "s1", "https://evil.example.com", `{"action":"Initialize","params":[],"messageId":"m1"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(echo.HeaderAccessControlAllowOrigin))
	assert.Equal(t, 1, f.publisher.count(events.EventTypeUntrustedOrigin))
	assert.True(t, f.hub.Has("s1"), "a refused call leaves the session waiting")
}

func TestCallMapsRelayErrorsToStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.hub.Bind(testutil.Context(t), launch.Session{ID: "s1", CourseID: "7"}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, postCall(t, f, "missing", contentOrigin, `{"action":"Initialize","params":[],"messageId":"m1"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postCall(t, f, "s1", contentOrigin, `not json`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postCall(t, f, "s1", contentOrigin, `{"messageId":"m1","result":"true"}`).StatusCode)
}

func TestScriptServesRuntimeAPIForSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/rte/s1/api.js", nil)
	require.NoError(t, err)
	req.Header.Set(echo.HeaderOrigin, contentOrigin)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(echo.HeaderContentType), "javascript")
	assert.Equal(t, contentOrigin, resp.Header.Get(echo.HeaderAccessControlAllowOrigin))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"callURL":"`+shim.CallURL(f.http.URL, "s1")+`"`)
	assert.Contains(t, string(body), `"global":"API_1484_11"`)
}
