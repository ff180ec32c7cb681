package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoge-lms/scormbridge/internal/backend"
	"github.com/agoge-lms/scormbridge/internal/events"
	"github.com/agoge-lms/scormbridge/internal/launch"
	"github.com/agoge-lms/scormbridge/internal/origin"
	"github.com/agoge-lms/scormbridge/internal/protocol"
	"github.com/agoge-lms/scormbridge/internal/rte"
	"github.com/agoge-lms/scormbridge/internal/state"
	"github.com/agoge-lms/scormbridge/internal/testutil"
	"github.com/agoge-lms/scormbridge/internal/transport"
)

const (
	hostOrigin    = "https://lms.example"
	contentOrigin = "https://cdn.example"
)

type memoryStore struct {
	mu      sync.Mutex
	values  map[string]string
	ended   int
	blockCh chan struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}}
}

func (m *memoryStore) GetValue(ctx context.Context, courseID, element string) (string, error) {
	if m.blockCh != nil {
		select {
		case <-m.blockCh:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
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

func (m *memoryStore) Commit(context.Context, string) error { return nil }

func (m *memoryStore) EndSession(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended++
	return nil
}

func (m *memoryStore) endedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingPublisher) byType(eventType string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type notificationLog struct {
	mu    sync.Mutex
	types []string
}

func (n *notificationLog) handle(_ context.Context, notification protocol.Notification) {
	n.mu.Lock()
	n.types = append(n.types, notification.Type)
	n.mu.Unlock()
}

func (n *notificationLog) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.types...)
}

func mustGuard(t *testing.T, origins ...string) *origin.Guard {
	t.Helper()
	guard, err := origin.NewGuard(origins)
	require.NoError(t, err)
	return guard
}

func newTestHub(t *testing.T, store *memoryStore, publisher *recordingPublisher) *Hub {
	t.Helper()
	hub, err := NewHub(mustGuard(t, contentOrigin), store, WithPublisher(publisher), WithCallTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(hub.Close)
	return hub
}

func connectContent(t *testing.T, hub *Hub, sessionID string, options ...rte.ProxyOption) (*rte.ProxyAPI, *transport.PipeEnd) {
	t.Helper()
	hostEnd, contentEnd := transport.NewPipe(hostOrigin, contentOrigin)
	proxy, err := rte.NewProxyAPI(contentEnd, mustGuard(t, hostOrigin), rte.Version12, options...)
	require.NoError(t, err)
	t.Cleanup(func() { proxy.Close(nil) })
	require.NoError(t, hub.Attach(testutil.Context(t), sessionID, hostEnd))
	return proxy, hostEnd
}

func TestNewHubValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := NewHub(nil, newMemoryStore())
	require.Error(t, err)
	_, err = NewHub(mustGuard(t, contentOrigin), nil)
	require.Error(t, err)
}

func TestBindAttachServesTrackingCalls(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	store.values["7/cmi.core.lesson_location"] = "page-2"
	publisher := &recordingPublisher{}
	hub := newTestHub(t, store, publisher)
	ctx := testutil.Context(t)

	notes := &notificationLog{}
	binding, err := hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7", LearnerID: "42"}, notes.handle)
	require.NoError(t, err)
	assert.True(t, hub.Has("s1"))

	contentNotes := &notificationLog{}
	proxy, _ := connectContent(t, hub, "s1", rte.WithProxyNotifications(contentNotes.handle))
	assert.False(t, hub.Has("s1"), "attached bindings no longer accept content")

	testutil.Eventually(t, func() bool { return len(contentNotes.list()) == 1 })
	assert.Equal(t, []string{protocol.NotificationReady}, contentNotes.list())

	assert.True(t, proxy.Initialize(ctx).Wait(ctx).Bool())
	assert.Equal(t, "page-2", proxy.GetValue(ctx, "cmi.core.lesson_location").Wait(ctx).Value)
	assert.True(t, proxy.SetValue(ctx, "cmi.core.lesson_status", "completed").Wait(ctx).Bool())
	assert.Equal(t, []string{protocol.NotificationComplete}, notes.list())

	infos, err := hub.Bindings(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, state.BindingConnected, infos[0].State)
	assert.False(t, infos[0].ConnectedAt.IsZero())

	binding.Close(launch.ErrWindowClosed)
	assert.Equal(t, 1, store.endedCount(), "active tracking session is terminated on close")
	closed := publisher.byType(events.EventTypeBridgeClosed)
	require.Len(t, closed, 1)
	payload := closed[0].Payload.(events.BridgeClosed)
	assert.True(t, payload.Connected)
	assert.Equal(t, launch.ErrWindowClosed.Error(), payload.Reason)

	infos, err = hub.Bindings(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)

	result := proxy.GetValue(ctx, "cmi.core.lesson_location").Wait(ctx)
	assert.Equal(t, "", result.Value)
	assert.ErrorIs(t, result.Err, rte.ErrClosed)
}

func TestContentNotificationsReachController(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, newMemoryStore(), &recordingPublisher{})
	ctx := testutil.Context(t)
	notes := &notificationLog{}
	_, err := hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7"}, notes.handle)
	require.NoError(t, err)

	_, hostEnd := connectContent(t, hub, "s1")
	data, err := protocol.Encode(protocol.Notification{Type: protocol.NotificationComplete, MessageID: "n1"})
	require.NoError(t, err)

	require.NoError(t, hostEnd.Deliver(ctx, transport.Message{Origin: "https://evil.example", Data: data}))
	require.NoError(t, hostEnd.Deliver(ctx, transport.Message{Origin: contentOrigin, Data: data}))
	testutil.Eventually(t, func() bool { return len(notes.list()) == 1 })
	assert.Equal(t, []string{protocol.NotificationComplete}, notes.list())
}

func TestCloseRejectsPendingContentCalls(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	store.blockCh = make(chan struct{})
	hub := newTestHub(t, store, &recordingPublisher{})
	t.Cleanup(func() { close(store.blockCh) })
	ctx := testutil.Context(t)

	binding, err := hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7"}, nil)
	require.NoError(t, err)
	proxy, _ := connectContent(t, hub, "s1", rte.WithProxyTimeout(time.Minute))
	require.True(t, proxy.Initialize(ctx).Wait(ctx).Bool())

	call := proxy.GetValue(ctx, "cmi.suspend_data")
	testutil.Eventually(t, func() bool { return proxy.Pending() == 1 })

	binding.Close(launch.ErrWindowClosed)
	result := call.Wait(ctx)
	assert.Equal(t, "", result.Value)
	assert.ErrorIs(t, result.Err, rte.ErrClosed)
	assert.Equal(t, 0, proxy.Pending())
}

func TestAttachErrors(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, newMemoryStore(), &recordingPublisher{})
	ctx := testutil.Context(t)

	hostEnd, _ := transport.NewPipe(hostOrigin, contentOrigin)
	assert.ErrorIs(t, hub.Attach(ctx, "missing", hostEnd), ErrUnknownSession)

	_, err := hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7"}, nil)
	require.NoError(t, err)
	_, err = hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7"}, nil)
	require.Error(t, err)

	connectContent(t, hub, "s1")
	second, _ := transport.NewPipe(hostOrigin, contentOrigin)
	assert.ErrorIs(t, hub.Attach(ctx, "s1", second), ErrAlreadyAttached)

	_, err = hub.Bind(ctx, launch.Session{CourseID: "7"}, nil)
	require.Error(t, err)
}

func TestPeerCloseClosesBinding(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	hub := newTestHub(t, newMemoryStore(), publisher)
	ctx := testutil.Context(t)
	binding, err := hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7"}, nil)
	require.NoError(t, err)

	proxy, _ := connectContent(t, hub, "s1")
	proxy.Close(nil)

	select {
	case <-binding.(*Binding).Done():
	case <-ctx.Done():
		t.Fatal("binding did not close after the content peer went away")
	}
	assert.Len(t, publisher.byType(events.EventTypeBridgeClosed), 1)
}

func TestHubCloseClosesEveryBinding(t *testing.T) {
	t.Parallel()

	hub, err := NewHub(mustGuard(t, contentOrigin), newMemoryStore())
	require.NoError(t, err)
	ctx := testutil.Context(t)
	first, err := hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7"}, nil)
	require.NoError(t, err)
	_, err = hub.Bind(ctx, launch.Session{ID: "s2", CourseID: "7"}, nil)
	require.NoError(t, err)

	hub.Close()
	assert.Equal(t, state.BindingClosed, first.(*Binding).State())
	_, err = hub.Bind(ctx, launch.Session{ID: "s3", CourseID: "7"}, nil)
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.ErrorIs(t, hub.CloseBinding(ctx, "s1", nil), ErrUnknownSession)
}

type fakeBackend struct{}

func (fakeBackend) AvailableLanguages(context.Context, string) ([]backend.Language, error) {
	return []backend.Language{{Code: "sv", Name: "Svenska"}}, nil
}

func (fakeBackend) LaunchURL(context.Context, string, string) (string, error) {
	return "https://cdn.example/x/index.html", nil
}

func (fakeBackend) SetUserCookie(context.Context, string) error { return nil }

func (fakeBackend) RecommendedCourses(context.Context, string) ([]backend.Course, error) {
	return nil, nil
}

type openWindow struct {
	closed   atomic.Bool
	mu       sync.Mutex
	attached []string
}

func (w *openWindow) AttachRuntime(_ context.Context, sessionID string) error {
	w.mu.Lock()
	w.attached = append(w.attached, sessionID)
	w.mu.Unlock()
	return nil
}

func (w *openWindow) attachedSessions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.attached...)
}

func (w *openWindow) ShowPlaceholder(context.Context) error { return nil }
func (w *openWindow) Navigate(context.Context, string) error { return nil }
func (w *openWindow) Closed() bool                           { return w.closed.Load() }
func (w *openWindow) Close() error {
	w.closed.Store(true)
	return nil
}

type singleOpener struct {
	window *openWindow
}

func (o *singleOpener) Open(context.Context) (launch.Window, error) { return o.window, nil }

func TestControllerCompletesWhenContentWritesCompletedStatus(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	hub := newTestHub(t, store, &recordingPublisher{})
	opener := &singleOpener{window: &openWindow{}}
	controller, err := launch.NewController("7", "42", fakeBackend{}, opener,
		launch.WithBinder(hub),
		launch.WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(controller.Close)
	ctx := testutil.Context(t)

	require.NoError(t, controller.Start(ctx))
	require.NoError(t, controller.Launch(ctx, "sv"))
	session := controller.Snapshot().Session
	require.NotNil(t, session)
	assert.Equal(t, "https://cdn.example/x/index.html?userId=42", session.LaunchURL)

	proxy, _ := connectContent(t, hub, session.ID)
	require.True(t, proxy.Initialize(ctx).Wait(ctx).Bool())
	require.True(t, proxy.SetValue(ctx, "cmi.completion_status", "completed").Wait(ctx).Bool())

	testutil.Eventually(t, func() bool { return controller.Snapshot().Status == launch.StatusCompleted })
	assert.Equal(t, launch.ViewCongratulations, controller.Snapshot().View)

	opener.window.closed.Store(true)
	testutil.Eventually(t, func() bool { return store.endedCount() == 1 })
}

func callRequest(t *testing.T, hub *Hub, sessionID, messageID, action string, params ...string) protocol.Response {
	t.Helper()
	data, err := protocol.Encode(protocol.NewRequest(action, messageID, params...))
	require.NoError(t, err)
	reply, err := hub.Call(testutil.Context(t), sessionID, transport.Message{Origin: contentOrigin, Data: data})
	require.NoError(t, err)
	decoded, err := protocol.Decode(reply)
	require.NoError(t, err)
	require.Equal(t, protocol.KindResponse, decoded.Kind)
	require.Equal(t, messageID, decoded.Response.MessageID)
	return *decoded.Response
}

func TestLaunchedWindowSessionReachesBindingOverHTTPCalls(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	store.values["7/cmi.location"] = "page-5"
	hub := newTestHub(t, store, &recordingPublisher{})
	opener := &singleOpener{window: &openWindow{}}
	controller, err := launch.NewController("7", "42", fakeBackend{}, opener,
		launch.WithBinder(hub),
		launch.WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(controller.Close)
	ctx := testutil.Context(t)

	require.NoError(t, controller.Start(ctx))
	require.NoError(t, controller.Launch(ctx, "sv"))
	session := controller.Snapshot().Session
	require.NotNil(t, session)

	attached := opener.window.attachedSessions()
	require.Equal(t, []string{session.ID}, attached, "the window is given the bound session")
	assert.True(t, hub.Has(attached[0]))

	assert.Equal(t, "true", callRequest(t, hub, attached[0], "c-1", "Initialize", "").Result.String())
	assert.Equal(t, "page-5", callRequest(t, hub, attached[0], "c-2", "GetValue", "cmi.location").Result.String())
	assert.Equal(t, "true", callRequest(t, hub, attached[0], "c-3", "SetValue", "cmi.completion_status", "completed").Result.String())

	testutil.Eventually(t, func() bool { return controller.Snapshot().Status == launch.StatusCompleted })
	infos, err := hub.Bindings(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, state.BindingConnected, infos[0].State)
}

func TestCallAttachesOnceUnderConcurrentFirstCalls(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	store.values["7/cmi.location"] = "page-1"
	hub := newTestHub(t, store, &recordingPublisher{})
	ctx := testutil.Context(t)
	_, err := hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7"}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	replies := make([][]byte, 8)
	errs := make([]error, len(replies))
	for i := range replies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := protocol.Encode(protocol.NewRequest("Initialize", fmt.Sprintf("init-%d", i), ""))
			if err != nil {
				errs[i] = err
				return
			}
			replies[i], errs[i] = hub.Call(ctx, "s1", transport.Message{Origin: contentOrigin, Data: data})
		}(i)
	}
	wg.Wait()
	for i := range replies {
		require.NoError(t, errs[i])
		decoded, err := protocol.Decode(replies[i])
		require.NoError(t, err)
		require.Equal(t, protocol.KindResponse, decoded.Kind)
		assert.Equal(t, fmt.Sprintf("init-%d", i), decoded.Response.MessageID)
		assert.Equal(t, "true", decoded.Response.Result.String())
	}
	assert.Equal(t, "page-1", callRequest(t, hub, "s1", "get-1", "GetValue", "cmi.location").Result.String())

	second, _ := transport.NewPipe(hostOrigin, contentOrigin)
	assert.ErrorIs(t, hub.Attach(ctx, "s1", second), ErrAlreadyAttached, "a socket cannot take over an HTTP session")
}

func TestCallErrors(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, newMemoryStore(), &recordingPublisher{})
	ctx := testutil.Context(t)
	request, err := protocol.Encode(protocol.NewRequest("Initialize", "m1", ""))
	require.NoError(t, err)

	_, err = hub.Call(ctx, "missing", transport.Message{Origin: contentOrigin, Data: request})
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = hub.Call(ctx, "missing", transport.Message{Origin: contentOrigin, Data: []byte("{")})
	assert.ErrorIs(t, err, protocol.ErrMalformed)

	response, err := protocol.Encode(protocol.Response{MessageID: "m1", Result: "true"})
	require.NoError(t, err)
	_, err = hub.Call(ctx, "missing", transport.Message{Origin: contentOrigin, Data: response})
	assert.ErrorIs(t, err, protocol.ErrMalformed)

	_, err = hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7"}, nil)
	require.NoError(t, err)
	connectContent(t, hub, "s1")
	_, err = hub.Call(ctx, "s1", transport.Message{Origin: contentOrigin, Data: request})
	assert.ErrorIs(t, err, ErrAlreadyAttached)
}

func TestCallForwardsNotificationsWithoutReply(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, newMemoryStore(), &recordingPublisher{})
	ctx := testutil.Context(t)
	notes := &notificationLog{}
	_, err := hub.Bind(ctx, launch.Session{ID: "s1", CourseID: "7"}, notes.handle)
	require.NoError(t, err)

	data, err := protocol.Encode(protocol.Notification{Type: protocol.NotificationComplete, MessageID: "n1"})
	require.NoError(t, err)
	reply, err := hub.Call(ctx, "s1", transport.Message{Origin: contentOrigin, Data: data})
	require.NoError(t, err)
	assert.Nil(t, reply)
	testutil.Eventually(t, func() bool { return len(notes.list()) == 1 })
	assert.Equal(t, []string{protocol.NotificationComplete}, notes.list())
}
