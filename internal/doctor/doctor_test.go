package doctor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/agoge-lms/scormbridge/internal/events"
	"github.com/agoge-lms/scormbridge/internal/launch"
	"github.com/agoge-lms/scormbridge/internal/origin"
	"github.com/agoge-lms/scormbridge/internal/relay"
	"github.com/agoge-lms/scormbridge/internal/state"
	"github.com/agoge-lms/scormbridge/internal/telemetry/invariants"
)

func TestNewManagerValidatesInputsAndDefaults(t *testing.T) {
	registry := &fakeRegistry{}
	bus := &fakeEventBus{}

	if _, err := NewManager(nil, bus, Config{}); err == nil {
		t.Fatal("expected error for nil registry")
	}
	if _, err := NewManager(registry, nil, Config{}); err == nil {
		t.Fatal("expected error for nil event bus")
	}

	manager, err := NewManager(registry, bus, Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if manager.heartbeatInterval != defaultHeartbeatInterval {
		t.Fatalf("heartbeatInterval = %s, want %s", manager.heartbeatInterval, defaultHeartbeatInterval)
	}
	if manager.staleTimeout != defaultStaleTimeout {
		t.Fatalf("staleTimeout = %s, want %s", manager.staleTimeout, defaultStaleTimeout)
	}
}

func TestRunOnceClosesStaleSessionsAndDeadPeers(t *testing.T) {
	invariants.Reset()
	t.Cleanup(invariants.Reset)
	now := time.Date(2026, 2, 11, 8, 30, 0, 0, time.UTC)
	registry := &fakeRegistry{
		infos: []relay.Info{
			{ID: "fresh", State: state.BindingOpen, CreatedAt: now.Add(-30 * time.Second)},
			{ID: "stale", State: state.BindingOpen, CreatedAt: now.Add(-10 * time.Minute)},
			{ID: "live", State: state.BindingConnected, CreatedAt: now.Add(-20 * time.Minute)},
			{ID: "dead", State: state.BindingConnected, CreatedAt: now.Add(-5 * time.Minute), PeerDone: true},
		},
	}
	bus := &fakeEventBus{}

	manager, err := NewManager(registry, bus, Config{
		HeartbeatInterval: 50 * time.Millisecond,
		StaleTimeout:      2 * time.Minute,
		Breaker:           fakeBreaker("closed"),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.now = func() time.Time { return now }

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	want := HealthReport{
		OpenSessions:      1,
		ConnectedSessions: 1,
		StaleSessions:     1,
		DeadPeers:         1,
		BackendBreaker:    "closed",
		DoctorHeartbeat:   now,
	}
	if !reflect.DeepEqual(report, want) {
		t.Fatalf("report = %+v, want %+v", report, want)
	}
	if !reflect.DeepEqual(registry.closed, []string{"stale", "dead"}) {
		t.Fatalf("closed = %v, want [stale dead]", registry.closed)
	}
	if !errors.Is(registry.causes[0], ErrStaleSession) || !errors.Is(registry.causes[1], ErrPeerGone) {
		t.Fatalf("causes = %v", registry.causes)
	}
	if count := bus.countByType(events.EventTypeHealthCheck); count != 1 {
		t.Fatalf("health check events = %d, want 1", count)
	}
}

func TestRunOnceReportsInvariantViolations(t *testing.T) {
	invariants.Reset()
	t.Cleanup(invariants.Reset)
	invariants.CheckOriginTrusted(context.Background(), "test", "https://evil.example", false)
	invariants.CheckOriginTrusted(context.Background(), "test", "https://evil.example", false)

	manager, err := NewManager(&fakeRegistry{}, &fakeEventBus{}, Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := report.Violations[invariants.OriginTrusted]; got != 2 {
		t.Fatalf("origin violations = %d, want 2", got)
	}
}

func TestRunOnceWarnsWhenBreakerOpen(t *testing.T) {
	bus := &fakeEventBus{}
	manager, err := NewManager(&fakeRegistry{}, bus, Config{Breaker: fakeBreaker("open")})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := manager.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	got := bus.all()
	if len(got) != 1 || got[0].Severity != events.SeverityWarn {
		t.Fatalf("events = %+v, want one warning health check", got)
	}
}

func TestRunOnceIgnoresSessionsClosedMeanwhile(t *testing.T) {
	now := time.Now()
	registry := &fakeRegistry{
		infos:    []relay.Info{{ID: "gone", State: state.BindingOpen, CreatedAt: now.Add(-time.Hour)}},
		closeErr: fmt.Errorf("close gone: %w", relay.ErrUnknownSession),
	}
	manager, err := NewManager(registry, &fakeEventBus{}, Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.StaleSessions != 1 {
		t.Fatalf("StaleSessions = %d, want 1", report.StaleSessions)
	}
}

func TestRunOnceSweepsRealHub(t *testing.T) {
	guard, err := origin.NewGuard([]string{"https://cdn.example.com"})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	hub, err := relay.NewHub(guard, nopStore{})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	t.Cleanup(hub.Close)

	binding, err := hub.Bind(context.Background(), launch.Session{ID: "s1", CourseID: "7"}, nil)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	manager, err := NewManager(hub, &fakeEventBus{}, Config{StaleTimeout: time.Minute})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.now = func() time.Time { return time.Now().Add(time.Hour) }

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.StaleSessions != 1 {
		t.Fatalf("StaleSessions = %d, want 1", report.StaleSessions)
	}
	select {
	case <-binding.(*relay.Binding).Done():
	default:
		t.Fatal("stale binding was not closed")
	}
	if hub.Has("s1") {
		t.Fatal("hub still reports the stale session")
	}
}

func TestStartRunsUntilCancelled(t *testing.T) {
	bus := &fakeEventBus{}

	manager, err := NewManager(&fakeRegistry{}, bus, Config{
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Start(ctx)
	}()

	time.Sleep(75 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("doctor start did not stop on context cancellation")
	}
	if count := bus.countByType(events.EventTypeHealthCheck); count < 2 {
		t.Fatalf("health check event count = %d, want at least 2", count)
	}
}

func TestStartPublishesAlertOnFailure(t *testing.T) {
	bus := &fakeEventBus{}
	manager, err := NewManager(&fakeRegistry{listErr: errors.New("hub unavailable")}, bus, Config{
		HeartbeatInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Start(ctx)
	}()
	deadline := time.Now().Add(time.Second)
	for bus.countByType(events.EventTypeSystemAlert) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if count := bus.countByType(events.EventTypeSystemAlert); count == 0 {
		t.Fatal("expected a system alert")
	}
}

func TestRunOncePropagatesRegistryErrors(t *testing.T) {
	manager, err := NewManager(&fakeRegistry{listErr: errors.New("hub unavailable")}, &fakeEventBus{}, Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := manager.RunOnce(context.Background()); err == nil {
		t.Fatal("expected run once error when listing fails")
	}

	now := time.Now()
	manager, err = NewManager(&fakeRegistry{
		infos:    []relay.Info{{ID: "stale", State: state.BindingOpen, CreatedAt: now.Add(-time.Hour)}},
		closeErr: errors.New("boom"),
	}, &fakeEventBus{}, Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := manager.RunOnce(context.Background()); err == nil {
		t.Fatal("expected run once error when close fails")
	}
}

type fakeRegistry struct {
	infos    []relay.Info
	listErr  error
	closeErr error
	closed   []string
	causes   []error
}

func (f *fakeRegistry) Bindings(context.Context) ([]relay.Info, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]relay.Info(nil), f.infos...), nil
}

func (f *fakeRegistry) CloseBinding(_ context.Context, id string, cause error) error {
	f.closed = append(f.closed, id)
	f.causes = append(f.causes, cause)
	return f.closeErr
}

type fakeBreaker string

func (f fakeBreaker) BreakerState() string { return string(f) }

type nopStore struct{}

func (nopStore) GetValue(context.Context, string, string) (string, error) { return "", nil }
func (nopStore) SetValue(context.Context, string, string, string) error   { return nil }
func (nopStore) Commit(context.Context, string) error                     { return nil }
func (nopStore) EndSession(context.Context, string) error                 { return nil }

type fakeEventBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeEventBus) Publish(event events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEventBus) all() []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Event(nil), f.events...)
}

func (f *fakeEventBus) countByType(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, event := range f.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}
