package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agoge-lms/scormbridge/internal/events"
	"github.com/agoge-lms/scormbridge/internal/relay"
	"github.com/agoge-lms/scormbridge/internal/state"
	"github.com/agoge-lms/scormbridge/internal/telemetry/invariants"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultStaleTimeout      = 2 * time.Minute
)

var (
	// ErrStaleSession closes relay sessions whose content never connected.
	ErrStaleSession = errors.New("relay session never connected")
	// ErrPeerGone closes connected relay sessions whose peer has disconnected.
	ErrPeerGone = errors.New("relay peer disconnected")
)

// Registry lists and closes relay sessions. relay.Hub satisfies it.
type Registry interface {
	Bindings(ctx context.Context) ([]relay.Info, error)
	CloseBinding(ctx context.Context, id string, cause error) error
}

// BreakerReporter exposes the backend circuit breaker state.
type BreakerReporter interface {
	BreakerState() string
}

// EventBus publishes health events.
type EventBus interface {
	Publish(event events.Event)
}

// Config controls Doctor heartbeat cadence and the stale session threshold.
type Config struct {
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
	// Breaker is optional; when set its state is included in every report.
	Breaker BreakerReporter
	Logger  *log.Logger
}

// HealthReport is emitted on every Doctor heartbeat.
type HealthReport struct {
	OpenSessions      int       `json:"open_sessions"`
	ConnectedSessions int       `json:"connected_sessions"`
	StaleSessions     int       `json:"stale_sessions"`
	DeadPeers         int       `json:"dead_peers"`
	BackendBreaker    string    `json:"backend_breaker,omitempty"`
	DoctorHeartbeat   time.Time `json:"doctor_heartbeat"`
	// Violations counts invariant violations recorded since process start.
	Violations map[string]uint64 `json:"invariant_violations,omitempty"`
}

// Manager sweeps the relay on a periodic ticker.
type Manager struct {
	registry          Registry
	bus               EventBus
	breaker           BreakerReporter
	logger            *log.Logger
	heartbeatInterval time.Duration
	staleTimeout      time.Duration
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker
}

// NewManager builds a Doctor manager with sane defaults.
func NewManager(registry Registry, bus EventBus, cfg Config) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("relay registry is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = defaultStaleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Manager{
		registry:          registry,
		bus:               bus,
		breaker:           cfg.Breaker,
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleTimeout:      cfg.StaleTimeout,
		now:               time.Now,
		newTicker:         time.NewTicker,
	}, nil
}

// Start runs heartbeat checks until context cancellation.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.With("error", err).Error("doctor sweep failed")
				m.bus.Publish(events.Event{
					Type:       events.EventTypeSystemAlert,
					Timestamp:  m.now().UTC(),
					EntityType: "health",
					EntityID:   "doctor",
					Payload: map[string]string{
						"error": err.Error(),
					},
					Severity: events.SeverityError,
				})
			}
		}
	}
}

// RunOnce executes one sweep: sessions whose content never connected within
// the stale timeout are closed, as are connected sessions whose peer is gone.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}

	infos, err := m.registry.Bindings(ctx)
	if err != nil {
		return HealthReport{}, fmt.Errorf("list relay sessions: %w", err)
	}

	now := m.now().UTC()
	report := HealthReport{
		DoctorHeartbeat: now,
	}
	for _, info := range infos {
		switch info.State {
		case state.BindingOpen:
			if now.Sub(info.CreatedAt) < m.staleTimeout {
				report.OpenSessions++
				continue
			}
			if err := m.close(ctx, info, ErrStaleSession); err != nil {
				return HealthReport{}, err
			}
			report.StaleSessions++
		case state.BindingConnected:
			if !info.PeerDone {
				report.ConnectedSessions++
				continue
			}
			if err := m.close(ctx, info, ErrPeerGone); err != nil {
				return HealthReport{}, err
			}
			report.DeadPeers++
		}
	}
	if m.breaker != nil {
		report.BackendBreaker = m.breaker.BreakerState()
	}
	if counts := invariants.Counts(); len(counts) > 0 {
		report.Violations = counts
	}

	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  now,
		EntityType: "health",
		EntityID:   "doctor",
		Payload:    report,
		Severity:   severityFor(report),
	})

	return report, nil
}

func (m *Manager) close(ctx context.Context, info relay.Info, cause error) error {
	m.logger.With("session_id", info.ID, "course_id", info.CourseID, "reason", cause.Error()).Warn("closing relay session")
	err := m.registry.CloseBinding(ctx, info.ID, cause)
	if err == nil || errors.Is(err, relay.ErrUnknownSession) {
		// Sessions closed between listing and sweeping need no action.
		return nil
	}
	return fmt.Errorf("close relay session %s: %w", info.ID, err)
}

func severityFor(report HealthReport) string {
	if report.BackendBreaker == "open" {
		return events.SeverityWarn
	}
	return events.SeverityInfo
}
