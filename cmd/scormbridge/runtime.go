package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/agoge-lms/scormbridge/internal/backend"
	"github.com/agoge-lms/scormbridge/internal/config"
	"github.com/agoge-lms/scormbridge/internal/doctor"
	"github.com/agoge-lms/scormbridge/internal/events"
	"github.com/agoge-lms/scormbridge/internal/origin"
	"github.com/agoge-lms/scormbridge/internal/progress"
	"github.com/agoge-lms/scormbridge/internal/relay"
	"github.com/agoge-lms/scormbridge/internal/server"
)

const shutdownTimeout = 10 * time.Second

// runtime is the host process: backend client, relay hub, HTTP surface and
// the doctor sweeping stale sessions.
type runtime struct {
	cfg        *config.Config
	logger     *log.Logger
	bus        *events.InMemoryBus
	client     *backend.Client
	guard      *origin.Guard
	hub        *relay.Hub
	server     *server.Server
	doctor     *doctor.Manager
	reconciler *progress.Reconciler
}

func newRuntime(cfg *config.Config, logger *log.Logger) (*runtime, error) {
	if err := cfg.RequireBackend(); err != nil {
		return nil, err
	}
	if len(cfg.AllowedOrigins) == 0 {
		return nil, errors.New("allowed_origins is not configured")
	}

	client, err := newBackendClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	guard, err := origin.NewGuard(cfg.AllowedOrigins)
	if err != nil {
		return nil, fmt.Errorf("build origin guard: %w", err)
	}

	bus := events.New(events.WithLogger(logger))
	bus.SubscribeAll(func(event events.Event) {
		entry := logger.With("event", event.Type, "entity_id", event.EntityID)
		switch event.Severity {
		case events.SeverityError:
			entry.Error("event")
		case events.SeverityWarn:
			entry.Warn("event")
		default:
			entry.Debug("event")
		}
	})

	hub, err := relay.NewHub(guard, client,
		relay.WithLogger(logger.WithPrefix("relay")),
		relay.WithPublisher(bus),
		relay.WithCallTimeout(cfg.ProxyTimeout),
		relay.WithVersion(cfg.SCORMVersion),
	)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("build relay hub: %w", err)
	}
	srv, err := server.New(guard, hub,
		server.WithLogger(logger.WithPrefix("http")),
		server.WithPublisher(bus),
		server.WithRequestLogs(cfg.Level() <= log.DebugLevel),
		server.WithPublicURL(cfg.PublicURL),
		server.WithVersion(cfg.SCORMVersion),
		server.WithCallTimeout(cfg.ProxyTimeout),
	)
	if err != nil {
		hub.Close()
		bus.Close()
		return nil, fmt.Errorf("build http server: %w", err)
	}
	doc, err := doctor.NewManager(hub, bus, doctor.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleTimeout:      cfg.StaleSessionTimeout,
		Breaker:           client,
		Logger:            logger.WithPrefix("doctor"),
	})
	if err != nil {
		hub.Close()
		bus.Close()
		return nil, fmt.Errorf("build doctor: %w", err)
	}
	reconciler, err := progress.NewReconciler(client, progress.WithLogger(logger.WithPrefix("progress")))
	if err != nil {
		hub.Close()
		bus.Close()
		return nil, fmt.Errorf("build reconciler: %w", err)
	}

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		client:     client,
		guard:      guard,
		hub:        hub,
		server:     srv,
		doctor:     doc,
		reconciler: reconciler,
	}, nil
}

func newBackendClient(cfg *config.Config, logger *log.Logger) (*backend.Client, error) {
	client, err := backend.NewClient(backend.Config{
		BaseURL:         cfg.BackendURL,
		Token:           cfg.APIToken,
		Timeout:         cfg.RequestTimeout,
		RetryMaxTries:   uint(cfg.RetryMaxTries),
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerCooldown: cfg.BreakerCooldown,
		Logger:          logger.WithPrefix("backend"),
	})
	if err != nil {
		return nil, fmt.Errorf("build backend client: %w", err)
	}
	return client, nil
}

// serve runs the HTTP surface and the doctor until ctx is cancelled.
func (r *runtime) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.server.Start(r.cfg.ListenAddr)
	})
	g.Go(func() error {
		r.doctor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			r.logger.With("error", err).Warn("http server shutdown")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (r *runtime) close() {
	r.hub.Close()
	r.bus.Close()
}
