// Package server composes the toolgate engine from configuration.
//
// It lives in pkg/ so an embedding program can build the same server and
// wrap the handler with its own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	go srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/agentoven/toolgate/internal/api"
	"github.com/agentoven/toolgate/internal/api/handlers"
	"github.com/agentoven/toolgate/internal/catalog"
	"github.com/agentoven/toolgate/internal/config"
	"github.com/agentoven/toolgate/internal/events"
	"github.com/agentoven/toolgate/internal/executor"
	"github.com/agentoven/toolgate/internal/fallback"
	"github.com/agentoven/toolgate/internal/gateway"
	"github.com/agentoven/toolgate/internal/notify"
	"github.com/agentoven/toolgate/internal/retention"
	"github.com/agentoven/toolgate/internal/router"
	"github.com/agentoven/toolgate/internal/sessions"
	"github.com/agentoven/toolgate/internal/store"
	"github.com/agentoven/toolgate/internal/telemetry"
	"github.com/agentoven/toolgate/internal/timeouts"
	"github.com/agentoven/toolgate/internal/transport"
	"github.com/agentoven/toolgate/pkg/models"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name reported by readiness.
const HealthService = "toolgate"

// Server holds the initialized engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Config    *config.Config
	Catalog   *catalog.Catalog
	Gateway   *gateway.Gateway
	Sessions  *sessions.Manager
	Transport *transport.Transport
	Executors *executor.Registry
	Janitor   *retention.Janitor

	// Health is the gRPC health service. It reports SERVING once startup
	// validation has passed and NOT_SERVING after Shutdown begins.
	Health *health.Server

	// Port is the port the HTTP server should listen on.
	Port int

	grpcServer *grpc.Server
	closers    []func(context.Context) error
}

// New loads configuration from the environment and builds the server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig builds the server from an explicit configuration. Timeout
// hierarchy and registry errors are fatal and returned before anything is
// started.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{Config: cfg, Port: cfg.Port, Health: health.NewServer()}
	s.Health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	spec, err := timeouts.FromConfig(cfg.Timeouts)
	if err != nil {
		return nil, fmt.Errorf("timeout hierarchy: %w", err)
	}
	log.Info().
		Dur("tool", spec.Tool).
		Dur("daemon", spec.Daemon).
		Dur("shim", spec.Shim).
		Dur("client", spec.Client).
		Dur("http", spec.HTTP).
		Msg("⏱️ Timeout hierarchy validated")

	cat, err := loadCatalog(cfg.Registry)
	if err != nil {
		return nil, err
	}
	s.Catalog = cat

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.closers = append(s.closers, shutdownTelemetry)

	fb := fallback.New(cat, cfg.Fallback.CacheTTL)
	s.closers = append(s.closers, func(context.Context) error { fb.Close(); return nil })

	s.Sessions = sessions.NewManager(sessions.Limits{
		Session:           cfg.Concurrency.SessionLimit,
		Provider:          cfg.Concurrency.ProviderLimit,
		ProviderOverrides: cfg.Concurrency.ProviderLimits,
		Global:            cfg.Concurrency.GlobalLimit,
		AcquireTimeout:    cfg.Concurrency.AcquireTimeout,
		IdleTimeout:       cfg.Concurrency.IdleTimeout,
		DedupTTL:          cfg.Concurrency.DedupTTL,
		ErrorTTL:          cfg.Concurrency.ErrorTTL,
	})

	driver, err := store.Open(ctx, cfg.Transport)
	if err != nil {
		s.close(ctx)
		return nil, err
	}
	s.closers = append(s.closers, func(context.Context) error { return driver.Close() })
	s.Transport = transport.New(driver,
		transport.NewBreaker(transport.BreakerConfigFromConfig(cfg.Transport), nil),
		transport.OptionsFromConfig(cfg.Transport))

	alerts := notify.NewService(notify.Options{URLs: cfg.Alerts.WebhookURLs, Secret: cfg.Alerts.Secret})
	if alerts.Enabled() {
		unsubscribe := cat.Subscribe(func(ev models.HealthEvent) { alerts.Notify(notify.HealthEvent(ev)) })
		s.Transport.Breaker().OnTransition(func(from, to models.CircuitState, snap models.BreakerSnapshot) {
			alerts.Notify(notify.CircuitEvent(from, to, snap))
		})
		s.closers = append(s.closers, func(ctx context.Context) error {
			unsubscribe()
			return alerts.Wait(ctx)
		})
		log.Info().Int("webhooks", len(cfg.Alerts.WebhookURLs)).Msg("🔔 Alert webhooks configured")
	}

	s.Executors = executor.NewRegistry()
	executor.RegisterBuiltins(s.Executors, cat, cfg.Version, s.status)
	if cfg.Upstream.MCPURL != "" {
		s.Executors.SetDefault(executor.NewMCPExecutor(cfg.Upstream.MCPURL, cfg.Upstream.APIKey, spec.HTTP))
		log.Info().Str("endpoint", cfg.Upstream.MCPURL).Msg("🔌 Upstream MCP executor configured")
	} else {
		log.Warn().Msg("No upstream MCP server configured; only direct tools will execute")
	}

	sink := openEvents(ctx, cfg.Events)
	s.closers = append(s.closers, func(context.Context) error { sink.Close(); return nil })

	s.Gateway = gateway.New(gateway.Deps{
		Validator: cat,
		Router:    router.New(cat, fb),
		Sessions:  s.Sessions,
		Transport: s.Transport,
		Executors: s.Executors,
		Events:    sink,
		Timeouts:  spec,
	})

	s.Janitor = retention.NewJanitor(cfg.Concurrency.SweepInterval)
	s.Janitor.Register("transport", func(ctx context.Context) (int, error) {
		st, err := s.Transport.Sweep(ctx)
		return st.Expired + st.Purged, err
	})
	s.Janitor.Register("sessions", func(ctx context.Context) (int, error) {
		st := s.Sessions.Sweep(ctx)
		return st.Idled + st.Evicted + st.CallsExpired, nil
	})

	h := handlers.New(cat, s.Gateway, s.Sessions, s.Transport, spec, cfg.Version)
	s.Handler = api.NewRouter(cfg, h)

	s.Health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	s.Health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	log.Info().
		Int("tools", len(cat.ListTools())).
		Int("providers", len(cat.ListProviders())).
		Str("store", s.Transport.StoreKind()).
		Msg("✅ Toolgate engine initialized")
	return s, nil
}

// Start runs background work: the janitor and, when a port is configured,
// the gRPC health endpoint. It returns immediately.
func (s *Server) Start(ctx context.Context) error {
	go s.Janitor.Start(ctx)

	if s.Config.GRPCHealthPort <= 0 {
		return nil
	}
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Config.GRPCHealthPort))
	if err != nil {
		return fmt.Errorf("listen grpc health: %w", err)
	}
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.Health)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error().Err(err).Msg("gRPC health server failed")
		}
	}()
	log.Info().Int("port", s.Config.GRPCHealthPort).Msg("💓 gRPC health service listening")
	return nil
}

// Shutdown flips readiness to NOT_SERVING, stops the health endpoint and
// releases every resource in reverse order of creation.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Health.Shutdown()
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	return s.close(ctx)
}

func (s *Server) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// status feeds runtime state into the status tool.
func (s *Server) status(context.Context) map[string]any {
	b := s.Transport.Breaker().Snapshot()
	return map[string]any{
		"sessions":         len(s.Sessions.List()),
		"durable_store":    s.Transport.StoreKind(),
		"breaker_state":    b.State,
		"breaker_failures": b.FailureCount,
	}
}

func loadCatalog(cfg config.RegistryConfig) (*catalog.Catalog, error) {
	snap := catalog.BuiltinSnapshot()
	if cfg.File != "" {
		var err error
		if snap, err = catalog.LoadFile(cfg.File); err != nil {
			return nil, fmt.Errorf("load registry %s: %w", cfg.File, err)
		}
	}
	cat, err := catalog.New(snap.WithPriority(cfg.ProviderPriority))
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return cat, nil
}

// openEvents prefers ClickHouse and falls back to the log when it is not
// configured or not reachable.
func openEvents(ctx context.Context, cfg config.EventsConfig) events.Writer {
	if cfg.ClickHouseDSN == "" {
		return events.NewLogWriter()
	}
	w, err := events.NewClickHouseWriter(ctx, cfg.ClickHouseDSN)
	if err != nil {
		log.Warn().Err(err).Msg("ClickHouse unavailable, routing events go to the log")
		return events.NewLogWriter()
	}
	return w
}
