// Package server wires the scoring pipeline, alert store and stream into the
// HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tollguard/internal/alerts"
	"github.com/mbd888/tollguard/internal/circuitbreaker"
	"github.com/mbd888/tollguard/internal/config"
	"github.com/mbd888/tollguard/internal/health"
	"github.com/mbd888/tollguard/internal/logging"
	"github.com/mbd888/tollguard/internal/metrics"
	"github.com/mbd888/tollguard/internal/pipeline"
	"github.com/mbd888/tollguard/internal/ratelimit"
	"github.com/mbd888/tollguard/internal/realtime"
	"github.com/mbd888/tollguard/internal/scoring"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *scoring.Engine
	store        alerts.Store
	recorder     *pipeline.StoreRecorder
	pipeline     *pipeline.Service
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	drainDelay time.Duration
	draining   atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithEngine uses e instead of loading cfg.ModelPath.
func WithEngine(e *scoring.Engine) Option {
	return func(s *Server) {
		s.engine = e
	}
}

// WithStore uses store instead of opening the configured backend. The server
// takes ownership and closes it on Shutdown.
func WithStore(store alerts.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithDrainDelay sets how long Shutdown reports not-ready before it stops
// accepting connections.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// openAlertStore is replaced in tests.
var openAlertStore = alerts.Open

// New loads the model, opens the alert store and builds the router. A model
// that fails to load is fatal: the server never serves without one.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}
	if err := scoring.CheckThreshold(cfg.AlertThreshold); err != nil {
		return nil, err
	}

	ctx := context.Background()

	if s.engine == nil {
		e, err := scoring.Load(cfg.ModelPath, cfg.FeatureSchema)
		if err != nil {
			return nil, err
		}
		s.engine = e
	}
	s.logger.Info("model loaded",
		"kind", s.engine.Kind(),
		"features", s.engine.Schema().String(),
	)
	metrics.ModelInfo.WithLabelValues(s.engine.Kind(), s.engine.Schema().String()).Set(1)
	metrics.AlertThreshold.Set(cfg.AlertThreshold)

	opened := false
	if s.store == nil {
		store, err := openAlertStore(ctx, alerts.Options{
			Backend:     cfg.AlertStore,
			SQLitePath:  cfg.SQLitePath,
			DatabaseURL: cfg.DatabaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("open alert store: %w", err)
		}
		s.store = store
		opened = true
		switch cfg.AlertStore {
		case alerts.BackendPostgres:
			s.logger.Info("using PostgreSQL alert store", "url", maskDSN(cfg.DatabaseURL))
		case alerts.BackendMemory:
			s.logger.Warn("using in-memory alert store; alerts are lost on restart")
		default:
			s.logger.Info("using SQLite alert store", "path", cfg.SQLitePath)
		}
	}

	s.recorder = pipeline.NewRecorder(s.store, pipeline.RecorderOptions{
		Attempts:         cfg.StoreRetryAttempts,
		BreakerThreshold: cfg.StoreBreakerThreshold,
		BreakerCooldown:  cfg.StoreBreakerCooldown,
	})
	s.recorder.Breaker().OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("alert store breaker changed state", "key", key, "from", from.String(), "to", to.String())
	})

	s.realtimeHub = realtime.NewHub(s.logger)

	svc, err := pipeline.New(pipeline.Config{
		Threshold:   cfg.AlertThreshold,
		BulkWorkers: cfg.BulkWorkers,
		MaxRows:     cfg.BulkMaxRows,
	}, s.engine, s.recorder, pipeline.WithPublisher(s.realtimeHub))
	if err != nil {
		// An injected store still belongs to the caller.
		if opened {
			_ = s.store.Close()
		}
		return nil, err
	}
	s.pipeline = svc

	s.health = health.NewRegistry()
	s.registerHealthChecks()

	if cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRPM,
			BurstSize:         cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) registerHealthChecks() {
	s.health.Register("model", func(context.Context) health.Status {
		return health.Status{
			Name:    "model",
			Healthy: true,
			Detail:  s.engine.Kind() + ": " + s.engine.Schema().String(),
		}
	})
	s.health.Register("alert_store", health.Ping("alert_store", s.store.Ping))
	s.health.Register("lifecycle", func(context.Context) health.Status {
		if s.draining.Load() {
			return health.Status{Name: "lifecycle", Healthy: false, Detail: "shutting down"}
		}
		return health.Status{Name: "lifecycle", Healthy: true}
	})
	s.health.RegisterInfo("alert_store_breaker", func(context.Context) health.Status {
		st := s.recorder.Breaker().State(pipeline.StoreBreakerKey)
		return health.Status{
			Name:    "alert_store_breaker",
			Healthy: st == circuitbreaker.StateClosed,
			Detail:  st.String(),
		}
	})
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until ctx ends, a signal arrives or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second, // bulk uploads
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"threshold", s.cfg.AlertThreshold,
			"store", s.cfg.AlertStore,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if db := s.storeDB(); db != nil {
		go metrics.StartDBStatsCollector(runCtx, db, 15*time.Second)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// storeDB returns the store's connection pool, if it has one.
func (s *Server) storeDB() *sql.DB {
	if d, ok := s.store.(interface{ DB() *sql.DB }); ok {
		return d.DB()
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.draining.Store(true)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to see readiness fail.
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("alert store close error", "error", err)
	} else {
		s.logger.Info("alert store closed")
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Pipeline returns the scoring service.
func (s *Server) Pipeline() *pipeline.Service {
	return s.pipeline
}
