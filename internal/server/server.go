// Package server sets up the HTTP server with all routes and wires the
// decision engine to its event sinks and ingest transports.
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/nats-io/nats.go"

	"github.com/mbd888/mitigator/internal/auth"
	"github.com/mbd888/mitigator/internal/bus"
	"github.com/mbd888/mitigator/internal/config"
	"github.com/mbd888/mitigator/internal/events"
	"github.com/mbd888/mitigator/internal/health"
	"github.com/mbd888/mitigator/internal/idgen"
	"github.com/mbd888/mitigator/internal/logging"
	"github.com/mbd888/mitigator/internal/metrics"
	"github.com/mbd888/mitigator/internal/mitigation"
	"github.com/mbd888/mitigator/internal/policy"
	"github.com/mbd888/mitigator/internal/ratelimit"
	"github.com/mbd888/mitigator/internal/realtime"
	"github.com/mbd888/mitigator/internal/security"
	"github.com/mbd888/mitigator/internal/traces"
	"github.com/mbd888/mitigator/internal/validation"
	"github.com/mbd888/mitigator/internal/webhooks"
	"github.com/mbd888/mitigator/migrations"
)

// Version is reported by /health and /api. Release builds set it with
// -ldflags "-X github.com/mbd888/mitigator/internal/server.Version=...".
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *mitigation.Engine
	sweeper      *mitigation.Sweeper
	reloader     *policy.Reloader
	dispatcher   *events.Dispatcher
	decisionLog  queryableLog
	textLog      *events.TextLog
	authMgr      *auth.Manager
	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter

	nc          *nats.Conn
	natsIngest  *bus.NATSIngestor
	kafkaIngest *bus.KafkaIngestor
	kafkaPub    *bus.KafkaPublisher
	stopIngest  context.CancelFunc
	kafkaDone   chan struct{}

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// queryableLog is the sink behind GET /v1/decisions.
type queryableLog interface {
	events.Sink
	events.Lister
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Mitigation engine
	base := mitigation.DefaultPolicy()
	base.DosBlockThreshold = cfg.DosBlockThreshold
	base.BlockTTL = cfg.BlockTTL
	base.RateLimitTTL = cfg.RateLimitTTL

	engine, err := mitigation.NewEngine(mitigation.NewStateStore(), base, logging.Component(s.logger, "engine"))
	if err != nil {
		return nil, fmt.Errorf("invalid mitigation policy: %w", err)
	}
	s.engine = engine

	if cfg.PolicyFile != "" {
		s.reloader = policy.NewReloader(cfg.PolicyFile, base, engine, logging.Component(s.logger, "policy"))
		if err := s.reloader.Reload("startup"); err != nil {
			return nil, fmt.Errorf("failed to load policy file: %w", err)
		}
	}

	s.sweeper, err = mitigation.NewSweeper(engine, cfg.SweepSchedule, logging.Component(s.logger, "sweeper"))
	if err != nil {
		return nil, err
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply migrations: %w", err)
			}
		}

		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.decisionLog = events.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)

		s.health.Register("database", health.Ping(db))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.decisionLog = events.NewMemoryStore(cfg.DecisionLogSize)
		s.webhookStore = webhooks.NewMemoryStore()
	}

	if n, err := s.authMgr.SeedHashes(ctx, cfg.APIKeyHashes); err != nil {
		return nil, fmt.Errorf("invalid API_KEY_HASHES: %w", err)
	} else if n > 0 {
		s.logger.Info("detector keys loaded", "count", n)
	}

	// Event pipeline
	s.dispatcher = events.NewDispatcher(logging.Component(s.logger, "events"), cfg.EventBuffer)
	s.dispatcher.AddSink(s.decisionLog)
	s.health.Register("dispatcher", health.Running(s.dispatcher))
	s.health.RegisterOptional("sinks", func(_ context.Context) health.Status {
		if tripped := s.dispatcher.TrippedSinks(); len(tripped) > 0 {
			return health.Status{Healthy: false, Detail: "circuit open: " + strings.Join(tripped, ",")}
		}
		return health.Status{Healthy: true}
	})

	if cfg.LogDir != "-" {
		textLog, err := events.NewTextLog(cfg.LogDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open log directory: %w", err)
		}
		s.textLog = textLog
		s.dispatcher.AddSink(textLog)
	}

	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime"), realtime.WithAllowedOrigins(cfg.CORSOrigins))
	s.dispatcher.AddSink(s.realtimeHub)
	s.health.RegisterOptional("websocket", health.Running(s.realtimeHub))
	engine.OnReset(s.realtimeHub.BroadcastReset)

	s.webhooks = webhooks.NewDispatcher(s.webhookStore, logging.Component(s.logger, "webhooks"))
	if cfg.WebhookAllowPrivate {
		s.webhooks.AllowPrivateTargets()
	}
	s.dispatcher.AddSink(s.webhooks)

	proc := bus.NewProcessor(engine, s.dispatcher, logging.Component(s.logger, "ingest"))

	if cfg.NATSURL != "" {
		nc, err := bus.ConnectNATS(cfg.NATSURL, logging.Component(s.logger, "nats"))
		if err != nil {
			s.logger.Warn("failed to connect to NATS, broker ingest disabled", "error", err)
		} else {
			s.nc = nc
			s.natsIngest = bus.NewNATSIngestor(nc, cfg.NATSDetectionsSubject, "mitigator", proc, s.logger)
			s.dispatcher.AddSink(bus.NewNATSPublisher(nc, cfg.NATSDecisionsSubject))
			s.health.RegisterOptional("nats", func(_ context.Context) health.Status {
				return health.Status{Healthy: nc.IsConnected(), Detail: nc.Status().String()}
			})
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		s.kafkaIngest = bus.NewKafkaIngestor(cfg.KafkaBrokers, cfg.KafkaDetectionsTopic, cfg.KafkaGroupID, proc, s.logger)
		s.kafkaPub = bus.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaDecisionsTopic)
		s.dispatcher.AddSink(s.kafkaPub)
	}

	s.logger.Info("event sinks configured", "sinks", s.dispatcher.Sinks())

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
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
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for the live decision stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	// V1 API group. Keys are resolved first so the limiter can bucket by key.
	s.rateLimiter = ratelimit.New(ratelimit.Config{PerMinute: s.cfg.RateLimitRPM})
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr), s.rateLimiter.Middleware())

	mitigationHandler := mitigation.NewHandler(s.engine, s.dispatcher)
	eventsHandler := events.NewHandler(s.decisionLog, s.textLog)
	authHandler := auth.NewHandler(s.authMgr)
	webhookHandler := webhooks.NewHandler(s.webhookStore, s.webhooks)

	// PUBLIC ROUTES
	mitigationHandler.RegisterRoutes(v1)
	eventsHandler.RegisterRoutes(v1)
	authHandler.RegisterRoutes(v1)

	// DETECTOR ROUTES (require a key once detector keys are configured)
	detectors := v1.Group("")
	if len(s.cfg.APIKeyHashes) > 0 {
		detectors.Use(auth.RequireAuth())
	}
	mitigationHandler.RegisterDecisionRoutes(detectors)

	// ADMIN ROUTES
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	mitigationHandler.RegisterAdminRoutes(admin)
	eventsHandler.RegisterAdminRoutes(admin)
	webhookHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	if s.reloader != nil {
		policy.NewHandler(s.reloader).RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, degraded, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	p := s.engine.Policy()
	c.JSON(http.StatusOK, gin.H{
		"name":              "Mitigator",
		"description":       "Per-source threat mitigation decisions",
		"version":           Version,
		"dosBlockThreshold": p.DosBlockThreshold,
		"sinks":             s.dispatcher.Sinks(),
		"realtime":          s.realtimeHub.Stats(),
		"droppedEvents":     s.dispatcher.Dropped(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	traceShutdown, err := traces.Init(runCtx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		SampleRatio: s.cfg.TraceSampleRatio,
		Version:     Version,
	}, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceShutdown = traceShutdown
	}

	s.startBackground(runCtx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches every long-running component. The dispatcher
// runs on its own context so Shutdown can flush it after ingest stops.
func (s *Server) startBackground(runCtx context.Context) {
	go s.realtimeHub.Run(runCtx)
	go s.dispatcher.Start(context.Background())
	go s.sweeper.Start(runCtx)

	if s.reloader != nil {
		go func() {
			if err := s.reloader.Run(runCtx); err != nil {
				s.logger.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	if s.natsIngest != nil {
		if err := s.natsIngest.Start(); err != nil {
			s.logger.Error("failed to start NATS ingest", "error", err)
		}
	}

	if s.kafkaIngest != nil {
		ingestCtx, stop := context.WithCancel(runCtx)
		s.stopIngest = stop
		s.kafkaDone = make(chan struct{})
		go func() {
			defer close(s.kafkaDone)
			if err := s.kafkaIngest.Run(ingestCtx); err != nil {
				s.logger.Error("kafka ingest stopped", "error", err)
			}
		}()
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop intake before flushing so no decision is produced after the flush.
	if s.natsIngest != nil {
		if err := s.natsIngest.Stop(); err != nil {
			s.logger.Warn("NATS ingest drain error", "error", err)
		}
	}
	if s.stopIngest != nil {
		s.stopIngest()
		<-s.kafkaDone
		if err := s.kafkaIngest.Close(); err != nil {
			s.logger.Warn("kafka reader close error", "error", err)
		}
	}

	s.dispatcher.Stop()
	s.logger.Info("event dispatcher flushed", "dropped", s.dispatcher.Dropped())

	// Cancel the context for all background goroutines (hub, sweeper, watchers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sweeper.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.kafkaPub != nil {
		if err := s.kafkaPub.Close(); err != nil {
			s.logger.Warn("kafka writer close error", "error", err)
		}
	}
	if s.nc != nil {
		s.nc.Close()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the decision engine.
func (s *Server) Engine() *mitigation.Engine {
	return s.engine
}
