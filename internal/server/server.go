// Package server sets up the HTTP server with all routes
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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/fraudguard/internal/account"
	"github.com/mbd888/fraudguard/internal/audit"
	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/billing"
	"github.com/mbd888/fraudguard/internal/cache"
	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/config"
	"github.com/mbd888/fraudguard/internal/health"
	"github.com/mbd888/fraudguard/internal/history"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/kvstore"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/model"
	"github.com/mbd888/fraudguard/internal/pipeline"
	"github.com/mbd888/fraudguard/internal/ratelimit"
	"github.com/mbd888/fraudguard/internal/realtime"
	"github.com/mbd888/fraudguard/internal/security"
	"github.com/mbd888/fraudguard/internal/threat"
	"github.com/mbd888/fraudguard/internal/traces"
	"github.com/mbd888/fraudguard/internal/usage"
	"github.com/mbd888/fraudguard/internal/validation"
	"github.com/mbd888/fraudguard/internal/webhooks"
)

// DefaultVersion is reported by the health endpoint unless WithVersion is set.
const DefaultVersion = "dev"

const kvPrefix = "fraudguard:"

const (
	// memoryHistoryLimit bounds decision history kept without a database.
	memoryHistoryLimit = 10_000
	webhookMaxInFlight = 32

	// memorySweepInterval is how often the in-process store drops expired keys.
	memorySweepInterval = time.Minute
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	kv          kvstore.Store
	accounts    account.Store
	authMgr     *auth.Manager
	history     history.Store
	threats     threat.Store
	ledger      usage.Ledger
	periods     billing.Lister
	meterEvents billing.MeterEvents
	model       *model.Model
	trainer     *model.Trainer
	limiter     *ratelimit.Limiter
	tracker     *usage.Tracker
	scoring     *pipeline.Service
	publisher   *audit.Publisher
	decisions   audit.Lister
	webhooks    webhooks.Store
	dispatcher  *webhooks.Dispatcher
	realtimeHub *realtime.Hub
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	version     string

	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithStore sets the shared key-value store (for testing)
func WithStore(kv kvstore.Store) Option {
	return func(s *Server) {
		s.kv = kv
	}
}

// WithMeterEvents sets the Stripe meter event client (for testing)
func WithMeterEvents(events billing.MeterEvents) Option {
	return func(s *Server) {
		s.meterEvents = events
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
		version: DefaultVersion,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracesShutdown = shutdown

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initKV(ctx); err != nil {
		return nil, err
	}
	if err := s.initScoring(); err != nil {
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStorage opens PostgreSQL when DATABASE_URL is set, otherwise falls
// back to in-memory stores.
func (s *Server) initStorage(ctx context.Context) error {
	var memLedger *billing.MemoryLedger
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.accounts = account.NewPostgresStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.history = history.NewPostgresStore(db)
		s.threats = threat.NewPostgresStore(db)
		pgLedger := billing.NewPostgresLedger(db)
		s.ledger, s.periods = pgLedger, pgLedger
		s.health.Register("postgres", health.PingChecker("postgres", db, 2*time.Second))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.accounts = account.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.history = history.NewMemoryStore()
		s.threats = threat.NewMemoryStore()
		memLedger = billing.NewMemoryLedger()
		s.ledger, s.periods = memLedger, memLedger
		s.health.Register("postgres", health.StaticChecker("postgres", "in-memory"))
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.meterEvents == nil && s.cfg.StripeAPIKey != "" {
		s.meterEvents = client.New(s.cfg.StripeAPIKey, nil).BillingMeterEvents
	}
	if s.meterEvents != nil {
		stripeLedger := billing.NewStripeLedger(s.meterEvents, s.accounts, s.cfg.StripeMeterEvent, s.logger)
		s.ledger = billing.Multi{s.ledger, stripeLedger}
		s.logger.Info("stripe overage billing enabled", "event", s.cfg.StripeMeterEvent)
	}
	return nil
}

// initKV connects the shared store used by the cache, the rate limiter and
// the usage meter. Redis is wrapped in a circuit breaker so an outage fails
// fast.
func (s *Server) initKV(ctx context.Context) error {
	if s.kv == nil && s.cfg.RedisURL != "" {
		rs, err := kvstore.NewRedisStore(ctx, s.cfg.RedisURL, kvPrefix)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		breaker := circuitbreaker.New(5, 10*time.Second)
		breaker.OnTransition(func(dep string, from, to circuitbreaker.State) {
			// Open means the limiter is failing open and the cache is bypassed.
			s.logger.Warn("backing store circuit changed", "dependency", dep, "from", from.String(), "to", to.String())
		})
		s.kv = kvstore.NewGuarded(rs, breaker)
		s.health.Register("redis", health.PingChecker("redis", rs, time.Second))
		s.logger.Info("using Redis for cache, rate limits and usage")
	}
	if s.kv == nil {
		ms := kvstore.NewMemoryStore()
		ms.StartSweeper(memorySweepInterval)
		s.kv = ms
		s.health.Register("redis", health.StaticChecker("redis", "in-process"))
		s.logger.Info("using in-process store (single instance only)")
	}
	return nil
}

func (s *Server) initScoring() error {
	weights := model.DefaultWeights()
	if s.cfg.ModelWeightsPath != "" {
		ws, err := model.LoadFile(s.cfg.ModelWeightsPath)
		if err != nil {
			return fmt.Errorf("failed to load model weights: %w", err)
		}
		weights = ws
	}
	m, err := model.New(weights)
	if err != nil {
		return fmt.Errorf("failed to publish model weights: %w", err)
	}
	s.model = m
	s.trainer = model.NewTrainer(m, s.logger)
	s.logger.Info("model loaded", "version", m.Version())

	policy := ratelimit.DefaultPolicy().WithIP(s.cfg.IPRateLimit, s.cfg.IPRateWindow)
	if s.cfg.RateLimitPolicyPath != "" {
		policy, err = ratelimit.LoadPolicy(s.cfg.RateLimitPolicyPath, policy)
		if err != nil {
			return err
		}
	}
	s.limiter = ratelimit.New(s.kv, policy, s.logger)

	s.tracker = usage.NewTracker(s.kv, s.ledger, s.logger)

	s.realtimeHub = realtime.NewHub(s.logger)
	s.publisher = audit.NewPublisher(4096, s.logger)
	if s.db != nil {
		pg := audit.NewPostgresSink(s.db)
		s.publisher.AddSink("postgres", pg)
		s.decisions = pg
		s.webhooks = webhooks.NewPostgresStore(s.db)
	} else {
		mem := audit.NewBoundedMemorySink(memoryHistoryLimit)
		s.publisher.AddSink("memory", mem)
		s.decisions = mem
		s.webhooks = webhooks.NewMemoryStore()
	}
	s.publisher.AddSink("stream", s.realtimeHub)
	s.dispatcher = webhooks.NewDispatcher(s.webhooks, webhookMaxInFlight, s.logger)
	s.publisher.AddSink("webhooks", s.dispatcher)

	c := cache.New(s.kv, cache.Options{TTL: s.cfg.CacheTTL, LockTTL: s.cfg.CacheLockTTL}, s.logger)
	s.scoring = pipeline.NewService(m, c, s.history, threat.NewScorer(s.threats), s.logger).
		WithUsage(s.tracker).
		WithAudit(s.publisher).
		WithTimeout(s.cfg.RequestTimeout)
	return nil
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

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer, gateway) when present.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.Hex(16)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Authentication runs before the limiter so the account tier can apply.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr, s.accounts))
	v1.Use(s.limiter.Middleware())

	admin := auth.RequireAdmin(s.cfg.AdminSecret)

	pipeline.NewHandler(s.scoring).RegisterRoutes(v1)
	model.NewHandler(s.model, s.trainer).RegisterRoutes(v1, admin)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	auth.NewHandler(s.authMgr).RegisterRoutes(protected)
	usage.NewHandler(s.tracker).RegisterRoutes(protected)
	billing.NewHandler(s.periods).RegisterRoutes(protected)
	audit.NewHandler(s.decisions).RegisterRoutes(protected)
	webhooks.NewHandler(s.webhooks).RegisterRoutes(protected)
	protected.GET("/ws/decisions", s.realtimeHub.Handler())

	adminGroup := v1.Group("/admin")
	adminGroup.Use(admin)
	account.NewHandler(s.accounts, s.authMgr).RegisterAdminRoutes(adminGroup)
	history.NewHandler(s.history).RegisterAdminRoutes(adminGroup)
	threat.NewHandler(s.threats).RegisterAdminRoutes(adminGroup)
	adminGroup.GET("/stream", func(c *gin.Context) { c.JSON(http.StatusOK, s.realtimeHub.Stats()) })
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status       string          `json:"status"`
	Version      string          `json:"version"`
	ModelVersion string          `json:"model_version"`
	Checks       []health.Status `json:"checks,omitempty"`
	Timestamp    string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		// Scoring still works on a store outage (fail-open, degraded cache),
		// so report degraded rather than failing the probe outright.
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:       status,
		Version:      s.version,
		ModelVersion: s.model.Version(),
		Checks:       checks,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
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
	if !s.ready.Load() || s.model.Current() == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers without serving HTTP. Run calls it;
// tests call it directly.
func (s *Server) Start(ctx context.Context) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	s.publisher.Start()
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	s.ready.Store(true)
	return runCtx
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"model_version", s.model.Version(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// In-flight requests are done; drain what they queued.
	if err := s.publisher.Close(ctx); err != nil {
		s.logger.Warn("audit queue not drained", "error", err)
	}
	if err := s.dispatcher.Wait(ctx); err != nil {
		s.logger.Warn("webhook deliveries still in flight", "error", err)
	}
	if err := s.trainer.Stop(ctx); err != nil {
		s.logger.Warn("training jobs did not stop", "error", err)
	}
	if err := s.tracker.Wait(ctx); err != nil {
		s.logger.Warn("billing hand-offs still pending", "error", err)
	}

	// Stop the hub and other background goroutines.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if err := s.kv.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Scoring returns the scoring service.
func (s *Server) Scoring() *pipeline.Service {
	return s.scoring
}
