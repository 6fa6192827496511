// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	goredis "github.com/redis/go-redis/v9"

	"github.com/mbd888/tiergate/internal/catalog"
	"github.com/mbd888/tiergate/internal/circuitbreaker"
	"github.com/mbd888/tiergate/internal/config"
	"github.com/mbd888/tiergate/internal/health"
	"github.com/mbd888/tiergate/internal/ledger"
	"github.com/mbd888/tiergate/internal/logging"
	"github.com/mbd888/tiergate/internal/metrics"
	"github.com/mbd888/tiergate/internal/notify"
	"github.com/mbd888/tiergate/internal/payments"
	"github.com/mbd888/tiergate/internal/ratelimit"
	"github.com/mbd888/tiergate/internal/realtime"
	"github.com/mbd888/tiergate/internal/redislock"
	"github.com/mbd888/tiergate/internal/security"
	"github.com/mbd888/tiergate/internal/tier"
	"github.com/mbd888/tiergate/internal/traces"
	"github.com/mbd888/tiergate/internal/validation"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	models       *catalog.Table
	ledgerStore  ledger.Store
	notifyStore  notify.Store
	tier         *tier.Service
	sweepTimer   *tier.Timer
	relay        *notify.Relay
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB         // nil if using in-memory
	redis        *goredis.Client // nil without REDIS_URL
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error
	drainDelay   time.Duration

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

// WithModels overrides the model classification table.
func WithModels(t *catalog.Table) Option {
	return func(s *Server) {
		s.models = t
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
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

	if s.models == nil {
		if cfg.ModelsFile != "" {
			t, err := catalog.Load(cfg.ModelsFile)
			if err != nil {
				return nil, err
			}
			s.models = t
		} else {
			s.models = catalog.Default()
		}
	}
	s.logger.Info("model catalog loaded", "models", s.models.Len())

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		s.ledgerStore = ledgerStore

		notifyStore := notify.NewPostgresStore(db)
		if err := notifyStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate notification store", "error", err)
		}
		s.notifyStore = notifyStore

		s.health.Register("database", health.DBChecker(db))
	} else {
		s.ledgerStore = ledger.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}

	// Tier engine
	s.realtimeHub = realtime.NewHub(s.logger)
	s.tier = NewTierService(cfg, s.ledgerStore, s.notifyStore, s.models, s.logger).
		WithPublisher(s.realtimeHub).
		WithBreaker(circuitbreaker.New(5, 30*time.Second))
	s.sweepTimer = tier.NewTimer(s.tier.Sweeper(), cfg.SweepInterval, s.logger)

	// Optional cross-instance sweep lock
	if cfg.RedisURL != "" {
		client, err := redislock.Open(ctx, cfg.RedisURL)
		if err != nil {
			s.logger.Warn("redis unavailable, sweeping without a lock", "error", err)
		} else {
			s.redis = client
			s.tier.WithLocker(redislock.New(client))
			s.logger.Info("sweep lock enabled")
		}
	}

	// Optional notification relay
	if cfg.NotifyWebhookURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.NotifyWebhookURL); err != nil {
				return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL rejected: %w", err)
			}
		}
		s.relay = notify.NewRelay(s.notifyStore, cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, s.logger)
		s.logger.Info("notification relay enabled")
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

// NewTierService builds the tier engine over the given stores with
// notifications queued to notifyStore. The server and the operator CLI
// share it so every transition path writes its notification.
func NewTierService(cfg *config.Config, ledgerStore ledger.Store, notifyStore notify.Store, models tier.Classifier, logger *slog.Logger) *tier.Service {
	return tier.NewService(ledgerStore, models, tierOptions(cfg), logger).
		WithNotifier(notify.NewQueue(notifyStore, logger))
}

func tierOptions(cfg *config.Config) tier.Options {
	return tier.Options{
		GracePeriod: cfg.GracePeriod(),
		Seed: ledger.FreeAllowance{
			Daily:   cfg.FreeDailyAllowance,
			Monthly: cfg.FreeMonthlyAllowance,
		},
		LowBalanceThreshold: cfg.LowBalanceThreshold,
	}
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an id from the load balancer or orchestration layer
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

	requireSecret := security.RequireBearer(s.cfg.AdminSecret)
	tierHandler := tier.NewHandler(s.tier)
	paymentsHandler := payments.NewHandler(s.tier, s.cfg.StripeWebhookSecret, s.logger)

	// Live balance pushes for the orchestration layer
	s.router.GET("/ws", requireSecret, func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	// Stripe authenticates itself with a signature header
	paymentsHandler.RegisterRoutes(v1)

	// Request gate
	gate := v1.Group("", requireSecret, validation.UserIDParamMiddleware())
	tierHandler.RegisterRoutes(gate)
	gate.GET("/models", s.modelsHandler)

	// Operator routes
	admin := v1.Group("/admin", requireSecret, validation.UserIDParamMiddleware())
	tierHandler.RegisterAdminRoutes(admin)
	paymentsHandler.RegisterAdminRoutes(admin)
	notify.NewHandler(s.notifyStore).RegisterAdminRoutes(admin)
	admin.GET("/realtime", s.realtimeStatsHandler)
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
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
		health.LogUnhealthy(logging.L(c.Request.Context()), statuses)
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
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
	c.JSON(http.StatusOK, gin.H{
		"name":        "tiergate",
		"description": "Tier and token access control for metered AI requests",
		"version":     Version,
		"gracePeriod": s.cfg.GracePeriod().String(),
		"freeAllowance": gin.H{
			"daily":   s.cfg.FreeDailyAllowance,
			"monthly": s.cfg.FreeMonthlyAllowance,
		},
	})
}

func (s *Server) modelsHandler(c *gin.Context) {
	models := s.models.All()
	c.JSON(http.StatusOK, gin.H{"models": models, "count": len(models)})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// startBackground launches the hub, sweeper, relay and collectors, and
// registers each worker with the health registry.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)

	go s.sweepTimer.Start(ctx)
	s.health.Register("sweeper", health.RunningChecker("sweeper", s.sweepTimer.Running))

	if s.relay != nil {
		go s.relay.Start(ctx)
		s.health.Register("notification_relay", health.RunningChecker("notification_relay", s.relay.Running))
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.drainDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.sweepTimer.Stop()
	s.logger.Info("sweep timer stopped")

	if s.relay != nil {
		s.relay.Stop()
		s.logger.Info("notification relay stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
		cancel()
	}

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

// Tier returns the tier engine, for embedding and tests.
func (s *Server) Tier() *tier.Service {
	return s.tier
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
