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

	"github.com/mbd888/payguard/internal/audit"
	"github.com/mbd888/payguard/internal/config"
	"github.com/mbd888/payguard/internal/credential"
	"github.com/mbd888/payguard/internal/crypto"
	"github.com/mbd888/payguard/internal/device"
	"github.com/mbd888/payguard/internal/fraud"
	"github.com/mbd888/payguard/internal/health"
	"github.com/mbd888/payguard/internal/logging"
	"github.com/mbd888/payguard/internal/metrics"
	"github.com/mbd888/payguard/internal/notify"
	"github.com/mbd888/payguard/internal/ratelimit"
	"github.com/mbd888/payguard/internal/realtime"
	"github.com/mbd888/payguard/internal/security"
	"github.com/mbd888/payguard/internal/session"
	"github.com/mbd888/payguard/internal/settings"
	"github.com/mbd888/payguard/internal/storage"
	"github.com/mbd888/payguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the security subsystem it exposes.
type Server struct {
	cfg          *config.Config
	coordinator  *security.Coordinator
	sessions     *session.Guard
	auditLog     *audit.Log
	settingsMgr  *settings.Manager
	realtimeHub  *realtime.Hub
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Injected device collaborators (nil outside mobile builds unless faked)
	biometric device.Biometric
	integrity device.Integrity

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

// WithBiometric injects a biometric capability (for testing, or platform
// builds that bridge to real hardware).
func WithBiometric(b device.Biometric) Option {
	return func(s *Server) {
		s.biometric = b
	}
}

// WithIntegrity injects a device-integrity probe.
func WithIntegrity(i device.Integrity) Option {
	return func(s *Server) {
		s.integrity = i
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set logger/device collaborators)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var secure, plain storage.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		secureStore := storage.NewPostgresStore(db, storage.TierSecure)
		if err := secureStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate storage: %w", err)
		}
		secure = secureStore
		plain = storage.NewPostgresStore(db, storage.TierPlain)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		secure = storage.NewMemoryStore()
		plain = storage.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Core security subsystem
	s.auditLog = audit.New(plain, s.logger).WithPlatform(cfg.Platform)
	s.settingsMgr = settings.NewManager(plain, settings.Settings{
		BiometricEnabled:      true,
		PINEnabled:            true,
		SessionTimeoutMinutes: cfg.SessionTimeoutMinutes,
		FraudDetectionEnabled: true,
		NotificationsEnabled:  true,
	}, s.logger)

	// The session timeout is user policy: persisted settings win over config,
	// and PUT /v1/settings re-applies it to the guard.
	pol := s.settingsMgr.Load(ctx)
	s.sessions = session.NewGuard(time.Duration(pol.SessionTimeoutMinutes) * time.Minute)

	// Outbound alerts: webhook when configured, log-only otherwise. The
	// emitter subscribes to the audit log so alerts fire only for events
	// that are durably recorded.
	var dispatcher notify.Dispatcher
	if cfg.AlertWebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.AlertWebhookURL); err != nil {
			return nil, fmt.Errorf("invalid ALERT_WEBHOOK_URL: %w", err)
		}
		dispatcher = notify.NewWebhookDispatcher(cfg.AlertWebhookURL, cfg.AlertWebhookSecret)
		s.logger.Info("alert webhook enabled")
	} else {
		dispatcher = notify.NewLogDispatcher(s.logger)
	}
	emitter := notify.NewEmitter(dispatcher, s.logger).WithEnabledFunc(func() bool {
		return s.settingsMgr.Load(context.Background()).NotificationsEnabled
	})
	s.auditLog.Subscribe(emitter)

	// Realtime hub streams audit events to WebSocket subscribers
	s.realtimeHub = realtime.NewHub(s.logger)
	s.auditLog.Subscribe(s.realtimeHub)
	s.logger.Info("realtime streaming enabled")

	s.coordinator = security.NewCoordinator(security.Deps{
		Credentials:    credential.NewStore(secure),
		Crypto:         crypto.NewHelper(secure),
		Sessions:       s.sessions,
		Audit:          s.auditLog,
		Settings:       s.settingsMgr,
		Secure:         secure,
		Biometric:      s.biometric,
		Prompt:         requestPrompt{},
		Integrity:      s.integrity,
		Logger:         s.logger,
		MaxPINAttempts: cfg.PINMaxAttempts,
		LockoutWindow:  cfg.LockoutWindow(),
		FraudConfig: fraud.Config{
			AmountThreshold:    cfg.FraudAmountThreshold,
			EarliestNormalHour: 6,
			LatestNormalHour:   23,
			FrequencyThreshold: cfg.FraudFrequencyThreshold,
			FrequencyWindow:    cfg.FraudWindow(),
		},
	})

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

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

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
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
			logger.Info("request completed",
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
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for live audit event streaming
	s.router.GET("/v1/events/live", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	{
		// Step-up authentication and session
		v1.POST("/auth/require", s.requireAuthHandler)
		v1.POST("/auth/logout", s.logoutHandler)
		v1.GET("/auth/session", s.sessionHandler)

		// PIN credential
		v1.POST("/pin", s.setPINHandler)
		v1.POST("/pin/verify", s.verifyPINHandler)

		// Security check report
		v1.GET("/check", s.securityCheckHandler)

		// Fraud gate for outgoing transactions
		v1.POST("/transactions/gate", s.gateTransactionHandler)

		// Emergency lockdown
		v1.POST("/lockdown", s.lockdownHandler)

		// Audit trail
		v1.GET("/events", s.listEventsHandler)

		// User-configurable policy
		v1.GET("/settings", s.getSettingsHandler)
		v1.PUT("/settings", s.putSettingsHandler)
	}
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "platform", s.cfg.Platform)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Collect DB pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Initial posture assessment
	s.coordinator.PerformSecurityCheck(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Coordinator returns the security coordinator for testing.
func (s *Server) Coordinator() *security.Coordinator {
	return s.coordinator
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
