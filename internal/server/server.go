// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/ridgeline-games/commerce/internal/alerting"
	"github.com/ridgeline-games/commerce/internal/apple"
	"github.com/ridgeline-games/commerce/internal/chargebacks"
	"github.com/ridgeline-games/commerce/internal/config"
	"github.com/ridgeline-games/commerce/internal/google"
	"github.com/ridgeline-games/commerce/internal/logging"
	"github.com/ridgeline-games/commerce/internal/metrics"
	"github.com/ridgeline-games/commerce/internal/players"
	"github.com/ridgeline-games/commerce/internal/ratelimit"
	"github.com/ridgeline-games/commerce/internal/receipts"
	"github.com/ridgeline-games/commerce/internal/security"
	"github.com/ridgeline-games/commerce/internal/traces"
	"github.com/ridgeline-games/commerce/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	receipts    *receipts.Service
	pipeline    *chargebacks.Pipeline
	poller      *chargebacks.Poller
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	googleGateway receipts.GoogleGateway
	appleGateway  receipts.AppleGateway
	banner        players.Banner
	voidedFeed    chargebacks.VoidedFeed
	alerts        alerting.Alerter

	shutdownTraces func(context.Context) error
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

// WithGoogleGateway sets a custom Play verifier (for testing)
func WithGoogleGateway(g receipts.GoogleGateway) Option {
	return func(s *Server) {
		s.googleGateway = g
	}
}

// WithAppleGateway sets a custom App Store gateway (for testing)
func WithAppleGateway(g receipts.AppleGateway) Option {
	return func(s *Server) {
		s.appleGateway = g
	}
}

// WithBanner sets a custom player ban client (for testing)
func WithBanner(b players.Banner) Option {
	return func(s *Server) {
		s.banner = b
	}
}

// WithVoidedFeed sets a custom voided purchases feed (for testing)
func WithVoidedFeed(f chargebacks.VoidedFeed) Option {
	return func(s *Server) {
		s.voidedFeed = f
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may inject gateways/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Alert sink
	if cfg.AlertWebhookURL != "" {
		s.alerts = alerting.NewWebhook(cfg.AlertWebhookURL, s.logger)
		s.logger.Info("ops alerting enabled")
	} else {
		s.alerts = alerting.Nop{}
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		receiptStore receipts.Store
		forcedStore  receipts.ForcedStore
		logStore     chargebacks.Store
	)
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
		receiptStore = receipts.NewPostgresStore(db)
		forcedStore = receipts.NewPostgresForcedStore(db)
		logStore = chargebacks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		receiptStore = receipts.NewMemoryStore()
		forcedStore = receipts.NewMemoryForcedStore()
		logStore = chargebacks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Store gateways. A missing gateway means receipts for that store are
	// rejected as malformed (400) instead of silently passing.
	if s.googleGateway == nil && cfg.GooglePlayPublicKey != "" {
		verifier, err := google.NewVerifier(cfg.GooglePlayPublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Play license key: %w", err)
		}
		s.googleGateway = verifier
		s.logger.Info("google play verification enabled", "package", cfg.GooglePackageName)
	}
	if s.appleGateway == nil && cfg.AppleSharedSecret != "" {
		s.appleGateway = apple.NewGateway(apple.Config{
			VerifyURL:        cfg.AppleVerifyURL,
			SandboxVerifyURL: cfg.AppleSandboxVerifyURL,
			SharedSecret:     cfg.AppleSharedSecret,
			BundleID:         cfg.AppleBundleID,
			Production:       cfg.IsProduction(),
		})
		s.logger.Info("apple verification enabled", "bundle", cfg.AppleBundleID)
	}

	s.receipts = receipts.NewService(receiptStore, forcedStore, s.googleGateway, s.appleGateway, s.alerts, cfg.Deployment)

	// Player service client used for chargeback bans
	if s.banner == nil && cfg.PlayerServiceURL != "" {
		s.banner = players.NewClient(cfg.PlayerServiceURL, cfg.PlayerServiceToken)
		s.logger.Info("player ban client enabled", "url", cfg.PlayerServiceURL)
	}

	var notifier alerting.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier = alerting.NewChatWebhook(cfg.NotifyWebhookURL)
		s.logger.Info("chargeback channel notices enabled")
	}

	s.pipeline = chargebacks.NewPipeline(logStore, s.receipts, s.banner, notifier, s.alerts)

	// Voided purchases feed (Google chargebacks)
	if s.voidedFeed == nil && cfg.GoogleServiceAccountJSON != "" {
		feed, err := chargebacks.NewPlayFeed(ctx, cfg.GoogleServiceAccountJSON, cfg.GooglePackageName)
		if err != nil {
			return nil, fmt.Errorf("failed to build voided purchases feed: %w", err)
		}
		s.voidedFeed = feed
	}
	if s.voidedFeed != nil {
		s.poller = chargebacks.NewPoller(s.voidedFeed, s.pipeline, s.alerts, cfg.VoidedPollInterval, s.logger)
		s.logger.Info("voided purchases poller configured", "interval", cfg.VoidedPollInterval)
	}

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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
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

// adminAuthMiddleware guards operator routes with the shared admin secret.
// When no secret is configured, every admin request is rejected.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.AdminSecret
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}

		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}

		c.Next()
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

	s.router.GET("/api", s.infoHandler)

	receiptHandler := receipts.NewHandler(s.receipts)
	webhookHandler := chargebacks.NewWebhookHandler(s.pipeline, s.cfg.AppleBundleID)
	chargebackHandler := chargebacks.NewHandler(s.pipeline)

	// Client-facing verification routes
	commerce := s.router.Group("/commerce")
	receiptHandler.RegisterRoutes(commerce)

	// Store-facing webhook
	webhookHandler.RegisterRoutes(commerce)

	// Operator routes
	admin := commerce.Group("/admin")
	admin.Use(s.adminAuthMiddleware(), validation.AccountParamMiddleware())
	receiptHandler.RegisterAdminRoutes(admin)
	chargebackHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	if s.poller != nil {
		if s.poller.Running() {
			checks["voided_poller"] = "healthy"
		} else {
			checks["voided_poller"] = "stopped"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	c.JSON(http.StatusOK, gin.H{
		"name":        "commerce",
		"description": "Receipt verification and chargeback processing",
		"version":     "0.1.0",
		"deployment":  s.cfg.Deployment,
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

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"deployment", s.cfg.Deployment,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start voided purchases poller
	if s.poller != nil {
		go s.poller.Start(runCtx)
	}

	// Export DB pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for all background goroutines
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

	// Stop voided purchases poller
	if s.poller != nil {
		s.poller.Stop()
		s.logger.Info("voided purchases poller stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
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
