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

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/config"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/escrow"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/gateway"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/health"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/jobs"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/ledger"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/logging"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/metrics"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/notify"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/ratelimit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/realtime"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/reconciler"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/security"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/traces"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	authMgr       *auth.Manager
	jobService    *jobs.Service
	ledgerService *ledger.Service
	escrowService *escrow.Service
	gw            gateway.Gateway
	verifier      gateway.WebhookVerifier
	reconciler    *reconciler.Reconciler
	notifyStore   notify.Store
	dispatcher    *notify.Dispatcher
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	tracesDone    func(context.Context) error

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw gateway.Gateway, verifier gateway.WebhookVerifier) Option {
	return func(s *Server) {
		s.gw = gw
		s.verifier = verifier
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		jobStore    jobs.Store
		ledgerStore ledger.Store
		escrowStore escrow.Store
		eventStore  reconciler.Store
		authStore   auth.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		jobStore = jobs.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		eventStore = reconciler.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		jobStore = jobs.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		eventStore = reconciler.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.authMgr = auth.NewManager(authStore)
	s.jobService = jobs.NewService(jobStore)
	s.ledgerService = ledger.NewService(ledgerStore)

	// Payment gateway (Stripe unless injected)
	if s.gw == nil {
		stripeGW := gateway.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, s.logger)
		s.gw = stripeGW
		s.verifier = stripeGW
	}

	// Outbound notifications + realtime streaming
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	s.realtimeHub = realtime.NewHub(s.logger)

	s.escrowService = escrow.NewService(
		escrowStore,
		s.ledgerService,
		s.gw,
		s.jobService,
		escrow.SplitConfig{
			CommissionRateBPS: cfg.CommissionRateBPS,
			PlatformFeeBPS:    cfg.PlatformFeeBPS,
		},
		cfg.MaxFundAmount,
	).WithNotifier(&fanoutNotifier{
		sinks: []escrow.Notifier{
			notify.NewSink(s.dispatcher, s.logger),
			s.realtimeHub,
		},
	})
	s.logger.Info("escrow enabled",
		"commissionBps", cfg.CommissionRateBPS,
		"platformFeeBps", cfg.PlatformFeeBPS,
		"maxFund", cfg.MaxFundAmount,
	)

	s.reconciler = reconciler.New(eventStore, s.escrowService, s.jobService)

	s.checks = health.NewRegistry()
	s.checks.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
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

// fanoutNotifier feeds each lifecycle event to every configured sink.
type fanoutNotifier struct {
	sinks []escrow.Notifier
}

func (f *fanoutNotifier) Notify(ctx context.Context, userID, event string, payload map[string]interface{}) {
	for _, sink := range f.sinks {
		sink.Notify(ctx, userID, event, payload)
	}
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

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// Gateway webhooks. These stay outside API-key auth: the gateway
	// authenticates with its signature header.
	reconciler.NewHandler(s.verifier, s.reconciler).RegisterRoutes(s.router)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no auth required)
	v1.GET("/platform", s.platformHandler)

	// REGISTRATION (public but returns API key). The surrounding
	// marketplace owns real identity; this issues escrow API keys
	// against its user ids.
	v1.POST("/auth/register", s.registerWithAPIKey)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		jobs.NewHandler(s.jobService).RegisterRoutes(protected)
		escrow.NewHandler(s.escrowService).RegisterRoutes(protected)
		notify.NewHandler(s.notifyStore).RegisterRoutes(protected)
	}

	// ADMIN ROUTES (require X-Admin-Secret)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		admin.POST("/keys", s.issueAdminKey)
	}
}

// registerWithAPIKey handles POST /v1/auth/register
func (s *Server) registerWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		UserID string `json:"userId" binding:"required"`
		Role   string `json:"role" binding:"required"`
		Name   string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	role := auth.Role(req.Role)
	if role != auth.RoleClient && role != auth.RoleProfessional {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "role must be client or professional",
		})
		return
	}

	name := validation.SanitizeText(req.Name, 200)
	if name == "" {
		name = "Primary key"
	}

	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, req.UserID, role, name)
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue API key",
		})
		return
	}

	s.logger.Info("API key issued", "userId", req.UserID, "role", role, "keyId", keyInfo.ID)

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// issueAdminKey handles POST /v1/admin/keys
func (s *Server) issueAdminKey(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
		Name   string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	name := validation.SanitizeText(req.Name, 200)
	if name == "" {
		name = "Admin key"
	}

	rawKey, keyInfo, err := s.authMgr.GenerateKey(c.Request.Context(), req.UserID, auth.RoleAdmin, name)
	if err != nil {
		s.logger.Error("failed to generate admin key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
	})
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

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
		"name":        "Construct Flow Escrow",
		"description": "Escrow payment infrastructure for the services marketplace",
		"version":     "0.1.0",
	})
}

// platformHandler returns the platform's payment terms and live stats
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":              "Construct Flow Escrow",
			"version":           "0.1.0",
			"commissionRateBps": s.cfg.CommissionRateBPS,
			"platformFeeBps":    s.cfg.PlatformFeeBPS,
			"maxFundAmount":     s.cfg.MaxFundAmount,
			"currencies":        validation.SupportedCurrencies(),
		},
		"realtime": s.realtimeHub.Stats(),
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

	// Tracing (no-op when OTEL_EXPORTER_OTLP_ENDPOINT is unset)
	if shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger); err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesDone = shutdown
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Feed DB pool stats to Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Flush traces
	if s.tracesDone != nil {
		if err := s.tracesDone(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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
