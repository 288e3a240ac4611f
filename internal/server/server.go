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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/estatepay/internal/config"
	"github.com/mbd888/estatepay/internal/events"
	"github.com/mbd888/estatepay/internal/health"
	"github.com/mbd888/estatepay/internal/logging"
	"github.com/mbd888/estatepay/internal/metrics"
	"github.com/mbd888/estatepay/internal/mpesa"
	"github.com/mbd888/estatepay/internal/property"
	"github.com/mbd888/estatepay/internal/ratelimit"
	"github.com/mbd888/estatepay/internal/realtime"
	"github.com/mbd888/estatepay/internal/redisx"
	"github.com/mbd888/estatepay/internal/sales"
	"github.com/mbd888/estatepay/internal/security"
	"github.com/mbd888/estatepay/internal/traces"
	"github.com/mbd888/estatepay/internal/validation"
	"github.com/mbd888/estatepay/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	db      *sql.DB       // nil if using in-memory
	redis   *redis.Client // nil without REDIS_URL
	kafka   *events.KafkaPublisher
	gateway sales.Gateway

	propertyService *property.Service
	salesStore      sales.Store
	salesService    *sales.Service
	reconciler      *sales.Reconciler
	orchestrator    *sales.Orchestrator
	expiryTimer     *sales.ExpiryTimer
	pendingTimer    *sales.PendingTimer
	inboxTimer      *sales.InboxTimer

	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	traceShutdown func(context.Context) error
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway replaces the M-Pesa client (for testing)
func WithGateway(g sales.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var propertyStore property.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		s.db = db
		propertyStore = property.NewPostgresStore(db)
		s.salesStore = sales.NewPostgresStore(db)
		s.health.Register("database", health.Ping("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		propertyStore = property.NewMemoryStore()
		s.salesStore = sales.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Status cache and callback dedup
	var cache sales.Cache
	if cfg.RedisURL != "" {
		rdb, err := redisx.New(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = rdb
		cache = redisx.NewCache(rdb)
		s.health.Register("redis", health.Ping("redis", redisx.Ping(rdb)))
		s.logger.Info("redis cache enabled", "addr", rdb.Options().Addr)
	}

	// Domain events: realtime hub always, Kafka when brokers are configured
	s.realtimeHub = realtime.NewHub(s.logger)
	publishers := events.Multi{s.realtimeHub}
	switch {
	case len(cfg.KafkaBrokers) > 0:
		s.kafka = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, s.logger)
		publishers = append(publishers, s.kafka)
		s.logger.Info("kafka events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	case cfg.IsDevelopment():
		publishers = append(publishers, events.NewRecorder())
	}

	// Payment gateway
	if s.gateway == nil {
		cbURL := callbackURL(cfg.Mpesa.CallbackURL, cfg.Mpesa.CallbackToken)
		if cfg.Mpesa.CallbackURL != "" {
			if err := security.ValidateCallbackURL(cfg.Mpesa.CallbackURL, cfg.IsProduction()); err != nil {
				if cfg.IsProduction() {
					return nil, fmt.Errorf("MPESA_CALLBACK_URL: %w", err)
				}
				s.logger.Warn("callback URL is not reachable by the gateway", "error", err)
			}
		}
		tokens := mpesa.NewTokenCache(cfg.Mpesa.BaseURL, cfg.Mpesa.ConsumerKey, cfg.Mpesa.ConsumerSecret)
		s.gateway = mpesa.NewClient(mpesa.ClientConfig{
			BaseURL:     cfg.Mpesa.BaseURL,
			ShortCode:   cfg.Mpesa.ShortCode,
			PassKey:     cfg.Mpesa.PassKey,
			CallbackURL: cbURL,
		}, tokens, mpesa.WithLogger(s.logger))
		s.logger.Info("m-pesa gateway configured", "env", cfg.Mpesa.Environment, "shortcode", cfg.Mpesa.ShortCode)
	}

	// Sales pipeline
	s.propertyService = property.NewService(propertyStore, s.logger)
	directory := &directoryAdapter{s.propertyService}

	s.reconciler = sales.NewReconciler(s.salesStore, publishers, cfg.ReservationHold, s.logger)
	initiator := sales.NewInitiator(s.salesStore, s.gateway, s.logger)
	s.salesService = sales.NewService(s.salesStore, directory, s.logger)
	if cache != nil {
		s.reconciler.WithCache(cache)
		initiator.WithCache(cache)
		s.salesService.WithCache(cache)
	}
	s.orchestrator = sales.NewOrchestrator(s.salesStore, directory, initiator, s.reconciler, cfg.Mpesa.ShortCode, s.logger)

	s.expiryTimer = sales.NewExpiryTimer(s.reconciler, s.salesStore, s.logger).
		WithInterval(cfg.ReservationSweepInterval)
	s.pendingTimer = sales.NewPendingTimer(s.salesStore, s.gateway, s.reconciler, cfg.Mpesa.PendingTimeout, s.logger)
	s.inboxTimer = sales.NewInboxTimer(s.reconciler, s.salesStore, s.logger)

	s.health.Register("expiry_timer", health.Running("expiry_timer", s.expiryTimer.Running))
	s.health.Register("pending_timer", health.Running("pending_timer", s.pendingTimer.Running))
	s.health.Register("inbox_timer", health.Running("inbox_timer", s.inboxTimer.Running))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// callbackURL appends the optional secret path segment to base.
func callbackURL(base, token string) string {
	if base == "" || token == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(token)
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Applied per route group; gateway callbacks are never throttled.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		CleanupInterval:   time.Minute,
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse an upstream request ID (load balancer, gateway) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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

	salesHandler := sales.NewHandler(s.salesService, s.orchestrator, s.reconciler).
		WithCallbackToken(s.cfg.Mpesa.CallbackToken)
	propertyHandler := property.NewHandler(s.propertyService)

	// Gateway webhooks
	callbacks := s.router.Group("/v1")
	salesHandler.RegisterCallbackRoutes(callbacks)

	// Buyer-facing API
	public := s.router.Group("/v1", s.rateLimiter.Middleware(), validation.IDParamMiddleware())
	salesHandler.RegisterRoutes(public)
	propertyHandler.RegisterRoutes(public)
	s.realtimeHub.RegisterRoutes(public)

	// Staff API
	admin := s.router.Group("/v1",
		security.RequireAdmin(s.cfg.AdminSecret),
		s.rateLimiter.Middleware(),
		validation.IDParamMiddleware(),
	)
	salesHandler.RegisterAdminRoutes(admin)
	propertyHandler.RegisterAdminRoutes(admin)
	admin.GET("/admin/stats", s.statsHandler)
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

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
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

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"realtime": s.realtimeHub.Stats(),
		"timers": gin.H{
			"expiry":  s.expiryTimer.Running(),
			"pending": s.pendingTimer.Running(),
			"inbox":   s.inboxTimer.Running(),
		},
	})
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
		WriteTimeout:      60 * time.Second, // covers a full STK push round trip
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.expiryTimer.Start(runCtx)
	go s.pendingTimer.Start(runCtx)
	go s.inboxTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for the hub and timers
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if !s.cfg.IsDevelopment() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.expiryTimer.Stop()
	s.pendingTimer.Stop()
	s.inboxTimer.Stop()
	s.logger.Info("sales timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace provider shutdown error", "error", err)
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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// directoryAdapter serves the sales flow's buyer and project lookups from
// the property service.
type directoryAdapter struct {
	svc *property.Service
}

func (a *directoryAdapter) GetBuyer(ctx context.Context, id string) (*sales.Buyer, error) {
	b, err := a.svc.GetBuyer(ctx, id)
	if errors.Is(err, property.ErrBuyerNotFound) {
		return nil, sales.ErrBuyerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sales.Buyer{ID: b.ID, Name: b.Name, Phone: b.Phone}, nil
}

func (a *directoryAdapter) ProjectExists(ctx context.Context, id string) (bool, error) {
	return a.svc.ProjectExists(ctx, id)
}
