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

	"github.com/mbd888/settlevault/internal/auth"
	"github.com/mbd888/settlevault/internal/config"
	"github.com/mbd888/settlevault/internal/escrow"
	"github.com/mbd888/settlevault/internal/health"
	"github.com/mbd888/settlevault/internal/ledger"
	"github.com/mbd888/settlevault/internal/logging"
	"github.com/mbd888/settlevault/internal/metrics"
	"github.com/mbd888/settlevault/internal/notify"
	"github.com/mbd888/settlevault/internal/orders"
	"github.com/mbd888/settlevault/internal/ratelimit"
	"github.com/mbd888/settlevault/internal/realtime"
	"github.com/mbd888/settlevault/internal/reconciliation"
	"github.com/mbd888/settlevault/internal/security"
	"github.com/mbd888/settlevault/internal/settlement"
	"github.com/mbd888/settlevault/internal/split"
	"github.com/mbd888/settlevault/internal/traces"
	"github.com/mbd888/settlevault/internal/validation"
	"github.com/mbd888/settlevault/internal/withdrawal"
	"github.com/mbd888/settlevault/migrations"
)

// Version is reported by the health endpoint. Set by cmd/server from ldflags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB // nil if using in-memory
	ledger         ledger.Store
	orders         orders.Source
	authMgr        *auth.Manager
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	withdrawals    *withdrawal.Processor
	reconService   *reconciliation.Service
	reconTimer     *reconciliation.Timer
	realtimeHub    *realtime.Hub
	webhook        *notify.WebhookNotifier
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	stopTracing    func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownDelay  time.Duration
	workersStarted atomic.Bool

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

// WithLedgerStore replaces the ledger store chosen from DATABASE_URL.
func WithLedgerStore(store ledger.Store) Option {
	return func(s *Server) {
		s.ledger = store
	}
}

// WithOrderSource replaces the order source chosen from DATABASE_URL.
func WithOrderSource(src orders.Source) Option {
	return func(s *Server) {
		s.orders = src
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		shutdownDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTelEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	var authStore auth.Store
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		if s.ledger == nil {
			s.ledger = ledger.NewPostgresStore(db)
		}
		if s.orders == nil {
			s.orders = orders.NewPostgresSource(db)
		}
		authStore = auth.NewPostgresStore(db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage; balances are lost on restart")
		if s.ledger == nil {
			s.ledger = ledger.NewMemoryStore()
		}
		if s.orders == nil {
			s.orders = orders.NewMemoryStore()
		}
		authStore = auth.NewMemoryStore()
	}
	s.authMgr = auth.NewManager(authStore, cfg.AdminSecret)

	// Notifications: log, optional webhook, and connected websocket clients
	s.realtimeHub = realtime.NewHub(s.authMgr.AuthenticateRequest, s.logger)
	notifiers := notify.Multi{notify.NewLogNotifier(s.logger), s.realtimeHub}
	if cfg.NotifyWebhookURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateWebhookURL(cfg.NotifyWebhookURL); err != nil {
				return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
			}
		}
		s.webhook = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, s.logger)
		notifiers = append(notifiers, s.webhook)
		s.logger.Info("webhook notifications enabled")
	}

	// Escrow lifecycle and timeout sweeper
	s.escrowService = escrow.NewService(s.ledger, s.orders, escrow.Config{
		Policy:          split.Policy{PlatformFeeBps: cfg.PlatformFeeBps, DriverShareBps: cfg.DriverShareBps},
		Timeout:         cfg.EscrowTimeout,
		DefaultCurrency: cfg.DefaultCurrency,
		PlatformUserID:  cfg.PlatformUserID,
	}).WithNotifier(notifiers).WithLogger(s.logger)
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.ledger, s.logger).
		WithInterval(cfg.SweepInterval).
		WithBatchSize(cfg.SweepBatchSize)

	// Withdrawals
	fees, err := withdrawal.ParseFeeSchedule(cfg.WithdrawalFees)
	if err != nil {
		return nil, fmt.Errorf("WITHDRAWAL_FEES: %w", err)
	}
	s.withdrawals = withdrawal.NewProcessor(s.ledger, fees, cfg.MinWithdrawal, cfg.DefaultCurrency).
		WithPlatformUser(cfg.PlatformUserID).
		WithNotifier(notifiers).
		WithLogger(s.logger)

	// Reconciliation
	s.reconService = reconciliation.NewService(s.ledger, s.logger)
	if cfg.ReconcileInterval > 0 {
		s.reconTimer = reconciliation.NewTimer(s.reconService, cfg.ReconcileInterval, s.logger)
	}

	// Health checks
	s.health = health.NewRegistry(3 * time.Second)
	s.health.Register(health.Ping("ledger", s.ledger.Ping))
	s.health.Register(health.Worker("escrow_sweeper", s.escrowTimer.Running, s.escrowTimer.LastSweep, 3*cfg.SweepInterval))

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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
			"error":   settlement.KindInternal,
			"message": "internal error",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Authentication runs before rate limiting so callers are limited by user
	// id instead of by IP.
	s.router.Use(auth.Middleware(s.authMgr))
	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})
	s.router.Use(s.rateLimiter.Middleware(auth.GetUserID))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	settlementHandler := settlement.NewHandler(s.escrowService, s.withdrawals, s.ledger, s.reconService, s.cfg.DefaultCurrency)
	authHandler := auth.NewHandler(s.authMgr)

	v1 := s.router.Group("/v1")
	authHandler.RegisterRoutes(v1)

	protected := v1.Group("", auth.RequireAuth())
	settlementHandler.RegisterRoutes(protected)

	admin := v1.Group("/admin", auth.RequireAdmin())
	settlementHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// Without a database there is no order collaborator, so operators seed
	// orders by hand.
	if mem, ok := s.orders.(*orders.MemoryStore); ok {
		admin.POST("/orders", seedOrderHandler(mem))
	}
}

// seedOrderRequest is the body of POST /v1/admin/orders.
type seedOrderRequest struct {
	OrderRef    string `json:"orderRef" binding:"required"`
	BuyerID     string `json:"buyerId" binding:"required"`
	SellerID    string `json:"sellerId" binding:"required"`
	DriverID    string `json:"driverId"`
	TotalAmount int64  `json:"totalAmount" binding:"required"`
	Currency    string `json:"currency"`
}

func seedOrderHandler(store *orders.MemoryStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req seedOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": settlement.KindInvalidRequest, "message": err.Error()})
			return
		}
		if err := validation.Validate(
			validation.ValidRef("orderRef", req.OrderRef),
			validation.ValidRef("buyerId", req.BuyerID),
			validation.ValidRef("sellerId", req.SellerID),
			validation.PositiveAmount("totalAmount", req.TotalAmount),
			validation.ValidCurrency("currency", req.Currency),
		); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": settlement.KindInvalidRequest, "message": err.Error(), "details": err})
			return
		}

		o := &orders.Order{
			Ref:         req.OrderRef,
			BuyerID:     req.BuyerID,
			SellerID:    req.SellerID,
			DriverID:    req.DriverID,
			TotalAmount: req.TotalAmount,
			Currency:    req.Currency,
			Status:      "placed",
		}
		store.Put(o)
		c.JSON(http.StatusCreated, gin.H{"order": o})
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
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// startWorkers launches the background goroutines: websocket hub, timeout
// sweeper, reconciliation and database stats. Safe to call once.
func (s *Server) startWorkers(ctx context.Context) {
	if !s.workersStarted.CompareAndSwap(false, true) {
		return
	}

	go s.realtimeHub.Run(ctx)
	go s.escrowTimer.Start(ctx)
	if s.reconTimer != nil {
		go s.reconTimer.Start(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"currency", s.cfg.DefaultCurrency,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startWorkers(runCtx)

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
		s.cancelRunCtx()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.escrowTimer.Stop()
	s.logger.Info("escrow sweeper stopped")

	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Let in-flight webhook deliveries finish before the process exits.
	if s.webhook != nil {
		s.webhook.Wait()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
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

// AuthManager returns the API key manager, used to bootstrap keys.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
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
