// Package server sets up the HTTP server with all routes
package server

import (
	"compress/gzip"
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

	"github.com/atomicsettle/coordinator/internal/atomicerr"
	"github.com/atomicsettle/coordinator/internal/compliance"
	"github.com/atomicsettle/coordinator/internal/config"
	"github.com/atomicsettle/coordinator/internal/fx"
	"github.com/atomicsettle/coordinator/internal/ledger"
	"github.com/atomicsettle/coordinator/internal/lockmgr"
	"github.com/atomicsettle/coordinator/internal/logging"
	"github.com/atomicsettle/coordinator/internal/metrics"
	"github.com/atomicsettle/coordinator/internal/netting"
	"github.com/atomicsettle/coordinator/internal/participant"
	"github.com/atomicsettle/coordinator/internal/ratelimit"
	"github.com/atomicsettle/coordinator/internal/registry"
	"github.com/atomicsettle/coordinator/internal/replog"
	"github.com/atomicsettle/coordinator/internal/security"
	"github.com/atomicsettle/coordinator/internal/settlement"
	"github.com/atomicsettle/coordinator/internal/traces"
	"github.com/atomicsettle/coordinator/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the coordinator's dependency graph.
type Server struct {
	cfg *config.Config

	registryStore registry.Store
	settleStore   settlement.Store
	lockStore     lockmgr.Store
	ledgerStore   ledger.Store
	replogStore   replog.Store

	lockManager  *lockmgr.Manager
	lockSweeper  *lockmgr.Sweeper
	fxEngine     *fx.Engine
	complianceRg *compliance.Registry
	replicatedLog *replog.ProcessorLog
	participants *participant.Manager
	nettingEngine *netting.Engine
	processor    *settlement.Processor

	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	redisClient *redis.Client
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc
	tracerShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance, wiring the full settlement-coordinator
// dependency graph: storage, Lock Manager, FX Engine, Compliance Registry,
// Replicated Log, participant channel, Netting Engine, and the Settlement
// Processor that ties them together.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	if cfg.RedisAddr != "" {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
	}

	if cfg.DatabaseURL != "" {
		if err := s.wirePostgres(ctx, cfg); err != nil {
			return nil, err
		}
	} else {
		s.wireMemory(cfg)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.wireComplianceHooks()
	s.wireFxEngine(cfg)

	s.participants = participant.NewManager(s.lookupParticipantSecret, s.handleInbound)

	s.lockManager = lockmgr.NewManager(s.lockStore, s.ledgerStore, cfg.LockPhaseTimeout)
	s.lockSweeper = lockmgr.NewSweeper(s.lockManager, cfg.LockExpirySweepInterval)

	s.processor = settlement.NewProcessor(
		s.settleStore,
		registry.NewDirectory(s.registryStore),
		s.lockManager,
		s.ledgerStore,
		s.fxEngine,
		s.complianceRg,
		s.replicatedLog,
		s.participants,
		settlement.Config{
			LockPhaseDeadline: cfg.LockPhaseTimeout,
			AckTimeout:        cfg.AckTimeout,
			ValidationTimeout: cfg.ValidationTimeout,
			MaxLockRetries:    cfg.LockMaxRetries,
		},
	)

	s.nettingEngine = netting.NewEngine(cfg.NettingWindow, s.processor)
	s.processor.SetNetter(s.nettingEngine)

	if err := replog.RunRecovery(ctx, s.replogStore, s.processor, time.Now()); err != nil {
		s.logger.Error("recovery on startup failed", "error", err)
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

func (s *Server) wirePostgres(ctx context.Context, cfg *config.Config) error {
	dbDSN := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
	db, err := sql.Open("postgres", dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

	settleStore := settlement.NewPostgresStore(db)
	if err := settleStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate settlement store", "error", err)
	}
	s.settleStore = settleStore

	lockStore := lockmgr.NewPostgresStore(db)
	if err := lockStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate lock store", "error", err)
	}
	s.lockStore = lockStore

	ledgerStore := ledger.NewPostgresStore(db)
	if err := ledgerStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate ledger store", "error", err)
	}
	s.ledgerStore = ledgerStore

	replogStore := replog.NewPostgresStore(db)
	if err := replogStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate replicated log store", "error", err)
	}
	s.replogStore = replogStore
	s.replicatedLog = replog.NewProcessorLog(replogStore)

	registryStore := registry.NewPostgresStore(db)
	if err := registryStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate participant registry", "error", err)
	}
	s.registryStore = registryStore

	return nil
}

func (s *Server) wireMemory(cfg *config.Config) {
	s.settleStore = settlement.NewMemoryStore()
	s.lockStore = lockmgr.NewMemoryStore()
	s.ledgerStore = ledger.NewMemoryStore()
	s.replogStore = replog.NewMemoryStore()
	s.replicatedLog = replog.NewProcessorLog(s.replogStore)
	s.registryStore = registry.NewMemoryStore()
}

func (s *Server) wireComplianceHooks() {
	s.complianceRg = compliance.NewRegistry().WithTimeout(s.cfg.ComplianceHookTimeout)
	s.complianceRg.Register(compliance.NewBlocklistHook(&registryBlocklistAdapter{s.registryStore}))
}

func (s *Server) wireFxEngine(cfg *config.Config) {
	var providers []fx.Provider
	for i, url := range cfg.FxProviderURLs {
		providers = append(providers, fx.NewHTTPProvider(fmt.Sprintf("provider-%d", i+1), url, 5*time.Second))
	}
	if len(providers) == 0 {
		// No quote sources configured: fall back to static providers so the
		// engine can still reach quorum in development and tests.
		for i := 0; i < cfg.FxMinProviders; i++ {
			providers = append(providers, fx.NewStaticProvider(fmt.Sprintf("static-%d", i+1), 1.0))
		}
	}

	s.fxEngine = fx.NewEngine(providers, cfg.FxFreshnessWindow, cfg.FxRateLockDuration, cfg.FxTolerance)
	if s.redisClient != nil {
		s.fxEngine.WithCache(fx.NewRedisRateCache(s.redisClient, "fx:rate:"))
	}
}

func (s *Server) lookupParticipantSecret(participantID string) (string, bool) {
	p, err := s.registryStore.GetParticipant(context.Background(), participantID)
	if err != nil || p.Status != settlement.ParticipantActive {
		return "", false
	}
	return s.cfg.EnvelopeHMACKey, s.cfg.EnvelopeHMACKey != ""
}

func (s *Server) handleInbound(participantID string, env *participant.Envelope) {
	if env.Type != participant.MessageAck {
		return
	}
	s.processor.RecordAck(env.SettlementID, participantID)
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
	s.router.Use(gzipMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
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

	s.router.GET("/", dashboardHandler)
	s.router.GET("/debug", debugPageHandler)
	s.router.GET("/docs", s.docsRedirectHandler)

	s.router.GET("/ws/:participantId", func(c *gin.Context) {
		s.participants.HandleWebSocket(c.Param("participantId"), c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.POST("/settlements", s.submitSettlementHandler)
	v1.GET("/settlements/:id", s.getSettlementHandler)

	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	admin.GET("/settlements", s.listNonTerminalHandler)
	admin.POST("/recovery/run", s.runRecoveryHandler)
	admin.POST("/participants", s.createParticipantHandler)
	admin.GET("/participants", s.listParticipantsHandler)
	admin.POST("/participants/:id/block/:counterparty", s.blockParticipantHandler)
}

// -----------------------------------------------------------------------------
// Settlement handlers
// -----------------------------------------------------------------------------

type submitLegRequest struct {
	LegNumber          int    `json:"leg_number"`
	SourceParticipant  string `json:"source_participant"`
	SourceAccount      string `json:"source_account"`
	SourceCurrency     string `json:"source_currency"`
	DestParticipant    string `json:"dest_participant"`
	DestAccount        string `json:"dest_account"`
	DestCurrency       string `json:"dest_currency"`
	SourceAmount       string `json:"source_amount"`
}

type submitSettlementRequest struct {
	IdempotencyKey  string             `json:"idempotency_key"`
	Legs            []submitLegRequest `json:"legs"`
	FxMode          string             `json:"fx_mode,omitempty"`
	FxBase          string             `json:"fx_base,omitempty"`
	FxQuote         string             `json:"fx_quote,omitempty"`
	FxTolerance     float64            `json:"fx_tolerance,omitempty"`
	Priority        string             `json:"priority"`
	RequestedBy     string             `json:"requested_by"`
	NettingEligible bool               `json:"netting_eligible"`
}

func (s *Server) submitSettlementHandler(c *gin.Context) {
	var body submitSettlementRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message", "message": err.Error()})
		return
	}
	if body.IdempotencyKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message", "message": "idempotency_key is required"})
		return
	}

	legs := make([]settlement.Leg, 0, len(body.Legs))
	for _, l := range body.Legs {
		legs = append(legs, settlement.Leg{
			LegNumber:    l.LegNumber,
			SourceAmount: l.SourceAmount,
			Source: settlement.AccountRef{
				ParticipantID: l.SourceParticipant,
				AccountNumber: l.SourceAccount,
				Currency:      l.SourceCurrency,
			},
			Destination: settlement.AccountRef{
				ParticipantID: l.DestParticipant,
				AccountNumber: l.DestAccount,
				Currency:      l.DestCurrency,
			},
		})
	}

	req := settlement.Request{
		IdempotencyKey:  body.IdempotencyKey,
		Legs:            legs,
		Priority:        body.Priority,
		RequestedBy:     body.RequestedBy,
		NettingEligible: body.NettingEligible,
	}
	if body.FxMode != "" {
		req.Fx = &settlement.FxInstruction{
			Mode:      settlement.FxMode(body.FxMode),
			Base:      body.FxBase,
			Quote:     body.FxQuote,
			Tolerance: body.FxTolerance,
		}
	}

	handle, err := s.processor.Submit(c.Request.Context(), req)
	if err != nil {
		writeProcessorError(c, err)
		return
	}

	status := http.StatusAccepted
	if handle.Status.Terminal() {
		status = http.StatusOK
	}
	c.JSON(status, handle)
}

func (s *Server) getSettlementHandler(c *gin.Context) {
	st, err := s.settleStore.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		writeProcessorError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) listNonTerminalHandler(c *gin.Context) {
	list, err := s.settleStore.ListNonTerminal(c.Request.Context())
	if err != nil {
		writeProcessorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": list})
}

func (s *Server) runRecoveryHandler(c *gin.Context) {
	if err := replog.RunRecovery(c.Request.Context(), s.replogStore, s.processor, time.Now()); err != nil {
		writeProcessorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recovery complete"})
}

func writeProcessorError(c *gin.Context, err error) {
	var ae *atomicerr.Error
	if errors.As(err, &ae) {
		status := http.StatusInternalServerError
		switch ae.Kind {
		case atomicerr.KindValidation, atomicerr.KindCompliance, atomicerr.KindIdempotency:
			status = http.StatusBadRequest
		case atomicerr.KindLock, atomicerr.KindFX:
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": ae.Code, "message": ae.Error(), "retryable": ae.Retryable})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}

// -----------------------------------------------------------------------------
// Participant registry handlers
// -----------------------------------------------------------------------------

type createParticipantRequest struct {
	ID                          string                       `json:"id"`
	Status                      string                       `json:"status"`
	AllowedCurrencies           []string                     `json:"allowed_currencies"`
	SettlementLimitPerCurrency  map[string]string            `json:"settlement_limits"`
}

func (s *Server) createParticipantHandler(c *gin.Context) {
	var body createParticipantRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message", "message": err.Error()})
		return
	}
	p := &settlement.Participant{
		ID:                         body.ID,
		Status:                     settlement.ParticipantStatus(body.Status),
		AllowedCurrencies:          body.AllowedCurrencies,
		SettlementLimitPerCurrency: body.SettlementLimitPerCurrency,
	}
	if p.Status == "" {
		p.Status = settlement.ParticipantActive
	}
	if err := s.registryStore.CreateParticipant(c.Request.Context(), p); err != nil {
		if errors.Is(err, registry.ErrParticipantExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "participant_exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listParticipantsHandler(c *gin.Context) {
	list, err := s.registryStore.ListParticipants(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": list})
}

func (s *Server) blockParticipantHandler(c *gin.Context) {
	receiverID := c.Param("id")
	senderID := c.Param("counterparty")
	if err := s.registryStore.Block(c.Request.Context(), receiverID, senderID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "blocked"})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
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

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

	checks := make(map[string]string)
	allOK := true

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			allOK = false
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": checks})
}

func (s *Server) docsRedirectHandler(c *gin.Context) {
	c.Redirect(http.StatusTemporaryRedirect, "https://github.com/atomicsettle/coordinator")
}

// -----------------------------------------------------------------------------
// Run / Shutdown
// -----------------------------------------------------------------------------

func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "coordinator_id", s.cfg.CoordinatorID)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.lockSweeper != nil {
		go s.lockSweeper.Start(runCtx)
	}

	if s.participants != nil {
		go s.participants.StartOutboxSweeper(runCtx)
	}

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.lockSweeper != nil {
		s.lockSweeper.Stop()
		s.logger.Info("lock sweeper stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		} else {
			s.logger.Info("tracer shutdown complete")
		}
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

func (w *gzipWriter) WriteString(s string) (int, error) {
	return w.writer.Write([]byte(s))
}

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") || c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")

		gz := gzip.NewWriter(c.Writer)
		defer gz.Close()
		c.Writer = &gzipWriter{c.Writer, gz}
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Collaborator adapters
// -----------------------------------------------------------------------------

// registryBlocklistAdapter adapts registry.Store to compliance.BlocklistStore.
type registryBlocklistAdapter struct {
	store registry.Store
}

func (a *registryBlocklistAdapter) IsBlocked(ctx context.Context, participantID, counterpartyID string) (bool, error) {
	return a.store.IsBlocked(ctx, participantID, counterpartyID)
}
