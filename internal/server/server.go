// Package server wires the relay gate's stores, decision core, and HTTP routes.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/relaygate/internal/auth"
	"github.com/mbd888/relaygate/internal/chain"
	"github.com/mbd888/relaygate/internal/circuitbreaker"
	"github.com/mbd888/relaygate/internal/config"
	"github.com/mbd888/relaygate/internal/dashboard"
	"github.com/mbd888/relaygate/internal/decision"
	"github.com/mbd888/relaygate/internal/health"
	"github.com/mbd888/relaygate/internal/idgen"
	"github.com/mbd888/relaygate/internal/logging"
	"github.com/mbd888/relaygate/internal/metrics"
	"github.com/mbd888/relaygate/internal/ratelimit"
	"github.com/mbd888/relaygate/internal/realtime"
	"github.com/mbd888/relaygate/internal/relay"
	"github.com/mbd888/relaygate/internal/relaylog"
	"github.com/mbd888/relaygate/internal/risk"
	"github.com/mbd888/relaygate/internal/sanctions"
	"github.com/mbd888/relaygate/internal/security"
	"github.com/mbd888/relaygate/internal/traces"
	"github.com/mbd888/relaygate/internal/validation"
	"github.com/mbd888/relaygate/internal/webhooks"
	"github.com/mbd888/relaygate/migrations"
)

// Version is reported by /health.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// riskStore is what the server needs from a risk store.
type riskStore interface {
	decision.ScoreStore
	decision.EventLog
	relay.AddressHistory
}

// relayLogStore is the relay log plus the aggregate queries behind the
// dashboard.
type relayLogStore interface {
	relaylog.Store
	relaylog.Analytics
}

// broadcaster is a relay.Broadcaster that owns connections.
type broadcaster interface {
	relay.Broadcaster
	Close()
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil if REDIS_URL is unset
	sanctions   decision.Checker
	scores      riskStore
	relayLog    relayLogStore
	authMgr     *auth.Manager
	hookStore   webhooks.Store
	dispatcher  *webhooks.Dispatcher
	decider     *decision.Decider
	broadcaster broadcaster
	breaker     *circuitbreaker.Breaker
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateBucket  ratelimit.Bucket
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
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

// WithBroadcaster replaces the RPC broadcaster (for testing)
func WithBroadcaster(b broadcaster) Option {
	return func(s *Server) {
		s.broadcaster = b
	}
}

// WithSanctions replaces the sanctions lookup (for testing)
func WithSanctions(c decision.Checker) Option {
	return func(s *Server) {
		s.sanctions = c
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

	s.breaker = circuitbreaker.New(cfg.SanctionsBreakerThreshold, cfg.SanctionsBreakerCooldown)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
	})

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			mctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			version, err := migrations.Up(mctx, db)
			cancel()
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			s.logger.Info("schema migrated", "version", version)
		}
		s.db = db
		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("db pool metrics not registered", "error", err)
		}
		s.health.Critical("postgres", health.SQL(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.scores = risk.NewPostgresStore(db)
		s.relayLog = relaylog.NewPostgresStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.hookStore = webhooks.NewPostgresStore(db)
	} else {
		s.scores = risk.NewMemoryStore()
		s.relayLog = relaylog.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.hookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		s.health.Optional("redis", health.Redis(s.redis))
	}

	if s.sanctions == nil {
		s.sanctions = sanctions.NewGuarded(s.sanctionsSource(), s.breaker, cfg.SanctionsTimeout)
	}

	s.decider = decision.New(s.sanctions, s.scores, s.scores,
		decision.WithHalfLifeOverrides(cfg.HalfLifeOverrides),
		decision.WithLogger(s.logger),
	)

	if s.broadcaster == nil {
		s.broadcaster = chain.NewBroadcaster(cfg.RPCURLs, chain.WithBreaker(s.breaker))
	}
	s.health.Optional("sanctions", health.Breaker(s.breaker, "sanctions"))
	chains := cfg.Chains()
	for _, name := range chains {
		s.health.Optional("rpc:"+name, health.Breaker(s.breaker, "rpc:"+name))
	}
	if len(chains) == 0 {
		s.logger.Warn("no RPC URLs configured, relay will fail with rpc_not_configured")
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.dispatcher = webhooks.NewDispatcher(s.hookStore, webhooks.WithDispatcherLogger(s.logger))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// sanctionsSource picks the sanctions list: Redis set, then Postgres
// table, then an in-memory list seeded from config.
func (s *Server) sanctionsSource() sanctions.Checker {
	switch {
	case s.redis != nil:
		s.logger.Info("sanctions lookup via redis", "key", s.cfg.SanctionsRedisKey)
		return sanctions.NewRedisStore(s.redis, s.cfg.SanctionsRedisKey)
	case s.db != nil:
		s.logger.Info("sanctions lookup via postgres")
		return sanctions.NewPostgresStore(s.db)
	default:
		s.logger.Info("sanctions lookup in memory", "seeded", len(s.cfg.SanctionedAddresses))
		return sanctions.NewMemoryStore(s.cfg.SanctionedAddresses...)
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

	hsts := 0
	if s.cfg.IsProduction() {
		hsts = 31536000
	}
	s.router.Use(security.Headers(security.HeaderOptions{HSTSMaxAge: hsts}))
	s.router.Use(security.CORS(s.cfg.CORSOrigins))
	s.router.Use(validation.LimitBody(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.accessLogMiddleware())
}

// maxRequestIDLen bounds an upstream X-Request-ID before we echo it.
const maxRequestIDLen = 128

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" || len(id) > maxRequestIDLen {
			id = idgen.Hex(16)
		}
		ctx := logging.WithLogger(logging.WithRequestID(c.Request.Context(), id), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// accessLogMiddleware logs one line per request: 5xx at error, 4xx at
// warn, the rest at info.
func (s *Server) accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		ctx := c.Request.Context()
		logging.L(ctx).LogAttrs(ctx, level, "request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
			slog.String("client_ip", c.ClientIP()),
		)
	}
}

// partnerKey buckets rate limits by partner, falling back to client IP.
func partnerKey(c *gin.Context) string {
	if id := auth.PartnerID(c); id != "" {
		return "partner:" + id
	}
	return "ip:" + c.ClientIP()
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	rlCfg := ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM, BurstSize: s.cfg.RateLimitBurst}
	if s.redis != nil {
		s.rateBucket = ratelimit.NewRedisBucket(s.redis, rlCfg, "")
	} else {
		s.rateBucket = ratelimit.NewMemoryBucket(rlCfg)
	}

	authHandler := auth.NewHandler(s.authMgr)

	v1 := s.router.Group("/v1")
	v1.Use(auth.RequirePartner(s.authMgr), ratelimit.Middleware(s.rateBucket, rlCfg, partnerKey))
	{
		relay.NewHandler(s.decider, s.broadcaster, s.relayLog,
			relay.WithPublisher(s.realtimeHub),
			relay.WithPublisher(webhooks.NewEmitter(s.dispatcher, s.logger)),
			relay.WithAddressHistory(s.scores),
			relay.WithLogger(s.logger),
		).RegisterRoutes(v1)
		authHandler.RegisterPartnerRoutes(v1)
		webhooks.NewHandler(s.hookStore).RegisterRoutes(v1)
		dashboard.NewHandler(s.relayLog).RegisterRoutes(v1)
		v1.GET("/stream", s.streamHandler)
	}

	admin := s.router.Group("/v1/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		authHandler.RegisterAdminRoutes(admin)
		admin.GET("/stats", s.statsHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	health.Report
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	rep := s.health.Run(c.Request.Context())
	c.JSON(rep.HTTPStatus(), HealthResponse{
		Report:    rep,
		Version:   Version,
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

// readinessHandler takes the gate out of rotation while starting, draining,
// or when a critical dependency is down. Degraded still counts as ready.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if rep := s.health.Run(c.Request.Context()); rep.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": rep.Checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) streamHandler(c *gin.Context) {
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, auth.PartnerID(c))
}

func (s *Server) statsHandler(c *gin.Context) {
	breakers := gin.H{"sanctions": s.breaker.State("sanctions").String()}
	for _, name := range s.cfg.Chains() {
		breakers["rpc:"+name] = s.breaker.State("rpc:" + name).String()
	}
	c.JSON(http.StatusOK, gin.H{
		"stream":   s.realtimeHub.Stats(),
		"breakers": breakers,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves until ctx is cancelled, then drains and shuts down.
func (s *Server) Run(ctx context.Context) error {
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
			"chains", s.cfg.Chains(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if mem, ok := s.rateBucket.(*ratelimit.MemoryBucket); ok {
		go mem.RunSweeper(runCtx, time.Minute)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	select {
	case err := <-errChan:
		cancel()
		_ = s.Close()
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
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
	time.Sleep(s.drainDelay)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	return s.Close()
}

// Close releases store clients and RPC connections.
func (s *Server) Close() error {
	// Let queued webhook deliveries finish before their store goes away.
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}

	if s.broadcaster != nil {
		s.broadcaster.Close()
		s.logger.Info("rpc clients closed")
	}

	var errs []error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
			errs = append(errs, err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// AuthManager exposes key management for bootstrap tooling and tests.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}
