/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/tiletimeline/internal/api"
	"github.com/friendsincode/tiletimeline/internal/cache"
	"github.com/friendsincode/tiletimeline/internal/clock"
	"github.com/friendsincode/tiletimeline/internal/config"
	"github.com/friendsincode/tiletimeline/internal/content"
	"github.com/friendsincode/tiletimeline/internal/db"
	"github.com/friendsincode/tiletimeline/internal/eventbus"
	"github.com/friendsincode/tiletimeline/internal/events"
	"github.com/friendsincode/tiletimeline/internal/executor"
	"github.com/friendsincode/tiletimeline/internal/leadership"
	"github.com/friendsincode/tiletimeline/internal/logbuffer"
	"github.com/friendsincode/tiletimeline/internal/scheduler"
	schedulerstate "github.com/friendsincode/tiletimeline/internal/scheduler/state"
	"github.com/friendsincode/tiletimeline/internal/sink"
	"github.com/friendsincode/tiletimeline/internal/storage"
	"github.com/friendsincode/tiletimeline/internal/store"
	"github.com/friendsincode/tiletimeline/internal/telemetry"
	"github.com/friendsincode/tiletimeline/internal/tiles"
	"github.com/friendsincode/tiletimeline/internal/version"
)

const (
	historyRetention     = 24 * time.Hour
	historyPruneInterval = 10 * time.Minute
	dbMetricsInterval    = 30 * time.Second
)

// runner is a background component that runs until its context ends.
type runner interface {
	Run(ctx context.Context) error
}

// degradable is implemented by distributed buses that fall back to local
// delivery.
type degradable interface {
	Degraded() bool
}

// Server bundles HTTP and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	instanceID  string
	db          *gorm.DB
	cache       *cache.Cache
	logBuffer   *logbuffer.Buffer
	bus         events.Broker
	store       *store.Store
	history     *schedulerstate.Store
	pool        *executor.Pool
	tiles       *tiles.Service
	api         *api.API
	leaderAware *scheduler.LeaderAware
	membership  *executor.Membership
	sources     map[string]runner
	updates     *version.Checker

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies. logBuf may be nil, in
// which case the log endpoint is not served.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("tiletimeline-api"))
	router.Use(telemetry.MetricsMiddleware)
	// The event stream outlives any request timeout.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		logBuffer: logBuf,
		sources:   make(map[string]runner),
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// Write deadlines are left to the timeout middleware so the event
		// stream is not cut off.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	ctx := context.Background()

	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	s.DeferClose(func() error { return db.Close(database) })
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database

	if s.cfg.CacheEnabled {
		s.cache = cache.New(cache.Config{
			RedisAddr:      s.cfg.RedisAddr,
			RedisPassword:  s.cfg.RedisPassword,
			RedisDB:        s.cfg.RedisDB,
			TimelineTTL:    s.cfg.CacheTTL,
			TileListTTL:    cache.DefaultTileListTTL,
			DisableOnError: true,
		}, s.logger)
		s.DeferClose(s.cache.Close)
	}

	s.store = store.New(database, s.cache, s.logger)
	states := executor.NewStateManager(database, s.logger)
	s.history = schedulerstate.NewStore(s.cfg.HistoryCapacity)

	s.instanceID = s.cfg.InstanceID
	if s.instanceID == "" {
		s.instanceID = eventbus.NewNodeID()
	}
	s.logger = s.logger.With().Str("instance_id", s.instanceID).Logger()

	switch s.cfg.EventBus {
	case config.EventBusRedis:
		redisCfg := eventbus.DefaultRedisConfig()
		redisCfg.Addr = s.cfg.RedisAddr
		redisCfg.Password = s.cfg.RedisPassword
		redisCfg.DB = s.cfg.RedisDB
		bus := eventbus.NewRedisBus(redisCfg, s.instanceID, s.logger)
		s.DeferClose(bus.Close)
		s.bus = bus
	case config.EventBusNATS:
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		natsCfg.Token = s.cfg.NATSToken
		bus := eventbus.NewNATSBus(natsCfg, s.instanceID, s.logger)
		s.DeferClose(bus.Close)
		s.bus = bus
	default:
		s.bus = events.NewBus()
	}

	s.pool = executor.NewPool(executor.PoolConfig{
		InstanceID:     s.instanceID,
		Loader:         s.store,
		States:         states,
		History:        s.history,
		Clock:          clock.System{},
		MinUpdateDelay: s.cfg.MinUpdateDelay,
		Sinks: func(tileID string) scheduler.RenderSink {
			return sink.NewFanout(tileID,
				sink.NewLog(tileID, s.logger),
				sink.NewEvents(tileID, s.instanceID, s.bus),
			)
		},
		Bus:     s.bus,
		Standby: s.cfg.LeaderElectionEnabled,
		Logger:  s.logger,
	})
	s.DeferClose(s.pool.Stop)

	tilesCfg := tiles.Config{
		InstanceID: s.instanceID,
		Store:      s.store,
		Pool:       s.pool,
		States:     states,
		Bus:        s.bus,
		Logger:     s.logger,
	}

	if s.cfg.S3Bucket != "" {
		objects, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          s.cfg.S3Bucket,
			Region:          s.cfg.S3Region,
			Endpoint:        s.cfg.S3Endpoint,
			UsePathStyle:    s.cfg.S3UsePathStyle,
			AccessKeyID:     s.cfg.S3AccessKeyID,
			SecretAccessKey: s.cfg.S3SecretKey,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("init s3 content store: %w", err)
		}
		tilesCfg.Archive = objects
		tilesCfg.ArchivePrefix = s.cfg.S3Prefix
		s.tiles = tiles.New(tilesCfg)
		s.sources["s3"] = content.NewS3Source(objects, s.cfg.S3Prefix, s.cfg.S3PollInterval, s.tiles, s.logger)
	} else {
		s.tiles = tiles.New(tilesCfg)
	}

	if s.cfg.ContentDir != "" {
		s.sources["file"] = content.NewFileSource(s.cfg.ContentDir, s.tiles, s.logger)
	}

	if s.cfg.LeaderElectionEnabled {
		electionCfg := leadership.DefaultConfig()
		electionCfg.RedisAddr = s.cfg.RedisAddr
		electionCfg.RedisPassword = s.cfg.RedisPassword
		electionCfg.RedisDB = s.cfg.RedisDB
		electionCfg.InstanceID = s.instanceID

		election, err := leadership.NewElection(electionCfg, s.logger)
		if err != nil {
			return fmt.Errorf("init leader election: %w", err)
		}
		s.leaderAware = scheduler.NewLeaderAware(s.pool, election, s.logger)
		s.logger.Info().Msg("leader election enabled, tile sessions run on the leader only")
	} else if s.cfg.EventBus != config.EventBusMemory {
		s.membership = executor.NewMembership(s.pool, s.bus, executor.DefaultHeartbeatInterval, s.logger)
	}

	s.updates = version.NewChecker(s.logger)

	s.api = api.New(api.Config{
		Store:     s.store,
		Tiles:     s.tiles,
		Pool:      s.pool,
		History:   s.history,
		Bus:       s.bus,
		Clock:     clock.System{},
		JWTSecret: []byte(s.cfg.JWTSigningKey),
		Logs:      s.logBuffer,
		Logger:    s.logger,
	})

	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("metrics server shutdown error")
		}
		cancel()
	}
	if s.leaderAware != nil {
		if err := s.leaderAware.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("leader election stop failed")
		}
	}
	if s.updates != nil {
		s.updates.Stop()
	}
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	// Sessions run on the leader only when election is enabled, otherwise
	// every instance hosts the tiles the ring assigns it.
	if s.leaderAware != nil {
		if err := s.leaderAware.Start(ctx); err != nil {
			s.logger.Error().Err(err).Msg("leader-aware session pool failed to start")
		}
	} else {
		s.goWorker("session pool", func() error { return s.pool.Run(ctx) })
	}

	if s.membership != nil {
		s.goWorker("cluster membership", func() error { return s.membership.Run(ctx) })
	}

	for name, src := range s.sources {
		src := src
		s.goWorker(name+" content source", func() error { return src.Run(ctx) })
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.runMaintenance(ctx)
	}()

	if s.cache != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.runCacheInvalidationListener(ctx)
		}()
	}

	if s.cfg.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		s.metricsServer = &http.Server{
			Addr:              s.cfg.MetricsBind,
			Handler:           mux,
			ReadHeaderTimeout: 15 * time.Second,
		}
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.logger.Info().Str("addr", s.cfg.MetricsBind).Msg("metrics server listening")
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
	}

	if !s.cfg.IsDevelopment() {
		s.updates.Start(ctx)
	}
}

func (s *Server) goWorker(name string, run func() error) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("worker", name).Msg("background worker exited")
		}
	}()
}

// runMaintenance prunes transition history and samples database pool
// metrics.
func (s *Server) runMaintenance(ctx context.Context) {
	pruneTicker := time.NewTicker(historyPruneInterval)
	defer pruneTicker.Stop()
	dbTicker := time.NewTicker(dbMetricsInterval)
	defer dbTicker.Stop()

	db.UpdateConnectionMetrics(s.db)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-pruneTicker.C:
			s.history.Prune(now.Add(-historyRetention))
		case <-dbTicker.C:
			db.UpdateConnectionMetrics(s.db)
		}
	}
}

// runCacheInvalidationListener drops cached timelines when any instance
// publishes or deletes one.
func (s *Server) runCacheInvalidationListener(ctx context.Context) {
	updated := s.bus.Subscribe(events.EventTimelineUpdated)
	deleted := s.bus.Subscribe(events.EventTimelineDeleted)

	defer func() {
		s.bus.Unsubscribe(events.EventTimelineUpdated, updated)
		s.bus.Unsubscribe(events.EventTimelineDeleted, deleted)
	}()

	s.logger.Info().Msg("cache invalidation listener started")

	invalidate := func(payload events.Payload, reason string) {
		tileID, _ := payload["tile_id"].(string)
		if tileID == "" {
			return
		}
		s.logger.Debug().Str("tile_id", tileID).Str("reason", reason).Msg("invalidating timeline cache")
		if err := s.cache.InvalidateTile(ctx, tileID); err != nil {
			s.logger.Warn().Err(err).Str("tile_id", tileID).Msg("cache invalidation failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("cache invalidation listener stopped")
			return
		case payload, ok := <-updated:
			if !ok {
				return
			}
			invalidate(payload, "updated")
		case payload, ok := <-deleted:
			if !ok {
				return
			}
			invalidate(payload, "deleted")
		}
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealthz)

	if s.cfg.MetricsBind == "" {
		s.router.Handle("/metrics", telemetry.Handler())
	}

	s.api.Routes(s.router)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":      "ok",
		"instance_id": s.instanceID,
		"version":     version.Version,
		"sessions":    len(s.pool.ListSessions()),
	}

	if s.leaderAware != nil {
		response["leader"] = s.leaderAware.IsLeader()
	}
	if d, ok := s.bus.(degradable); ok {
		response["event_bus_degraded"] = d.Degraded()
	}
	if info := s.updates.Info(); info.UpdateAvailable {
		response["update_available"] = info.LatestVersion
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}
