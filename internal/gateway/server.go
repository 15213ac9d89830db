package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hubgate/hubgate/config"
	"github.com/hubgate/hubgate/internal/catalog"
	"github.com/hubgate/hubgate/internal/logging"
	"github.com/hubgate/hubgate/internal/metrics"
	"github.com/hubgate/hubgate/internal/middleware/auth"
	"github.com/hubgate/hubgate/internal/middleware/cors"
	"github.com/hubgate/hubgate/internal/middleware/quota"
	"github.com/hubgate/hubgate/internal/middleware/ratelimit"
	"github.com/hubgate/hubgate/internal/middleware/security"
	"github.com/hubgate/hubgate/internal/pipeline"
	"github.com/hubgate/hubgate/internal/proxy"
	"github.com/hubgate/hubgate/internal/resolver"
	"github.com/hubgate/hubgate/internal/usage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Server owns the gateway's long-lived resources: the proxy listener,
// the admin listener, the catalog store, the shared counter client, and
// the usage recorder.
type Server struct {
	cfg       *config.Config
	store     *catalog.SQLiteStore
	redis     *redis.Client
	collector *metrics.Collector
	recorder  *usage.Recorder

	proxySrv *http.Server
	adminSrv *http.Server
}

// NewServer builds the full gateway from configuration.
func NewServer(cfg *config.Config) (*Server, error) {
	store, err := catalog.OpenSQLite(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	collector := metrics.NewCollector()
	recorder := usage.NewRecorder(store, cfg.Usage, collector.RecordUsageDropped)

	pipe, err := buildPipeline(cfg, store, rdb)
	if err != nil {
		store.Close()
		return nil, err
	}

	res := resolver.New(store, cfg.Server.BaseDomain, cfg.Server.BasePath)
	fwd := proxy.NewForwarder(proxy.NewTransport(cfg.Upstream), cfg.Upstream)

	gw := New(cfg, res, pipe, fwd, collector, recorder)

	s := &Server{
		cfg:       cfg,
		store:     store,
		redis:     rdb,
		collector: collector,
		recorder:  recorder,
	}

	s.proxySrv = &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      gw,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}
	s.adminSrv = &http.Server{
		Addr:    cfg.Server.AdminAddr,
		Handler: s.adminMux(),
	}

	return s, nil
}

// buildPipeline assembles the check stages in their fixed order:
// security, CORS, auth, rate limit, quota. Feature flags drop individual
// stages; the order of the survivors never changes.
func buildPipeline(cfg *config.Config, store catalog.Store, rdb *redis.Client) (*pipeline.Pipeline, error) {
	var stages []pipeline.Stage

	if config.Enabled(cfg.Features.Security) {
		filter, err := security.New(cfg.Security.BlockedCIDRs)
		if err != nil {
			return nil, fmt.Errorf("security config: %w", err)
		}
		stages = append(stages, filter)
	}
	if config.Enabled(cfg.Features.CORS) {
		stages = append(stages, cors.New(cfg.CORS))
	}

	stages = append(stages, auth.New(store))

	if config.Enabled(cfg.Features.RateLimit) {
		var shared *ratelimit.RedisLimiter
		if rdb != nil {
			window := time.Duration(cfg.RateLimit.WindowSec) * time.Second
			shared = ratelimit.NewRedisLimiter(rdb, window)
		}
		stages = append(stages, ratelimit.NewStage(shared, cfg.RateLimit))
	}
	if config.Enabled(cfg.Features.Quota) {
		stages = append(stages, quota.New(rdb))
	}

	return pipeline.New(stages...), nil
}

// Run serves until the context is cancelled or a termination signal
// arrives, then shuts down gracefully: stop accepting, drain in-flight
// requests, drain the usage buffer, close the stores.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)

	go func() {
		logging.Info("gateway listening",
			zap.String("addr", s.cfg.Server.ListenAddr),
			zap.String("base_domain", s.cfg.Server.BaseDomain),
			zap.String("base_path", s.cfg.Server.BasePath),
		)
		if err := s.proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy listener: %w", err)
		}
	}()
	go func() {
		logging.Info("admin listening", zap.String("addr", s.cfg.Server.AdminAddr))
		if err := s.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin listener: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		s.shutdown()
		return err
	case <-ctx.Done():
		logging.Info("shutdown signal received")
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Listeners first so no new records arrive, then the usage buffer,
	// then the stores under it.
	if err := s.proxySrv.Shutdown(ctx); err != nil {
		logging.Warn("proxy shutdown incomplete", zap.Error(err))
	}
	if err := s.adminSrv.Shutdown(ctx); err != nil {
		logging.Warn("admin shutdown incomplete", zap.Error(err))
	}

	if err := s.recorder.Close(); err != nil {
		logging.Warn("usage recorder close failed", zap.Error(err))
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logging.Warn("redis close failed", zap.Error(err))
		}
	}
	if err := s.store.Close(); err != nil {
		logging.Warn("store close failed", zap.Error(err))
		return err
	}

	logging.Info("shutdown complete")
	return nil
}

// adminMux serves the operational endpoints on the admin listener, kept
// off the proxy port so they are never routable from the outside.
func (s *Server) adminMux() *http.ServeMux {
	mux := http.NewServeMux()

	if config.Enabled(s.cfg.Features.Metrics) {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			s.collector.WritePrometheus(w)
		})
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.store.Ping(ctx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		if s.redis != nil {
			if err := s.redis.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	return mux
}
