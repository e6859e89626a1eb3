package foyer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/foyerhq/foyer/internal/appid"
	"github.com/foyerhq/foyer/internal/config"
	"github.com/foyerhq/foyer/internal/dispatch"
	"github.com/foyerhq/foyer/internal/install"
	"github.com/foyerhq/foyer/internal/ipc"
	"github.com/foyerhq/foyer/internal/metrics"
	"github.com/foyerhq/foyer/internal/plugin"
	"github.com/foyerhq/foyer/internal/pool"
	"github.com/foyerhq/foyer/internal/worker"
)

// Re-exported types forming the public surface. Aliases keep the internal
// packages as the single definition of each shape.
type (
	// Request is the wire form of a request handed to a worker.
	Request = ipc.Request
	// Response is a worker's answer to a single request.
	Response = ipc.Response

	// Plugin is the base interface every dispatch extension implements.
	Plugin = plugin.Plugin
	// RequestHook may answer a request before it reaches the pool.
	RequestHook = plugin.RequestHook
	// ResponseHook observes or rewrites responses.
	ResponseHook = plugin.ResponseHook
	// RouteMounter claims router paths ahead of app resolution.
	RouteMounter = plugin.RouteMounter

	// PoolMetrics is one snapshot of pool activity.
	PoolMetrics = metrics.PoolMetrics
	// WorkerStats is the per-app stats view, cumulative across worker
	// retirements.
	WorkerStats = pool.WorkerStats
)

// Server is the assembled runtime: config loader, installer, worker pool
// and dispatcher. Create one with NewServer, serve Handler, and call
// Shutdown to terminate every worker.
type Server struct {
	cfg     serverConfig
	loader  *config.Loader
	rec     *metrics.Recorder
	pool    *pool.Pool
	handler http.Handler

	closeOnce sync.Once
	closeErr  error
}

// NewServer builds a Server from the given options. The apps directory
// must exist; the data directory is created on demand.
func NewServer(opts ...Option) (*Server, error) {
	cfg := serverConfig{
		AppsDir:         DefaultAppsDir,
		PoolSize:        DefaultPoolSize,
		MaxBodySize:     DefaultMaxBodySize,
		WorkerCommand:   []string{DefaultWorkerCommand},
		InstallCommand:  []string{"npm", "install"},
		ConfigCacheTTL:  DefaultConfigCacheTTL,
		StartupInBudget: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), DefaultDataDirName)
	}

	info, err := os.Stat(cfg.AppsDir)
	if err != nil {
		return nil, fmt.Errorf("apps dir %s: %w", cfg.AppsDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("apps dir %s is not a directory", cfg.AppsDir)
	}

	loader := config.NewLoader(config.Limits{
		DefaultBodySize: cfg.MaxBodySize,
		MaxBodySize:     cfg.MaxBodySize,
	}, cfg.ConfigCacheTTL)
	installer := install.New(cfg.InstallCommand, cfg.InstallTimeout)
	installTimeout := cfg.InstallTimeout
	if installTimeout <= 0 {
		installTimeout = install.DefaultTimeout
	}
	rec := metrics.NewRecorder(cfg.MetricsWindow)

	factory := func(id int64, dir string, wc config.WorkerConfig) (pool.Instance, error) {
		if wc.AutoInstall {
			ctx, cancel := context.WithTimeout(context.Background(), installTimeout)
			defer cancel()
			if err := installer.Ensure(ctx, dir); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
			}
		}
		key, err := appid.FromDir(dir)
		if err != nil {
			return nil, err
		}
		return worker.Start(worker.Options{
			Key:             key.String(),
			ID:              id,
			Dir:             dir,
			DataDir:         cfg.DataDir,
			Command:         cfg.WorkerCommand,
			Config:          wc,
			TerminateGrace:  cfg.TerminateGrace,
			ReadyTimeout:    cfg.ReadyTimeout,
			StartupInBudget: cfg.StartupInBudget,
		})
	}

	p := pool.New(pool.Options{
		Factory:       factory,
		MaxSize:       cfg.PoolSize,
		Recorder:      rec,
		RetireTimeout: cfg.RetireTimeout,
	})
	d := dispatch.New(dispatch.Options{
		Resolver: dispatch.NewResolver(cfg.AppsDir),
		Loader:   loader,
		Pool:     p,
		Plugins:  plugin.NewChain(cfg.Plugins...),
	})

	return &Server{
		cfg:     cfg,
		loader:  loader,
		rec:     rec,
		pool:    p,
		handler: d.Handler(),
	}, nil
}

// Handler returns the front-door handler: correlation ids, panic
// recovery, access logging, origin checks, then per-app routing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Metrics returns one snapshot of the pool counters.
func (s *Server) Metrics() PoolMetrics {
	return s.pool.Metrics()
}

// WorkerStats returns the per-app stats map, cumulative across worker
// retirements.
func (s *Server) WorkerStats() map[string]WorkerStats {
	return s.pool.WorkerStats()
}

// Collector exposes the pool counters as a prometheus.Collector for
// registration alongside the application's other metrics.
func (s *Server) Collector() prometheus.Collector {
	return s.rec
}

// Shutdown terminates every worker and releases the config cache, waiting
// until terminations finish or ctx expires. Idempotent; later calls
// return the first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pool.Shutdown(ctx)
		s.loader.Close()
	})
	return s.closeErr
}
