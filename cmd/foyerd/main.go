// Command foyerd runs the foyer front door: the public listener serving
// application traffic and an internal listener for health, metrics and
// pool introspection.
//
// Configuration comes from the process environment with the FOYER prefix;
// see the variable table in the repository README.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/foyerhq/foyer"
)

// shutdownTimeout bounds draining both listeners and terminating every
// worker after a signal.
const shutdownTimeout = 30 * time.Second

// bodySize decodes human-readable size strings ("100mb", "1gb") from the
// environment.
type bodySize int64

func (b *bodySize) Decode(value string) error {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("parse size %q: %w", value, err)
	}
	*b = bodySize(n)
	return nil
}

// specification is the FOYER_* process environment.
type specification struct {
	Port          int      `default:"8080"`
	InternalPort  int      `split_words:"true" default:"9090"`
	AppsDir       string   `split_words:"true" default:"./apps"`
	MaxBodySize   bodySize `split_words:"true" default:"100mb"`
	PoolSize      int      `split_words:"true" default:"10"`
	MaxPoolSize   int      `split_words:"true" default:"64"`
	Stage         string   `default:"development"`
	WorkerCommand string   `split_words:"true" default:"foyer-worker"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("foyerd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg specification
	if err := envconfig.Process("foyer", &cfg); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	logger := newLogger(cfg.Stage)
	slog.SetDefault(logger)
	foyer.SetLogger(logger.With("component", "foyer"))

	poolSize := cfg.PoolSize
	if poolSize > cfg.MaxPoolSize {
		logger.Warn("pool size clamped", "requested", poolSize, "max", cfg.MaxPoolSize)
		poolSize = cfg.MaxPoolSize
	}

	srv, err := foyer.NewServer(
		foyer.WithAppsDir(cfg.AppsDir),
		foyer.WithPoolSize(poolSize),
		foyer.WithMaxBodySize(int64(cfg.MaxBodySize)),
		foyer.WithWorkerCommand(strings.Fields(cfg.WorkerCommand)...),
	)
	if err != nil {
		return err
	}

	public := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(),
	}
	internal := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.InternalPort),
		Handler: internalHandler(srv),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("public listener up", "addr", public.Addr, "appsDir", cfg.AppsDir, "stage", cfg.Stage)
		if err := public.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("public listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("internal listener up", "addr", internal.Addr)
		if err := internal.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("internal listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := public.Shutdown(sctx); err != nil {
			logger.Warn("public listener drain failed", "error", err)
		}
		if err := internal.Shutdown(sctx); err != nil {
			logger.Warn("internal listener drain failed", "error", err)
		}
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// newLogger builds the process logger: human-readable debug output in
// development, JSON at info level elsewhere.
func newLogger(stage string) *slog.Logger {
	if stage == "development" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// internalHandler serves the operator surface: liveness, prometheus
// metrics, and the pool's JSON introspection endpoints.
func internalHandler(srv *foyer.Server) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		srv.Collector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /workers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, srv.WorkerStats())
	})
	mux.HandleFunc("GET /poolstats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, srv.Metrics())
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode introspection response", "error", err)
	}
}
