package foyer

import (
	"fmt"
	"time"

	"github.com/foyerhq/foyer/internal/plugin"
)

// requirePositive panics if v <= 0 with a descriptive message.
func requirePositive[T int | int64 | time.Duration](name string, v T) {
	if v <= 0 {
		panic(fmt.Sprintf("foyer: %s must be greater than 0, got %v", name, v))
	}
}

// requireNonEmpty panics if s is empty with a descriptive message.
func requireNonEmpty(name, s string) {
	if s == "" {
		panic(fmt.Sprintf("foyer: %s must not be empty", name))
	}
}

// Option configures a Server during construction via NewServer.
// Each With* function returns an Option that sets a specific field.
//
// Several With* functions panic on invalid input (non-positive sizes,
// empty paths, non-positive durations). These panics are intentional:
// option values are typically compile-time constants or package-level
// variables, so an invalid value indicates a programmer error rather than
// a runtime condition. The pattern mirrors [regexp.MustCompile] — fail
// fast during initialization instead of returning errors that would be
// universally fatal anyway.
type Option func(*serverConfig)

type serverConfig struct {
	AppsDir        string
	DataDir        string
	PoolSize       int
	MaxBodySize    int64
	WorkerCommand  []string
	InstallCommand []string
	InstallTimeout time.Duration
	ConfigCacheTTL time.Duration
	MetricsWindow  int

	// StartupInBudget makes the request deadline cover the readiness wait
	// of the first request on a fresh worker.
	StartupInBudget bool
	ReadyTimeout    time.Duration
	TerminateGrace  time.Duration
	RetireTimeout   time.Duration

	Plugins []plugin.Plugin
}

// WithAppsDir sets the directory scanned for deployed applications.
//
// Default: DefaultAppsDir.
//
// Panics if dir is empty.
func WithAppsDir(dir string) Option {
	requireNonEmpty("apps dir", dir)
	return func(c *serverConfig) {
		c.AppsDir = dir
	}
}

// WithDataDir sets the directory receiving per-worker stderr logs and
// install markers.
//
// Default: DefaultDataDirName under the system temp directory.
//
// Panics if dir is empty.
func WithDataDir(dir string) Option {
	requireNonEmpty("data dir", dir)
	return func(c *serverConfig) {
		c.DataDir = dir
	}
}

// WithPoolSize sets the number of warm workers kept in the LRU pool. When
// a spawn would exceed it, the least recently used worker is evicted.
//
// Default: DefaultPoolSize.
//
// Panics if size <= 0.
func WithPoolSize(size int) Option {
	requirePositive("pool size", size)
	return func(c *serverConfig) {
		c.PoolSize = size
	}
}

// WithMaxBodySize sets the runtime-wide request body cap in bytes. Apps
// inherit it as their default body limit and cannot configure past it.
//
// Default: DefaultMaxBodySize.
//
// Panics if n <= 0.
func WithMaxBodySize(n int64) Option {
	requirePositive("max body size", n)
	return func(c *serverConfig) {
		c.MaxBodySize = n
	}
}

// WithWorkerCommand sets the command line used to start worker processes.
// The app directory is appended as the final argument.
//
// Default: DefaultWorkerCommand.
//
// Panics if argv is empty or its first element is empty.
func WithWorkerCommand(argv ...string) Option {
	if len(argv) == 0 {
		panic("foyer: worker command must not be empty")
	}
	requireNonEmpty("worker command", argv[0])
	command := append([]string{}, argv...)
	return func(c *serverConfig) {
		c.WorkerCommand = command
	}
}

// WithInstallCommand sets the command run in an app directory before the
// first spawn when the app opts into autoInstall. The install runs at
// most once per manifest content, guarded by a cross-process lock.
//
// Default: "npm install".
//
// Panics if argv is empty or its first element is empty.
func WithInstallCommand(argv ...string) Option {
	if len(argv) == 0 {
		panic("foyer: install command must not be empty")
	}
	requireNonEmpty("install command", argv[0])
	command := append([]string{}, argv...)
	return func(c *serverConfig) {
		c.InstallCommand = command
	}
}

// WithInstallTimeout bounds one dependency install run.
//
// Default: install.DefaultTimeout (5 minutes).
//
// Panics if d <= 0.
func WithInstallTimeout(d time.Duration) Option {
	requirePositive("install timeout", d)
	return func(c *serverConfig) {
		c.InstallTimeout = d
	}
}

// WithConfigCacheTTL sets how long parsed app configurations are served
// before the app directory is re-read. Lower values pick up manifest
// edits faster at the cost of re-parsing.
//
// Default: DefaultConfigCacheTTL.
//
// Panics if d <= 0.
func WithConfigCacheTTL(d time.Duration) Option {
	requirePositive("config cache ttl", d)
	return func(c *serverConfig) {
		c.ConfigCacheTTL = d
	}
}

// WithMetricsWindow sets the number of response-time samples kept for the
// rolling average.
//
// Default: 100.
//
// Panics if n <= 0.
func WithMetricsWindow(n int) Option {
	requirePositive("metrics window", n)
	return func(c *serverConfig) {
		c.MetricsWindow = n
	}
}

// WithTimeoutIncludesStartup controls how the first request on a fresh
// worker is charged for startup. When true (the default), the app's
// request timeout covers the readiness wait, so a slow cold start can
// consume the whole budget. When false, readiness gets its own window set
// by WithReadyTimeout and the request timeout only covers the round trip.
func WithTimeoutIncludesStartup(include bool) Option {
	return func(c *serverConfig) {
		c.StartupInBudget = include
	}
}

// WithReadyTimeout bounds the wait for a fresh worker's READY signal when
// startup is excluded from the request budget (see
// WithTimeoutIncludesStartup).
//
// Default: 10 seconds.
//
// Panics if d <= 0.
func WithReadyTimeout(d time.Duration) Option {
	requirePositive("ready timeout", d)
	return func(c *serverConfig) {
		c.ReadyTimeout = d
	}
}

// WithTerminateGrace sets the voluntary-exit window a worker gets after
// the TERMINATE message before it is killed.
//
// Default: 50 milliseconds.
//
// Panics if d <= 0.
func WithTerminateGrace(d time.Duration) Option {
	requirePositive("terminate grace", d)
	return func(c *serverConfig) {
		c.TerminateGrace = d
	}
}

// WithRetireTimeout bounds each out-of-band worker termination (eviction,
// staleness, shutdown).
//
// Default: 10 seconds.
//
// Panics if d <= 0.
func WithRetireTimeout(d time.Duration) Option {
	requirePositive("retire timeout", d)
	return func(c *serverConfig) {
		c.RetireTimeout = d
	}
}

// WithPlugins appends plugins to the dispatch chain, in the given order.
// Request hooks, response hooks and mounted routes all run in that order.
func WithPlugins(plugins ...Plugin) Option {
	return func(c *serverConfig) {
		c.Plugins = append(c.Plugins, plugins...)
	}
}
