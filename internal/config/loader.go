package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Limits are the runtime-wide guards applied to every app's configuration.
// Both values come from server options or the process environment.
type Limits struct {
	// DefaultBodySize is inherited by apps that do not set maxBodySize.
	DefaultBodySize int64
	// MaxBodySize silently caps any configured body size. Zero disables
	// the cap.
	MaxBodySize int64
}

// DefaultCacheTTL bounds how long a parsed configuration is served before
// the app directory is re-read.
const DefaultCacheTTL = 30 * time.Second

// Loader reads, layers, validates and memoizes per-app worker
// configuration. The dispatcher consults it on every request, so parsed
// results are cached per directory with a TTL rather than re-reading three
// files per request. Safe for concurrent use.
type Loader struct {
	limits Limits
	cache  *ttlcache.Cache[string, WorkerConfig]
}

// NewLoader returns a Loader caching parsed configs for cacheTTL
// (DefaultCacheTTL when zero or negative). Callers own the Loader and must
// Close it to stop the expiry loop.
func NewLoader(limits Limits, cacheTTL time.Duration) *Loader {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, WorkerConfig](cacheTTL),
		// Configs must go stale cacheTTL after parsing, not after the
		// last hit; a hot app would otherwise never see manifest edits.
		ttlcache.WithDisableTouchOnHit[string, WorkerConfig](),
	)
	go cache.Start()
	return &Loader{limits: limits, cache: cache}
}

// Close stops the cache expiry loop.
func (l *Loader) Close() {
	l.cache.Stop()
}

// Forget drops the cached configuration for dir so the next Load re-reads
// the directory. Used after deploys.
func (l *Loader) Forget(dir string) {
	if abs, err := filepath.Abs(dir); err == nil {
		l.cache.Delete(abs)
	}
}

// Load returns the effective worker configuration for an app directory.
//
// Precedence, highest first: manifest.yaml, the "foyer" block in
// package.json, built-in defaults; merged key by key. The .env file merges
// into the env map last and wins per variable. Validation failures are
// joined and wrapped in ErrInvalid. Only successful loads are cached, so a
// broken manifest is re-read (and re-reported) until fixed.
func (l *Loader) Load(dir string) (WorkerConfig, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return WorkerConfig{}, fmt.Errorf("resolve app dir %s: %w", dir, err)
	}
	if item := l.cache.Get(abs); item != nil {
		return item.Value(), nil
	}

	cfg, err := l.load(abs)
	if err != nil {
		return WorkerConfig{}, err
	}
	l.cache.Set(abs, cfg, ttlcache.DefaultTTL)
	return cfg, nil
}

func (l *Loader) load(dir string) (WorkerConfig, error) {
	cfg := WorkerConfig{
		Timeout:     DefaultTimeout,
		IdleTimeout: DefaultIdleTimeout,
		TTL:         DefaultTTL,
		MaxRequests: DefaultMaxRequests,
		MaxBodySize: l.limits.DefaultBodySize,
	}

	pkg, err := readPackage(dir)
	if err != nil {
		return WorkerConfig{}, err
	}
	if pkg != nil {
		pkg.Foyer.applyTo(&cfg)
	}

	manifest, err := readManifest(dir)
	if err != nil {
		return WorkerConfig{}, err
	}
	manifest.applyTo(&cfg)

	fileEnv, err := ParseEnvFile(filepath.Join(dir, EnvFileName))
	if err != nil {
		return WorkerConfig{}, err
	}
	if len(fileEnv) > 0 && cfg.Env == nil {
		cfg.Env = make(map[string]string, len(fileEnv))
	}
	for k, v := range fileEnv {
		cfg.Env[k] = v
	}

	if cfg.Entrypoint == "" && pkg != nil {
		cfg.Entrypoint = pkg.Main
	}

	if err := cfg.Validate(); err != nil {
		return WorkerConfig{}, fmt.Errorf("%w for %s: %w", ErrInvalid, dir, err)
	}
	cfg.normalize(l.limits)

	return cfg, nil
}
