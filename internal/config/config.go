// Package config loads per-application worker configuration. Each deployed
// app directory may carry a manifest.yaml, a runtime block embedded in its
// package.json, and a .env file; the loader merges them over built-in
// defaults and validates the result.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foyerhq/foyer/internal/sentinel"
)

// ErrInvalid wraps every configuration validation failure so callers can
// classify them with errors.Is while still seeing the full joined detail.
const ErrInvalid = sentinel.Error("invalid worker configuration")

// Defaults applied when neither the manifest nor the package block sets a key.
const (
	// DefaultTimeout bounds a single request round trip to a worker.
	DefaultTimeout = 30 * time.Second
	// DefaultIdleTimeout retires a worker that has not served a request.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultTTL of 0 makes workers ephemeral: one process per request,
	// never cached.
	DefaultTTL = 0 * time.Second
	// DefaultMaxRequests recycles a worker after this many requests.
	DefaultMaxRequests = 1000
)

// WorkerConfig is the effective configuration for one application's workers.
// All fields are immutable after Load; worker instances capture the value
// they were spawned with and never observe later edits.
type WorkerConfig struct {
	// Entrypoint is the app's entry file relative to its directory. Empty
	// means the worker command applies its own discovery.
	Entrypoint string

	// Timeout bounds one request round trip, including worker startup
	// unless the server is configured otherwise.
	Timeout time.Duration

	// IdleTimeout retires a worker that has served no request for this long.
	IdleTimeout time.Duration

	// TTL is the maximum lifetime of a worker process. Zero disables
	// pooling entirely: every request gets a fresh process.
	TTL time.Duration

	// MaxRequests recycles a worker after it has served this many requests.
	MaxRequests int

	// MaxBodySize rejects request bodies larger than this many bytes.
	// Inherited from the runtime default and silently capped at the
	// runtime maximum.
	MaxBodySize int64

	// LowMemory asks the worker command to start the child in a reduced
	// memory profile. Advisory.
	LowMemory bool

	// AutoInstall runs the configured install command once per app
	// directory before the first spawn.
	AutoInstall bool

	// PublicRoutes maps an upper-case HTTP method ("*" for any) to path
	// patterns reachable without authentication. Consumed by auth plugins;
	// the dispatcher itself does not enforce it.
	PublicRoutes map[string][]string

	// Env is the extra environment passed to worker processes, after
	// merging the manifest env block with the app's .env file.
	Env map[string]string

	// InjectBase asks the serving shell to inject a <base> element into
	// HTML responses. Consumed by the shell, not by the dispatcher.
	InjectBase bool
}

// Ephemeral reports whether workers for this app bypass the pool cache.
func (c WorkerConfig) Ephemeral() bool {
	return c.TTL == 0
}

// Validate checks all WorkerConfig invariants and returns an error
// describing every violation found, joined with errors.Join so operators
// can fix a broken manifest in one pass. The silent adjustments (idle
// clamp, body-size cap) are not errors and happen in normalize afterwards.
func (c WorkerConfig) Validate() error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be greater than 0, got %s", c.Timeout))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle timeout must be greater than 0, got %s", c.IdleTimeout))
	}
	if c.TTL < 0 {
		errs = append(errs, fmt.Errorf("ttl must not be negative, got %s", c.TTL))
	}
	if c.TTL > 0 {
		if c.TTL < c.Timeout {
			errs = append(errs, fmt.Errorf("ttl %s must be at least the request timeout %s", c.TTL, c.Timeout))
		}
		if c.IdleTimeout < c.Timeout {
			errs = append(errs, fmt.Errorf("idle timeout %s must be at least the request timeout %s", c.IdleTimeout, c.Timeout))
		}
	}

	return errors.Join(errs...)
}

// normalize applies the silent adjustments that run after validation:
// an idle timeout longer than a positive ttl is clamped to the ttl, and the
// body size is capped at the runtime maximum.
func (c *WorkerConfig) normalize(limits Limits) {
	if c.TTL > 0 && c.IdleTimeout > c.TTL {
		c.IdleTimeout = c.TTL
	}
	if limits.MaxBodySize > 0 && c.MaxBodySize > limits.MaxBodySize {
		c.MaxBodySize = limits.MaxBodySize
	}
}

// IsPublicRoute reports whether method+path matches the app's public route
// patterns. A pattern ending in "/*" matches the prefix before the star;
// anything else must match exactly. Method keys are upper-case, "*" matches
// any method.
func (c WorkerConfig) IsPublicRoute(method, path string) bool {
	if len(c.PublicRoutes) == 0 {
		return false
	}
	match := func(patterns []string) bool {
		for _, p := range patterns {
			if pre, ok := strings.CutSuffix(p, "/*"); ok {
				if path == pre || strings.HasPrefix(path, pre+"/") {
					return true
				}
				continue
			}
			if path == p {
				return true
			}
		}
		return false
	}
	if match(c.PublicRoutes[strings.ToUpper(method)]) {
		return true
	}
	return match(c.PublicRoutes["*"])
}
