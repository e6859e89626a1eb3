// Package dispatch is the front door's hot path: it takes an inbound HTTP
// request, stamps a correlation id, applies the origin check and the body
// cap, resolves the target app, runs the plugin hooks, and forwards the
// request to the worker pool.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/foyerhq/foyer/internal/appid"
	"github.com/foyerhq/foyer/internal/config"
	"github.com/foyerhq/foyer/internal/ipc"
	"github.com/foyerhq/foyer/internal/logging"
	"github.com/foyerhq/foyer/internal/plugin"
	"github.com/foyerhq/foyer/internal/pool"
	"github.com/foyerhq/foyer/internal/sentinel"
	"github.com/foyerhq/foyer/internal/worker"
)

// ErrBodyTooLarge is returned when a request body exceeds the app's cap.
// The dispatcher maps it to 413 before any worker is selected.
const ErrBodyTooLarge = sentinel.Error("request body too large")

// RequestIDHeader carries the correlation id, echoed from the caller or
// minted per request, and stamped on every response including errors.
const RequestIDHeader = "X-Request-Id"

// InternalHeader marks trusted server-to-server traffic, exempt from the
// origin check.
const InternalHeader = "X-Internal"

// Pool is the worker pool surface the dispatcher uses.
type Pool interface {
	Fetch(ctx context.Context, dir string, cfg config.WorkerConfig, req ipc.Request) (ipc.Response, error)
}

// ConfigLoader yields the effective worker configuration for an app dir.
type ConfigLoader interface {
	Load(dir string) (config.WorkerConfig, error)
}

// Options configures a Dispatcher.
type Options struct {
	// Resolver maps app names to deployed directories. Required.
	Resolver *Resolver
	// Loader provides per-app configuration. Required.
	Loader ConfigLoader
	// Pool serves the resolved requests. Required.
	Pool Pool
	// Plugins is the hook chain. A nil chain runs no hooks.
	Plugins *plugin.Chain
}

// Dispatcher routes inbound requests to workers. Create one with New and
// serve its Handler.
type Dispatcher struct {
	resolver *Resolver
	loader   ConfigLoader
	pool     Pool
	plugins  *plugin.Chain
	router   *mux.Router
}

// New builds a Dispatcher. Panics when a required collaborator is nil;
// these are programmer errors.
func New(opts Options) *Dispatcher {
	if opts.Resolver == nil {
		panic("foyer: dispatcher resolver must not be nil")
	}
	if opts.Loader == nil {
		panic("foyer: dispatcher config loader must not be nil")
	}
	if opts.Pool == nil {
		panic("foyer: dispatcher pool must not be nil")
	}
	if opts.Plugins == nil {
		opts.Plugins = plugin.NewChain()
	}

	d := &Dispatcher{
		resolver: opts.Resolver,
		loader:   opts.Loader,
		pool:     opts.Pool,
		plugins:  opts.Plugins,
	}

	r := mux.NewRouter()
	d.plugins.Mount(r) // plugin routes match before the app catch-alls
	r.HandleFunc("/{app}", d.handleApp)
	r.PathPrefix("/{app}/").HandlerFunc(d.handleApp)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, requestID(r), http.StatusNotFound, "app_not_found", "no application matches this path")
	})
	d.router = r
	return d
}

// Handler returns the full middleware stack: correlation id, panic
// recovery, access logging, origin check, then routing.
func (d *Dispatcher) Handler() http.Handler {
	return withRequestID(d.recoverPanics(d.logAccess(d.checkOrigin(d.router))))
}

type ctxKey int

const requestIDKey ctxKey = 0

// requestID returns the correlation id attached to the request context,
// falling back to the inbound header for handlers outside the stack.
func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return r.Header.Get(RequestIDHeader)
}

// withRequestID echoes the caller's correlation id or mints one, and makes
// it available to every layer below via the request context.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (d *Dispatcher) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logging.Logger().Error("panic serving request",
					"requestId", requestID(r), "path", r.URL.Path,
					"panic", v, "stack", string(debug.Stack()))
				writeError(w, requestID(r), http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (d *Dispatcher) logAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		logging.Logger().Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"durationMs", time.Since(start).Milliseconds(),
			"requestId", requestID(r))
	})
}

// checkOrigin enforces the cross-origin rule for state-changing methods:
// an Origin header is required unless the internal marker is present, and
// a present Origin must be a plain http(s) origin matching the Host.
func (d *Dispatcher) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			if reason, ok := originRejection(r); !ok {
				writeError(w, requestID(r), http.StatusForbidden, "forbidden", reason)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// originRejection reports whether the request passes the origin check, and
// the reason when it does not.
func originRejection(r *http.Request) (string, bool) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		if r.Header.Get(InternalHeader) != "" {
			return "", true
		}
		return "missing Origin header on a state-changing request", false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "malformed Origin header", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "Origin scheme must be http or https", false
	}
	if u.User != nil {
		return "Origin must not carry credentials", false
	}
	if u.Host != r.Host {
		return "Origin host does not match request host", false
	}
	return "", true
}

// handleApp is the terminal handler for /{app} and /{app}/...: resolve,
// load config, cap the body, run hooks, fetch, answer.
func (d *Dispatcher) handleApp(w http.ResponseWriter, r *http.Request) {
	id := requestID(r)
	name := mux.Vars(r)["app"]

	dir, err := d.resolver.Resolve(name)
	if err != nil {
		d.writeFailure(w, id, name, err)
		return
	}
	cfg, err := d.loader.Load(dir)
	if err != nil {
		d.writeFailure(w, id, name, err)
		return
	}
	key, err := appid.FromDir(dir)
	if err != nil {
		d.writeFailure(w, id, name, err)
		return
	}

	body, err := readBody(r.Body, cfg.MaxBodySize)
	if err != nil {
		d.writeFailure(w, id, key.String(), err)
		return
	}

	req := ipc.Request{
		Method:  r.Method,
		URL:     appURL(r, name),
		Headers: flattenHeaders(r.Header, id),
		Body:    body,
	}

	ctx, cancel := context.WithTimeout(r.Context(), cfg.Timeout)
	defer cancel()

	resp, err := d.plugins.OnRequest(ctx, key.String(), &req)
	if err != nil {
		d.writeFailure(w, id, key.String(), err)
		return
	}
	if resp == nil {
		pooled, err := d.pool.Fetch(ctx, dir, cfg, req)
		if err != nil {
			d.writeFailure(w, id, key.String(), err)
			return
		}
		resp = &pooled
	}

	if err := d.plugins.OnResponse(ctx, key.String(), &req, resp); err != nil {
		d.writeFailure(w, id, key.String(), err)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set(RequestIDHeader, id)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// appURL strips the app name segment so the worker sees paths rooted at
// its own application, query string preserved.
func appURL(r *http.Request, name string) string {
	path := strings.TrimPrefix(r.URL.Path, "/"+name)
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	return path
}

// flattenHeaders converts the multi-valued header map to the single-valued
// wire form, joining repeated headers and stamping the correlation id.
func flattenHeaders(h http.Header, id string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	out[RequestIDHeader] = id
	return out
}

// readBody pre-reads up to max bytes. A body of exactly max bytes is
// accepted; one more byte fails with ErrBodyTooLarge. The returned buffer
// is handed to the worker unchanged.
func readBody(rc io.ReadCloser, max int64) ([]byte, error) {
	if rc == nil {
		return nil, nil
	}
	defer rc.Close()
	if max <= 0 {
		return io.ReadAll(rc)
	}
	buf, err := io.ReadAll(io.LimitReader(rc, max+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(buf)) > max {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, max)
	}
	if len(buf) == 0 {
		return nil, nil
	}
	return buf, nil
}

// writeFailure maps an internal error to its HTTP form and logs the server
// side of the story. Only the operator log sees the raw error; worker and
// pool errors carry filesystem paths that must not reach clients.
func (d *Dispatcher) writeFailure(w http.ResponseWriter, id, app string, err error) {
	status, code := httpStatus(err)
	if status >= http.StatusInternalServerError {
		logging.Logger().Error("request failed", "app", app, "requestId", id, "error", err)
	} else {
		logging.Logger().Debug("request rejected", "app", app, "requestId", id, "error", err)
	}
	writeError(w, id, status, code, failureReason(code))
}

// failureReason is the client-facing message for an error code.
func failureReason(code string) string {
	switch code {
	case "timeout":
		return "the application did not respond in time"
	case "worker_crashed":
		return "the application process exited unexpectedly"
	case "spawn_failed":
		return "the application process could not be started"
	case "worker_unavailable":
		return "the application is not accepting requests"
	case "shutting_down":
		return "the server is shutting down"
	case "key_collision":
		return "two applications resolve to the same identity"
	case "invalid_config":
		return "the application configuration is invalid"
	case "app_not_found":
		return "no application matches this path"
	case "body_too_large":
		return "the request body exceeds the configured limit"
	case "app_error":
		return "the application reported an error"
	default:
		return "internal server error"
	}
}

// httpStatus maps the pool and worker error taxonomy onto status codes.
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, worker.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, worker.ErrCrashed):
		return http.StatusBadGateway, "worker_crashed"
	case errors.Is(err, worker.ErrSpawnFailed):
		return http.StatusBadGateway, "spawn_failed"
	case errors.Is(err, worker.ErrUnavailable):
		return http.StatusServiceUnavailable, "worker_unavailable"
	case errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, pool.ErrKeyCollision):
		return http.StatusInternalServerError, "key_collision"
	case errors.Is(err, config.ErrInvalid):
		return http.StatusInternalServerError, "invalid_config"
	case errors.Is(err, ErrAppNotFound):
		return http.StatusNotFound, "app_not_found"
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "body_too_large"
	case errors.Is(err, worker.ErrAppFailure):
		return http.StatusInternalServerError, "app_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// errorBody is the JSON error envelope returned for every failure.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

func writeError(w http.ResponseWriter, id string, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(RequestIDHeader, id)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: message, RequestID: id})
}
