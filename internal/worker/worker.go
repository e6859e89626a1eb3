package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/foyerhq/foyer/internal/config"
	"github.com/foyerhq/foyer/internal/ipc"
	"github.com/foyerhq/foyer/internal/logging"
	"github.com/foyerhq/foyer/internal/process"
	"github.com/foyerhq/foyer/internal/sentinel"
)

// ErrTimeout is returned by Fetch when the worker does not produce a
// response within the request deadline.
const ErrTimeout = sentinel.Error("request timed out")

// ErrCrashed is returned by Fetch when the worker process exits before
// responding.
const ErrCrashed = sentinel.Error("worker crashed")

// ErrUnavailable is returned by Fetch on a retiring or terminated instance.
const ErrUnavailable = sentinel.Error("worker is not accepting requests")

// ErrSpawnFailed is returned by Start when the worker process cannot be
// launched.
const ErrSpawnFailed = sentinel.Error("worker spawn failed")

// ErrAppFailure wraps an ERROR frame reported by the worker for a single
// request. The worker itself stays usable.
const ErrAppFailure = sentinel.Error("application error")

// DefaultTerminateGrace is how long Terminate waits for a voluntary exit
// after the TERMINATE advisory before force-killing the child.
const DefaultTerminateGrace = 50 * time.Millisecond

// DefaultTerminateTimeout bounds the whole Terminate sequence.
const DefaultTerminateTimeout = 5 * time.Second

// DefaultReadyTimeout bounds the READY wait when the request timeout does
// not cover worker startup (see Options.StartupInBudget).
const DefaultReadyTimeout = 10 * time.Second

// Environment variables passed to every worker process.
const (
	// EnvAppDir is the absolute path of the application directory.
	EnvAppDir = "APP_DIR"
	// EnvEntrypoint is the resolved entry file path, empty when the worker
	// command applies its own discovery.
	EnvEntrypoint = "FOYER_ENTRYPOINT"
	// EnvInstanceID is the unique numeric id of this instance.
	EnvInstanceID = "FOYER_INSTANCE_ID"
	// EnvLowMemory is set to "1" when the app requests low-memory mode.
	EnvLowMemory = "FOYER_LOW_MEMORY"
)

// State is a worker lifecycle state. Serving is derived (a Ready instance
// with in-flight requests); the stored state only moves forward:
// Starting → Ready → Retiring → Terminated.
type State int32

const (
	// StateStarting means the child is spawned but has not sent READY.
	StateStarting State = iota
	// StateReady means the child accepts requests.
	StateReady
	// StateServing is StateReady with at least one request in flight.
	StateServing
	// StateRetiring rejects new requests; in-flight ones may still finish.
	StateRetiring
	// StateTerminated means the child has exited.
	StateTerminated
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateServing:
		return "serving"
	case StateRetiring:
		return "retiring"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status is the coarse classification reported by Stats.
type Status string

const (
	// StatusActive means requests are in flight right now.
	StatusActive Status = "ACTIVE"
	// StatusIdle means the worker is cached and waiting.
	StatusIdle Status = "IDLE"
	// StatusEphemeral marks a single-shot worker (TTL zero).
	StatusEphemeral Status = "EPHEMERAL"
	// StatusRetiring means the worker no longer accepts requests.
	StatusRetiring Status = "RETIRING"
)

// Stats is one observation of a live instance.
type Stats struct {
	Key          string        `json:"key"`
	InstanceID   int64         `json:"instanceId"`
	Age          time.Duration `json:"age"`
	Idle         time.Duration `json:"idle"`
	RequestCount int64         `json:"requestCount"`
	Status       Status        `json:"status"`
}

// Options configures one Instance. Key, Dir, DataDir and Command are
// required; zero durations fall back to the package defaults.
type Options struct {
	// Key is the app's canonical "name@version" identity.
	Key string
	// ID is the pool-assigned monotonic instance id.
	ID int64
	// Dir is the application directory; it becomes the child's working
	// directory and APP_DIR.
	Dir string
	// DataDir receives the per-instance stderr log.
	DataDir string
	// Command is the worker wrapper argv. The app directory is appended as
	// the final argument.
	Command []string
	// Config is the app's effective worker configuration.
	Config config.WorkerConfig

	// TerminateGrace is the voluntary-exit window after TERMINATE.
	TerminateGrace time.Duration
	// TerminateTimeout bounds the whole Terminate sequence.
	TerminateTimeout time.Duration
	// ReadyTimeout bounds the READY wait when StartupInBudget is false.
	ReadyTimeout time.Duration
	// StartupInBudget makes the request deadline cover the READY wait of
	// the first request. When false, readiness gets its own ReadyTimeout.
	StartupInBudget bool
}

// outcome is one resolved request: a response or a typed error.
type outcome struct {
	resp ipc.Response
	err  error
}

// Instance is one live worker. It exclusively owns the child process, the
// IPC pipes, and the pending-request table; dropping an instance through
// Terminate releases all three.
//
// Synchronization: pending is guarded by mu; counters and lastUsed are
// atomics; the stored lifecycle state is an atomic that only advances.
// exactly one reader goroutine decodes the child's stdout.
type Instance struct {
	key  string
	id   int64
	dir  string
	cfg  config.WorkerConfig
	opts Options

	proc  *process.Handle
	stdin io.WriteCloser
	enc   *ipc.Encoder

	// ready is closed by the reader on the first READY frame.
	ready     chan struct{}
	readyOnce sync.Once

	state    atomic.Int32
	inflight atomic.Int64

	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanos
	requests  atomic.Int64
	latency   atomic.Int64 // summed response nanos

	mu      sync.Mutex
	pending map[string]chan outcome

	idleOnce sync.Once
	termOnce sync.Once
	termErr  error

	log *slog.Logger
}

// Start spawns the worker process and returns immediately; readiness is
// awaited by the first Fetch. Programmer errors (missing key, directory or
// command) panic; spawn failures return an error wrapping ErrSpawnFailed.
func Start(opts Options) (*Instance, error) {
	if opts.Key == "" {
		panic("foyer: worker key must not be empty")
	}
	if opts.Dir == "" {
		panic("foyer: worker app dir must not be empty")
	}
	if opts.DataDir == "" {
		panic("foyer: worker data dir must not be empty")
	}
	if len(opts.Command) == 0 {
		panic("foyer: worker command must not be empty")
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = DefaultTerminateGrace
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = DefaultTerminateTimeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}

	absDir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve app dir %s: %v", ErrSpawnFailed, opts.Dir, err)
	}

	args := append(append([]string{}, opts.Command[1:]...), absDir)
	cmd := exec.Command(opts.Command[0], args...)
	cmd.Dir = absDir
	cmd.Env = workerEnv(absDir, opts)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}

	log := logging.Logger().With("app", opts.Key, "instance", opts.ID)
	proc, err := process.Start(cmd, opts.DataDir, fmt.Sprintf("worker-%d", opts.ID), log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	i := &Instance{
		key:       opts.Key,
		id:        opts.ID,
		dir:       absDir,
		cfg:       opts.Config,
		opts:      opts,
		proc:      proc,
		stdin:     stdin,
		enc:       ipc.NewEncoder(stdin),
		ready:     make(chan struct{}),
		createdAt: time.Now(),
		pending:   make(map[string]chan outcome),
		log:       log,
	}
	i.lastUsed.Store(i.createdAt.UnixNano())

	go i.readLoop(ipc.NewDecoder(stdout))

	i.log.Debug("worker spawned", "pid", proc.Pid(), "dir", absDir)
	return i, nil
}

// workerEnv builds the child environment: parent env, then the app's
// merged env block, then the reserved FOYER variables, which always win.
func workerEnv(absDir string, opts Options) []string {
	env := os.Environ()
	for k, v := range opts.Config.Env {
		env = append(env, k+"="+v)
	}
	entry := ""
	if opts.Config.Entrypoint != "" {
		entry = filepath.Join(absDir, opts.Config.Entrypoint)
	}
	env = append(env,
		EnvAppDir+"="+absDir,
		EnvEntrypoint+"="+entry,
		fmt.Sprintf("%s=%d", EnvInstanceID, opts.ID),
	)
	if opts.Config.LowMemory {
		env = append(env, EnvLowMemory+"=1")
	}
	return env
}

// State returns the current lifecycle state. Serving is derived from the
// in-flight count so it never races the stored state.
func (i *Instance) State() State {
	s := State(i.state.Load())
	if s == StateReady && i.inflight.Load() > 0 {
		return StateServing
	}
	return s
}

// advance moves the stored state forward to s. States only progress, so a
// concurrent later transition is kept rather than overwritten.
func (i *Instance) advance(s State) {
	for {
		cur := i.state.Load()
		if cur >= int32(s) {
			return
		}
		if i.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Retiring reports whether the instance has stopped accepting requests.
func (i *Instance) Retiring() bool {
	return State(i.state.Load()) >= StateRetiring
}

// Touch updates the last-used timestamp.
func (i *Instance) Touch() {
	i.lastUsed.Store(time.Now().UnixNano())
}

// idleFor returns how long the instance has been unused.
func (i *Instance) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, i.lastUsed.Load()))
}

// Healthy reports whether the instance may serve further requests: not
// retiring, within its TTL and idle window, and under its request budget.
func (i *Instance) Healthy() bool {
	if s := State(i.state.Load()); s == StateRetiring || s == StateTerminated {
		return false
	}
	now := time.Now()
	if i.cfg.TTL > 0 && now.Sub(i.createdAt) >= i.cfg.TTL {
		return false
	}
	if i.idleFor(now) >= i.cfg.IdleTimeout {
		return false
	}
	return i.requests.Load() < int64(i.cfg.MaxRequests)
}

// Stats returns one observation of the instance.
func (i *Instance) Stats() Stats {
	now := time.Now()
	return Stats{
		Key:          i.key,
		InstanceID:   i.id,
		Age:          now.Sub(i.createdAt),
		Idle:         i.idleFor(now),
		RequestCount: i.requests.Load(),
		Status:       i.status(),
	}
}

func (i *Instance) status() Status {
	switch {
	case State(i.state.Load()) >= StateRetiring:
		return StatusRetiring
	case i.cfg.Ephemeral():
		return StatusEphemeral
	case i.inflight.Load() > 0:
		return StatusActive
	default:
		return StatusIdle
	}
}

// Totals returns the cumulative request count and summed response time,
// accumulated into the pool's historical stats when the instance retires.
func (i *Instance) Totals() (requests int64, total time.Duration) {
	return i.requests.Load(), time.Duration(i.latency.Load())
}

// Fetch sends one request to the worker and waits for its response.
//
// It fails with ErrUnavailable on a retiring or terminated instance, with
// ErrTimeout when the deadline on ctx expires first, and with ErrCrashed
// when the child exits before responding. A caller abort (context
// cancellation without deadline expiry) returns the context error and the
// worker's eventual response is dropped. Any failure on an ephemeral
// instance moves it to Retiring once the request is resolved.
func (i *Instance) Fetch(ctx context.Context, req ipc.Request) (ipc.Response, error) {
	if s := State(i.state.Load()); s == StateRetiring || s == StateTerminated {
		return ipc.Response{}, fmt.Errorf("%w: worker %s is %s", ErrUnavailable, i.key, s)
	}

	i.inflight.Add(1)
	defer i.inflight.Add(-1)

	if err := i.awaitReady(ctx); err != nil {
		return ipc.Response{}, i.resolve(err)
	}

	reqID := uuid.NewString()
	ch := make(chan outcome, 1)
	i.mu.Lock()
	i.pending[reqID] = ch
	i.mu.Unlock()
	defer i.dropWaiter(reqID)

	i.requests.Add(1)
	i.Touch()

	if err := i.enc.Encode(ipc.NewRequest(reqID, req)); err != nil {
		return ipc.Response{}, i.resolve(fmt.Errorf("%w: write request: %v", ErrCrashed, err))
	}
	start := time.Now()

	select {
	case out := <-ch:
		i.latency.Add(int64(time.Since(start)))
		i.Touch()
		if out.err != nil {
			return ipc.Response{}, i.resolve(out.err)
		}
		return out.resp, nil

	case <-i.proc.Exited():
		// The reader fails all pending waiters on exit; prefer its verdict
		// if it already resolved this request.
		select {
		case out := <-ch:
			if out.err != nil {
				return ipc.Response{}, i.resolve(out.err)
			}
			return out.resp, nil
		default:
		}
		return ipc.Response{}, i.resolve(i.crashErr())

	case <-ctx.Done():
		return ipc.Response{}, i.resolve(i.ctxErr(ctx.Err()))
	}
}

// resolve applies the ephemeral failure rule: a single-shot worker that
// failed a request is retired as soon as that request is resolved.
func (i *Instance) resolve(err error) error {
	if err != nil && i.cfg.Ephemeral() {
		i.advance(StateRetiring)
	}
	return err
}

// ctxErr maps a context error to the worker error taxonomy: an expired
// deadline is a request timeout, a plain cancellation is a caller abort
// and passes through unchanged.
func (i *Instance) ctxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: worker %s did not respond within %s", ErrTimeout, i.key, i.cfg.Timeout)
	}
	return err
}

// crashErr builds the ErrCrashed error pointing at the stderr log.
func (i *Instance) crashErr() error {
	return fmt.Errorf("%w: worker %s exited (see %s)", ErrCrashed, i.key, i.proc.StderrPath())
}

// awaitReady blocks until the child has sent READY. With StartupInBudget
// the caller's deadline is the only bound; otherwise a separate ready
// timer applies and the caller's context only signals an abort.
func (i *Instance) awaitReady(ctx context.Context) error {
	select {
	case <-i.ready:
		return nil
	default:
	}

	var readyC <-chan time.Time
	if !i.opts.StartupInBudget {
		t := time.NewTimer(i.opts.ReadyTimeout)
		defer t.Stop()
		readyC = t.C
	}

	select {
	case <-i.ready:
		return nil
	case <-i.proc.Exited():
		return fmt.Errorf("%w: worker %s exited before ready (see %s)",
			ErrCrashed, i.key, i.proc.StderrPath())
	case <-readyC:
		return fmt.Errorf("%w: worker %s not ready within %s",
			ErrTimeout, i.key, i.opts.ReadyTimeout)
	case <-ctx.Done():
		return i.ctxErr(ctx.Err())
	}
}

// dropWaiter removes a pending entry if it is still registered, so a late
// response finds no waiter and is dropped by the reader.
func (i *Instance) dropWaiter(reqID string) {
	i.mu.Lock()
	delete(i.pending, reqID)
	i.mu.Unlock()
}

// readLoop is the single goroutine decoding the child's stdout. It routes
// RESPONSE and ERROR frames to their waiters, resolves readiness, drops
// unmatched and unknown frames, and on stream end fails every pending
// request with ErrCrashed.
func (i *Instance) readLoop(dec *ipc.Decoder) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			break
		}
		switch msg.Type {
		case ipc.TypeReady:
			already := true
			i.readyOnce.Do(func() {
				already = false
				i.advance(StateReady)
				close(i.ready)
			})
			if already {
				i.log.Debug("duplicate READY ignored")
			}
		case ipc.TypeResponse:
			i.deliver(msg.ReqID, outcome{resp: msg.Response()})
		case ipc.TypeError:
			i.deliver(msg.ReqID, outcome{err: fmt.Errorf("%w: %s", ErrAppFailure, msg.Reason)})
		default:
			i.log.Debug("dropping unexpected frame", "type", string(msg.Type))
		}
	}

	crash := i.crashErr()
	i.mu.Lock()
	pending := i.pending
	i.pending = map[string]chan outcome{}
	i.mu.Unlock()
	for _, ch := range pending {
		ch <- outcome{err: crash}
	}

	if len(pending) > 0 {
		i.advance(StateRetiring)
		i.log.Warn("worker exited with pending requests", "pending", len(pending))
	}
	i.advance(StateTerminated)
}

// deliver hands an outcome to its waiter. An unmatched reqId means the
// caller already timed out or aborted; the frame is dropped.
func (i *Instance) deliver(reqID string, out outcome) {
	i.mu.Lock()
	ch, ok := i.pending[reqID]
	if ok {
		delete(i.pending, reqID)
	}
	i.mu.Unlock()
	if !ok {
		i.log.Debug("dropping late or unmatched response", "reqId", reqID)
		return
	}
	ch <- out
}

// NotifyIdle sends the one-time IDLE advisory. Best effort.
func (i *Instance) NotifyIdle() {
	i.idleOnce.Do(func() {
		if err := i.enc.Encode(ipc.Message{Type: ipc.TypeIdle}); err != nil {
			i.log.Debug("idle advisory not delivered", "error", err)
		}
	})
}

// Terminate retires the instance and stops the child: a best-effort
// TERMINATE advisory and stdin close, a grace window for a voluntary exit,
// then a kill. Idempotent; every path releases the process handle, the
// pipes, and the stderr log. The effective bound is the smaller of the
// context's remaining time and the configured terminate timeout.
func (i *Instance) Terminate(ctx context.Context) error {
	i.termOnce.Do(func() {
		i.advance(StateRetiring)

		if err := i.enc.Encode(ipc.Message{Type: ipc.TypeTerminate}); err != nil {
			i.log.Debug("terminate advisory not delivered", "error", err)
		}
		// Closing stdin is the durable shutdown signal: the child's read
		// loop sees EOF even if the advisory frame was lost.
		_ = i.stdin.Close()

		timeout := i.opts.TerminateTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if timeout <= 0 {
			timeout = time.Millisecond
		}

		i.termErr = i.proc.Shutdown(i.opts.TerminateGrace, timeout)
		i.proc.Close()
		i.advance(StateTerminated)
		i.log.Debug("worker terminated", "requests", i.requests.Load())
	})
	return i.termErr
}
