package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/foyerhq/foyer/internal/fileutil"
	"github.com/foyerhq/foyer/internal/sentinel"
)

// ErrNilCmd is returned when Start is called with a nil *exec.Cmd.
const ErrNilCmd = sentinel.Error("cmd must not be nil")

// ErrEmptyCmdPath is returned when Start is called with an empty cmd.Path.
const ErrEmptyCmdPath = sentinel.Error("cmd.Path must not be empty")

// ErrEmptyDataDir is returned when Start is called with an empty data directory.
const ErrEmptyDataDir = sentinel.Error("data directory must not be empty")

// DefaultShutdownTimeout is the fallback bound for the whole Shutdown
// sequence when the caller passes no explicit timeout.
const DefaultShutdownTimeout = 10 * time.Second

// killDrainTimeout is the hard upper bound for waiting on process exit
// after SIGKILL has been sent. SIGKILL cannot be caught, so the process
// should exit almost immediately; this is a safety net against cmd.Wait
// blocking on stuck I/O.
const killDrainTimeout = 10 * time.Second

// Handle owns one started worker process: the exec.Cmd, the single Wait
// goroutine, and the stderr log file. The worker's stdin and stdout belong
// to the IPC layer and must be wired as pipes before Start; Handle only
// routes stderr to a per-instance log file.
//
// Handle is single-use: Start one process, Shutdown or observe its exit,
// Close. Shutdown and Close serialize through the stopped flag, everything
// else is safe to call from any goroutine.
type Handle struct {
	cmd     *exec.Cmd
	exited  chan struct{} // closed after waitErr is set
	waitErr error         // cmd.Wait result; read only after exited is closed
	stderr  *os.File
	path    string // stderr log path
	name    string
	log     *slog.Logger
	stopped atomic.Bool
}

// Start launches cmd with stderr routed to "<name>-stderr.log" under
// dataDir, creating the directory if needed. The caller keeps ownership of
// cmd.Dir, cmd.Env, cmd.Stdin and cmd.Stdout; Start only touches Stderr and
// platform process attributes.
//
// Exactly one goroutine calling cmd.Wait is started here. cmd.Wait must be
// called once per process, so all exit observation goes through Exited and
// WaitErr instead of a second Wait.
func Start(cmd *exec.Cmd, dataDir, name string, logger *slog.Logger) (*Handle, error) {
	if cmd == nil {
		return nil, ErrNilCmd
	}
	if cmd.Path == "" {
		return nil, ErrEmptyCmdPath
	}
	if dataDir == "" {
		return nil, ErrEmptyDataDir
	}
	if name == "" {
		return nil, errors.New("process name must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := fileutil.EnsureDir(dataDir); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, name+"-stderr.log")
	stderr, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create stderr log for %s: %w", name, err)
	}
	cmd.Stderr = stderr
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		_ = stderr.Close()
		return nil, fmt.Errorf("start %s process: %w", name, err)
	}

	h := &Handle{
		cmd:    cmd,
		exited: make(chan struct{}),
		stderr: stderr,
		path:   path,
		name:   name,
		log:    logger,
	}
	go func() {
		// The write to waitErr happens before close(exited), so any reader
		// that observed the closed channel sees the final value.
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()
	return h, nil
}

// Pid returns the OS process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Exited returns a channel that is closed when the process exits. Safe to
// select on from any number of goroutines.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// WaitErr returns the cmd.Wait result. It must only be called after Exited
// is closed; calling it earlier reads an unsynchronized value.
func (h *Handle) WaitErr() error {
	select {
	case <-h.exited:
		return h.waitErr
	default:
		return errors.New("process still running")
	}
}

// StderrPath returns the path of the stderr log file, for error reports
// that point operators at the worker's own output.
func (h *Handle) StderrPath() string {
	return h.path
}

// awaitExit waits for process exit with timeout as a hard upper bound.
// Returns true and the cmd.Wait error if the process exited in time.
func (h *Handle) awaitExit(timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-h.exited:
		return true, h.waitErr
	case <-t.C:
		return false, nil
	}
}

// Shutdown enforces process exit after the graceful channel has been used.
// The caller is expected to have asked the worker to stop over IPC (and
// closed its stdin) before calling Shutdown; no signal is sent during the
// grace window so the worker can finish in-flight work and exit cleanly.
//
//  1. Wait up to grace for a voluntary exit.
//  2. SIGKILL via time.AfterFunc (canceled if the process exits first).
//  3. Wait for exit or the total timeout.
//
// grace is clamped to timeout so the kill always fires while the total
// timer is still running. Worst-case blocking is timeout + killDrainTimeout.
// Shutdown is idempotent; repeat calls return nil.
func (h *Handle) Shutdown(grace, timeout time.Duration) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	killTimer := time.AfterFunc(min(grace, timeout), func() {
		// Kill after the process already exited returns "process already
		// finished", which is harmless and intentionally discarded.
		_ = h.cmd.Process.Kill()
	})
	defer killTimer.Stop()

	if ok, err := h.awaitExit(timeout); ok {
		return expectTerminationExit(err, h.name)
	}

	ok, err := h.awaitExit(killDrainTimeout)
	if !ok {
		return fmt.Errorf("%s: timed out waiting for process to exit after kill", h.name)
	}
	if err := expectTerminationExit(err, h.name); err != nil {
		return fmt.Errorf("%s stop timeout: %w", h.name, err)
	}
	return nil
}

// Close releases the stderr log file handle. If the process is still
// running (Shutdown was not called first), Close stops it with default
// timings to prevent an orphan; that path is a safety net, not an intended
// flow, and is logged as such.
func (h *Handle) Close() {
	if !h.stopped.Load() {
		select {
		case <-h.exited:
		default:
			h.log.Warn("process.Close called while running; shutting down automatically",
				"process", h.name, "pid", h.Pid())
		}
		if err := h.Shutdown(0, DefaultShutdownTimeout); err != nil {
			h.log.Warn("auto-shutdown during Close failed",
				"process", h.name, "error", err)
		}
	}
	if h.stderr != nil {
		_ = h.stderr.Close()
		h.stderr = nil
	}
}

// expectTerminationExit interprets a cmd.Wait error observed while stopping
// a worker on purpose. Exits caused by SIGTERM or SIGKILL are part of the
// shutdown contract and not errors.
func expectTerminationExit(err error, name string) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			sig := status.Signal()
			if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
				return nil
			}
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}
