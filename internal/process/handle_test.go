package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// startSleeper starts a long sleep under a Handle for shutdown tests.
func startSleeper(t *testing.T) *Handle {
	t.Helper()
	h, err := Start(exec.Command("sleep", "60"), t.TempDir(), "sleeper", nil)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	return h
}

func TestStart_Validation(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		cmd     *exec.Cmd
		dataDir string
		name    string
		wantErr error
	}{
		"nil cmd":        {cmd: nil, dataDir: "/tmp", name: "w", wantErr: ErrNilCmd},
		"empty path":     {cmd: &exec.Cmd{}, dataDir: "/tmp", name: "w", wantErr: ErrEmptyCmdPath},
		"empty data dir": {cmd: exec.Command("true"), dataDir: "", name: "w", wantErr: ErrEmptyDataDir},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Start(tc.cmd, tc.dataDir, tc.name, nil)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Start() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestStart_CleanExit(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	h, err := Start(exec.Command("true"), dataDir, "worker", nil)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer h.Close()

	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if err := h.WaitErr(); err != nil {
		t.Errorf("WaitErr() = %v, want nil for clean exit", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "worker-stderr.log")); err != nil {
		t.Errorf("stderr log missing: %v", err)
	}
}

func TestStart_StderrGoesToLogFile(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	h, err := Start(exec.Command("sh", "-c", "echo boot failed >&2; exit 3"), dataDir, "worker", nil)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer h.Close()

	<-h.Exited()
	if h.WaitErr() == nil {
		t.Error("WaitErr() = nil, want exit status 3")
	}

	raw, err := os.ReadFile(h.StderrPath())
	if err != nil {
		t.Fatalf("read stderr log: %v", err)
	}
	if !strings.Contains(string(raw), "boot failed") {
		t.Errorf("stderr log = %q, want to contain %q", raw, "boot failed")
	}
}

func TestHandle_WaitErrBeforeExit(t *testing.T) {
	t.Parallel()

	h := startSleeper(t)
	defer h.Close()

	if err := h.WaitErr(); err == nil {
		t.Error("WaitErr() before exit should report the process as running")
	}
	if err := h.Shutdown(0, 5*time.Second); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}

func TestHandle_ShutdownKillsAfterGrace(t *testing.T) {
	t.Parallel()

	h := startSleeper(t)
	defer h.Close()

	start := time.Now()
	if err := h.Shutdown(50*time.Millisecond, 5*time.Second); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Shutdown took %s, kill escalation did not fire near the grace period", elapsed)
	}

	select {
	case <-h.Exited():
	default:
		t.Error("process still running after Shutdown")
	}
}

func TestHandle_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	h := startSleeper(t)
	defer h.Close()

	if err := h.Shutdown(0, 5*time.Second); err != nil {
		t.Fatalf("first Shutdown() error: %v", err)
	}
	if err := h.Shutdown(0, 5*time.Second); err != nil {
		t.Errorf("second Shutdown() error: %v, want nil", err)
	}
}

func TestHandle_ShutdownAfterVoluntaryExit(t *testing.T) {
	t.Parallel()

	h, err := Start(exec.Command("true"), t.TempDir(), "worker", nil)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer h.Close()

	<-h.Exited()
	if err := h.Shutdown(50*time.Millisecond, 5*time.Second); err != nil {
		t.Errorf("Shutdown() after exit error: %v", err)
	}
}

func TestHandle_CloseStopsRunningProcess(t *testing.T) {
	t.Parallel()

	h := startSleeper(t)
	h.Close()

	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the running process")
	}
}

// makeSignalExitError produces a real *exec.ExitError for a process killed
// by sig, so the table below exercises the same error shapes cmd.Wait emits.
func makeSignalExitError(t *testing.T, sig syscall.Signal) error {
	t.Helper()
	cmd := exec.Command("sh", "-c", fmt.Sprintf("kill -%d $$", int(sig)))
	err := cmd.Run()
	if err == nil {
		t.Fatalf("expected signal exit error for %v", sig)
	}
	return err
}

func TestExpectTerminationExit(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err     error
		signal  syscall.Signal
		wantErr bool
	}{
		"nil error returns nil":     {wantErr: false},
		"SIGTERM exit is expected":  {signal: syscall.SIGTERM, wantErr: false},
		"SIGKILL exit is expected":  {signal: syscall.SIGKILL, wantErr: false},
		"other signal is an error":  {signal: syscall.SIGINT, wantErr: true},
		"non-ExitError is an error": {err: errors.New("pipe broke"), wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			inputErr := tc.err
			if inputErr == nil && tc.signal != 0 {
				inputErr = makeSignalExitError(t, tc.signal)
			}

			got := expectTerminationExit(inputErr, "worker")
			if tc.wantErr && got == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && got != nil {
				t.Fatalf("expected nil, got %v", got)
			}
		})
	}
}
