package install

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
)

func writeApp(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

// countingCommand appends a line to counter.txt on each run so tests can
// observe how many times the install actually executed.
func countingCommand() []string {
	return []string{"sh", "-c", "echo run >> counter.txt"}
}

func runCount(t *testing.T, dir string) int {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, "counter.txt"))
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, b := range raw {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestEnsure_RunsOncePerContent(t *testing.T) {
	t.Parallel()

	dir := writeApp(t, `{"name":"a","dependencies":{"left-pad":"1.0.0"}}`)
	ins := New(countingCommand(), time.Minute)

	for range 3 {
		if err := ins.Ensure(context.Background(), dir); err != nil {
			t.Fatalf("Ensure() error: %v", err)
		}
	}
	if got := runCount(t, dir); got != 1 {
		t.Errorf("install ran %d times, want 1", got)
	}
}

func TestEnsure_RerunsWhenManifestChanges(t *testing.T) {
	t.Parallel()

	dir := writeApp(t, `{"name":"a"}`)
	ins := New(countingCommand(), time.Minute)

	if err := ins.Ensure(context.Background(), dir); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"a","dependencies":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ins.Ensure(context.Background(), dir); err != nil {
		t.Fatalf("Ensure() after change error: %v", err)
	}

	if got := runCount(t, dir); got != 2 {
		t.Errorf("install ran %d times, want 2", got)
	}
}

func TestEnsure_NoManifestsIsNoop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ins := New(countingCommand(), time.Minute)

	if err := ins.Ensure(context.Background(), dir); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if got := runCount(t, dir); got != 0 {
		t.Errorf("install ran %d times for an app without manifests, want 0", got)
	}
}

func TestEnsure_EmptyCommandDisabled(t *testing.T) {
	t.Parallel()

	dir := writeApp(t, `{"name":"a"}`)
	ins := New(nil, time.Minute)

	if err := ins.Ensure(context.Background(), dir); err != nil {
		t.Errorf("Ensure() with no command should be a no-op, got %v", err)
	}
}

func TestEnsure_CommandFailure(t *testing.T) {
	t.Parallel()

	dir := writeApp(t, `{"name":"a"}`)
	ins := New([]string{"sh", "-c", "echo broken dependency >&2; exit 1"}, time.Minute)

	err := ins.Ensure(context.Background(), dir)
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("Ensure() = %v, want ErrFailed", err)
	}

	// A failed install must not leave a marker; the next Ensure retries.
	if markerMatches(filepath.Join(dir, markerDirName, "install.ok"), "anything") {
		t.Error("failed install left a marker")
	}

	raw, readErr := os.ReadFile(filepath.Join(dir, markerDirName, "install.log"))
	if readErr != nil {
		t.Fatalf("install log missing: %v", readErr)
	}
	if len(raw) == 0 {
		t.Error("install log is empty, expected captured stderr")
	}
}

func TestEnsure_ConcurrentProcessesShareOneInstall(t *testing.T) {
	t.Parallel()

	dir := writeApp(t, `{"name":"a"}`)
	// The command sleeps long enough that the second Ensure reliably loses
	// the lock race and has to wait for the winner's marker.
	slow := []string{"sh", "-c", "sleep 0.5 && echo run >> counter.txt"}

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			errs <- New(slow, time.Minute).Ensure(context.Background(), dir)
		}()
	}
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent Ensure() error: %v", err)
		}
	}

	if got := runCount(t, dir); got != 1 {
		t.Errorf("install ran %d times under contention, want 1", got)
	}
}

func TestEnsure_WaitForConcurrentInstallTimesOut(t *testing.T) {
	t.Parallel()

	dir := writeApp(t, `{"name":"a"}`)
	markerDir := filepath.Join(dir, markerDirName)
	if err := os.MkdirAll(markerDir, 0o755); err != nil {
		t.Fatal(err)
	}

	// Hold the lock without ever writing a marker, simulating a wedged
	// installer in another process. flock locks conflict across separate
	// opens of the same path even within one process.
	held := flock.New(filepath.Join(markerDir, "install.lock"))
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("could not pre-hold install lock: locked=%v err=%v", locked, err)
	}
	defer held.Close()

	short := New(countingCommand(), 700*time.Millisecond)
	err = short.Ensure(context.Background(), dir)
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("Ensure() = %v, want ErrFailed after waiting for the lock holder", err)
	}
	if got := runCount(t, dir); got != 0 {
		t.Errorf("install ran %d times while the lock was held elsewhere, want 0", got)
	}
}

func TestManifestHash_StableAndContentSensitive(t *testing.T) {
	t.Parallel()

	dir := writeApp(t, `{"name":"a"}`)

	h1, err := manifestHash(dir)
	if err != nil {
		t.Fatalf("manifestHash() error: %v", err)
	}
	h2, err := manifestHash(dir)
	if err != nil {
		t.Fatalf("manifestHash() error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not stable: %s vs %s", h1, h2)
	}

	if err := os.WriteFile(filepath.Join(dir, "yarn.lock"), []byte("lockfile"), 0o644); err != nil {
		t.Fatal(err)
	}
	h3, err := manifestHash(dir)
	if err != nil {
		t.Fatalf("manifestHash() error: %v", err)
	}
	if h3 == h1 {
		t.Error("hash did not change when a lockfile appeared")
	}
}
