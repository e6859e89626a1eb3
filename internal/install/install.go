// Package install runs an application's dependency install step before its
// first worker spawn. The step runs once per content version of the app's
// dependency manifests: a marker file records the manifest hash of the last
// successful install, and a file lock keeps concurrent spawns (including
// spawns from other front-door processes sharing the apps directory) from
// racing the same install.
package install

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/foyerhq/foyer/internal/fileutil"
	"github.com/foyerhq/foyer/internal/logging"
	"github.com/foyerhq/foyer/internal/sentinel"
)

// ErrFailed is returned when the install command exits non-zero or the
// wait for a concurrent installer times out.
const ErrFailed = sentinel.Error("dependency install failed")

// markerDirName is the per-app runtime directory holding the install
// marker, lock and log. It lives inside the app directory so replicas
// sharing the deployment disk coordinate through it.
const markerDirName = ".foyer"

// markerPollInterval is how often a process that lost the lock race checks
// whether the lock holder finished its install.
const markerPollInterval = 250 * time.Millisecond

// DefaultTimeout bounds one install run, including time spent waiting for
// a concurrent installer.
const DefaultTimeout = 5 * time.Minute

// manifestNames are the dependency manifests that participate in the
// content hash, in hash order. Only files that exist are hashed; an app
// with none of them has nothing to install.
var manifestNames = []string{
	"package.json",
	"package-lock.json",
	"npm-shrinkwrap.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"go.mod",
	"go.sum",
	"requirements.txt",
}

// Installer runs a configured install command once per app directory
// content version. Safe for concurrent use.
type Installer struct {
	command []string
	timeout time.Duration
}

// New returns an Installer running command (argv form) with the given
// timeout per Ensure call. An empty command disables installs; Ensure
// becomes a no-op so apps with autoInstall enabled still start.
func New(command []string, timeout time.Duration) *Installer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Installer{command: command, timeout: timeout}
}

// Ensure makes sure dir's dependencies are installed for its current
// manifest content. The fast path is a single marker-file read; the slow
// path takes the file lock and runs the install command with its output
// captured next to the marker.
//
// When another process holds the lock, Ensure does not queue on it.
// It polls for the winner's marker instead, so a slow install blocks one
// process, not every replica's spawn path.
func (i *Installer) Ensure(ctx context.Context, dir string) error {
	if len(i.command) == 0 {
		return nil
	}

	hash, err := manifestHash(dir)
	if err != nil {
		return err
	}
	if hash == "" {
		// No dependency manifests, nothing to install.
		return nil
	}

	markerDir := filepath.Join(dir, markerDirName)
	markerPath := filepath.Join(markerDir, "install.ok")
	if markerMatches(markerPath, hash) {
		return nil
	}

	if err := fileutil.EnsureDir(markerDir); err != nil {
		return err
	}

	fl := flock.New(filepath.Join(markerDir, "install.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire install lock for %s: %w", dir, err)
	}
	if !locked {
		return i.awaitConcurrentInstall(ctx, dir, markerPath, hash)
	}
	// The lock file is intentionally left on disk; removing it could
	// invalidate a lock concurrently acquired by another process.
	defer func() {
		if err := fl.Close(); err != nil {
			logging.Logger().Debug("failed to release install lock", "path", fl.Path(), "err", err)
		}
	}()

	// Re-check under the lock: the previous holder may have installed
	// exactly this hash.
	if markerMatches(markerPath, hash) {
		return nil
	}

	return i.run(ctx, dir, markerDir, markerPath, hash)
}

// awaitConcurrentInstall polls for the lock holder's marker until it shows
// the expected hash or the timeout elapses.
func (i *Installer) awaitConcurrentInstall(ctx context.Context, dir, markerPath, hash string) error {
	logging.Logger().Debug("waiting for concurrent install", "dir", dir, "hash", hash)
	err := wait.PollUntilContextTimeout(ctx, markerPollInterval, i.timeout, true,
		func(context.Context) (bool, error) {
			return markerMatches(markerPath, hash), nil
		})
	if err != nil {
		return fmt.Errorf("%w: waiting for concurrent install of %s: %v", ErrFailed, dir, err)
	}
	return nil
}

// run executes the install command in dir and writes the marker on success.
func (i *Installer) run(ctx context.Context, dir, markerDir, markerPath, hash string) error {
	runCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	logPath := filepath.Join(markerDir, "install.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create install log: %w", err)
	}
	defer logFile.Close()

	log := logging.Logger().With("dir", dir, "hash", hash)
	log.Info("installing app dependencies", "command", i.command)
	start := time.Now()

	cmd := exec.CommandContext(runCtx, i.command[0], i.command[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s in %s: %v (see %s)", ErrFailed, i.command[0], dir, err, logPath)
	}

	if err := writeMarker(markerPath, hash); err != nil {
		return err
	}
	log.Info("app dependencies installed", "took", time.Since(start))
	return nil
}

// manifestHash returns a deterministic hash of the dependency manifests
// present in dir, or "" when none exist. Both names and contents are
// hashed, with separators preventing cross-file collisions.
func manifestHash(dir string) (string, error) {
	h := sha256.New()
	found := false
	for _, name := range manifestNames {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		found = true
		h.Write([]byte(name + "\x00"))
		h.Write(content)
		h.Write([]byte{0})
	}
	if !found {
		return "", nil
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// markerMatches reports whether the marker file records exactly hash.
func markerMatches(markerPath, hash string) bool {
	raw, err := os.ReadFile(markerPath)
	return err == nil && string(raw) == hash
}

// writeMarker records hash via temp-file-then-rename so a crashed installer
// never leaves a marker claiming success for a half-finished install.
func writeMarker(markerPath, hash string) error {
	tmp := markerPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(hash), 0o644); err != nil {
		return fmt.Errorf("write install marker: %w", err)
	}
	if err := os.Rename(tmp, markerPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit install marker: %w", err)
	}
	return nil
}
