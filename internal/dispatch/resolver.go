package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/foyerhq/foyer/internal/appid"
	"github.com/foyerhq/foyer/internal/sentinel"
)

// ErrAppNotFound is returned when no deployed directory matches the
// requested app name. The dispatcher maps it to 404.
const ErrAppNotFound = sentinel.Error("app not found")

// Resolver maps an app name from the URL to its deployed directory under
// the apps root. Two layouts are recognized, in order:
//
//  1. An exact directory: <root>/<name>. When that directory only holds
//     version subdirectories it is treated as a nested layout and the
//     highest version wins.
//  2. Flat versioned directories: <root>/<name>@<version>, highest
//     version wins.
//
// Resolution hits the filesystem on every call; the config loader behind
// it caches, and deploys change the directory set without a restart.
type Resolver struct {
	root string
}

// NewResolver returns a Resolver over the apps root directory.
func NewResolver(root string) *Resolver {
	return &Resolver{root: root}
}

// Resolve returns the deployed directory serving name.
func (r *Resolver) Resolve(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrAppNotFound, name)
	}

	exact := filepath.Join(r.root, name)
	if info, err := os.Stat(exact); err == nil && info.IsDir() {
		if dir, ok := highestNestedVersion(exact); ok {
			return dir, nil
		}
		return exact, nil
	}

	if dir, ok := r.highestFlatVersion(name); ok {
		return dir, nil
	}
	return "", fmt.Errorf("%w: %q", ErrAppNotFound, name)
}

// highestFlatVersion scans the root for "<name>@<version>" directories and
// returns the one with the highest version.
func (r *Resolver) highestFlatVersion(name string) (string, bool) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return "", false
	}

	var best, bestVersion string
	prefix := name + "@"
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		version := strings.TrimPrefix(e.Name(), prefix)
		if version == "" {
			continue
		}
		if best == "" || appid.Compare(version, bestVersion) > 0 {
			best = e.Name()
			bestVersion = version
		}
	}
	if best == "" {
		return "", false
	}
	return filepath.Join(r.root, best), true
}

// highestNestedVersion treats dir as a "<name>/<version>" parent when all
// of its subdirectories look like versions, and returns the highest one.
func highestNestedVersion(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var best string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "" || name[0] < '0' || name[0] > '9' {
			return "", false // a non-version subdir means dir is the app itself
		}
		if best == "" || appid.Compare(name, best) > 0 {
			best = name
		}
	}
	if best == "" {
		return "", false
	}
	return filepath.Join(dir, best), true
}
