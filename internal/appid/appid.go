// Package appid derives the canonical application key for a deployed
// application directory. The key has the form "name@version" and is the
// cache identity used by the worker pool: one live worker per key.
package appid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultVersion is used when no version can be derived from the package
// manifest or the directory layout.
const DefaultVersion = "0.0.0"

// Key identifies a deployed application. Name is never empty; Version falls
// back to DefaultVersion.
type Key struct {
	Name    string
	Version string
}

// String returns the canonical "name@version" form used as the pool cache key.
func (k Key) String() string {
	return k.Name + "@" + k.Version
}

// packageManifest is the subset of package.json needed for key derivation.
type packageManifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// FromDir derives the application key for a directory, in order of
// precedence:
//
//  1. package.json with a non-empty "name"; "version" falls back to
//     DefaultVersion.
//  2. Flat layout: a folder named "name@version".
//  3. Nested layout: ".../name/version" where the last path element looks
//     like a version (starts with a digit).
//  4. Otherwise the folder name with DefaultVersion.
//
// A present but malformed package.json is an error rather than a silent
// fallback: two differently-broken manifests must not collapse onto the
// same folder-derived key.
func FromDir(dir string) (Key, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	switch {
	case err == nil:
		var m packageManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return Key{}, fmt.Errorf("parse package.json in %s: %w", dir, err)
		}
		if m.Name != "" {
			version := m.Version
			if version == "" {
				version = DefaultVersion
			}
			return Key{Name: m.Name, Version: version}, nil
		}
	case !os.IsNotExist(err):
		return Key{}, fmt.Errorf("read package.json in %s: %w", dir, err)
	}
	return fromLayout(dir), nil
}

// fromLayout derives a key from the directory path alone.
func fromLayout(dir string) Key {
	base := filepath.Base(filepath.Clean(dir))

	if name, version, ok := splitFlat(base); ok {
		return Key{Name: name, Version: version}
	}

	if looksLikeVersion(base) {
		parent := filepath.Base(filepath.Dir(filepath.Clean(dir)))
		if parent != "" && parent != "." && parent != string(filepath.Separator) {
			return Key{Name: parent, Version: base}
		}
	}

	return Key{Name: base, Version: DefaultVersion}
}

// splitFlat splits a "name@version" folder name. The last "@" is the
// separator so names containing "@" earlier (e.g. scoped-package escapes)
// keep their full name part. Both sides must be non-empty.
func splitFlat(base string) (name, version string, ok bool) {
	i := strings.LastIndex(base, "@")
	if i <= 0 || i == len(base)-1 {
		return "", "", false
	}
	return base[:i], base[i+1:], true
}

// looksLikeVersion reports whether s plausibly names a version directory.
// Versions start with a digit ("1", "2.3", "1.0.0-beta").
func looksLikeVersion(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

// Compare orders two version strings by their dotted segments. Numeric
// segments compare numerically, anything else lexicographically, and a
// missing segment sorts before any present one. It returns -1, 0, or 1.
// Used by the app resolver to pick the highest deployed version.
func Compare(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		if sa == sb {
			continue
		}
		na, aok := atoi(sa)
		nb, bok := atoi(sb)
		switch {
		case aok && bok:
			if na != nb {
				return sign(na - nb)
			}
		case aok != bok:
			// Numeric segments sort after non-numeric ("1.0.0" > "1.0.0-rc").
			if aok {
				return 1
			}
			return -1
		default:
			return strings.Compare(sa, sb)
		}
	}
	return 0
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
