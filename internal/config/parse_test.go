package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestReadManifest_DurationForms(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		yaml string
		want time.Duration
	}{
		"bare integer is seconds":   {yaml: "timeout: 45", want: 45 * time.Second},
		"quoted integer is seconds": {yaml: `timeout: "45"`, want: 45 * time.Second},
		"minutes suffix":            {yaml: `timeout: "1m"`, want: time.Minute},
		"hours suffix":              {yaml: `timeout: "2h"`, want: 2 * time.Hour},
		"seconds suffix":            {yaml: `timeout: "90s"`, want: 90 * time.Second},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			writeFile(t, dir, ManifestName, tc.yaml+"\n")

			f, err := readManifest(dir)
			if err != nil {
				t.Fatalf("readManifest() error: %v", err)
			}
			if f.Timeout == nil {
				t.Fatal("timeout not parsed")
			}
			if got := time.Duration(*f.Timeout); got != tc.want {
				t.Errorf("timeout = %s, want %s", got, tc.want)
			}
		})
	}

	t.Run("garbage duration is an error", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeFile(t, dir, ManifestName, "timeout: soon\n")

		if _, err := readManifest(dir); err == nil {
			t.Fatal("expected parse error for non-duration string")
		}
	})
}

func TestReadManifest_SizeForms(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		yaml string
		want int64
	}{
		"bare integer is bytes": {yaml: "maxBodySize: 1048576", want: 1 << 20},
		"si megabytes":          {yaml: `maxBodySize: "5mb"`, want: 5_000_000},
		"binary mebibytes":      {yaml: `maxBodySize: "5mib"`, want: 5 << 20},
		"kilobytes":             {yaml: `maxBodySize: "512kb"`, want: 512_000},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			writeFile(t, dir, ManifestName, tc.yaml+"\n")

			f, err := readManifest(dir)
			if err != nil {
				t.Fatalf("readManifest() error: %v", err)
			}
			if f.MaxBodySize == nil {
				t.Fatal("maxBodySize not parsed")
			}
			if got := int64(*f.MaxBodySize); got != tc.want {
				t.Errorf("maxBodySize = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestReadManifest_PublicRouteForms(t *testing.T) {
	t.Parallel()

	t.Run("list form lands under any-method", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeFile(t, dir, ManifestName, "publicRoutes:\n  - /login\n  - /static/*\n")

		f, err := readManifest(dir)
		if err != nil {
			t.Fatalf("readManifest() error: %v", err)
		}
		want := routes{"*": {"/login", "/static/*"}}
		if !reflect.DeepEqual(f.PublicRoutes, want) {
			t.Errorf("publicRoutes = %#v, want %#v", f.PublicRoutes, want)
		}
	})

	t.Run("map form uppercases methods", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeFile(t, dir, ManifestName, "publicRoutes:\n  get:\n    - /health\n  POST:\n    - /webhooks/*\n")

		f, err := readManifest(dir)
		if err != nil {
			t.Fatalf("readManifest() error: %v", err)
		}
		want := routes{"GET": {"/health"}, "POST": {"/webhooks/*"}}
		if !reflect.DeepEqual(f.PublicRoutes, want) {
			t.Errorf("publicRoutes = %#v, want %#v", f.PublicRoutes, want)
		}
	})

	t.Run("scalar form is an error", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeFile(t, dir, ManifestName, "publicRoutes: everything\n")

		if _, err := readManifest(dir); err == nil {
			t.Fatal("expected parse error for scalar publicRoutes")
		}
	})
}

func TestReadManifest_EnvCoercion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, ManifestName, "env:\n  PORT: 8080\n  DEBUG: true\n  RATIO: 0.5\n  NAME: blog\n  EMPTY: null\n")

	f, err := readManifest(dir)
	if err != nil {
		t.Fatalf("readManifest() error: %v", err)
	}
	want := envValues{"PORT": "8080", "DEBUG": "true", "RATIO": "0.5", "NAME": "blog", "EMPTY": ""}
	if !reflect.DeepEqual(f.Env, want) {
		t.Errorf("env = %#v, want %#v", f.Env, want)
	}
}

func TestReadManifest_EnvRejectsNestedValues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, ManifestName, "env:\n  NESTED:\n    a: 1\n")

	if _, err := readManifest(dir); err == nil {
		t.Fatal("expected error for non-scalar env value")
	}
}

func TestReadManifest_Missing(t *testing.T) {
	t.Parallel()

	f, err := readManifest(t.TempDir())
	if err != nil {
		t.Fatalf("readManifest() error: %v", err)
	}
	if f != nil {
		t.Errorf("missing manifest should return nil, got %#v", f)
	}
}

func TestReadPackage_FoyerBlock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, packageName, `{
  "name": "blog",
  "version": "1.2.0",
  "main": "server.js",
  "foyer": {
    "timeout": "1m",
    "ttl": 300,
    "maxBodySize": "5mb",
    "publicRoutes": ["/feed"],
    "env": {"PORT": 3000},
    "lowMemory": true
  }
}`)

	p, err := readPackage(dir)
	if err != nil {
		t.Fatalf("readPackage() error: %v", err)
	}
	if p.Name != "blog" || p.Main != "server.js" {
		t.Errorf("identity = %s/%s, want blog/server.js", p.Name, p.Main)
	}
	if p.Foyer == nil {
		t.Fatal("foyer block not parsed")
	}
	if got := time.Duration(*p.Foyer.Timeout); got != time.Minute {
		t.Errorf("timeout = %s, want 1m", got)
	}
	if got := time.Duration(*p.Foyer.TTL); got != 5*time.Minute {
		t.Errorf("ttl = %s, want 5m", got)
	}
	if got := int64(*p.Foyer.MaxBodySize); got != 5_000_000 {
		t.Errorf("maxBodySize = %d, want 5000000", got)
	}
	if p.Foyer.Env["PORT"] != "3000" {
		t.Errorf("env PORT = %q, want 3000", p.Foyer.Env["PORT"])
	}
	if p.Foyer.LowMemory == nil || !*p.Foyer.LowMemory {
		t.Error("lowMemory not parsed")
	}
}

func TestReadPackage_Missing(t *testing.T) {
	t.Parallel()

	p, err := readPackage(t.TempDir())
	if err != nil {
		t.Fatalf("readPackage() error: %v", err)
	}
	if p != nil {
		t.Errorf("missing package.json should return nil, got %#v", p)
	}
}
