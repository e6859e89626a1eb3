package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// File names recognized inside an application directory.
const (
	// ManifestName is the standalone worker configuration file.
	ManifestName = "manifest.yaml"
	// EnvFileName is the dotenv file merged into the worker environment.
	EnvFileName = ".env"
	// packageName is the package manifest that may embed a runtime block.
	packageName = "package.json"
)

// duration accepts a bare integer (seconds) or a string: "45" also means
// seconds, anything else goes through time.ParseDuration ("90s", "1m", "2h").
type duration time.Duration

func parseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (want seconds or a value like \"90s\", \"1m\")", s)
	}
	return d, nil
}

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q (want seconds or a value like \"90s\", \"1m\")", node.Value)
	}
	v, err := parseDurationString(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d *duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := parseDurationString(s)
		if err != nil {
			return err
		}
		*d = duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s (want seconds or a quoted value like \"1m\")", string(b))
	}
	*d = duration(time.Duration(n) * time.Second)
	return nil
}

// byteSize accepts a bare integer (bytes) or a humanized string such as
// "5mb" or "512KiB".
type byteSize int64

func parseByteSizeString(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q (want bytes or a value like \"5mb\"): %w", s, err)
	}
	return int64(n), nil
}

func (z *byteSize) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*z = byteSize(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid size %q (want bytes or a value like \"5mb\")", node.Value)
	}
	v, err := parseByteSizeString(s)
	if err != nil {
		return err
	}
	*z = byteSize(v)
	return nil
}

func (z *byteSize) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := parseByteSizeString(s)
		if err != nil {
			return err
		}
		*z = byteSize(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid size %s (want bytes or a quoted value like \"5mb\")", string(b))
	}
	*z = byteSize(n)
	return nil
}

// routes accepts either a plain list of paths (any method) or a map of
// HTTP method to paths. The list form is stored under the "*" method key.
type routes map[string][]string

func normalizeRoutes(m map[string][]string) routes {
	out := make(routes, len(m))
	for method, paths := range m {
		out[strings.ToUpper(method)] = paths
	}
	return out
}

func (r *routes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var paths []string
		if err := node.Decode(&paths); err != nil {
			return fmt.Errorf("invalid publicRoutes list: %w", err)
		}
		*r = routes{"*": paths}
		return nil
	case yaml.MappingNode:
		var m map[string][]string
		if err := node.Decode(&m); err != nil {
			return fmt.Errorf("invalid publicRoutes map: %w", err)
		}
		*r = normalizeRoutes(m)
		return nil
	default:
		return fmt.Errorf("publicRoutes must be a list of paths or a method-keyed map")
	}
}

func (r *routes) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var paths []string
		if err := json.Unmarshal(trimmed, &paths); err != nil {
			return fmt.Errorf("invalid publicRoutes list: %w", err)
		}
		*r = routes{"*": paths}
		return nil
	}
	var m map[string][]string
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return fmt.Errorf("publicRoutes must be a list of paths or a method-keyed map: %w", err)
	}
	*r = normalizeRoutes(m)
	return nil
}

// envValues coerces non-string scalars (ports, feature flags) to strings so
// manifests can write env: {PORT: 8080, DEBUG: true} without quoting.
type envValues map[string]string

func coerceEnv(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case bool:
			out[k] = strconv.FormatBool(t)
		case int:
			out[k] = strconv.Itoa(t)
		case int64:
			out[k] = strconv.FormatInt(t, 10)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case nil:
			out[k] = ""
		default:
			return nil, fmt.Errorf("env value %s must be a scalar, got %T", k, v)
		}
	}
	return out, nil
}

func (e *envValues) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("env must be a map of scalars: %w", err)
	}
	m, err := coerceEnv(raw)
	if err != nil {
		return err
	}
	*e = m
	return nil
}

func (e *envValues) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("env must be a map of scalars: %w", err)
	}
	m, err := coerceEnv(raw)
	if err != nil {
		return err
	}
	*e = m
	return nil
}

// fileConfig mirrors the worker block schema shared by manifest.yaml and
// the package.json "foyer" block. Pointer fields distinguish absent keys
// from zero values so layering stays key-by-key.
type fileConfig struct {
	Entrypoint   *string   `yaml:"entrypoint" json:"entrypoint"`
	Timeout      *duration `yaml:"timeout" json:"timeout"`
	IdleTimeout  *duration `yaml:"idleTimeout" json:"idleTimeout"`
	TTL          *duration `yaml:"ttl" json:"ttl"`
	MaxRequests  *int      `yaml:"maxRequests" json:"maxRequests"`
	MaxBodySize  *byteSize `yaml:"maxBodySize" json:"maxBodySize"`
	LowMemory    *bool     `yaml:"lowMemory" json:"lowMemory"`
	AutoInstall  *bool     `yaml:"autoInstall" json:"autoInstall"`
	PublicRoutes routes    `yaml:"publicRoutes" json:"publicRoutes"`
	Env          envValues `yaml:"env" json:"env"`
	InjectBase   *bool     `yaml:"injectBase" json:"injectBase"`
}

// applyTo overlays the present keys of f onto c. Env merges per variable;
// every other key replaces wholesale.
func (f *fileConfig) applyTo(c *WorkerConfig) {
	if f == nil {
		return
	}
	if f.Entrypoint != nil {
		c.Entrypoint = *f.Entrypoint
	}
	if f.Timeout != nil {
		c.Timeout = time.Duration(*f.Timeout)
	}
	if f.IdleTimeout != nil {
		c.IdleTimeout = time.Duration(*f.IdleTimeout)
	}
	if f.TTL != nil {
		c.TTL = time.Duration(*f.TTL)
	}
	if f.MaxRequests != nil {
		c.MaxRequests = *f.MaxRequests
	}
	if f.MaxBodySize != nil {
		c.MaxBodySize = int64(*f.MaxBodySize)
	}
	if f.LowMemory != nil {
		c.LowMemory = *f.LowMemory
	}
	if f.AutoInstall != nil {
		c.AutoInstall = *f.AutoInstall
	}
	if f.PublicRoutes != nil {
		c.PublicRoutes = f.PublicRoutes
	}
	if f.Env != nil {
		if c.Env == nil {
			c.Env = make(map[string]string, len(f.Env))
		}
		for k, v := range f.Env {
			c.Env[k] = v
		}
	}
	if f.InjectBase != nil {
		c.InjectBase = *f.InjectBase
	}
}

// packageFile is the subset of package.json the loader reads: identity for
// entrypoint discovery plus the embedded runtime block.
type packageFile struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Main    string      `json:"main"`
	Foyer   *fileConfig `json:"foyer"`
}

// readPackage parses dir/package.json. A missing file returns (nil, nil);
// a malformed one is an error so broken manifests fail loudly.
func readPackage(dir string) (*packageFile, error) {
	raw, err := os.ReadFile(filepath.Join(dir, packageName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", packageName, err)
	}
	var p packageFile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", packageName, err)
	}
	return &p, nil
}

// readManifest parses dir/manifest.yaml. A missing file returns (nil, nil).
func readManifest(dir string) (*fileConfig, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", ManifestName, err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	return &f, nil
}
