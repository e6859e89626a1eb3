package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseEnvFile reads a dotenv-style file. A missing file returns an empty
// map, since apps without a .env are the common case.
//
// Grammar: one KEY=VALUE per line; blank lines and lines starting with '#'
// are skipped; an optional "export " prefix is allowed; single or double
// quotes around the value are stripped; escape sequences expand inside
// double quotes only. Lines without '=' are ignored. No multiline values.
func ParseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	env, err := parseEnv(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return env, nil
}

func parseEnv(r io.Reader) (map[string]string, error) {
	out := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "export "); ok {
			line = strings.TrimSpace(rest)
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = unquoteEnvValue(strings.TrimSpace(value))
	}
	return out, sc.Err()
}

// doubleQuoteEscapes expands the escape sequences recognized inside
// double-quoted values. Single-quoted values stay literal.
var doubleQuoteEscapes = strings.NewReplacer(
	`\n`, "\n",
	`\r`, "\r",
	`\t`, "\t",
	`\"`, `"`,
	`\\`, `\`,
)

func unquoteEnvValue(v string) string {
	if len(v) < 2 {
		return v
	}
	switch {
	case v[0] == '"' && v[len(v)-1] == '"':
		return doubleQuoteEscapes.Replace(v[1 : len(v)-1])
	case v[0] == '\'' && v[len(v)-1] == '\'':
		return v[1 : len(v)-1]
	default:
		return v
	}
}
