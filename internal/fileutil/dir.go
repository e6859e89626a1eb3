package fileutil

import (
	"fmt"
	"os"
)

// EnsureDir creates a directory and all parent directories if they don't
// exist. Uses mode 0755. Returns nil if the directory already exists.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}
