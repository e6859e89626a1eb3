package foyer

import "time"

// Default configuration values for NewServer.
// These constants are exported so callers can reference the defaults
// when building custom configurations relative to them (e.g.,
// 2 * DefaultPoolSize).
const (
	// DefaultAppsDir is the directory scanned for deployed applications.
	DefaultAppsDir = "./apps"

	// DefaultPoolSize is the number of warm workers kept in the LRU pool.
	// On overflow the least recently used worker is evicted.
	DefaultPoolSize = 10

	// DefaultMaxPoolSize is the ceiling applied to operator-supplied pool
	// sizes by the foyerd binary.
	DefaultMaxPoolSize = 64

	// DefaultMaxBodySize is the runtime-wide request body cap in bytes.
	// Apps inherit it as their default and cannot configure past it.
	DefaultMaxBodySize = 100 << 20 // 100mb

	// DefaultWorkerCommand is the wrapper binary used to start workers.
	// The app directory is appended as the final argument.
	DefaultWorkerCommand = "foyer-worker"

	// DefaultDataDirName is the directory name under the system temp
	// directory where per-worker stderr logs and install markers live.
	// The full path is computed as filepath.Join(os.TempDir(), DefaultDataDirName).
	DefaultDataDirName = "foyer"

	// DefaultConfigCacheTTL bounds how long a parsed app configuration is
	// served before its directory is re-read.
	DefaultConfigCacheTTL = 30 * time.Second
)
