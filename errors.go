package foyer

import (
	"github.com/foyerhq/foyer/internal/config"
	"github.com/foyerhq/foyer/internal/dispatch"
	"github.com/foyerhq/foyer/internal/pool"
	"github.com/foyerhq/foyer/internal/worker"
)

// Sentinel errors for error inspection with errors.Is.
// These are immutable constants safe for use in wrapped error chain comparison.
const (
	// ErrTimeout is returned when a request exceeds the app's configured
	// deadline, whether waiting for worker readiness or for the response.
	ErrTimeout = worker.ErrTimeout

	// ErrWorkerCrashed is returned for requests that were in flight when
	// the worker process exited.
	ErrWorkerCrashed = worker.ErrCrashed

	// ErrWorkerUnavailable is returned when a request reaches a worker that
	// is retiring or already terminated.
	ErrWorkerUnavailable = worker.ErrUnavailable

	// ErrSpawnFailed is returned when a worker process cannot be started.
	ErrSpawnFailed = worker.ErrSpawnFailed

	// ErrPoolClosed is returned by requests arriving during or after
	// Shutdown.
	ErrPoolClosed = pool.ErrPoolClosed

	// ErrKeyCollision is returned when two distinct app directories resolve
	// to the same "name@version" key.
	ErrKeyCollision = pool.ErrKeyCollision

	// ErrAppNotFound is returned when no deployed directory matches the
	// requested app name.
	ErrAppNotFound = dispatch.ErrAppNotFound

	// ErrBodyTooLarge is returned when a request body exceeds the app's
	// configured cap.
	ErrBodyTooLarge = dispatch.ErrBodyTooLarge

	// ErrInvalidConfig is returned when an app's manifest fails validation.
	ErrInvalidConfig = config.ErrInvalid
)
