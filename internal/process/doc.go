// Package process manages worker child-process lifecycle.
//
// Handle wraps a started exec.Cmd with the single-Wait-goroutine invariant,
// an exit broadcast channel, a per-instance stderr log file, and the
// grace-then-SIGKILL Shutdown sequence used after a worker has been asked
// to stop over IPC.
package process
