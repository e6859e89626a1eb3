// Package fileutil provides small file operation helpers.
//
// EnsureDir creates directories recursively. It is used for preparing
// per-instance runtime directories (worker stderr logs, install markers)
// before child processes are spawned.
package fileutil
