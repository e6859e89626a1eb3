// Package sentinel provides an immutable error type for sentinel error
// declarations.
//
// Sentinel errors declared with errors.New are package vars that consumers
// could reassign. Error is a string-based error type that can be declared
// const, so the error taxonomy exposed by foyer stays immutable while
// remaining compatible with errors.Is through wrapped chains.
package sentinel
