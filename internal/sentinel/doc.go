// Package sentinel provides an immutable error type for sentinel error
// declarations.
//
// Sentinel errors declared with errors.New are package-level variables that
// consumers could reassign. Error is a string-backed error type that can be
// declared const, making sentinels truly immutable while staying compatible
// with errors.Is through wrapped error chains.
package sentinel
