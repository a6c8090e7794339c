// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a concurrent writer won: the state a write
	// was based on (e.g. the active refresh token value) changed underneath it.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized is the uniform authentication failure. It never says
	// which check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates a cooldown is still running.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., email taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrWeakPassword indicates a new password that fails the strength policy.
	ErrWeakPassword = errors.New("password does not meet strength requirements")

	// ErrInvalidInput indicates malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)
