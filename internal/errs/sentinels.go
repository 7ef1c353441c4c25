// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthorized indicates an actor, role or assignment mismatch.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidInput indicates missing or malformed caller input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIntegrity indicates a hash, signature, revocation or expiry failure.
	ErrIntegrity = errors.New("integrity failure")

	// ErrNotPending indicates the entity is not in a state that allows the action.
	ErrNotPending = errors.New("not pending")

	// ErrQuotaExceeded indicates a per-user limit was reached.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates a temporary lock due to repeated failures.
	ErrRateLimited = errors.New("rate limited")
)

var expected = []error{
	ErrNotFound, ErrNotAuthorized, ErrInvalidInput, ErrIntegrity,
	ErrNotPending, ErrQuotaExceeded, ErrAlreadyExists, ErrRateLimited,
}

// IsExpected reports whether err is a user-facing outcome rather than an
// infrastructure failure.
func IsExpected(err error) bool {
	for _, e := range expected {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
