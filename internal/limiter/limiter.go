// Package limiter throttles device registration attempts per subject and client address.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter tracks failed attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and an optional retry-after.
	Allow(ctx context.Context, subject string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after an accepted attempt.
	Success(ctx context.Context, subject string, ipHash []byte) error
	// Failure records a rejected attempt; may place a temporary block.
	Failure(ctx context.Context, subject string, ipHash []byte) (bool, time.Duration, error)
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}
