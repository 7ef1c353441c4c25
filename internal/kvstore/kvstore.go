// Package kvstore provides the keyed TTL store shared by service instances:
// single-use claims for request nonces and a byte cache for rendered images.
package kvstore

import (
	"context"
	"time"
)

// Store is a keyed store with per-entry expiry.
type Store interface {
	// Claim records key if absent. It reports false when key was already claimed.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Get returns the cached value and whether it was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set caches value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete drops key.
	Delete(ctx context.Context, key string) error
}
