package kvstore

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	memoryDefTTL        = 60 * time.Minute
	memoryCleanUPPeriod = 1 * time.Minute
)

type memory struct {
	c *cache.Cache
}

// NewMemory returns a process-local store. Claims are not shared across
// instances, so it suits single-instance deployments and tests.
func NewMemory() Store {
	return &memory{c: cache.New(memoryDefTTL, memoryCleanUPPeriod)}
}

func (m *memory) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	// Add fails when a live entry exists.
	if err := m.c.Add(key, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	return b, ok, nil
}

func (m *memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

func (m *memory) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}
