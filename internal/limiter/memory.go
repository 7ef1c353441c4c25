package limiter

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type entry struct {
	fails        int
	firstFail    time.Time
	blockedUntil time.Time
}

// Memory is a process-local limiter; entries expire after the window or block.
type Memory struct {
	mu       sync.Mutex
	c        *gocache.Cache
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// NewMemory constructs an in-process limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	ttl := window
	if blockFor > ttl {
		ttl = blockFor
	}
	return &Memory{
		c:        gocache.New(ttl, 2*ttl),
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
	}
}

func key(subject string, ipHash []byte) string { return subject + "|" + hex.EncodeToString(ipHash) }

// Allow reports whether an attempt is allowed.
func (m *Memory) Allow(_ context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.c.Get(key(subject, ipHash))
	if !ok {
		return true, 0, nil
	}
	if d := v.(entry).blockedUntil.Sub(m.now()); d > 0 {
		return false, d, nil
	}
	return true, 0, nil
}

// Success forgets the pair.
func (m *Memory) Success(_ context.Context, subject string, ipHash []byte) error {
	m.c.Delete(key(subject, ipHash))
	return nil
}

// Failure counts a rejected attempt.
func (m *Memory) Failure(_ context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(subject, ipHash)
	now := m.now()
	var e entry
	if v, ok := m.c.Get(k); ok {
		e = v.(entry)
	}
	if e.fails == 0 || now.Sub(e.firstFail) > m.window {
		e = entry{firstFail: now}
	}
	e.fails++
	blocked := e.fails >= m.maxFails
	if blocked {
		e.blockedUntil = now.Add(m.blockFor)
	}
	m.c.Set(k, e, gocache.DefaultExpiration)
	if blocked {
		return true, m.blockFor, nil
	}
	return false, 0, nil
}
