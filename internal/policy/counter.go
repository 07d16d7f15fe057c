package policy

import (
	"context"
	"sync"
	"time"
)

// Window is the state of one key's fixed rate window after a request.
type Window struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// WindowCounter counts requests per API key in fixed windows.
type WindowCounter interface {
	// Consume records one request for keyID and reports whether it fits in
	// the current window.
	Consume(ctx context.Context, keyID string, limit int, window time.Duration) (Window, error)
	// Remaining reads the quota left without consuming any.
	Remaining(ctx context.Context, keyID string, limit int, window time.Duration) (int, error)
	// Reset drops keyID's current window.
	Reset(ctx context.Context, keyID string) error
}

// MemoryCounter keeps windows in process memory. It is enough for a single
// replica; use RedisCounter when several replicas share keys.
type MemoryCounter struct {
	mu          sync.Mutex
	counters    map[string]*window
	lastCleanup time.Time
	now         func() time.Time
}

type window struct {
	count    int
	resetAt  time.Time
	lastSeen time.Time
}

const (
	cleanupInterval    = 5 * time.Minute
	expiredWindowGrace = 10 * time.Minute
	staleEntryTTL      = 24 * time.Hour
)

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		counters:    make(map[string]*window),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func (c *MemoryCounter) Consume(_ context.Context, keyID string, limit int, windowDuration time.Duration) (Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	defer c.cleanupLocked(now)

	w, exists := c.counters[keyID]
	if !exists || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(windowDuration)}
		c.counters[keyID] = w
	}
	w.lastSeen = now

	if w.count >= limit {
		return Window{Allowed: false, Limit: limit, Remaining: 0, ResetAt: w.resetAt}, nil
	}
	w.count++
	return Window{Allowed: true, Limit: limit, Remaining: limit - w.count, ResetAt: w.resetAt}, nil
}

func (c *MemoryCounter) Remaining(_ context.Context, keyID string, limit int, _ time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, exists := c.counters[keyID]
	if !exists || !now.Before(w.resetAt) {
		return limit, nil
	}
	if remaining := limit - w.count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

func (c *MemoryCounter) Reset(_ context.Context, keyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, keyID)
	return nil
}

func (c *MemoryCounter) cleanupLocked(now time.Time) {
	if now.Sub(c.lastCleanup) < cleanupInterval {
		return
	}

	for keyID, w := range c.counters {
		if now.Sub(w.lastSeen) > staleEntryTTL || now.After(w.resetAt.Add(expiredWindowGrace)) {
			delete(c.counters, keyID)
		}
	}
	c.lastCleanup = now
}
