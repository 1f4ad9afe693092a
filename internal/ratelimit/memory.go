package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryLog keeps events in process memory; for single-instance and dev use.
// Idle users expire with the cache.
type MemoryLog struct {
	mu     sync.Mutex
	c      *cache.Cache
	window time.Duration
}

func NewMemoryLog(window time.Duration) *MemoryLog {
	return &MemoryLog{
		c:      cache.New(2*window, 5*time.Minute),
		window: window,
	}
}

func (m *MemoryLog) Count(ctx context.Context, userID, event string, since time.Time) (int64, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, at := range m.events(userID, event) {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryLog) Record(ctx context.Context, userID, event string, at time.Time) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := at.Add(-m.window)
	kept := make([]time.Time, 0, 8)
	for _, t := range m.events(userID, event) {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	m.c.SetDefault(event+":"+userID, kept)
	return nil
}

func (m *MemoryLog) events(userID, event string) []time.Time {
	v, ok := m.c.Get(event + ":" + userID)
	if !ok {
		return nil
	}
	ts, _ := v.([]time.Time)
	return ts
}
