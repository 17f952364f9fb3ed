package httpserver

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// MemoryBuckets exposes the in-memory bucket store with a fake clock.
type MemoryBuckets struct{ m *memoryBuckets }

func NewMemoryBuckets(limit rate.Limit, burst int, ttl time.Duration, now func() time.Time) MemoryBuckets {
	m := newMemoryBuckets(limit, burst, ttl)
	m.now = now
	m.lastSweep = now()
	return MemoryBuckets{m: m}
}

func (b MemoryBuckets) Take(key string) bool {
	ok, _ := b.m.take(context.Background(), key)
	return ok
}

func (b MemoryBuckets) Len() int {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	return len(b.m.buckets)
}
