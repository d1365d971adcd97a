// Package writecache rate-limits idempotent upserts by remembering when
// each key was last written. It is an optimization, not a lock: two
// near-simultaneous callers may both be told to write, and the
// underlying upsert's idempotence makes that benign.
package writecache

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// A Coalescer suppresses writes that recur within a granularity window.
// Safe for concurrent use without locking.
type Coalescer[K comparable] struct {
	lastWrite *xsync.MapOf[K, time.Time]
}

func New[K comparable]() *Coalescer[K] {
	return &Coalescer[K]{
		lastWrite: xsync.NewMapOf[K, time.Time](),
	}
}

// ShouldWrite reports whether a write for key should proceed at `now`.
// It returns false when the previous write happened less than
// granularity ago, leaving the record untouched; otherwise it records
// now against key and returns true.
func (c *Coalescer[K]) ShouldWrite(key K, now time.Time, granularity time.Duration) bool {
	if last, ok := c.lastWrite.Load(key); ok && now.Sub(last) < granularity {
		return false
	}
	c.lastWrite.Store(key, now)
	return true
}

// Forget drops the record for key so the next ShouldWrite returns true.
// Call it when the write that ShouldWrite approved ultimately failed.
func (c *Coalescer[K]) Forget(key K) {
	c.lastWrite.Delete(key)
}

// Len returns the number of tracked keys.
func (c *Coalescer[K]) Len() int {
	return c.lastWrite.Size()
}
