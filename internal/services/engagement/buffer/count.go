// Package buffer provides the process-local write-behind accumulators that
// absorb bursty engagement writes between flush cycles. Buffers double as
// read-through caches and are never evicted; the flush worker drains them
// into sharded durable storage.
package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CountLoader reads a counter from durable storage on a buffer miss. The
// bool reports whether the store had the key.
type CountLoader func(ctx context.Context, key string) (int64, bool, error)

type countEntry struct {
	init    sync.Once
	initErr error
	ready   atomic.Bool
	value   atomic.Int64
	touched atomic.Int64
}

func (e *countEntry) ensure(ctx context.Context, key string, seed int64, load CountLoader) error {
	e.init.Do(func() {
		if load != nil {
			stored, ok, err := load(ctx, key)
			if err != nil {
				e.initErr = err
				return
			}
			if ok {
				seed = stored
			}
		}
		e.value.Store(seed)
		e.ready.Store(true)
	})
	return e.initErr
}

// CountBuffer accumulates counter totals keyed by canonical count key.
// Hot-key increments take one read lock plus one atomic add; only first
// access to a key pays for entry creation and the storage read-through.
type CountBuffer struct {
	mu      sync.RWMutex
	entries map[string]*countEntry
	clock   func() time.Time
}

// NewCountBuffer builds an empty count buffer. A nil clock uses time.Now.
func NewCountBuffer(clock func() time.Time) *CountBuffer {
	if clock == nil {
		clock = time.Now
	}
	return &CountBuffer{entries: make(map[string]*countEntry), clock: clock}
}

func (b *CountBuffer) entry(key string) *countEntry {
	b.mu.RLock()
	entry := b.entries[key]
	b.mu.RUnlock()
	if entry != nil {
		return entry
	}
	b.mu.Lock()
	entry = b.entries[key]
	if entry == nil {
		entry = &countEntry{}
		b.entries[key] = entry
	}
	b.mu.Unlock()
	return entry
}

// discard drops a key whose seed load failed so the next access retries.
func (b *CountBuffer) discard(key string, entry *countEntry) {
	b.mu.Lock()
	if b.entries[key] == entry {
		delete(b.entries, key)
	}
	b.mu.Unlock()
}

// Increase adds delta to the buffered total for key, seeding the entry from
// the loader (or seed when the store has no row) on first access. Returns
// the new total. Safe under concurrent increments to the same key.
func (b *CountBuffer) Increase(ctx context.Context, key string, delta, seed int64, load CountLoader) (int64, error) {
	entry := b.entry(key)
	if err := entry.ensure(ctx, key, seed, load); err != nil {
		b.discard(key, entry)
		return 0, err
	}
	value := entry.value.Add(delta)
	entry.touched.Store(b.clock().UnixNano())
	return value, nil
}

// Get returns buffered totals for keys, loading and caching misses.
func (b *CountBuffer) Get(ctx context.Context, keys []string, load CountLoader) (map[string]int64, error) {
	values := make(map[string]int64, len(keys))
	for _, key := range keys {
		entry := b.entry(key)
		if err := entry.ensure(ctx, key, 0, load); err != nil {
			b.discard(key, entry)
			return nil, err
		}
		values[key] = entry.value.Load()
	}
	return values, nil
}

// GetAfterLastFlush snapshots every total touched at or after since. Writes
// racing the snapshot may be deferred to the next flush window but never
// corrupt the returned view.
func (b *CountBuffer) GetAfterLastFlush(since time.Time) map[string]int64 {
	cutoff := since.UnixNano()
	changed := make(map[string]int64)
	b.mu.RLock()
	for key, entry := range b.entries {
		if !entry.ready.Load() {
			continue
		}
		if entry.touched.Load() >= cutoff {
			changed[key] = entry.value.Load()
		}
	}
	b.mu.RUnlock()
	return changed
}

// Len reports the number of buffered keys.
func (b *CountBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
