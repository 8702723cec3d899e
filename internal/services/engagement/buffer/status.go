package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// StatusLoader reads a status flag from durable storage on a buffer miss.
// The bool reports whether the store had the key.
type StatusLoader func(ctx context.Context, key string) (bool, bool, error)

type statusEntry struct {
	init    sync.Once
	initErr error
	ready   atomic.Bool
	value   atomic.Bool
	touched atomic.Int64
}

func (e *statusEntry) ensure(ctx context.Context, key string, seed bool, load StatusLoader) error {
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

// StatusBuffer accumulates per-user engagement flags keyed by canonical
// status key. Same shape as CountBuffer specialized to booleans.
type StatusBuffer struct {
	mu      sync.RWMutex
	entries map[string]*statusEntry
	clock   func() time.Time
}

// NewStatusBuffer builds an empty status buffer. A nil clock uses time.Now.
func NewStatusBuffer(clock func() time.Time) *StatusBuffer {
	if clock == nil {
		clock = time.Now
	}
	return &StatusBuffer{entries: make(map[string]*statusEntry), clock: clock}
}

func (b *StatusBuffer) entry(key string) *statusEntry {
	b.mu.RLock()
	entry := b.entries[key]
	b.mu.RUnlock()
	if entry != nil {
		return entry
	}
	b.mu.Lock()
	entry = b.entries[key]
	if entry == nil {
		entry = &statusEntry{}
		b.entries[key] = entry
	}
	b.mu.Unlock()
	return entry
}

func (b *StatusBuffer) discard(key string, entry *statusEntry) {
	b.mu.Lock()
	if b.entries[key] == entry {
		delete(b.entries, key)
	}
	b.mu.Unlock()
}

// Toggle records the new state and reports whether the recorded state
// actually changed. The return value gates companion counter updates so a
// redundant re-activation never double-counts. The swap is atomic: two
// concurrent toggles to the same state yield exactly one change.
func (b *StatusBuffer) Toggle(ctx context.Context, key string, active bool, load StatusLoader) (bool, error) {
	entry := b.entry(key)
	if err := entry.ensure(ctx, key, false, load); err != nil {
		b.discard(key, entry)
		return false, err
	}
	previous := entry.value.Swap(active)
	entry.touched.Store(b.clock().UnixNano())
	return previous != active, nil
}

// Set marks keys active unconditionally, with no old-value comparison and
// no storage read-through. Used for auto-recorded events.
func (b *StatusBuffer) Set(keys ...string) {
	now := b.clock().UnixNano()
	for _, key := range keys {
		entry := b.entry(key)
		entry.init.Do(func() {})
		entry.value.Store(true)
		entry.ready.Store(true)
		entry.touched.Store(now)
	}
}

// Get returns buffered flags for keys, loading and caching misses.
func (b *StatusBuffer) Get(ctx context.Context, keys []string, load StatusLoader) (map[string]bool, error) {
	values := make(map[string]bool, len(keys))
	for _, key := range keys {
		entry := b.entry(key)
		if err := entry.ensure(ctx, key, false, load); err != nil {
			b.discard(key, entry)
			return nil, err
		}
		values[key] = entry.value.Load()
	}
	return values, nil
}

// BatchGet returns flags for the keys currently cached, skipping the rest.
// A cheap existence probe: no loader, no storage round trip.
func (b *StatusBuffer) BatchGet(keys []string) map[string]bool {
	values := make(map[string]bool, len(keys))
	b.mu.RLock()
	for _, key := range keys {
		if entry, ok := b.entries[key]; ok && entry.ready.Load() {
			values[key] = entry.value.Load()
		}
	}
	b.mu.RUnlock()
	return values
}

// GetAfterLastFlush snapshots every flag touched at or after since.
func (b *StatusBuffer) GetAfterLastFlush(since time.Time) map[string]bool {
	cutoff := since.UnixNano()
	changed := make(map[string]bool)
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
func (b *StatusBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
