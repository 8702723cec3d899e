// Package query exposes the engagement ledger's read-side hooks to the
// surrounding query engine: batch count injection on materialized result
// sets and a bounded top-N-by-score listing.
package query

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harborcms/harbor/internal/services/engagement/storage"
)

// Record is one materialized query result the engine hands to a hook.
// SetField injects a synthetic field in place.
type Record interface {
	RecordID() string
	SetField(name string, value any)
}

// Hook is a read-side extension point the query engine dispatches to by
// name.
type Hook interface {
	// AttachCounts injects engagement counts as synthetic fields on the
	// records. fields maps synthetic field name to engagement type.
	AttachCounts(ctx context.Context, entity string, records []Record, fields map[string]string) error
	// TopByScore lists the highest-scored records for an entity with their
	// display metadata and per-type counts.
	TopByScore(ctx context.Context, entity string, limit, offset int) ([]RankedRecord, error)
}

// Registry is the name-keyed table of hooks the query engine consults.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]Hook
}

// NewRegistry builds an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]Hook)}
}

// Register adds a hook under a name. Duplicate names are rejected: hook
// wiring is startup configuration, not runtime state.
func (r *Registry) Register(name string, hook Hook) error {
	if name == "" {
		return fmt.Errorf("hook name is required")
	}
	if hook == nil {
		return fmt.Errorf("hook is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[name]; exists {
		return fmt.Errorf("hook %q is already registered", name)
	}
	r.hooks[name] = hook
	return nil
}

// Lookup resolves a hook by name.
func (r *Registry) Lookup(name string) (Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hook, ok := r.hooks[name]
	return hook, ok
}

// Names lists registered hook names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RankedRecord is one entry of a top-N-by-score listing.
type RankedRecord struct {
	RecordID string
	Score    int64
	Meta     storage.DisplayMeta
	Counts   map[string]int64
}
