package shard

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/harborcms/harbor/internal/services/engagement/storage"
)

// ErrNoShardForKey indicates a computed slot landed outside every group's
// bounds. Validate makes this unreachable; callers treat it as fatal.
var ErrNoShardForKey = errors.New("no shard owns key")

// Slot hashes a key into the topology range. The low 32 bits of a 128-bit
// digest are interpreted as a non-negative integer modulo the range size;
// only uniformity matters here, not collision resistance.
func Slot(key string, rangeSize int64) int64 {
	digest := md5.Sum([]byte(key))
	low := binary.BigEndian.Uint32(digest[12:16]) & 0x7fffffff
	return int64(low) % rangeSize
}

// Group is one shard: a key range, a writable primary, and read replicas
// rotated round-robin.
type Group struct {
	name     string
	lo, hi   int64
	primary  storage.Dao
	replicas []storage.Dao
	cursor   atomic.Uint64
}

// Name returns the group's configured name.
func (g *Group) Name() string { return g.name }

// Primary returns the group's writable store.
func (g *Group) Primary() storage.Dao { return g.primary }

// Replica returns the next read store round-robin, falling back to the
// primary when the group has no replicas. Reads against replicas are
// eventually consistent with the primary.
func (g *Group) Replica() storage.Dao {
	if len(g.replicas) == 0 {
		return g.primary
	}
	next := g.cursor.Add(1) - 1
	return g.replicas[next%uint64(len(g.replicas))]
}

func (g *Group) owns(slot int64) bool { return slot >= g.lo && slot <= g.hi }

// OpenDao opens one store handle for a configured DSN.
type OpenDao func(dsn string) (storage.Dao, error)

// Router deterministically resolves keys to shard groups. It holds no
// mutable state besides each group's replica cursor.
type Router struct {
	rangeSize int64
	groups    []*Group
}

// NewRouter validates the topology and opens every configured store. A
// store that fails to open rejects the whole router: shard boundaries must
// be fully served before the first write.
func NewRouter(topology Topology, open OpenDao) (*Router, error) {
	if open == nil {
		return nil, errors.New("open function is required")
	}
	if err := topology.Validate(); err != nil {
		return nil, err
	}

	router := &Router{rangeSize: topology.Range}
	for _, cfg := range topology.Groups {
		primary, err := open(cfg.Primary)
		if err != nil {
			router.closeAll()
			return nil, fmt.Errorf("open primary for group %q: %w", cfg.Name, err)
		}
		group := &Group{name: cfg.Name, lo: cfg.Lo, hi: cfg.Hi, primary: primary}
		for _, dsn := range cfg.Replicas {
			replica, err := open(dsn)
			if err != nil {
				router.closeAll()
				_ = primary.Close()
				return nil, fmt.Errorf("open replica for group %q: %w", cfg.Name, err)
			}
			group.replicas = append(group.replicas, replica)
		}
		router.groups = append(router.groups, group)
	}
	sort.Slice(router.groups, func(i, j int) bool { return router.groups[i].lo < router.groups[j].lo })
	return router, nil
}

// NewRouterFromGroups wires pre-opened groups; used by tests and callers
// that manage store lifecycles themselves.
func NewRouterFromGroups(rangeSize int64, groups []*Group) *Router {
	sorted := make([]*Group, len(groups))
	copy(sorted, groups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].lo < sorted[j].lo })
	return &Router{rangeSize: rangeSize, groups: sorted}
}

// NewGroup builds a group from pre-opened stores.
func NewGroup(name string, lo, hi int64, primary storage.Dao, replicas ...storage.Dao) *Group {
	return &Group{name: name, lo: lo, hi: hi, primary: primary, replicas: replicas}
}

// Group resolves the shard group owning a key. A single-group deployment
// short-circuits without hashing.
func (r *Router) Group(key string) (*Group, error) {
	if len(r.groups) == 1 {
		return r.groups[0], nil
	}
	slot := Slot(key, r.rangeSize)
	for _, group := range r.groups {
		if group.owns(slot) {
			return group, nil
		}
	}
	return nil, fmt.Errorf("%w: key %q slot %d", ErrNoShardForKey, key, slot)
}

// Groups returns every shard group, ordered by range.
func (r *Router) Groups() []*Group { return r.groups }

// PrimaryDao resolves the writable store for a key.
func (r *Router) PrimaryDao(key string) (storage.Dao, error) {
	group, err := r.Group(key)
	if err != nil {
		return nil, err
	}
	return group.Primary(), nil
}

// ReplicaDao resolves a read store for a key. Same group as PrimaryDao for
// the same key, though not necessarily the same physical store.
func (r *Router) ReplicaDao(key string) (storage.Dao, error) {
	group, err := r.Group(key)
	if err != nil {
		return nil, err
	}
	return group.Replica(), nil
}

// Close closes every opened store.
func (r *Router) Close() error {
	var firstErr error
	for _, group := range r.groups {
		if err := group.primary.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		for _, replica := range group.replicas {
			if err := replica.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) closeAll() {
	for _, group := range r.groups {
		_ = group.primary.Close()
		for _, replica := range group.replicas {
			_ = replica.Close()
		}
	}
}

// Execute fans records out to their owning shards' primaries, invoking
// batchFn once per destination shard with that shard's records.
func Execute[T any](ctx context.Context, r *Router, records []T, keyFn func(T) string, batchFn func(ctx context.Context, dao storage.Dao, batch []T) error) error {
	batches, order, err := groupByShard(r, records, keyFn)
	if err != nil {
		return err
	}
	for _, group := range order {
		if err := batchFn(ctx, group.Primary(), batches[group]); err != nil {
			return fmt.Errorf("execute on shard %q: %w", group.Name(), err)
		}
	}
	return nil
}

// Fetch fans keyed reads out to their owning shards' replicas and merges
// the per-shard result maps.
func Fetch[T any, K comparable, V any](ctx context.Context, r *Router, keys []T, keyFn func(T) string, batchFn func(ctx context.Context, dao storage.Dao, batch []T) (map[K]V, error)) (map[K]V, error) {
	batches, order, err := groupByShard(r, keys, keyFn)
	if err != nil {
		return nil, err
	}
	merged := make(map[K]V, len(keys))
	for _, group := range order {
		partial, err := batchFn(ctx, group.Replica(), batches[group])
		if err != nil {
			return nil, fmt.Errorf("fetch from shard %q: %w", group.Name(), err)
		}
		for k, v := range partial {
			merged[k] = v
		}
	}
	return merged, nil
}

func groupByShard[T any](r *Router, records []T, keyFn func(T) string) (map[*Group][]T, []*Group, error) {
	batches := make(map[*Group][]T)
	var order []*Group
	for _, record := range records {
		group, err := r.Group(keyFn(record))
		if err != nil {
			return nil, nil, err
		}
		if _, seen := batches[group]; !seen {
			order = append(order, group)
		}
		batches[group] = append(batches[group], record)
	}
	return batches, order, nil
}
