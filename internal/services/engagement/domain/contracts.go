package domain

import (
	"context"

	"github.com/harborcms/harbor/internal/services/engagement/storage"
)

// EntityInfo describes how an entity's records are stored and queried.
type EntityInfo struct {
	Name       string
	Table      string
	PrimaryKey string
}

// EntityResolver is the schema boundary: it maps entity names to table
// metadata and runs the per-entity tags query that fetches display metadata
// for denormalization onto status rows.
type EntityResolver interface {
	Resolve(ctx context.Context, entity string) (EntityInfo, error)
	// FetchDisplayMeta loads display metadata for record ids in one batched
	// query. Unknown record ids are absent from the result map.
	FetchDisplayMeta(ctx context.Context, entity string, recordIDs []string) (map[string]storage.DisplayMeta, error)
}

// Producer publishes fire-and-forget messages on definitive engagement
// state transitions. Never invoked on raw repeat events.
type Producer interface {
	Produce(ctx context.Context, topic string, payload []byte) error
}

// Identity resolves the calling user or reports ErrNotAuthenticated.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// ShardAccess resolves routed storage handles for a key. Implemented by the
// shard router; faked in tests.
type ShardAccess interface {
	PrimaryDao(key string) (storage.Dao, error)
	ReplicaDao(key string) (storage.Dao, error)
}
