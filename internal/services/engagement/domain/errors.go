package domain

import "errors"

var (
	// ErrNotAuthenticated indicates a user-scoped operation without a caller.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrUnsupportedType indicates an activity type outside the configured catalog.
	ErrUnsupportedType = errors.New("unsupported engagement type")
	// ErrEntityNotFound indicates an entity name unknown to the schema.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrRecordNotFound indicates the target record does not exist.
	ErrRecordNotFound = errors.New("record not found")
	// ErrShardsNotConfigured indicates the service is missing shard wiring.
	ErrShardsNotConfigured = errors.New("engagement shards are not configured")
	// ErrResolverNotConfigured indicates the service is missing schema wiring.
	ErrResolverNotConfigured = errors.New("entity resolver is not configured")
)
