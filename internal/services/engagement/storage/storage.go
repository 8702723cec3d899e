// Package storage defines persistence contracts for engagement ledger state.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested engagement record is missing.
var ErrNotFound = errors.New("record not found")

// ScoreType is the reserved engagement type carrying the ranking score.
const ScoreType = "score"

// DisplayMeta carries denormalized record metadata copied onto status rows
// so list views need no join back to the content tables.
type DisplayMeta struct {
	Title       string
	URL         string
	Image       string
	Subtitle    string
	PublishedAt time.Time
}

// StatusRecord stores one per-user engagement status row.
type StatusRecord struct {
	Entity    string
	RecordID  string
	Type      string
	UserID    string
	IsActive  bool
	Deleted   bool
	Meta      DisplayMeta
	UpdatedAt time.Time
}

// Key returns the status row's canonical key.
func (r StatusRecord) Key() StatusKey {
	return StatusKey{Entity: r.Entity, RecordID: r.RecordID, Type: r.Type, UserID: r.UserID}
}

// CountRecord stores one per-record engagement counter row.
type CountRecord struct {
	Entity    string
	RecordID  string
	Type      string
	Count     int64
	UpdatedAt time.Time
}

// Key returns the counter row's canonical key.
func (r CountRecord) Key() CountKey {
	return CountKey{Entity: r.Entity, RecordID: r.RecordID, Type: r.Type}
}

// ScoreRow is one entry of a ranked score listing.
type ScoreRow struct {
	RecordID string
	Score    int64
}

// StatusPage is a paged per-user engagement listing.
type StatusPage struct {
	Statuses      []StatusRecord
	NextPageToken string
}

// Dao is the narrow row-upsert contract every shard store implements. All
// single-row operations are atomic against the underlying engine.
type Dao interface {
	// UpsertStatus writes one status row and reports whether the recorded
	// active state actually changed. Creating a row with IsActive=false is
	// not a change: the implicit prior state is inactive.
	UpsertStatus(ctx context.Context, record StatusRecord) (bool, error)
	// BatchUpsertStatus writes status rows in one transaction. The deleted
	// flag of existing rows is preserved.
	BatchUpsertStatus(ctx context.Context, records []StatusRecord) error
	// GetStatus loads one status row or ErrNotFound.
	GetStatus(ctx context.Context, key StatusKey) (StatusRecord, error)
	// ListStatusesByUser pages one user's active, non-deleted rows for an
	// engagement type, newest first. An empty entity matches all entities.
	ListStatusesByUser(ctx context.Context, entity, engagementType, userID string, pageSize int, pageToken string) (StatusPage, error)
	// SoftDeleteStatus marks one status row deleted without removing it.
	SoftDeleteStatus(ctx context.Context, key StatusKey, at time.Time) error

	// IncreaseCount applies delta to a counter, synthesizing initVal+delta
	// in one upsert when the row does not exist yet. Returns the new value.
	IncreaseCount(ctx context.Context, key CountKey, initVal, delta int64, at time.Time) (int64, error)
	// BatchSetCounts writes buffered running totals in one transaction,
	// replacing the stored value on conflict so re-flushes are idempotent.
	BatchSetCounts(ctx context.Context, records []CountRecord) error
	// GetCounts batch-loads counter values for the given keys. Missing keys
	// are absent from the result map.
	GetCounts(ctx context.Context, keys []CountKey) (map[string]int64, error)
	// TopScores lists the highest score rows for an entity.
	TopScores(ctx context.Context, entity string, limit, offset int) ([]ScoreRow, error)

	Close() error
}
