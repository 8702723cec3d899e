// Package sqlite provides SQLite-backed shard storage for the engagement
// ledger. One Store serves one shard database; the shard router owns the
// mapping from keys to stores.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/harborcms/harbor/internal/platform/storage/sqlitemigrate"
	"github.com/harborcms/harbor/internal/services/engagement/storage"
	"github.com/harborcms/harbor/internal/services/engagement/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for one engagement shard.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens an engagement shard store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

// UpsertStatus writes one status row and reports whether the recorded
// active state actually changed. The prior state of an absent row is
// inactive, so creating a row with IsActive=false is not a change.
func (s *Store) UpsertStatus(ctx context.Context, record storage.StatusRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin status write: %w", err)
	}

	var previous bool
	var existed bool
	row := tx.QueryRowContext(ctx, `
SELECT is_active FROM engagement_status
WHERE entity = ? AND record_id = ? AND engagement_type = ? AND user_id = ?
`, record.Entity, record.RecordID, record.Type, record.UserID)
	var active int
	switch err := row.Scan(&active); {
	case err == nil:
		existed = true
		previous = active == 1
	case errors.Is(err, sql.ErrNoRows):
	default:
		_ = tx.Rollback()
		return false, fmt.Errorf("read status row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO engagement_status (entity, record_id, engagement_type, user_id, is_active, title, url, image, subtitle, published_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(entity, record_id, engagement_type, user_id) DO UPDATE SET
    is_active = excluded.is_active,
    title = excluded.title,
    url = excluded.url,
    image = excluded.image,
    subtitle = excluded.subtitle,
    published_at = excluded.published_at,
    updated_at = excluded.updated_at
`, record.Entity, record.RecordID, record.Type, record.UserID, boolToInt(record.IsActive),
		record.Meta.Title, record.Meta.URL, record.Meta.Image, record.Meta.Subtitle,
		toMillis(record.Meta.PublishedAt), toMillis(record.UpdatedAt)); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("upsert status row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit status write: %w", err)
	}

	if !existed {
		return record.IsActive, nil
	}
	return previous != record.IsActive, nil
}

// BatchUpsertStatus writes status rows in one transaction. The deleted flag
// of an existing row is preserved so flushes never resurrect soft-deleted
// history entries.
func (s *Store) BatchUpsertStatus(ctx context.Context, records []storage.StatusRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status batch: %w", err)
	}
	for _, record := range records {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO engagement_status (entity, record_id, engagement_type, user_id, is_active, title, url, image, subtitle, published_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(entity, record_id, engagement_type, user_id) DO UPDATE SET
    is_active = excluded.is_active,
    title = excluded.title,
    url = excluded.url,
    image = excluded.image,
    subtitle = excluded.subtitle,
    published_at = excluded.published_at,
    updated_at = excluded.updated_at
`, record.Entity, record.RecordID, record.Type, record.UserID, boolToInt(record.IsActive),
			record.Meta.Title, record.Meta.URL, record.Meta.Image, record.Meta.Subtitle,
			toMillis(record.Meta.PublishedAt), toMillis(record.UpdatedAt)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert status row %s: %w", record.Key().String(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status batch: %w", err)
	}
	return nil
}

// GetStatus loads one status row or storage.ErrNotFound.
func (s *Store) GetStatus(ctx context.Context, key storage.StatusKey) (storage.StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.StatusRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.StatusRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT entity, record_id, engagement_type, user_id, is_active, deleted, title, url, image, subtitle, published_at, updated_at
FROM engagement_status
WHERE entity = ? AND record_id = ? AND engagement_type = ? AND user_id = ?
`, key.Entity, key.RecordID, key.Type, key.UserID)
	record, err := scanStatusRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.StatusRecord{}, storage.ErrNotFound
		}
		return storage.StatusRecord{}, fmt.Errorf("read status row: %w", err)
	}
	return record, nil
}

// ListStatusesByUser pages one user's active, non-deleted rows for an
// engagement type, newest first.
func (s *Store) ListStatusesByUser(ctx context.Context, entity, engagementType, userID string, pageSize int, pageToken string) (storage.StatusPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.StatusPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.StatusPage{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.StatusPage{}, fmt.Errorf("user id is required")
	}
	if pageSize <= 0 {
		return storage.StatusPage{}, fmt.Errorf("page size must be greater than zero")
	}

	query := `
SELECT entity, record_id, engagement_type, user_id, is_active, deleted, title, url, image, subtitle, published_at, updated_at
FROM engagement_status
WHERE user_id = ? AND engagement_type = ? AND is_active = 1 AND deleted = 0
`
	args := []any{userID, engagementType}
	if entity != "" {
		query += " AND entity = ?"
		args = append(args, entity)
	}

	pageToken = strings.TrimSpace(pageToken)
	if pageToken != "" {
		tokenUpdatedAt, err := s.statusUpdatedAtByToken(ctx, engagementType, userID, pageToken)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.StatusPage{}, nil
			}
			return storage.StatusPage{}, err
		}
		query += " AND (updated_at < ? OR (updated_at = ? AND record_id < ?))"
		args = append(args, tokenUpdatedAt, tokenUpdatedAt, tokenRecordID(pageToken))
	}

	query += " ORDER BY updated_at DESC, record_id DESC LIMIT ?"
	args = append(args, pageSize+1)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.StatusPage{}, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var page storage.StatusPage
	for rows.Next() {
		record, err := scanStatusRecord(rows)
		if err != nil {
			return storage.StatusPage{}, fmt.Errorf("scan status row: %w", err)
		}
		page.Statuses = append(page.Statuses, record)
	}
	if err := rows.Err(); err != nil {
		return storage.StatusPage{}, fmt.Errorf("iterate status rows: %w", err)
	}
	if len(page.Statuses) > pageSize {
		page.Statuses = page.Statuses[:pageSize]
		last := page.Statuses[pageSize-1]
		page.NextPageToken = last.Entity + "." + last.RecordID
	}
	return page, nil
}

// SoftDeleteStatus marks one status row deleted without removing it.
func (s *Store) SoftDeleteStatus(ctx context.Context, key storage.StatusKey, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE engagement_status SET deleted = 1, updated_at = ?
WHERE entity = ? AND record_id = ? AND engagement_type = ? AND user_id = ?
`, toMillis(at), key.Entity, key.RecordID, key.Type, key.UserID)
	if err != nil {
		return fmt.Errorf("soft delete status row: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// IncreaseCount applies delta to a counter, synthesizing initVal+delta when
// the row does not exist yet. Returns the new value. Atomic at row level:
// the update and insert run inside one transaction.
func (s *Store) IncreaseCount(ctx context.Context, key storage.CountKey, initVal, delta int64, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin count write: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO engagement_counts (entity, record_id, engagement_type, count, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(entity, record_id, engagement_type) DO UPDATE SET
    count = count + ?,
    updated_at = excluded.updated_at
`, key.Entity, key.RecordID, key.Type, initVal+delta, toMillis(at), delta); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("increase count row: %w", err)
	}

	var value int64
	row := tx.QueryRowContext(ctx, `
SELECT count FROM engagement_counts
WHERE entity = ? AND record_id = ? AND engagement_type = ?
`, key.Entity, key.RecordID, key.Type)
	if err := row.Scan(&value); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("read count row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit count write: %w", err)
	}
	return value, nil
}

// BatchSetCounts writes buffered running totals in one transaction. The
// stored value is replaced on conflict, so re-flushing the same snapshot is
// idempotent.
func (s *Store) BatchSetCounts(ctx context.Context, records []storage.CountRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin count batch: %w", err)
	}
	for _, record := range records {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO engagement_counts (entity, record_id, engagement_type, count, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(entity, record_id, engagement_type) DO UPDATE SET
    count = excluded.count,
    updated_at = excluded.updated_at
`, record.Entity, record.RecordID, record.Type, record.Count, toMillis(record.UpdatedAt)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set count row %s: %w", record.Key().String(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit count batch: %w", err)
	}
	return nil
}

// GetCounts batch-loads counter values. Missing keys are absent from the
// result map, keyed by the canonical count key string.
func (s *Store) GetCounts(ctx context.Context, keys []storage.CountKey) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	values := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	const chunkSize = 100
	for start := 0; start < len(keys); start += chunkSize {
		end := min(start+chunkSize, len(keys))
		chunk := keys[start:end]

		var clauses []string
		var args []any
		for _, key := range chunk {
			clauses = append(clauses, "(entity = ? AND record_id = ? AND engagement_type = ?)")
			args = append(args, key.Entity, key.RecordID, key.Type)
		}
		rows, err := s.sqlDB.QueryContext(ctx, `
SELECT entity, record_id, engagement_type, count FROM engagement_counts
WHERE `+strings.Join(clauses, " OR "), args...)
		if err != nil {
			return nil, fmt.Errorf("batch read counts: %w", err)
		}
		for rows.Next() {
			var key storage.CountKey
			var count int64
			if err := rows.Scan(&key.Entity, &key.RecordID, &key.Type, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan count row: %w", err)
			}
			values[key.String()] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate count rows: %w", err)
		}
		rows.Close()
	}
	return values, nil
}

// TopScores lists the highest score rows for an entity.
func (s *Store) TopScores(ctx context.Context, entity string, limit, offset int) ([]storage.ScoreRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT record_id, count FROM engagement_counts
WHERE entity = ? AND engagement_type = ? AND deleted = 0
ORDER BY count DESC, record_id ASC
LIMIT ? OFFSET ?
`, entity, storage.ScoreType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list top scores: %w", err)
	}
	defer rows.Close()

	var scores []storage.ScoreRow
	for rows.Next() {
		var row storage.ScoreRow
		if err := rows.Scan(&row.RecordID, &row.Score); err != nil {
			return nil, fmt.Errorf("scan score row: %w", err)
		}
		scores = append(scores, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score rows: %w", err)
	}
	return scores, nil
}

func (s *Store) statusUpdatedAtByToken(ctx context.Context, engagementType, userID, token string) (int64, error) {
	entity, recordID, ok := strings.Cut(token, ".")
	if !ok {
		return 0, fmt.Errorf("malformed page token %q", token)
	}
	var updatedAt int64
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT updated_at FROM engagement_status
WHERE entity = ? AND record_id = ? AND engagement_type = ? AND user_id = ?
`, entity, recordID, engagementType, userID)
	if err := row.Scan(&updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("read page token row: %w", err)
	}
	return updatedAt, nil
}

func tokenRecordID(token string) string {
	_, recordID, _ := strings.Cut(token, ".")
	return recordID
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatusRecord(row rowScanner) (storage.StatusRecord, error) {
	var record storage.StatusRecord
	var isActive, deleted int
	var publishedAt, updatedAt int64
	if err := row.Scan(&record.Entity, &record.RecordID, &record.Type, &record.UserID,
		&isActive, &deleted, &record.Meta.Title, &record.Meta.URL, &record.Meta.Image,
		&record.Meta.Subtitle, &publishedAt, &updatedAt); err != nil {
		return storage.StatusRecord{}, err
	}
	record.IsActive = isActive == 1
	record.Deleted = deleted == 1
	record.Meta.PublishedAt = fromMillis(publishedAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
