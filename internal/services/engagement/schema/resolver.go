// Package schema resolves entity names to their content tables and runs the
// per-entity tags query that loads display metadata for denormalization.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harborcms/harbor/internal/services/engagement/domain"
	"github.com/harborcms/harbor/internal/services/engagement/storage"
	_ "modernc.org/sqlite"
)

// MetaColumns names the content-table columns backing display metadata.
// Empty fields fall back to the conventional column names.
type MetaColumns struct {
	Title       string `yaml:"title"`
	URL         string `yaml:"url"`
	Image       string `yaml:"image"`
	Subtitle    string `yaml:"subtitle"`
	PublishedAt string `yaml:"published_at"`
}

func (c MetaColumns) normalized() MetaColumns {
	if c.Title == "" {
		c.Title = "title"
	}
	if c.URL == "" {
		c.URL = "url"
	}
	if c.Image == "" {
		c.Image = "image"
	}
	if c.Subtitle == "" {
		c.Subtitle = "subtitle"
	}
	if c.PublishedAt == "" {
		c.PublishedAt = "published_at"
	}
	return c
}

// EntityConfig registers one engageable entity.
type EntityConfig struct {
	Name       string      `yaml:"name"`
	Table      string      `yaml:"table"`
	PrimaryKey string      `yaml:"primary_key"`
	Columns    MetaColumns `yaml:"columns"`
}

type entityEntry struct {
	info    domain.EntityInfo
	columns MetaColumns
}

// Resolver serves entity lookups against a content database.
type Resolver struct {
	sqlDB    *sql.DB
	owned    bool
	entities map[string]entityEntry
}

// Open opens the content database at path and registers the entities.
func Open(path string, configs []EntityConfig) (*Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("content db path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open content db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping content db: %w", err)
	}
	resolver, err := NewResolver(sqlDB, configs)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	resolver.owned = true
	return resolver, nil
}

// NewResolver wraps an existing content database handle.
func NewResolver(sqlDB *sql.DB, configs []EntityConfig) (*Resolver, error) {
	if sqlDB == nil {
		return nil, fmt.Errorf("content db is required")
	}
	entities := make(map[string]entityEntry, len(configs))
	for _, cfg := range configs {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return nil, fmt.Errorf("entity name is required")
		}
		if strings.TrimSpace(cfg.Table) == "" {
			return nil, fmt.Errorf("entity %q has no table", name)
		}
		primaryKey := strings.TrimSpace(cfg.PrimaryKey)
		if primaryKey == "" {
			primaryKey = "id"
		}
		entities[name] = entityEntry{
			info:    domain.EntityInfo{Name: name, Table: cfg.Table, PrimaryKey: primaryKey},
			columns: cfg.Columns.normalized(),
		}
	}
	return &Resolver{sqlDB: sqlDB, entities: entities}, nil
}

// Close closes the content database when the resolver opened it.
func (r *Resolver) Close() error {
	if r == nil || r.sqlDB == nil || !r.owned {
		return nil
	}
	return r.sqlDB.Close()
}

// Resolve maps an entity name to its table metadata.
func (r *Resolver) Resolve(_ context.Context, entity string) (domain.EntityInfo, error) {
	entry, ok := r.entities[entity]
	if !ok {
		return domain.EntityInfo{}, fmt.Errorf("%w: %q", domain.ErrEntityNotFound, entity)
	}
	return entry.info, nil
}

// FetchDisplayMeta runs the entity's tags query for all record ids at once.
// Unknown record ids are absent from the result map.
func (r *Resolver) FetchDisplayMeta(ctx context.Context, entity string, recordIDs []string) (map[string]storage.DisplayMeta, error) {
	entry, ok := r.entities[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrEntityNotFound, entity)
	}
	metas := make(map[string]storage.DisplayMeta, len(recordIDs))
	if len(recordIDs) == 0 {
		return metas, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(recordIDs)), ", ")
	query := fmt.Sprintf(
		"SELECT %s, %s, %s, %s, %s, %s FROM %s WHERE %s IN (%s)",
		entry.info.PrimaryKey,
		entry.columns.Title, entry.columns.URL, entry.columns.Image, entry.columns.Subtitle, entry.columns.PublishedAt,
		entry.info.Table, entry.info.PrimaryKey, placeholders,
	)
	args := make([]any, len(recordIDs))
	for i, id := range recordIDs {
		args[i] = id
	}

	rows, err := r.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s metadata: %w", entity, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var meta storage.DisplayMeta
		var publishedAt int64
		if err := rows.Scan(&id, &meta.Title, &meta.URL, &meta.Image, &meta.Subtitle, &publishedAt); err != nil {
			return nil, fmt.Errorf("scan %s metadata: %w", entity, err)
		}
		meta.PublishedAt = fromMillis(publishedAt)
		metas[id] = meta
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s metadata: %w", entity, err)
	}
	return metas, nil
}
