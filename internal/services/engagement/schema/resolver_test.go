package schema

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/harborcms/harbor/internal/services/engagement/domain"
)

func seedContentDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "content.db")
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open content db: %v", err)
	}
	defer sqlDB.Close()

	if _, err := sqlDB.Exec(`
CREATE TABLE posts (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    url TEXT NOT NULL,
    image TEXT NOT NULL DEFAULT '',
    subtitle TEXT NOT NULL DEFAULT '',
    published_at INTEGER NOT NULL
)`); err != nil {
		t.Fatalf("create posts table: %v", err)
	}
	if _, err := sqlDB.Exec(`
CREATE TABLE videos (
    slug TEXT PRIMARY KEY,
    heading TEXT NOT NULL,
    link TEXT NOT NULL,
    thumb TEXT NOT NULL DEFAULT '',
    caption TEXT NOT NULL DEFAULT '',
    released_at INTEGER NOT NULL
)`); err != nil {
		t.Fatalf("create videos table: %v", err)
	}

	published := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	if _, err := sqlDB.Exec(`
INSERT INTO posts (id, title, url, image, subtitle, published_at) VALUES
    ('rec-1', 'First Post', '/posts/rec-1', '/img/1.png', 'intro', ?),
    ('rec-2', 'Second Post', '/posts/rec-2', '', '', ?)
`, published, published); err != nil {
		t.Fatalf("seed posts: %v", err)
	}
	if _, err := sqlDB.Exec(`
INSERT INTO videos (slug, heading, link, thumb, caption, released_at) VALUES
    ('vid-1', 'A Video', '/videos/vid-1', '/thumb/1.png', 'watch', ?)
`, published); err != nil {
		t.Fatalf("seed videos: %v", err)
	}
	return path
}

func testEntityConfigs() []EntityConfig {
	return []EntityConfig{
		{Name: "post", Table: "posts"},
		{Name: "video", Table: "videos", PrimaryKey: "slug", Columns: MetaColumns{
			Title: "heading", URL: "link", Image: "thumb", Subtitle: "caption", PublishedAt: "released_at",
		}},
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	resolver, err := Open(seedContentDB(t), testEntityConfigs())
	if err != nil {
		t.Fatalf("open resolver: %v", err)
	}
	t.Cleanup(func() { _ = resolver.Close() })

	info, err := resolver.Resolve(context.Background(), "post")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if info.Table != "posts" || info.PrimaryKey != "id" {
		t.Fatalf("unexpected entity info %+v", info)
	}

	info, err = resolver.Resolve(context.Background(), "video")
	if err != nil {
		t.Fatalf("resolve video: %v", err)
	}
	if info.PrimaryKey != "slug" {
		t.Fatalf("expected configured primary key, got %+v", info)
	}

	if _, err := resolver.Resolve(context.Background(), "page"); !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestFetchDisplayMeta(t *testing.T) {
	t.Parallel()

	resolver, err := Open(seedContentDB(t), testEntityConfigs())
	if err != nil {
		t.Fatalf("open resolver: %v", err)
	}
	t.Cleanup(func() { _ = resolver.Close() })

	metas, err := resolver.FetchDisplayMeta(context.Background(), "post", []string{"rec-1", "rec-2", "rec-404"})
	if err != nil {
		t.Fatalf("fetch meta: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("expected 2 metas, got %d", len(metas))
	}
	first := metas["rec-1"]
	if first.Title != "First Post" || first.URL != "/posts/rec-1" || first.Image != "/img/1.png" || first.Subtitle != "intro" {
		t.Fatalf("unexpected meta %+v", first)
	}
	want := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if !first.PublishedAt.Equal(want) {
		t.Fatalf("published at %v, want %v", first.PublishedAt, want)
	}
	if _, ok := metas["rec-404"]; ok {
		t.Fatal("unknown record id should be absent")
	}
}

func TestFetchDisplayMetaCustomColumns(t *testing.T) {
	t.Parallel()

	resolver, err := Open(seedContentDB(t), testEntityConfigs())
	if err != nil {
		t.Fatalf("open resolver: %v", err)
	}
	t.Cleanup(func() { _ = resolver.Close() })

	metas, err := resolver.FetchDisplayMeta(context.Background(), "video", []string{"vid-1"})
	if err != nil {
		t.Fatalf("fetch meta: %v", err)
	}
	meta := metas["vid-1"]
	if meta.Title != "A Video" || meta.URL != "/videos/vid-1" || meta.Image != "/thumb/1.png" || meta.Subtitle != "watch" {
		t.Fatalf("unexpected meta %+v", meta)
	}
}

func TestFetchDisplayMetaUnknownEntity(t *testing.T) {
	t.Parallel()

	resolver, err := Open(seedContentDB(t), testEntityConfigs())
	if err != nil {
		t.Fatalf("open resolver: %v", err)
	}
	t.Cleanup(func() { _ = resolver.Close() })

	if _, err := resolver.FetchDisplayMeta(context.Background(), "page", []string{"rec-1"}); !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}

	metas, err := resolver.FetchDisplayMeta(context.Background(), "post", nil)
	if err != nil {
		t.Fatalf("fetch with no ids: %v", err)
	}
	if len(metas) != 0 {
		t.Fatalf("expected empty result, got %d", len(metas))
	}
}

func TestNewResolverValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewResolver(nil, nil); err == nil {
		t.Fatal("expected error for nil db")
	}

	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "content.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if _, err := NewResolver(sqlDB, []EntityConfig{{Name: " ", Table: "posts"}}); err == nil {
		t.Fatal("expected error for blank entity name")
	}
	if _, err := NewResolver(sqlDB, []EntityConfig{{Name: "post"}}); err == nil {
		t.Fatal("expected error for missing table")
	}
}
