package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/harborcms/harbor/internal/services/engagement/shard"
)

func writeConfig(t *testing.T, raw string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engagement.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `shards:
  range: 100
  groups:
    - name: a
      lo: 0
      hi: 49
      primary: data/a.db
      replicas:
        - data/a-r1.db
    - name: b
      lo: 50
      hi: 99
      primary: data/b.db
activities:
  - name: like
    kind: toggle
    weight: 20
  - name: view
    kind: auto
    weight: 1
  - name: share
    kind: record
    weight: 10
score:
  reference_time: 2026-01-01T00:00:00Z
  hour_boost_weight: 1
entities:
  - name: post
    table: posts
`

func TestLoadFileConfig(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFileConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Shards.Range != 100 || len(cfg.Shards.Groups) != 2 {
		t.Fatalf("unexpected topology %+v", cfg.Shards)
	}
	if cfg.Score.HourBoostWeight != 1 || cfg.Score.ReferenceTime.IsZero() {
		t.Fatalf("unexpected score policy %+v", cfg.Score)
	}
	if len(cfg.Entities) != 1 || cfg.Entities[0].Table != "posts" {
		t.Fatalf("unexpected entities %+v", cfg.Entities)
	}

	catalog := cfg.ActivityCatalog()
	if len(catalog) != 3 {
		t.Fatalf("expected 3 activities, got %d", len(catalog))
	}
	if catalog["like"].Weight != 20 {
		t.Fatalf("unexpected like activity %+v", catalog["like"])
	}

	types := cfg.CountedTypes()
	if len(types) != 3 {
		t.Fatalf("expected 3 counted types, got %v", types)
	}
}

func TestLoadFileConfigRejectsBadTopology(t *testing.T) {
	t.Parallel()

	raw := `shards:
  range: 100
  groups:
    - name: a
      lo: 0
      hi: 40
      primary: data/a.db
activities:
  - name: like
    kind: toggle
    weight: 1
`
	_, err := LoadFileConfig(writeConfig(t, raw))
	if !errors.Is(err, shard.ErrInvalidTopology) {
		t.Fatalf("expected ErrInvalidTopology, got %v", err)
	}
}

func TestLoadFileConfigRejectsEmptyActivities(t *testing.T) {
	t.Parallel()

	raw := `shards:
  range: 10
  groups:
    - name: a
      lo: 0
      hi: 9
      primary: data/a.db
activities: []
`
	if _, err := LoadFileConfig(writeConfig(t, raw)); err == nil {
		t.Fatal("expected error for empty activities")
	}
}

func TestLoadFileConfigRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	raw := `shards:
  range: 10
  groups:
    - name: a
      lo: 0
      hi: 9
      primary: data/a.db
activities:
  - name: like
    kind: sticky
    weight: 1
`
	if _, err := LoadFileConfig(writeConfig(t, raw)); err == nil {
		t.Fatal("expected error for unknown activity kind")
	}
}

func TestLoadFileConfigMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := LoadFileConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}
