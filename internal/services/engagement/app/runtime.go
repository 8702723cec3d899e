// Package app wires the engagement ledger runtime: shard stores, write
// buffers, the collect service, the read-side hooks, and the flush loop.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harborcms/harbor/internal/services/engagement/buffer"
	"github.com/harborcms/harbor/internal/services/engagement/domain"
	"github.com/harborcms/harbor/internal/services/engagement/flush"
	"github.com/harborcms/harbor/internal/services/engagement/outbox"
	"github.com/harborcms/harbor/internal/services/engagement/query"
	"github.com/harborcms/harbor/internal/services/engagement/schema"
	"github.com/harborcms/harbor/internal/services/engagement/shard"
	"github.com/harborcms/harbor/internal/services/engagement/storage"
	engagementsqlite "github.com/harborcms/harbor/internal/services/engagement/storage/sqlite"
)

// RuntimeConfig controls engagement runtime startup and loop behavior.
type RuntimeConfig struct {
	ConfigPath    string
	ContentDBPath string
	OutboxDBPath  string
	FlushInterval time.Duration
	Buffered      bool
}

const (
	defaultConfigPath  = "data/engagement.yaml"
	defaultContentDB   = "data/content.db"
	defaultOutboxDB    = "data/engagement-outbox.db"
	hookNameEngagement = "engagement"
)

// Runtime holds the wired engagement subsystem. The embedding process uses
// Service and Registry; the binary runs the flush loop.
type Runtime struct {
	Service  *domain.Service
	Plugin   *query.Plugin
	Registry *query.Registry
	Worker   *flush.Worker

	router   *shard.Router
	resolver *schema.Resolver
	outbox   *outbox.Store
}

// NewRuntime opens every store and constructs the engagement subsystem.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if strings.TrimSpace(cfg.ConfigPath) == "" {
		cfg.ConfigPath = defaultConfigPath
	}
	if strings.TrimSpace(cfg.ContentDBPath) == "" {
		cfg.ContentDBPath = defaultContentDB
	}
	if strings.TrimSpace(cfg.OutboxDBPath) == "" {
		cfg.OutboxDBPath = defaultOutboxDB
	}

	fileConfig, err := LoadFileConfig(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	router, err := shard.NewRouter(fileConfig.Shards, func(dsn string) (storage.Dao, error) {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create shard storage dir: %w", err)
			}
		}
		return engagementsqlite.Open(dsn)
	})
	if err != nil {
		return nil, err
	}

	resolver, err := schema.Open(cfg.ContentDBPath, fileConfig.Entities)
	if err != nil {
		_ = router.Close()
		return nil, err
	}
	outboxStore, err := outbox.Open(cfg.OutboxDBPath)
	if err != nil {
		_ = resolver.Close()
		_ = router.Close()
		return nil, err
	}

	counts := buffer.NewCountBuffer(nil)
	statuses := buffer.NewStatusBuffer(nil)
	service := domain.NewService(domain.Config{
		Activities: fileConfig.ActivityCatalog(),
		Score:      fileConfig.Score,
		Buffered:   cfg.Buffered,
	}, router, counts, statuses, domain.ContextIdentity{}, resolver, outboxStore, nil)

	plugin := query.NewPlugin(service, router, resolver, fileConfig.CountedTypes())
	registry := query.NewRegistry()
	if err := registry.Register(hookNameEngagement, plugin); err != nil {
		_ = outboxStore.Close()
		_ = resolver.Close()
		_ = router.Close()
		return nil, err
	}

	worker := flush.NewWorker(counts, statuses, router, resolver, flush.Config{
		Interval: cfg.FlushInterval,
	}, nil, nil)

	return &Runtime{
		Service:  service,
		Plugin:   plugin,
		Registry: registry,
		Worker:   worker,
		router:   router,
		resolver: resolver,
		outbox:   outboxStore,
	}, nil
}

// Close releases every store the runtime opened.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var firstErr error
	if err := r.outbox.Close(); err != nil {
		firstErr = err
	}
	if err := r.resolver.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.router.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Run constructs the runtime and drives the flush loop until context
// cancellation.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runtime, err := NewRuntime(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			log.Printf("close engagement runtime: %v", closeErr)
		}
	}()

	log.Printf("engagement flush worker running (hooks: %v)", runtime.Registry.Names())
	return runtime.Worker.Run(ctx)
}
