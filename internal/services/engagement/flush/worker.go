// Package flush drains the engagement write buffers into sharded durable
// storage on a fixed interval.
package flush

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborcms/harbor/internal/services/engagement/buffer"
	"github.com/harborcms/harbor/internal/services/engagement/domain"
	"github.com/harborcms/harbor/internal/services/engagement/shard"
	"github.com/harborcms/harbor/internal/services/engagement/storage"
)

// DefaultInterval is the flush cadence when none is configured.
const DefaultInterval = time.Minute

// Config controls the flush worker's cadence and initial watermark.
type Config struct {
	// Interval between flush cycles. Defaults to DefaultInterval.
	Interval time.Duration
	// LastFlush seeds the first cycle's "changes since" watermark. When
	// zero, the first cycle looks back one interval.
	LastFlush time.Time
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Worker reconciles buffered counter totals and status flips into each
// owning shard's primary store. Buffers are not cleared after a flush: the
// advancing watermark supersedes drained entries, and they stay valid as a
// read-through cache for the process lifetime.
type Worker struct {
	counts    *buffer.CountBuffer
	statuses  *buffer.StatusBuffer
	router    *shard.Router
	resolver  domain.EntityResolver
	cfg       Config
	lastFlush time.Time
	clock     func() time.Time
	logf      func(format string, args ...any)
	tracer    trace.Tracer
}

// NewWorker constructs a flush worker. A nil clock uses time.Now; a nil
// logf uses the standard logger.
func NewWorker(counts *buffer.CountBuffer, statuses *buffer.StatusBuffer, router *shard.Router, resolver domain.EntityResolver, cfg Config, clock func() time.Time, logf func(format string, args ...any)) *Worker {
	if clock == nil {
		clock = time.Now
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Worker{
		counts:    counts,
		statuses:  statuses,
		router:    router,
		resolver:  resolver,
		cfg:       cfg.normalized(),
		lastFlush: cfg.LastFlush,
		clock:     clock,
		logf:      logf,
		tracer:    otel.Tracer("engagement/flush"),
	}
}

// Run flushes on every tick until the context is cancelled. A failed cycle
// is logged and retried on the next tick; it never terminates the worker.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.FlushOnce(ctx); err != nil {
				w.logf("engagement flush: %v", err)
			}
		}
	}
}

// FlushOnce runs one reconciliation cycle. The watermark advances only when
// the whole cycle succeeds, so a failed cycle's deltas are re-flushed next
// time; the batched set-on-conflict upserts make that idempotent.
func (w *Worker) FlushOnce(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "engagement.Flush")
	defer span.End()

	now := w.clock().UTC()
	since := w.lastFlush
	if since.IsZero() {
		since = now.Add(-w.cfg.Interval)
	}

	countTotal, err := w.flushCounts(ctx, since, now)
	if err != nil {
		return fmt.Errorf("flush counts: %w", err)
	}
	statusTotal, err := w.flushStatuses(ctx, since, now)
	if err != nil {
		return fmt.Errorf("flush statuses: %w", err)
	}
	span.SetAttributes(
		attribute.Int("engagement.flushed_counts", countTotal),
		attribute.Int("engagement.flushed_statuses", statusTotal),
	)

	w.lastFlush = now
	return nil
}

func (w *Worker) flushCounts(ctx context.Context, since, now time.Time) (int, error) {
	if w.counts == nil {
		return 0, nil
	}
	changed := w.counts.GetAfterLastFlush(since)
	if len(changed) == 0 {
		return 0, nil
	}
	records := make([]storage.CountRecord, 0, len(changed))
	for key, total := range changed {
		countKey, err := storage.ParseCountKey(key)
		if err != nil {
			return 0, err
		}
		records = append(records, storage.CountRecord{
			Entity:    countKey.Entity,
			RecordID:  countKey.RecordID,
			Type:      countKey.Type,
			Count:     total,
			UpdatedAt: now,
		})
	}
	err := shard.Execute(ctx, w.router, records,
		func(record storage.CountRecord) string { return record.Key().String() },
		func(ctx context.Context, dao storage.Dao, batch []storage.CountRecord) error {
			return dao.BatchSetCounts(ctx, batch)
		})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (w *Worker) flushStatuses(ctx context.Context, since, now time.Time) (int, error) {
	if w.statuses == nil {
		return 0, nil
	}
	changed := w.statuses.GetAfterLastFlush(since)
	if len(changed) == 0 {
		return 0, nil
	}

	keys := make([]storage.StatusKey, 0, len(changed))
	active := make(map[string]bool, len(changed))
	for key, value := range changed {
		statusKey, err := storage.ParseStatusKey(key)
		if err != nil {
			return 0, err
		}
		keys = append(keys, statusKey)
		active[key] = value
	}

	metas, err := w.resolveMetas(ctx, keys)
	if err != nil {
		return 0, err
	}

	records := make([]storage.StatusRecord, 0, len(keys))
	for _, key := range keys {
		records = append(records, storage.StatusRecord{
			Entity:    key.Entity,
			RecordID:  key.RecordID,
			Type:      key.Type,
			UserID:    key.UserID,
			IsActive:  active[key.String()],
			Meta:      metas[key.Entity][key.RecordID],
			UpdatedAt: now,
		})
	}
	// Status rows shard by user id so per-user listings stay single-shard.
	err = shard.Execute(ctx, w.router, records,
		func(record storage.StatusRecord) string { return record.UserID },
		func(ctx context.Context, dao storage.Dao, batch []storage.StatusRecord) error {
			return dao.BatchUpsertStatus(ctx, batch)
		})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// resolveMetas fetches display metadata once per distinct entity across the
// whole batch, not per event.
func (w *Worker) resolveMetas(ctx context.Context, keys []storage.StatusKey) (map[string]map[string]storage.DisplayMeta, error) {
	if w.resolver == nil {
		return map[string]map[string]storage.DisplayMeta{}, nil
	}
	byEntity := make(map[string]map[string]struct{})
	for _, key := range keys {
		ids, ok := byEntity[key.Entity]
		if !ok {
			ids = make(map[string]struct{})
			byEntity[key.Entity] = ids
		}
		ids[key.RecordID] = struct{}{}
	}

	metas := make(map[string]map[string]storage.DisplayMeta, len(byEntity))
	for entity, idSet := range byEntity {
		ids := make([]string, 0, len(idSet))
		for id := range idSet {
			ids = append(ids, id)
		}
		entityMetas, err := w.resolver.FetchDisplayMeta(ctx, entity, ids)
		if err != nil {
			return nil, fmt.Errorf("resolve %s metadata: %w", entity, err)
		}
		metas[entity] = entityMetas
	}
	return metas, nil
}
