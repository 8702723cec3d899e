// Package domain implements the engagement collect service: toggle and mark
// operations, count maintenance, score computation, and notification fan-out
// on definitive state transitions.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborcms/harbor/internal/services/engagement/buffer"
	"github.com/harborcms/harbor/internal/services/engagement/storage"
)

// TopicActivated is published when a user's engagement transitions from
// inactive to active for the first time on a toggleable type.
const TopicActivated = "engagement.activated"

// Config declares the activity catalog and write-path behavior for one
// deployment of the collect service.
type Config struct {
	// Activities catalogs the accepted engagement types by name.
	Activities map[string]Activity
	// Score configures the recency/engagement ranking blend.
	Score ScorePolicy
	// Buffered selects the in-memory fast path; when false every mutation
	// writes through to the owning shard's primary.
	Buffered bool
}

// ToggleInput identifies one toggleable engagement to flip.
type ToggleInput struct {
	Entity   string
	RecordID string
	Type     string
	Active   bool
}

// ToggleResult reports the outcome of a toggle.
type ToggleResult struct {
	// Count is the engagement type's count after the toggle.
	Count int64
	// Changed reports whether the recorded state actually flipped.
	Changed bool
	// Active is the recorded state after the toggle.
	Active bool
}

// MarkInput identifies one auto-recorded or record-only engagement event.
type MarkInput struct {
	Entity   string
	RecordID string
	Type     string
}

// ListInput configures a per-user engagement history listing.
type ListInput struct {
	Entity    string
	Type      string
	PageSize  int
	PageToken string
}

// DeleteInput identifies one of the caller's history entries to soft-delete.
type DeleteInput struct {
	Entity   string
	RecordID string
	Type     string
}

const (
	defaultListPageSize = 20
	maxListPageSize     = 100
)

// Service orchestrates engagement writes: it decides the buffered-vs-direct
// path, gates count deltas on actual state changes, keeps the score counter
// current, and emits one message per definitive activation.
type Service struct {
	cfg      Config
	shards   ShardAccess
	counts   *buffer.CountBuffer
	statuses *buffer.StatusBuffer
	identity Identity
	resolver EntityResolver
	producer Producer
	clock    func() time.Time
	logf     func(format string, args ...any)
	tracer   trace.Tracer
}

// NewService constructs the collect service. Buffers are required only when
// cfg.Buffered is set; a nil producer disables notification fan-out.
func NewService(cfg Config, shards ShardAccess, counts *buffer.CountBuffer, statuses *buffer.StatusBuffer, identity Identity, resolver EntityResolver, producer Producer, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		cfg:      cfg,
		shards:   shards,
		counts:   counts,
		statuses: statuses,
		identity: identity,
		resolver: resolver,
		producer: producer,
		clock:    clock,
		logf:     log.Printf,
		tracer:   otel.Tracer("engagement/collect"),
	}
}

// Toggle flips a toggleable engagement for the calling user. Count and score
// move only when the recorded state actually changed; the inactive-to-active
// edge additionally refreshes display metadata and produces one message.
func (s *Service) Toggle(ctx context.Context, input ToggleInput) (ToggleResult, error) {
	ctx, span := s.tracer.Start(ctx, "engagement.Toggle", trace.WithAttributes(
		attribute.String("engagement.entity", input.Entity),
		attribute.String("engagement.type", input.Type),
	))
	defer span.End()

	if s == nil || s.shards == nil {
		return ToggleResult{}, ErrShardsNotConfigured
	}
	userID, err := s.identity.UserID(ctx)
	if err != nil {
		return ToggleResult{}, err
	}
	activity, err := s.activity(input.Type)
	if err != nil {
		return ToggleResult{}, err
	}
	if activity.Kind != KindToggle {
		return ToggleResult{}, fmt.Errorf("%w: %q is not toggleable", ErrUnsupportedType, input.Type)
	}
	meta, err := s.lookupMeta(ctx, input.Entity, input.RecordID)
	if err != nil {
		return ToggleResult{}, err
	}
	statusKey, err := storage.StatusKeyOf(input.Entity, input.RecordID, input.Type, userID)
	if err != nil {
		return ToggleResult{}, err
	}
	countKey := storage.CountKey{Entity: input.Entity, RecordID: input.RecordID, Type: input.Type}

	changed, err := s.recordStatus(ctx, statusKey, input.Active, meta)
	if err != nil {
		return ToggleResult{}, err
	}
	if !changed {
		count, err := s.currentCount(ctx, countKey)
		if err != nil {
			return ToggleResult{}, err
		}
		return ToggleResult{Count: count, Changed: false, Active: input.Active}, nil
	}

	delta := int64(1)
	if !input.Active {
		delta = -1
	}
	count, err := s.applyCount(ctx, countKey, delta)
	if err != nil {
		return ToggleResult{}, err
	}
	if err := s.applyScore(ctx, input.Entity, input.RecordID, delta, activity, meta); err != nil {
		return ToggleResult{}, err
	}
	if input.Active {
		s.produceActivated(ctx, statusKey)
	}
	return ToggleResult{Count: count, Changed: true, Active: input.Active}, nil
}

// Mark records one auto-recorded engagement event. Every call counts:
// repeated views are meant to accumulate.
func (s *Service) Mark(ctx context.Context, input MarkInput) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "engagement.Mark", trace.WithAttributes(
		attribute.String("engagement.entity", input.Entity),
		attribute.String("engagement.type", input.Type),
	))
	defer span.End()

	activity, err := s.activity(input.Type)
	if err != nil {
		return 0, err
	}
	if activity.Kind != KindAuto {
		return 0, fmt.Errorf("%w: %q is not auto-recorded", ErrUnsupportedType, input.Type)
	}
	return s.record(ctx, input, activity)
}

// Record stores one record-only engagement event (for example a share).
// The activity type must be explicitly declared in configuration.
func (s *Service) Record(ctx context.Context, input MarkInput) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "engagement.Record", trace.WithAttributes(
		attribute.String("engagement.entity", input.Entity),
		attribute.String("engagement.type", input.Type),
	))
	defer span.End()

	activity, err := s.activity(input.Type)
	if err != nil {
		return 0, err
	}
	if activity.Kind != KindRecordOnly {
		return 0, fmt.Errorf("%w: %q is not record-only", ErrUnsupportedType, input.Type)
	}
	return s.record(ctx, input, activity)
}

func (s *Service) record(ctx context.Context, input MarkInput, activity Activity) (int64, error) {
	if s == nil || s.shards == nil {
		return 0, ErrShardsNotConfigured
	}
	userID, err := s.identity.UserID(ctx)
	if err != nil {
		return 0, err
	}
	meta, err := s.lookupMeta(ctx, input.Entity, input.RecordID)
	if err != nil {
		return 0, err
	}
	statusKey, err := storage.StatusKeyOf(input.Entity, input.RecordID, input.Type, userID)
	if err != nil {
		return 0, err
	}
	countKey := storage.CountKey{Entity: input.Entity, RecordID: input.RecordID, Type: input.Type}

	if s.cfg.Buffered && s.statuses != nil {
		s.statuses.Set(statusKey.String())
	} else {
		dao, err := s.shards.PrimaryDao(statusKey.UserID)
		if err != nil {
			return 0, err
		}
		record := s.statusRecord(statusKey, true, meta)
		if _, err = dao.UpsertStatus(ctx, record); err != nil {
			return 0, err
		}
	}

	count, err := s.applyCount(ctx, countKey, 1)
	if err != nil {
		return 0, err
	}
	if err := s.applyScore(ctx, input.Entity, input.RecordID, 1, activity, meta); err != nil {
		return 0, err
	}
	return count, nil
}

// Counts batch-loads engagement counts for records, keyed by the canonical
// count key string. The read-side query plugin is the main consumer.
func (s *Service) Counts(ctx context.Context, entity string, recordIDs, types []string) (map[string]int64, error) {
	if s == nil || s.shards == nil {
		return nil, ErrShardsNotConfigured
	}
	keys := make([]storage.CountKey, 0, len(recordIDs)*len(types))
	for _, recordID := range recordIDs {
		for _, engagementType := range types {
			key, err := storage.CountKeyOf(entity, recordID, engagementType)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
	}
	if s.cfg.Buffered && s.counts != nil {
		keyStrings := make([]string, len(keys))
		for i, key := range keys {
			keyStrings[i] = key.String()
		}
		return s.counts.Get(ctx, keyStrings, s.countLoader)
	}

	// Group keys by resolved replica handle so each physical store is
	// queried once.
	batches := make(map[storage.Dao][]storage.CountKey)
	for _, key := range keys {
		dao, err := s.shards.ReplicaDao(key.String())
		if err != nil {
			return nil, err
		}
		batches[dao] = append(batches[dao], key)
	}
	values := make(map[string]int64, len(keys))
	for dao, batch := range batches {
		partial, err := dao.GetCounts(ctx, batch)
		if err != nil {
			return nil, err
		}
		for k, v := range partial {
			values[k] = v
		}
	}
	for _, key := range keys {
		if _, ok := values[key.String()]; !ok {
			values[key.String()] = 0
		}
	}
	return values, nil
}

// Seen probes which of the given records the calling user has already
// engaged with, consulting only the status buffer. Records absent from the
// buffer are absent from the result.
func (s *Service) Seen(ctx context.Context, entity, engagementType string, recordIDs []string) (map[string]bool, error) {
	if s == nil || s.statuses == nil {
		return map[string]bool{}, nil
	}
	userID, err := s.identity.UserID(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(recordIDs))
	for _, recordID := range recordIDs {
		key, err := storage.StatusKeyOf(entity, recordID, engagementType, userID)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key.String())
	}
	return s.statuses.BatchGet(keys), nil
}

// List pages the calling user's active engagement history for a type,
// newest first, served from the user's shard.
func (s *Service) List(ctx context.Context, input ListInput) (storage.StatusPage, error) {
	if s == nil || s.shards == nil {
		return storage.StatusPage{}, ErrShardsNotConfigured
	}
	userID, err := s.identity.UserID(ctx)
	if err != nil {
		return storage.StatusPage{}, err
	}
	if _, err := s.activity(input.Type); err != nil {
		return storage.StatusPage{}, err
	}
	pageSize := input.PageSize
	switch {
	case pageSize <= 0:
		pageSize = defaultListPageSize
	case pageSize > maxListPageSize:
		pageSize = maxListPageSize
	}
	dao, err := s.shards.ReplicaDao(userID)
	if err != nil {
		return storage.StatusPage{}, err
	}
	return dao.ListStatusesByUser(ctx, input.Entity, input.Type, userID, pageSize, input.PageToken)
}

// Delete soft-deletes one of the calling user's history entries. The row is
// kept; deleted entries drop out of listings.
func (s *Service) Delete(ctx context.Context, input DeleteInput) error {
	if s == nil || s.shards == nil {
		return ErrShardsNotConfigured
	}
	userID, err := s.identity.UserID(ctx)
	if err != nil {
		return err
	}
	if _, err := s.activity(input.Type); err != nil {
		return err
	}
	key, err := storage.StatusKeyOf(input.Entity, input.RecordID, input.Type, userID)
	if err != nil {
		return err
	}
	dao, err := s.shards.PrimaryDao(key.UserID)
	if err != nil {
		return err
	}
	if err := dao.SoftDeleteStatus(ctx, key, s.clock().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrRecordNotFound
		}
		return err
	}
	return nil
}

func (s *Service) activity(name string) (Activity, error) {
	activity, ok := s.cfg.Activities[name]
	if !ok {
		return Activity{}, fmt.Errorf("%w: %q", ErrUnsupportedType, name)
	}
	return activity, nil
}

// lookupMeta validates the entity and record before any mutation and
// returns the record's display metadata.
func (s *Service) lookupMeta(ctx context.Context, entity, recordID string) (storage.DisplayMeta, error) {
	if s.resolver == nil {
		return storage.DisplayMeta{}, ErrResolverNotConfigured
	}
	metas, err := s.resolver.FetchDisplayMeta(ctx, entity, []string{recordID})
	if err != nil {
		return storage.DisplayMeta{}, err
	}
	meta, ok := metas[recordID]
	if !ok {
		return storage.DisplayMeta{}, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, entity, recordID)
	}
	return meta, nil
}

// recordStatus flips the stored flag and reports whether it actually
// changed. The buffered path defers the durable write to the flush worker.
func (s *Service) recordStatus(ctx context.Context, key storage.StatusKey, active bool, meta storage.DisplayMeta) (bool, error) {
	if s.cfg.Buffered && s.statuses != nil {
		return s.statuses.Toggle(ctx, key.String(), active, s.statusLoader)
	}
	dao, err := s.shards.PrimaryDao(key.UserID)
	if err != nil {
		return false, err
	}
	return dao.UpsertStatus(ctx, s.statusRecord(key, active, meta))
}

func (s *Service) statusRecord(key storage.StatusKey, active bool, meta storage.DisplayMeta) storage.StatusRecord {
	return storage.StatusRecord{
		Entity:    key.Entity,
		RecordID:  key.RecordID,
		Type:      key.Type,
		UserID:    key.UserID,
		IsActive:  active,
		Meta:      meta,
		UpdatedAt: s.clock().UTC(),
	}
}

func (s *Service) applyCount(ctx context.Context, key storage.CountKey, delta int64) (int64, error) {
	if s.cfg.Buffered && s.counts != nil {
		return s.counts.Increase(ctx, key.String(), delta, 0, s.countLoader)
	}
	dao, err := s.shards.PrimaryDao(key.String())
	if err != nil {
		return 0, err
	}
	return dao.IncreaseCount(ctx, key, 0, delta, s.clock().UTC())
}

// applyScore adjusts the record's synthetic score counter by the activity's
// weight, seeding new score rows from the time-based baseline.
func (s *Service) applyScore(ctx context.Context, entity, recordID string, delta int64, activity Activity, meta storage.DisplayMeta) error {
	if activity.Weight == 0 {
		return nil
	}
	key := storage.CountKey{Entity: entity, RecordID: recordID, Type: storage.ScoreType}
	weightDelta := delta * activity.Weight
	baseline := s.cfg.Score.Baseline(meta.PublishedAt)
	if s.cfg.Buffered && s.counts != nil {
		_, err := s.counts.Increase(ctx, key.String(), weightDelta, baseline, s.countLoader)
		return err
	}
	dao, err := s.shards.PrimaryDao(key.String())
	if err != nil {
		return err
	}
	_, err = dao.IncreaseCount(ctx, key, baseline, weightDelta, s.clock().UTC())
	return err
}

func (s *Service) currentCount(ctx context.Context, key storage.CountKey) (int64, error) {
	if s.cfg.Buffered && s.counts != nil {
		values, err := s.counts.Get(ctx, []string{key.String()}, s.countLoader)
		if err != nil {
			return 0, err
		}
		return values[key.String()], nil
	}
	dao, err := s.shards.ReplicaDao(key.String())
	if err != nil {
		return 0, err
	}
	values, err := dao.GetCounts(ctx, []storage.CountKey{key})
	if err != nil {
		return 0, err
	}
	return values[key.String()], nil
}

// countLoader reads one counter from the key's shard replica on buffer miss.
func (s *Service) countLoader(ctx context.Context, key string) (int64, bool, error) {
	countKey, err := storage.ParseCountKey(key)
	if err != nil {
		return 0, false, err
	}
	dao, err := s.shards.ReplicaDao(key)
	if err != nil {
		return 0, false, err
	}
	values, err := dao.GetCounts(ctx, []storage.CountKey{countKey})
	if err != nil {
		return 0, false, err
	}
	value, ok := values[key]
	return value, ok, nil
}

// statusLoader reads one status flag from the user's shard replica on
// buffer miss. Status rows are sharded by user id so per-user listings hit
// a single shard.
func (s *Service) statusLoader(ctx context.Context, key string) (bool, bool, error) {
	statusKey, err := storage.ParseStatusKey(key)
	if err != nil {
		return false, false, err
	}
	dao, err := s.shards.ReplicaDao(statusKey.UserID)
	if err != nil {
		return false, false, err
	}
	record, err := dao.GetStatus(ctx, statusKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	return record.IsActive, true, nil
}

type activatedMessage struct {
	Entity   string `json:"entity"`
	RecordID string `json:"record_id"`
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	At       string `json:"at"`
}

// produceActivated emits one message for a definitive activation. Producer
// failures are logged, not surfaced: the engagement itself already landed.
func (s *Service) produceActivated(ctx context.Context, key storage.StatusKey) {
	if s.producer == nil {
		return
	}
	payload, err := json.Marshal(activatedMessage{
		Entity:   key.Entity,
		RecordID: key.RecordID,
		Type:     key.Type,
		UserID:   key.UserID,
		At:       s.clock().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logf("marshal activation message %s: %v", key.String(), err)
		return
	}
	if err := s.producer.Produce(ctx, TopicActivated, payload); err != nil {
		s.logf("produce activation message %s: %v", key.String(), err)
	}
}
