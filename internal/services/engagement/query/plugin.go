package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/harborcms/harbor/internal/services/engagement/domain"
	"github.com/harborcms/harbor/internal/services/engagement/shard"
	"github.com/harborcms/harbor/internal/services/engagement/storage"
)

// MaxRankingWindow bounds limit+offset on top-N queries. The score index
// supports small ranked windows, not arbitrary-offset pagination.
const MaxRankingWindow = 30

// ErrRankingBounds indicates a top-N request outside the supported window.
var ErrRankingBounds = errors.New("ranking window out of bounds")

// CountSource batch-loads engagement counts; implemented by the collect
// service.
type CountSource interface {
	Counts(ctx context.Context, entity string, recordIDs, types []string) (map[string]int64, error)
}

// Plugin implements the read-side hooks on top of the count source, the
// shard router, and the schema resolver.
type Plugin struct {
	source   CountSource
	router   *shard.Router
	resolver domain.EntityResolver
	types    []string
}

// NewPlugin constructs the read-side plugin. types lists the engagement
// types attached to ranked listings.
func NewPlugin(source CountSource, router *shard.Router, resolver domain.EntityResolver, types []string) *Plugin {
	return &Plugin{source: source, router: router, resolver: resolver, types: types}
}

// AttachCounts injects engagement counts as synthetic fields on records.
func (p *Plugin) AttachCounts(ctx context.Context, entity string, records []Record, fields map[string]string) error {
	if p == nil || p.source == nil {
		return fmt.Errorf("count source is not configured")
	}
	if len(records) == 0 || len(fields) == 0 {
		return nil
	}
	recordIDs := make([]string, len(records))
	for i, record := range records {
		recordIDs[i] = record.RecordID()
	}
	types := make([]string, 0, len(fields))
	for _, engagementType := range fields {
		types = append(types, engagementType)
	}
	counts, err := p.source.Counts(ctx, entity, recordIDs, types)
	if err != nil {
		return err
	}
	for _, record := range records {
		for field, engagementType := range fields {
			key := storage.CountKey{Entity: entity, RecordID: record.RecordID(), Type: engagementType}
			record.SetField(field, counts[key.String()])
		}
	}
	return nil
}

// TopByScore lists the highest-scored records for an entity. Score rows are
// fanned in from every shard replica, merged, then resolved to display
// metadata in one batched secondary lookup.
func (p *Plugin) TopByScore(ctx context.Context, entity string, limit, offset int) ([]RankedRecord, error) {
	if p == nil || p.router == nil {
		return nil, fmt.Errorf("shard router is not configured")
	}
	if limit <= 0 || offset < 0 || limit+offset > MaxRankingWindow {
		return nil, fmt.Errorf("%w: limit %d offset %d", ErrRankingBounds, limit, offset)
	}

	window := limit + offset
	var merged []storage.ScoreRow
	for _, group := range p.router.Groups() {
		rows, err := group.Replica().TopScores(ctx, entity, window, 0)
		if err != nil {
			return nil, fmt.Errorf("top scores from shard %q: %w", group.Name(), err)
		}
		merged = append(merged, rows...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].RecordID < merged[j].RecordID
	})
	if offset >= len(merged) {
		return nil, nil
	}
	merged = merged[offset:min(offset+limit, len(merged))]
	if len(merged) == 0 {
		return nil, nil
	}

	recordIDs := make([]string, len(merged))
	for i, row := range merged {
		recordIDs[i] = row.RecordID
	}
	metas := map[string]storage.DisplayMeta{}
	if p.resolver != nil {
		var err error
		metas, err = p.resolver.FetchDisplayMeta(ctx, entity, recordIDs)
		if err != nil {
			return nil, err
		}
	}
	counts := map[string]int64{}
	if p.source != nil && len(p.types) > 0 {
		var err error
		counts, err = p.source.Counts(ctx, entity, recordIDs, p.types)
		if err != nil {
			return nil, err
		}
	}

	ranked := make([]RankedRecord, 0, len(merged))
	for _, row := range merged {
		record := RankedRecord{
			RecordID: row.RecordID,
			Score:    row.Score,
			Meta:     metas[row.RecordID],
			Counts:   make(map[string]int64, len(p.types)),
		}
		for _, engagementType := range p.types {
			key := storage.CountKey{Entity: entity, RecordID: row.RecordID, Type: engagementType}
			record.Counts[engagementType] = counts[key.String()]
		}
		ranked = append(ranked, record)
	}
	return ranked, nil
}
