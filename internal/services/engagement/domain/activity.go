package domain

import (
	"math"
	"time"
)

// ActivityKind distinguishes how an engagement type mutates state.
type ActivityKind string

const (
	// KindToggle has on/off semantics; redundant transitions are idempotent.
	KindToggle ActivityKind = "toggle"
	// KindAuto is recorded automatically and unconditionally (views, visits).
	KindAuto ActivityKind = "auto"
	// KindRecordOnly accumulates like KindAuto but must be explicitly
	// declared before any mutation is accepted (shares).
	KindRecordOnly ActivityKind = "record"
)

// Activity declares one engagement type and its ranking weight. A zero
// weight excludes the type from score computation.
type Activity struct {
	Name   string       `yaml:"name"`
	Kind   ActivityKind `yaml:"kind"`
	Weight int64        `yaml:"weight"`
}

// ScorePolicy blends recency with weighted engagement volume. A record's
// score is seeded from the whole hours between the reference time and its
// publication, so newer content needs fewer raw engagements to rank beside
// older, heavily-engaged content.
type ScorePolicy struct {
	ReferenceTime   time.Time `yaml:"reference_time"`
	HourBoostWeight int64     `yaml:"hour_boost_weight"`
}

// Baseline computes the time-based score seed for a record. Flooring to
// whole hours bounds score churn.
func (p ScorePolicy) Baseline(publishedAt time.Time) int64 {
	if p.ReferenceTime.IsZero() || publishedAt.IsZero() {
		return 0
	}
	hours := math.Floor(publishedAt.Sub(p.ReferenceTime).Hours())
	return int64(hours) * p.HourBoostWeight
}
