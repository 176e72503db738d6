package scheduler

import (
	"fmt"
	"time"

	"github.com/yeto-platform/ingestcore/internal/registry"
	"github.com/yeto-platform/ingestcore/pkg/config"
	"github.com/yeto-platform/ingestcore/pkg/resilience"
)

// Policy is the tier cadence table plus dispatch limits. It is fixed at
// construction.
type Policy struct {
	intervals map[registry.Tier]time.Duration
	caps      map[registry.Tier]int
	backoff   config.BackoffConfig
}

// PolicyFromConfig builds a Policy and requires an interval and a positive cap
// for every tier.
func PolicyFromConfig(cfg config.SchedulerConfig) (Policy, error) {
	p := Policy{
		intervals: make(map[registry.Tier]time.Duration, len(registry.Tiers)),
		caps:      make(map[registry.Tier]int, len(registry.Tiers)),
		backoff:   cfg.Backoff,
	}
	for _, tier := range registry.Tiers {
		iv, ok := cfg.TierIntervals[string(tier)]
		if !ok || iv <= 0 {
			return Policy{}, fmt.Errorf("tier %s: missing or non-positive interval", tier)
		}
		limit, ok := cfg.TierConcurrency[string(tier)]
		if !ok || limit <= 0 {
			return Policy{}, fmt.Errorf("tier %s: missing or non-positive concurrency", tier)
		}
		p.intervals[tier] = iv
		p.caps[tier] = limit
	}
	return p, nil
}

func (p Policy) Interval(tier registry.Tier) time.Duration {
	return p.intervals[tier]
}

func (p Policy) Cap(tier registry.Tier) int {
	return p.caps[tier]
}

// NextDueAt is lastSuccessAt plus the tier interval, or now for a source
// that has never succeeded.
func (p Policy) NextDueAt(src registry.Source, now time.Time) time.Time {
	if src.LastSuccessAt == nil {
		return now
	}
	return src.LastSuccessAt.Add(p.intervals[src.Tier])
}

// BackoffUntil delays a source after failures consecutive failed runs, the
// last of which ended at lastFailure. It returns the zero time when backoff
// is disabled or does not apply.
func (p Policy) BackoffUntil(failures int, lastFailure time.Time) time.Time {
	if !p.backoff.Enabled || failures <= 0 || lastFailure.IsZero() {
		return time.Time{}
	}
	delay := resilience.ExponentialDelay(failures, p.backoff.InitialDelay, p.backoff.MaxDelay, p.backoff.Multiplier)
	return lastFailure.Add(delay)
}

func (p Policy) BackoffEnabled() bool {
	return p.backoff.Enabled
}
