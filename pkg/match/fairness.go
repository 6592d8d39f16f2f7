package match

import (
	"context"
	"fmt"
	"time"
)

// WaitBoost adds to a queue entry's fairness once its wait crosses After.
// Boosts are cumulative and applied at most once each, tracked by
// queue.boost_level.
type WaitBoost struct {
	After time.Duration
	Add   int
}

// DefaultWaitBoosts is the wait-time boost schedule.
func DefaultWaitBoosts() []WaitBoost {
	return []WaitBoost{
		{After: 20 * time.Second, Add: 2},
		{After: 40 * time.Second, Add: 3},
		{After: 60 * time.Second, Add: 5},
		{After: 90 * time.Second, Add: 8},
	}
}

// DefaultYesBoost is the fairness boost a "yes" voter carries back into the
// queue after a yes/pass or yes/idle outcome.
const DefaultYesBoost = 10

// ApplyWaitBoosts applies every due wait-time boost, at most limit rows per
// level, and returns how many queue entries were boosted. Fairness never
// decreases while in queue; it resets to 0 on exit (pair creation, eviction,
// disconnect).
func (s *Store) ApplyWaitBoosts(ctx context.Context, now time.Time, boosts []WaitBoost, limit int) (int, error) {
	total := 0
	for level, boost := range boosts {
		cutoff := now.Add(-boost.After)
		tag, err := s.pool.Exec(ctx, `
			UPDATE queue SET fairness = fairness + $1, boost_level = $2
			WHERE user_id IN (
				SELECT user_id FROM queue
				WHERE boost_level = $3 AND joined_at <= $4
				LIMIT $5
			)`, boost.Add, level+1, level, cutoff, limit)
		if err != nil {
			return total, fmt.Errorf("failed to apply wait boost %d: %w", level+1, err)
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}

// TierThresholds are the waits after which a queued user's preferences relax
// to tiers 1, 2 and 3. Below the first threshold the user searches at tier 0.
type TierThresholds [3]time.Duration

// DefaultTierThresholds returns the default tier schedule.
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{10 * time.Second, 15 * time.Second, 20 * time.Second}
}

// TierForWait maps a continuous wait duration to a preference tier (0-3).
func (t TierThresholds) TierForWait(wait time.Duration) int {
	tier := 0
	for i, threshold := range t {
		if wait >= threshold {
			tier = i + 1
		}
	}
	return tier
}

// ExpandStages bumps queue.preference_stage for entries whose wait has crossed
// a tier threshold, and returns how many entries were expanded.
func (s *Store) ExpandStages(ctx context.Context, now time.Time, thresholds TierThresholds, limit int) (int, error) {
	total := 0
	for i, threshold := range thresholds {
		tier := i + 1
		cutoff := now.Add(-threshold)
		tag, err := s.pool.Exec(ctx, `
			UPDATE queue SET preference_stage = $1, last_expanded_at = $2
			WHERE user_id IN (
				SELECT user_id FROM queue
				WHERE preference_stage < $1 AND joined_at <= $3
				LIMIT $4
			)`, tier, now, cutoff, limit)
		if err != nil {
			return total, fmt.Errorf("failed to expand to tier %d: %w", tier, err)
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}
