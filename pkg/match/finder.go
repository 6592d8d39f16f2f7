package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// FinderRules are the eligibility windows the candidate search applies.
type FinderRules struct {
	LivenessWindow  time.Duration // candidate must have heartbeat within this
	HistoryCooldown time.Duration // recent-pair suppression window (tier 0)
}

// Tier relaxation schedule. Tier 3 drops age, distance and gender-preference
// constraints entirely.
var tierAgeTolerance = [4]int{0, 5, 10, 0}
var tierDistanceMult = [4]float64{1, 1, 2, 0}

// candidateQuery encodes every eligibility rule in one statement so the
// selection is a single index-ordered scan. Boolean parameters switch the
// per-tier relaxations on and off; $2 optionally pins the candidate, which is
// how pair creation re-validates under locks.
const candidateQuery = `
SELECT q.user_id
FROM queue q
JOIN users u ON u.id = q.user_id
JOIN user_state us ON us.user_id = q.user_id
WHERE q.user_id <> $1
  AND ($2::uuid IS NULL OR q.user_id = $2)
  AND us.state = 'waiting'
  AND u.online
  AND u.last_active > $3
  AND NOT EXISTS (
      SELECT 1 FROM matches m
      WHERE m.status IN ('paired', 'vote_active')
        AND (m.user1_id = q.user_id OR m.user2_id = q.user_id))
  AND NOT EXISTS (
      SELECT 1 FROM never_pair np
      WHERE np.user1_id = LEAST($1::uuid, q.user_id)
        AND np.user2_id = GREATEST($1::uuid, q.user_id))
  AND ($4::boolean OR NOT EXISTS (
      SELECT 1 FROM pair_history ph
      WHERE ph.user1_id = LEAST($1::uuid, q.user_id)
        AND ph.user2_id = GREATEST($1::uuid, q.user_id)
        AND ph.last_matched_at > $5))
  AND ($6::boolean OR (
        ($7 = 'any' OR u.gender = $7)
    AND (u.pref_gender = 'any' OR u.pref_gender = $8)))
  AND ($9::boolean OR (
        date_part('year', age($10::date, u.birthdate)) BETWEEN $11 AND $12
    AND date_part('year', age($10::date, $13::date))
        BETWEEN u.pref_min_age - $14 AND u.pref_max_age + $14))
  AND ($15::boolean OR (
        2 * 6371 * asin(sqrt(
            power(sin(radians(u.lat - $16) / 2), 2) +
            cos(radians($16)) * cos(radians(u.lat)) *
            power(sin(radians(u.lng - $17) / 2), 2)
        )) <= LEAST($18::double precision, u.pref_max_distance_km * $19)))
ORDER BY q.fairness DESC, q.joined_at ASC, md5($1::text || q.user_id::text)
LIMIT 1`

// FindCandidate returns at most one eligible partner for the user at the given
// tier. "No candidate" is not an error.
func (s *Store) FindCandidate(ctx context.Context, q Querier, u *User, tier int, now time.Time, rules FinderRules) (uuid.UUID, bool, error) {
	return s.findCandidate(ctx, q, u, tier, now, rules, nil)
}

// ValidateCandidate re-runs the full eligibility check against a specific
// candidate. Pair creation calls this with both advisory locks held.
func (s *Store) ValidateCandidate(ctx context.Context, q Querier, u *User, candidate uuid.UUID, tier int, now time.Time, rules FinderRules) (bool, error) {
	_, ok, err := s.findCandidate(ctx, q, u, tier, now, rules, &candidate)
	return ok, err
}

func (s *Store) findCandidate(ctx context.Context, q Querier, u *User, tier int, now time.Time, rules FinderRules, only *uuid.UUID) (uuid.UUID, bool, error) {
	if tier < 0 || tier > 3 {
		return uuid.Nil, false, fmt.Errorf("tier out of range: %d", tier)
	}

	tol := tierAgeTolerance[tier]
	mult := tierDistanceMult[tier]
	relaxAll := tier == 3

	var id uuid.UUID
	err := q.QueryRow(ctx, candidateQuery,
		u.ID,                             // $1
		only,                             // $2
		now.Add(-rules.LivenessWindow),   // $3
		tier >= 1,                        // $4 allow recently-paired again
		now.Add(-rules.HistoryCooldown),  // $5
		relaxAll,                         // $6 skip gender
		u.Preferences.GenderPref,         // $7
		u.Gender,                         // $8
		relaxAll,                         // $9 skip age
		now,                              // $10
		u.Preferences.MinAge-tol,         // $11
		u.Preferences.MaxAge+tol,         // $12
		u.Birthdate,                      // $13
		tol,                              // $14
		relaxAll,                         // $15 skip distance
		u.Lat,                            // $16
		u.Lng,                            // $17
		u.Preferences.MaxDistanceKm*mult, // $18
		mult,                             // $19
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("candidate search failed: %w", err)
	}
	return id, true, nil
}
