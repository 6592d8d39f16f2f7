package match

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/velvetlabs/spindate/pkg/metrics"
)

// errSkipPair rolls the pair-creation transaction back without surfacing an
// error: the pair lost a race or failed re-validation, and "no match created"
// is the answer.
var errSkipPair = errors.New("skip pair")

// CreatePair atomically promotes two queued users into a vote_active match.
// It returns (nil, nil) when no match was created: lock contention, failed
// re-validation, or another worker pairing one of the users first. All steps
// run in a single transaction; any failure rolls back without mutation.
func (e *Engine) CreatePair(ctx context.Context, a, b uuid.UUID, tier int) (*Match, error) {
	if a == b {
		return nil, fmt.Errorf("cannot pair a user with themselves: %s", a)
	}

	var created *Match
	var events []Event

	err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
		// Ordered, non-blocking double-lock: lower uuid first, always.
		got, err := e.store.TryLockPair(ctx, tx, a, b)
		if err != nil {
			return err
		}
		if !got {
			return errSkipPair
		}

		now := e.clock.Now()

		// Re-validate with locks held.
		ua, err := e.store.GetUser(ctx, tx, a)
		if err != nil {
			return err
		}
		sta, err := e.store.GetUserStateForUpdate(ctx, tx, a)
		if err != nil {
			return err
		}
		if sta.State != StateWaiting || !ua.Online || !ua.LastActive.After(now.Add(-e.cfg.LivenessWindow)) {
			return errSkipPair
		}
		if entry, err := e.store.GetQueueEntry(ctx, tx, a); err != nil {
			return err
		} else if entry == nil {
			return errSkipPair
		}
		if m, err := e.store.ActiveMatchFor(ctx, tx, a); err != nil {
			return err
		} else if m != nil {
			return errSkipPair
		}
		// The candidate side re-runs every finder rule, including mutual
		// preference checks, never-pair and history suppression.
		ok, err := e.store.ValidateCandidate(ctx, tx, ua, b, tier, now, e.finderRules())
		if err != nil {
			return err
		}
		if !ok {
			return errSkipPair
		}
		stb, err := e.store.GetUserStateForUpdate(ctx, tx, b)
		if err != nil {
			return err
		}
		if stb.State != StateWaiting {
			return errSkipPair
		}

		lo, hi := OrderPair(a, b)
		m := &Match{
			ID:        uuid.New(),
			User1ID:   lo,
			User2ID:   hi,
			Status:    MatchPaired,
			CreatedAt: now,
		}
		if err := e.store.InsertMatch(ctx, tx, m); err != nil {
			if errors.Is(err, errDuplicatePair) {
				// Another worker won the race; the partial unique index is the
				// last-line guarantee.
				return errSkipPair
			}
			return err
		}

		for _, id := range []uuid.UUID{a, b} {
			removed, err := e.store.DeleteQueueEntry(ctx, tx, id)
			if err != nil {
				return err
			}
			if !removed {
				return errSkipPair
			}
		}
		// Fairness resets to 0 on queue exit.
		if _, err := tx.Exec(ctx,
			`UPDATE user_state SET fairness = 0 WHERE user_id = ANY($1)`,
			[]uuid.UUID{a, b}); err != nil {
			return fmt.Errorf("failed to reset fairness: %w", err)
		}

		partner := map[uuid.UUID]uuid.UUID{a: b, b: a}
		for _, id := range []uuid.UUID{lo, hi} {
			p := partner[id]
			if err := e.store.ApplyTransition(ctx, tx, Transition{
				UserID: id, From: StateWaiting, To: StateMatched,
				Cause: "pair_created", MatchID: &m.ID, PartnerID: &p, Now: now,
			}); err != nil {
				return err
			}
		}

		// Open the vote window inside the same transaction; there is no
		// observable paired-without-window state on this path.
		expires := now.Add(e.cfg.VoteWindow)
		if err := e.store.OpenVoteWindow(ctx, tx, m.ID, now, expires); err != nil {
			return err
		}
		for _, id := range []uuid.UUID{lo, hi} {
			p := partner[id]
			t := Transition{
				UserID: id, From: StateMatched, To: StateVoteWindow,
				Cause: "vote_window_opened", MatchID: &m.ID, PartnerID: &p, Now: now,
			}
			if err := e.store.ApplyTransition(ctx, tx, t); err != nil {
				return err
			}
			events = append(events, stateChangedEvent(t))
		}

		m.Status = MatchVoteActive
		m.VoteWindowStartedAt = &now
		m.VoteWindowExpiresAt = &expires
		created = m
		events = append([]Event{{
			Kind:                EventMatchCreated,
			UserIDs:             []uuid.UUID{lo, hi},
			MatchID:             &m.ID,
			VoteWindowExpiresAt: &expires,
			At:                  now,
		}}, events...)
		return nil
	})
	if errors.Is(err, errSkipPair) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.MatchesCreatedTotal.Inc()
	e.pub.Publish(events...)
	e.log.Info("match created", "match", created.ID, "user1", created.User1ID, "user2", created.User2ID, "tier", tier)
	return created, nil
}
