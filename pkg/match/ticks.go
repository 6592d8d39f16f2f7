package match

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/velvetlabs/spindate/pkg/metrics"
)

// RunMatchTick makes one pairing attempt for each waiting user, in fairness
// order, and returns the number of matches created. Attempts that lose a lock
// race are skips, not errors.
func (e *Engine) RunMatchTick(ctx context.Context) (int, error) {
	entries, err := e.store.ListWaiting(ctx, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, entry := range entries {
		m, err := e.tryMatch(ctx, entry.UserID)
		if err != nil {
			e.log.Error("match tick: attempt failed", "user", entry.UserID, "error", err)
			continue
		}
		if m != nil {
			created++
		}
	}
	return created, nil
}

// RunExpiryTick resolves vote windows that have passed their deadline.
func (e *Engine) RunExpiryTick(ctx context.Context) (int, error) {
	return e.ResolveExpired(ctx)
}

// RunExpansionTick relaxes preferences for users whose wait has crossed a
// tier threshold.
func (e *Engine) RunExpansionTick(ctx context.Context) (int, error) {
	return e.store.ExpandStages(ctx, e.clock.Now(), e.cfg.TierThresholds, e.cfg.BatchSize)
}

// RunFairnessTick applies due wait-time boosts and refreshes the queue depth
// gauge.
func (e *Engine) RunFairnessTick(ctx context.Context) (int, error) {
	now := e.clock.Now()
	boosted, err := e.store.ApplyWaitBoosts(ctx, now, e.cfg.WaitBoosts, e.cfg.BatchSize)
	if err != nil {
		return boosted, err
	}
	depth, _, err := e.store.QueueStats(ctx, now)
	if err != nil {
		return boosted, err
	}
	metrics.QueueDepth.Set(float64(depth))
	return boosted, nil
}

// RunEvictionTick removes waiting users whose heartbeats stopped. Each
// eviction is its own transaction and re-checks state under the lock, so a
// user who reconnects between the scan and the lock is left alone.
func (e *Engine) RunEvictionTick(ctx context.Context) (int, error) {
	now := e.clock.Now()
	cutoff := now.Add(-e.cfg.OfflineThreshold)
	ids, err := e.store.ListOfflineWaiting(ctx, cutoff, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, id := range ids {
		var events []Event
		err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
			got, err := e.store.TryLockUser(ctx, tx, id)
			if err != nil {
				return err
			}
			if !got {
				return nil
			}
			st, err := e.store.GetUserStateForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if st.State != StateWaiting {
				return nil
			}
			u, err := e.store.GetUser(ctx, tx, id)
			if err != nil {
				return err
			}
			if u.Online && u.LastActive.After(cutoff) {
				return nil
			}
			if _, err := e.store.DeleteQueueEntry(ctx, tx, id); err != nil {
				return err
			}
			// Fairness resets to 0 on queue exit.
			if _, err := tx.Exec(ctx,
				`UPDATE user_state SET fairness = 0 WHERE user_id = $1`, id); err != nil {
				return fmt.Errorf("failed to reset fairness: %w", err)
			}
			t := Transition{UserID: id, From: StateWaiting, To: StateIdle, Cause: "evicted_offline", Now: now}
			if err := e.store.ApplyTransition(ctx, tx, t); err != nil {
				return err
			}
			events = append(events,
				Event{Kind: EventEvicted, UserIDs: []uuid.UUID{id}, Reason: "offline", At: now},
				stateChangedEvent(t))
			return nil
		})
		if err != nil {
			e.log.Error("eviction tick: failed to evict user", "user", id, "error", err)
			continue
		}
		if len(events) > 0 {
			e.pub.Publish(events...)
			metrics.EvictionsTotal.WithLabelValues("offline").Inc()
			evicted++
		}
	}
	return evicted, nil
}

// RunRepairTick opens the vote window for matches stuck in paired, which only
// happens if a previous worker died between insert and window open, and
// force-resolves windows the expiry tick somehow missed.
func (e *Engine) RunRepairTick(ctx context.Context) (int, error) {
	now := e.clock.Now()
	ids, err := e.store.ListStuckPaired(ctx, now.Add(-e.cfg.StuckPairedAfter), e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, id := range ids {
		var events []Event
		err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
			m, err := e.store.GetMatchForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if m.Status != MatchPaired {
				return nil
			}
			events, err = e.repairPaired(ctx, tx, m, now)
			return err
		})
		if err != nil {
			e.log.Error("repair tick: failed to repair match", "match", id, "error", err)
			continue
		}
		if len(events) > 0 {
			e.pub.Publish(events...)
			repaired++
		}
	}

	// Windows older than the grace period mean the expiry tick is not keeping
	// up; resolve them here as a backstop.
	stale, err := e.store.ListExpiredVoteWindows(ctx, now.Add(-e.cfg.ForceResolveAfter), e.cfg.BatchSize)
	if err != nil {
		return repaired, err
	}
	if len(stale) > 0 {
		e.log.Warn("repair tick: force-resolving stale vote windows", "count", len(stale))
		n, err := e.ResolveExpired(ctx)
		if err != nil {
			return repaired, err
		}
		repaired += n
	}
	return repaired, nil
}

// repairPaired moves a paired match forward: if both participants still hold
// it, the vote window opens late; otherwise the match is abandoned and any
// participant still attached goes back to waiting.
func (e *Engine) repairPaired(ctx context.Context, tx pgx.Tx, m *Match, now time.Time) ([]Event, error) {
	states := make(map[uuid.UUID]*UserState, 2)
	attached := true
	for _, id := range []uuid.UUID{m.User1ID, m.User2ID} {
		st, err := e.store.GetUserStateForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		states[id] = st
		if st.State != StateMatched || st.MatchID == nil || *st.MatchID != m.ID {
			attached = false
		}
	}

	var events []Event
	if attached {
		expires := now.Add(e.cfg.VoteWindow)
		if err := e.store.OpenVoteWindow(ctx, tx, m.ID, now, expires); err != nil {
			return nil, err
		}
		for _, id := range []uuid.UUID{m.User1ID, m.User2ID} {
			p := m.Partner(id)
			t := Transition{
				UserID: id, From: StateMatched, To: StateVoteWindow,
				Cause: "vote_window_opened", MatchID: &m.ID, PartnerID: &p, Now: now,
			}
			if err := e.store.ApplyTransition(ctx, tx, t); err != nil {
				return nil, err
			}
			events = append(events, stateChangedEvent(t))
		}
		events = append([]Event{{
			Kind:                EventMatchCreated,
			UserIDs:             []uuid.UUID{m.User1ID, m.User2ID},
			MatchID:             &m.ID,
			VoteWindowExpiresAt: &expires,
			At:                  now,
		}}, events...)
		return events, nil
	}

	// One side lost its attachment; the pair can never vote. Abandon it.
	if err := e.store.CompleteMatch(ctx, tx, m.ID, OutcomeIdleIdle); err != nil {
		return nil, err
	}
	for _, id := range []uuid.UUID{m.User1ID, m.User2ID} {
		st := states[id]
		if st.State != StateMatched || st.MatchID == nil || *st.MatchID != m.ID {
			continue
		}
		if err := e.store.InsertQueueEntry(ctx, tx, id, now, 0); err != nil {
			return nil, err
		}
		t := Transition{UserID: id, From: StateMatched, To: StateWaiting, Cause: "pair_abandoned", Now: now}
		if err := e.store.ApplyTransition(ctx, tx, t); err != nil {
			return nil, err
		}
		events = append(events, stateChangedEvent(t))
	}
	events = append([]Event{{
		Kind:    EventMatchCompleted,
		UserIDs: []uuid.UUID{m.User1ID, m.User2ID},
		MatchID: &m.ID,
		Outcome: OutcomeIdleIdle,
		At:      now,
	}}, events...)
	metrics.MatchOutcomesTotal.WithLabelValues(string(OutcomeIdleIdle)).Inc()
	return events, nil
}

// RunCooldownTick releases users whose cooldown has elapsed.
func (e *Engine) RunCooldownTick(ctx context.Context) (int, error) {
	now := e.clock.Now()
	ids, err := e.store.ListCooldownExpired(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		var events []Event
		err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
			got, err := e.store.TryLockUser(ctx, tx, id)
			if err != nil {
				return err
			}
			if !got {
				return nil
			}
			st, err := e.store.GetUserStateForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if st.State != StateCooldown {
				return nil
			}
			t := Transition{UserID: id, From: StateCooldown, To: StateIdle, Cause: "cooldown_elapsed", Now: now}
			if err := e.store.ApplyTransition(ctx, tx, t); err != nil {
				return err
			}
			events = append(events, stateChangedEvent(t))
			return nil
		})
		if err != nil {
			e.log.Error("cooldown tick: failed to release user", "user", id, "error", err)
			continue
		}
		if len(events) > 0 {
			e.pub.Publish(events...)
			released++
		}
	}
	return released, nil
}
