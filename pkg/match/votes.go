package match

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/velvetlabs/spindate/pkg/metrics"
)

// VoteResult is the tagged result of a Vote command: either the window is
// still waiting on the partner, or the match completed with an outcome.
type VoteResult struct {
	Waiting bool
	Outcome Outcome
}

// Vote records a yes/pass for a participant of a vote_active match. A repeat
// vote by the same user overwrites until the match completes.
func (e *Engine) Vote(ctx context.Context, userID, matchID uuid.UUID, value VoteValue) (*VoteResult, error) {
	if value != VoteYes && value != VotePass {
		return nil, fmt.Errorf("%w: %q", ErrInvalidValue, value)
	}

	var result VoteResult
	var events []Event

	err := e.command(ctx, "vote", func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx pgx.Tx) error {
			// The match row lock serializes votes within a match.
			m, err := e.store.GetMatchForUpdate(ctx, tx, matchID)
			if err != nil {
				return err
			}
			if m.Status != MatchVoteActive {
				return ErrNotInVoteWindow
			}
			now := e.clock.Now()
			if m.VoteWindowExpiresAt == nil || now.After(*m.VoteWindowExpiresAt) {
				return ErrExpired
			}
			if !m.Has(userID) {
				return ErrNotParticipant
			}
			st, err := e.store.GetUserState(ctx, tx, userID)
			if err != nil {
				return err
			}
			if st.State != StateVoteWindow {
				return ErrNotInVoteWindow
			}

			if err := e.store.UpsertVote(ctx, tx, matchID, userID, value, now); err != nil {
				return err
			}
			events = append(events, Event{
				Kind:    EventVoteRecorded,
				UserIDs: []uuid.UUID{userID},
				MatchID: &matchID,
				Value:   value,
				At:      now,
			})

			votes, err := e.store.GetVotes(ctx, tx, matchID)
			if err != nil {
				return err
			}
			if len(votes) < 2 {
				result = VoteResult{Waiting: true}
				return nil
			}

			evs, err := e.completeMatch(ctx, tx, m, votes, now, "votes_complete", nil)
			if err != nil {
				return err
			}
			events = append(events, evs...)
			result = VoteResult{Outcome: outcomeOf(votes, m)}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.pub.Publish(events...)
	return &result, nil
}

// ResolveExpired completes every vote_active match whose window has passed,
// treating missing votes as idle. Returns the number of matches resolved.
func (e *Engine) ResolveExpired(ctx context.Context) (int, error) {
	now := e.clock.Now()
	ids, err := e.store.ListExpiredVoteWindows(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, id := range ids {
		var events []Event
		err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
			m, err := e.store.GetMatchForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			// Another worker may have resolved it between the scan and the lock.
			if m.Status != MatchVoteActive || m.VoteWindowExpiresAt == nil || now.Before(*m.VoteWindowExpiresAt) {
				return nil
			}
			votes, err := e.store.GetVotes(ctx, tx, m.ID)
			if err != nil {
				return err
			}
			events, err = e.completeMatch(ctx, tx, m, votes, now, "vote_window_expired", nil)
			return err
		})
		if err != nil {
			e.log.Error("failed to resolve expired match", "match", id, "error", err)
			continue
		}
		if len(events) > 0 {
			e.pub.Publish(events...)
			resolved++
		}
	}
	return resolved, nil
}

// outcomeOf applies the outcome table to the votes present for a match.
// A missing vote is an idle.
func outcomeOf(votes map[uuid.UUID]VoteValue, m *Match) Outcome {
	v1, ok1 := votes[m.User1ID]
	v2, ok2 := votes[m.User2ID]
	switch {
	case ok1 && ok2:
		switch {
		case v1 == VoteYes && v2 == VoteYes:
			return OutcomeBothYes
		case v1 == VotePass && v2 == VotePass:
			return OutcomePassPass
		default:
			return OutcomeYesPass
		}
	case ok1 || ok2:
		v := v1
		if !ok1 {
			v = v2
		}
		if v == VoteYes {
			return OutcomeYesIdle
		}
		return OutcomePassIdle
	default:
		return OutcomeIdleIdle
	}
}

// completeMatch closes the match, writes history, and moves both participants
// to their next state. The "yes" voter of a non-mutual outcome respins with a
// fairness boost; idle participants drop to idle; cooldowns override the next
// state for disconnecting users.
func (e *Engine) completeMatch(ctx context.Context, tx pgx.Tx, m *Match, votes map[uuid.UUID]VoteValue, now time.Time, cause string, cooldowns map[uuid.UUID]time.Time) ([]Event, error) {
	outcome := outcomeOf(votes, m)

	if err := e.store.CompleteMatch(ctx, tx, m.ID, outcome); err != nil {
		return nil, err
	}
	if err := e.store.UpsertPairHistory(ctx, tx, m.User1ID, m.User2ID, now); err != nil {
		return nil, err
	}
	if outcome == OutcomeBothYes {
		if err := e.store.InsertNeverPair(ctx, tx, m.User1ID, m.User2ID, now); err != nil {
			return nil, err
		}
	}

	events := []Event{{
		Kind:    EventMatchCompleted,
		UserIDs: []uuid.UUID{m.User1ID, m.User2ID},
		MatchID: &m.ID,
		Outcome: outcome,
		At:      now,
	}}

	for _, id := range []uuid.UUID{m.User1ID, m.User2ID} {
		st, err := e.store.GetUserStateForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		partner := m.Partner(id)

		var t Transition
		if until, held := cooldowns[id]; held {
			if err := e.store.SetCooldownUntil(ctx, tx, id, until); err != nil {
				return nil, err
			}
			t = Transition{UserID: id, From: st.State, To: StateCooldown, Cause: cause, Now: now}
		} else {
			vote, voted := votes[id]
			switch {
			case outcome == OutcomeBothYes:
				t = Transition{UserID: id, From: st.State, To: StateVideoDate,
					Cause: cause, MatchID: &m.ID, PartnerID: &partner, Now: now}
			case voted:
				// Auto-respin: back into the queue, yes-voters with a boost.
				boost := 0
				if vote == VoteYes {
					boost = e.cfg.YesBoost
				}
				if err := e.store.InsertQueueEntry(ctx, tx, id, now, boost); err != nil {
					return nil, err
				}
				if _, err := tx.Exec(ctx,
					`UPDATE user_state SET fairness = $2 WHERE user_id = $1`, id, boost); err != nil {
					return nil, fmt.Errorf("failed to set respin fairness: %w", err)
				}
				t = Transition{UserID: id, From: st.State, To: StateWaiting, Cause: cause, Now: now}
			default:
				t = Transition{UserID: id, From: st.State, To: StateIdle, Cause: cause, Now: now}
			}
		}
		if err := e.store.ApplyTransition(ctx, tx, t); err != nil {
			return nil, err
		}
		events = append(events, stateChangedEvent(t))
	}

	metrics.MatchOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	return events, nil
}
