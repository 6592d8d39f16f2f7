package match

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// legalTransitions is the complete transition table. Every user_state.state
// mutation in the repository goes through ApplyTransition, which consults it.
var legalTransitions = map[State]map[State]bool{
	StateIdle: {
		StateWaiting:  true, // spin
		StateCooldown: true,
	},
	StateWaiting: {
		StateMatched:  true, // pair created
		StateIdle:     true, // disconnect, eviction
		StateCooldown: true,
	},
	StateMatched: {
		StateVoteWindow: true, // vote window opened
		StateWaiting:    true, // match aborted before its window opened
		StateIdle:       true,
		StateCooldown:   true, // disconnect while holding a match
	},
	StateVoteWindow: {
		StateVideoDate: true, // both_yes
		StateWaiting:   true, // respin
		StateIdle:      true, // idle outcome
		StateCooldown:  true, // disconnect while holding a match
	},
	StateVideoDate: {
		StateIdle:     true, // date ended
		StateCooldown: true,
	},
	StateCooldown: {
		StateIdle: true, // cooldown elapsed
	},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	return legalTransitions[from][to]
}

// Transition describes one legal state change for a user.
type Transition struct {
	UserID    uuid.UUID
	From      State
	To        State
	Cause     string
	MatchID   *uuid.UUID // required when To is matched/vote_window/video_date
	PartnerID *uuid.UUID
	Now       time.Time
}

// ApplyTransition validates and applies a state change inside the caller's
// transaction, recording it in the event log. The UPDATE is guarded on the
// expected from-state, so a concurrent mutation surfaces as ErrInvalidTransition
// rather than a lost update.
func (s *Store) ApplyTransition(ctx context.Context, tx pgx.Tx, t Transition) error {
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, t.From, t.To, t.Cause)
	}

	var matchID, partnerID *uuid.UUID
	switch t.To {
	case StateMatched, StateVoteWindow, StateVideoDate:
		if t.MatchID == nil {
			return fmt.Errorf("%w: transition to %s requires a match id", ErrInvalidTransition, t.To)
		}
		matchID, partnerID = t.MatchID, t.PartnerID
	}

	var waitingSince *time.Time
	if t.To == StateWaiting {
		waitingSince = &t.Now
	}

	tag, err := tx.Exec(ctx, `
		UPDATE user_state
		SET state = $2, match_id = $3, partner_id = $4, waiting_since = $5, updated_at = $6
		WHERE user_id = $1 AND state = $7`,
		t.UserID, string(t.To), matchID, partnerID, waitingSince, t.Now, string(t.From))
	if err != nil {
		return fmt.Errorf("failed to transition user state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s is no longer %s", ErrInvalidTransition, t.UserID, t.From)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO state_events (user_id, from_state, to_state, cause, match_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.UserID, string(t.From), string(t.To), t.Cause, t.MatchID, t.Now)
	if err != nil {
		return fmt.Errorf("failed to record state event: %w", err)
	}

	s.log.Debug("state transition", "user", t.UserID, "from", t.From, "to", t.To, "cause", t.Cause)
	return nil
}

// stateChangedEvent is the UserStateChanged fact for a committed transition.
func stateChangedEvent(t Transition) Event {
	return Event{
		Kind:    EventUserStateChanged,
		UserIDs: []uuid.UUID{t.UserID},
		MatchID: t.MatchID,
		State:   t.To,
		Reason:  t.Cause,
		At:      t.Now,
	}
}
