package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/velvetlabs/spindate/pkg/metrics"
)

// Config carries every knob of the matching core. Zero values take the
// documented defaults.
type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     *Store
	Publisher Publisher

	VoteWindow         time.Duration // duration of the vote_active phase
	OfflineThreshold   time.Duration // eviction cutoff for missing heartbeats
	LivenessWindow     time.Duration // candidate must have heartbeat within this
	HistoryCooldown    time.Duration // recent-pair suppression window
	DisconnectCooldown time.Duration // cooldown applied on disconnect-with-match
	TierThresholds     TierThresholds
	YesBoost           int
	WaitBoosts         []WaitBoost
	BatchSize          int
	CommandTimeout     time.Duration
	StuckPairedAfter   time.Duration // repair matches stuck in paired past this
	ForceResolveAfter  time.Duration // repair grace beyond vote window expiry

	MatchTick     time.Duration
	ExpiryTick    time.Duration
	ExpansionTick time.Duration
	FairnessTick  time.Duration
	EvictionTick  time.Duration
	RepairTick    time.Duration
	CooldownTick  time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = nopPublisher{}
	}
	if cfg.VoteWindow <= 0 {
		cfg.VoteWindow = 15 * time.Second
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = 30 * time.Second
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 10 * time.Second
	}
	if cfg.HistoryCooldown <= 0 {
		cfg.HistoryCooldown = 5 * time.Minute
	}
	if cfg.DisconnectCooldown <= 0 {
		cfg.DisconnectCooldown = 30 * time.Second
	}
	if cfg.TierThresholds == (TierThresholds{}) {
		cfg.TierThresholds = DefaultTierThresholds()
	}
	if cfg.YesBoost <= 0 {
		cfg.YesBoost = DefaultYesBoost
	}
	if len(cfg.WaitBoosts) == 0 {
		cfg.WaitBoosts = DefaultWaitBoosts()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if cfg.StuckPairedAfter <= 0 {
		cfg.StuckPairedAfter = 5 * time.Second
	}
	if cfg.ForceResolveAfter <= 0 {
		cfg.ForceResolveAfter = 30 * time.Second
	}
	if cfg.MatchTick <= 0 {
		cfg.MatchTick = 2 * time.Second
	}
	if cfg.ExpiryTick <= 0 {
		cfg.ExpiryTick = 2 * time.Second
	}
	if cfg.ExpansionTick <= 0 {
		cfg.ExpansionTick = 2 * time.Second
	}
	if cfg.FairnessTick <= 0 {
		cfg.FairnessTick = 5 * time.Second
	}
	if cfg.EvictionTick <= 0 {
		cfg.EvictionTick = 10 * time.Second
	}
	if cfg.RepairTick <= 0 {
		cfg.RepairTick = 10 * time.Second
	}
	if cfg.CooldownTick <= 0 {
		cfg.CooldownTick = 10 * time.Second
	}
	return nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(...Event) {}

// Engine is the matching core's command surface. Commands validate through the
// state machine, mutate inside a single transaction, and publish events after
// commit.
type Engine struct {
	log   *slog.Logger
	cfg   Config
	store *Store
	clock clockwork.Clock
	pub   Publisher
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:   cfg.Logger,
		cfg:   cfg,
		store: cfg.Store,
		clock: cfg.Clock,
		pub:   cfg.Publisher,
	}, nil
}

func (e *Engine) Store() *Store { return e.store }

func (e *Engine) finderRules() FinderRules {
	return FinderRules{
		LivenessWindow:  e.cfg.LivenessWindow,
		HistoryCooldown: e.cfg.HistoryCooldown,
	}
}

// command wraps a command body with the wall-clock budget and metrics.
func (e *Engine) command(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	status := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		err = ErrBusy
		status = "busy"
	case errors.Is(err, ErrBusy):
		status = "busy"
	case err != nil:
		status = "error"
	}
	metrics.CommandsTotal.WithLabelValues(name, status).Inc()
	return err
}

// SpinResult is the successful outcome of a Spin command.
type SpinResult struct {
	State         State
	QueuePosition int
}

// Spin enters the user into the matching queue and immediately attempts a
// match for them.
func (e *Engine) Spin(ctx context.Context, userID uuid.UUID) (*SpinResult, error) {
	var result SpinResult
	var events []Event

	err := e.command(ctx, "spin", func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx pgx.Tx) error {
			got, err := e.store.TryLockUser(ctx, tx, userID)
			if err != nil {
				return err
			}
			if !got {
				return ErrBusy
			}

			u, err := e.store.GetUser(ctx, tx, userID)
			if err != nil {
				return err
			}
			st, err := e.store.GetUserStateForUpdate(ctx, tx, userID)
			if err != nil {
				return err
			}

			now := e.clock.Now()
			switch st.State {
			case StateWaiting:
				return ErrAlreadyQueued
			case StateMatched, StateVoteWindow, StateVideoDate:
				return ErrAlreadyMatched
			case StateCooldown:
				if u.CooldownUntil != nil && u.CooldownUntil.After(now) {
					return ErrInCooldown
				}
				t := Transition{UserID: userID, From: StateCooldown, To: StateIdle, Cause: "cooldown_elapsed", Now: now}
				if err := e.store.ApplyTransition(ctx, tx, t); err != nil {
					return err
				}
				events = append(events, stateChangedEvent(t))
			}
			if u.CooldownUntil != nil && u.CooldownUntil.After(now) {
				return ErrInCooldown
			}
			if !u.Online {
				return ErrUserOffline
			}

			if err := e.store.InsertQueueEntry(ctx, tx, userID, now, 0); err != nil {
				return err
			}
			t := Transition{UserID: userID, From: StateIdle, To: StateWaiting, Cause: "spin", Now: now}
			if err := e.store.ApplyTransition(ctx, tx, t); err != nil {
				return err
			}

			pos, err := e.store.QueuePosition(ctx, tx, userID)
			if err != nil {
				return err
			}
			result = SpinResult{State: StateWaiting, QueuePosition: pos}
			events = append(events,
				Event{Kind: EventSpun, UserIDs: []uuid.UUID{userID}, At: now},
				stateChangedEvent(t))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.pub.Publish(events...)

	// Immediate attempt; the scheduler covers the user if this one loses a race.
	if _, err := e.tryMatch(ctx, userID); err != nil {
		e.log.Debug("spin: immediate match attempt failed", "user", userID, "error", err)
	}
	return &result, nil
}

// Heartbeat refreshes liveness. Idempotent; never fails for a known user.
func (e *Engine) Heartbeat(ctx context.Context, userID uuid.UUID) error {
	return e.command(ctx, "heartbeat", func(ctx context.Context) error {
		found, err := e.store.Heartbeat(ctx, userID, e.clock.Now())
		if err != nil {
			return err
		}
		if !found {
			return ErrUnknownUser
		}
		return nil
	})
}

// Acknowledge is retained for clients that still call it; the vote window is
// already open by the time the pair exists. Returns the current expiry.
func (e *Engine) Acknowledge(ctx context.Context, userID, matchID uuid.UUID) (time.Time, error) {
	var expires time.Time
	err := e.command(ctx, "acknowledge", func(ctx context.Context) error {
		m, err := e.store.GetMatch(ctx, e.store.pool, matchID)
		if err != nil {
			return err
		}
		if !m.Has(userID) {
			return ErrNotParticipant
		}
		if m.VoteWindowExpiresAt == nil {
			return ErrInvalidMatch
		}
		expires = *m.VoteWindowExpiresAt
		return nil
	})
	return expires, err
}

// Disconnect takes the user out of the system. A waiting user leaves the
// queue; a user holding an active match resolves it as if they went idle at
// expiry and enters cooldown.
func (e *Engine) Disconnect(ctx context.Context, userID uuid.UUID) error {
	var events []Event
	err := e.command(ctx, "disconnect", func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx pgx.Tx) error {
			got, err := e.store.TryLockUser(ctx, tx, userID)
			if err != nil {
				return err
			}
			if !got {
				return ErrBusy
			}

			// The advisory lock serializes commands for this user; reading the
			// state without FOR UPDATE keeps the blocking lock order
			// match-then-state, the same as vote resolution.
			st, err := e.store.GetUserState(ctx, tx, userID)
			if err != nil {
				return err
			}
			now := e.clock.Now()

			switch st.State {
			case StateWaiting:
				if _, err := e.store.DeleteQueueEntry(ctx, tx, userID); err != nil {
					return err
				}
				// Fairness resets to 0 on queue exit.
				if _, err := tx.Exec(ctx,
					`UPDATE user_state SET fairness = 0 WHERE user_id = $1`, userID); err != nil {
					return fmt.Errorf("failed to reset fairness: %w", err)
				}
				t := Transition{UserID: userID, From: StateWaiting, To: StateIdle, Cause: "disconnect", Now: now}
				if err := e.store.ApplyTransition(ctx, tx, t); err != nil {
					return err
				}
				events = append(events, stateChangedEvent(t))

			case StateMatched, StateVoteWindow:
				if st.MatchID == nil {
					return fmt.Errorf("user %s in %s without a match id", userID, st.State)
				}
				if st.PartnerID != nil {
					got, err := e.store.TryLockUser(ctx, tx, *st.PartnerID)
					if err != nil {
						return err
					}
					if !got {
						return ErrBusy
					}
				}
				m, err := e.store.GetMatchForUpdate(ctx, tx, *st.MatchID)
				if err != nil {
					return err
				}
				if m.Status != MatchCompleted {
					votes, err := e.store.GetVotes(ctx, tx, m.ID)
					if err != nil {
						return err
					}
					// The disconnecting user resolves as idle regardless of
					// any vote already cast.
					delete(votes, userID)
					cooldown := now.Add(e.cfg.DisconnectCooldown)
					evs, err := e.completeMatch(ctx, tx, m, votes, now, "disconnect",
						map[uuid.UUID]time.Time{userID: cooldown})
					if err != nil {
						return err
					}
					events = append(events, evs...)
				}

			case StateVideoDate:
				cooldown := now.Add(e.cfg.DisconnectCooldown)
				if err := e.store.SetCooldownUntil(ctx, tx, userID, cooldown); err != nil {
					return err
				}
				t := Transition{UserID: userID, From: StateVideoDate, To: StateCooldown, Cause: "disconnect", Now: now}
				if err := e.store.ApplyTransition(ctx, tx, t); err != nil {
					return err
				}
				events = append(events, stateChangedEvent(t))
			}

			return e.store.SetOffline(ctx, tx, userID)
		})
	})
	if err != nil {
		return err
	}
	e.pub.Publish(events...)
	return nil
}

// EndDate is the external "date ended" signal for a video_date user.
func (e *Engine) EndDate(ctx context.Context, userID uuid.UUID) error {
	var events []Event
	err := e.command(ctx, "end_date", func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx pgx.Tx) error {
			got, err := e.store.TryLockUser(ctx, tx, userID)
			if err != nil {
				return err
			}
			if !got {
				return ErrBusy
			}
			st, err := e.store.GetUserStateForUpdate(ctx, tx, userID)
			if err != nil {
				return err
			}
			if st.State != StateVideoDate {
				return fmt.Errorf("%w: %s -> idle (date_ended)", ErrInvalidTransition, st.State)
			}
			t := Transition{UserID: userID, From: StateVideoDate, To: StateIdle, Cause: "date_ended", Now: e.clock.Now()}
			if err := e.store.ApplyTransition(ctx, tx, t); err != nil {
				return err
			}
			events = append(events, stateChangedEvent(t))
			return nil
		})
	})
	if err != nil {
		return err
	}
	e.pub.Publish(events...)
	return nil
}

// GetMatchStatus returns the user's state plus the live match, if any.
func (e *Engine) GetMatchStatus(ctx context.Context, userID uuid.UUID) (*Snapshot, error) {
	var snap *Snapshot
	err := e.command(ctx, "get_match_status", func(ctx context.Context) error {
		st, err := e.store.GetUserState(ctx, e.store.pool, userID)
		if err != nil {
			return err
		}
		snap = &Snapshot{UserID: userID, State: st.State, Fairness: st.Fairness, PartnerID: st.PartnerID}

		if st.MatchID != nil {
			m, err := e.store.GetMatch(ctx, e.store.pool, *st.MatchID)
			if err != nil {
				return err
			}
			snap.Match = m
		}
		if st.State == StateWaiting {
			entry, err := e.store.GetQueueEntry(ctx, e.store.pool, userID)
			if err != nil {
				return err
			}
			if entry != nil {
				snap.Fairness = entry.Fairness
				pos, err := e.store.QueuePosition(ctx, e.store.pool, userID)
				if err != nil {
					return err
				}
				snap.QueuePosition = pos
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// QueueStats reports the queue depth and the longest current wait.
func (e *Engine) QueueStats(ctx context.Context) (int, time.Duration, error) {
	return e.store.QueueStats(ctx, e.clock.Now())
}

// tryMatch makes one pairing attempt for a queued user. Returns the match, or
// nil when no eligible candidate exists or the pair lost a race.
func (e *Engine) tryMatch(ctx context.Context, userID uuid.UUID) (*Match, error) {
	u, err := e.store.GetUser(ctx, e.store.pool, userID)
	if err != nil {
		return nil, err
	}
	entry, err := e.store.GetQueueEntry(ctx, e.store.pool, userID)
	if err != nil || entry == nil {
		return nil, err
	}

	now := e.clock.Now()
	tier := e.cfg.TierThresholds.TierForWait(now.Sub(entry.JoinedAt))
	if entry.PreferenceStage > tier {
		tier = entry.PreferenceStage
	}

	candidate, ok, err := e.store.FindCandidate(ctx, e.store.pool, u, tier, now, e.finderRules())
	if err != nil || !ok {
		return nil, err
	}

	return e.CreatePair(ctx, userID, candidate, tier)
}
