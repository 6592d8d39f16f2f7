package match

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// State is a user's position in the matching lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateWaiting    State = "waiting"
	StateMatched    State = "matched"
	StateVoteWindow State = "vote_window"
	StateVideoDate  State = "video_date"
	StateCooldown   State = "cooldown"
)

// MatchStatus is the lifecycle status of a match row.
type MatchStatus string

const (
	MatchPaired     MatchStatus = "paired"
	MatchVoteActive MatchStatus = "vote_active"
	MatchCompleted  MatchStatus = "completed"
)

// Outcome is the terminal result of a match's vote window.
type Outcome string

const (
	OutcomeBothYes  Outcome = "both_yes"
	OutcomeYesPass  Outcome = "yes_pass"
	OutcomePassPass Outcome = "pass_pass"
	OutcomeYesIdle  Outcome = "yes_idle"
	OutcomePassIdle Outcome = "pass_idle"
	OutcomeIdleIdle Outcome = "idle_idle"
)

// VoteValue is a participant's choice inside the vote window.
type VoteValue string

const (
	VoteYes  VoteValue = "yes"
	VotePass VoteValue = "pass"
)

// Gender values carried on user profiles. Preference "any" matches everyone.
const (
	GenderMale   = "male"
	GenderFemale = "female"
	GenderOther  = "other"
	GenderAny    = "any"
)

// Preferences are a user's matching constraints at tier 0.
type Preferences struct {
	MinAge        int
	MaxAge        int
	MaxDistanceKm float64
	GenderPref    string
}

// User is the read-only profile the engine matches on. Profiles are created
// and maintained externally; the engine only updates liveness fields.
type User struct {
	ID            uuid.UUID
	Gender        string
	Birthdate     time.Time
	Lat           float64
	Lng           float64
	Online        bool
	LastActive    time.Time
	CooldownUntil *time.Time
	Preferences   Preferences
}

// UserState is the engine-owned per-user state machine row.
type UserState struct {
	UserID       uuid.UUID
	State        State
	MatchID      *uuid.UUID
	PartnerID    *uuid.UUID
	WaitingSince *time.Time
	Fairness     int
	LastActive   time.Time
}

// QueueEntry is a user waiting to be paired.
type QueueEntry struct {
	UserID          uuid.UUID
	JoinedAt        time.Time
	Fairness        int
	PreferenceStage int
	LastExpandedAt  *time.Time
	BoostLevel      int
}

// Match is a pairing of two users. User1ID is always the lower uuid.
type Match struct {
	ID                  uuid.UUID
	User1ID             uuid.UUID
	User2ID             uuid.UUID
	Status              MatchStatus
	Outcome             *Outcome
	CreatedAt           time.Time
	VoteWindowStartedAt *time.Time
	VoteWindowExpiresAt *time.Time
}

// Partner returns the other participant, or uuid.Nil if id is not a participant.
func (m *Match) Partner(id uuid.UUID) uuid.UUID {
	switch id {
	case m.User1ID:
		return m.User2ID
	case m.User2ID:
		return m.User1ID
	}
	return uuid.Nil
}

// Has reports whether id participates in the match.
func (m *Match) Has(id uuid.UUID) bool {
	return id == m.User1ID || id == m.User2ID
}

// Vote is a recorded yes/pass inside a vote window.
type Vote struct {
	MatchID   uuid.UUID
	UserID    uuid.UUID
	Value     VoteValue
	CreatedAt time.Time
}

// Snapshot is the answer to a status query: the user's state plus the live
// match, if any.
type Snapshot struct {
	UserID        uuid.UUID
	State         State
	Fairness      int
	QueuePosition int
	Match         *Match
	PartnerID     *uuid.UUID
}

// OrderPair returns the two ids in canonical order (lower uuid first).
// PostgreSQL orders the uuid type by its 16 raw bytes, so byte comparison
// here agrees with uuid comparison in SQL.
func OrderPair(a, b uuid.UUID) (lo, hi uuid.UUID) {
	if bytes.Compare(a[:], b[:]) < 0 {
		return a, b
	}
	return b, a
}
