package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// errDuplicatePair marks a unique-violation on the live-pair index: another
// worker created the match first. Callers treat it as "no match created".
var errDuplicatePair = errors.New("live match already exists for pair")

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// Store owns every table of the matching core. All mutations happen inside
// transactions obtained through WithTx; advisory locks are transaction-scoped
// so a crashed worker can never leak one.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool}, nil
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, fn)
}

// ---- advisory locks ----

// TryLockUser takes the transaction-scoped advisory lock serializing mutations
// for one user. Non-blocking: false means another worker holds it.
func (s *Store) TryLockUser(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	var got bool
	err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtextextended($1::text, 0))`, id,
	).Scan(&got)
	if err != nil {
		return false, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	return got, nil
}

// TryLockPair takes both users' advisory locks, always lower uuid first, which
// makes concurrent CreatePair(a,b) / CreatePair(b,a) deadlock-free.
func (s *Store) TryLockPair(ctx context.Context, tx pgx.Tx, a, b uuid.UUID) (bool, error) {
	lo, hi := OrderPair(a, b)
	got, err := s.TryLockUser(ctx, tx, lo)
	if err != nil || !got {
		return false, err
	}
	return s.TryLockUser(ctx, tx, hi)
}

// ---- users ----

const userColumns = `id, gender, birthdate, lat, lng, online, last_active, cooldown_until,
	pref_min_age, pref_max_age, pref_max_distance_km, pref_gender`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Gender, &u.Birthdate, &u.Lat, &u.Lng, &u.Online,
		&u.LastActive, &u.CooldownUntil,
		&u.Preferences.MinAge, &u.Preferences.MaxAge,
		&u.Preferences.MaxDistanceKm, &u.Preferences.GenderPref)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, q Querier, id uuid.UUID) (*User, error) {
	u, err := scanUser(q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// CreateUser inserts a profile and its idle state row. Profiles normally come
// from the account service; this is the seeding path used by dev and tests.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, gender, birthdate, lat, lng, online, last_active, cooldown_until,
				pref_min_age, pref_max_age, pref_max_distance_km, pref_gender)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			u.ID, u.Gender, u.Birthdate, u.Lat, u.Lng, u.Online, u.LastActive, u.CooldownUntil,
			u.Preferences.MinAge, u.Preferences.MaxAge, u.Preferences.MaxDistanceKm, u.Preferences.GenderPref)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO user_state (user_id, state, last_active, updated_at)
			VALUES ($1, 'idle', $2, $2)`, u.ID, u.LastActive)
		if err != nil {
			return fmt.Errorf("failed to insert user state: %w", err)
		}
		return nil
	})
}

// Heartbeat bumps liveness. Returns false if the user does not exist.
func (s *Store) Heartbeat(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET online = true, last_active = $2 WHERE id = $1`, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE user_state SET last_active = $2 WHERE user_id = $1`, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat user state: %w", err)
	}
	return true, nil
}

func (s *Store) SetOffline(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE users SET online = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to set user offline: %w", err)
	}
	return nil
}

func (s *Store) SetCooldownUntil(ctx context.Context, tx pgx.Tx, id uuid.UUID, until time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE users SET cooldown_until = $2 WHERE id = $1`, id, until)
	if err != nil {
		return fmt.Errorf("failed to set cooldown: %w", err)
	}
	return nil
}

// ---- user state ----

const userStateColumns = `user_id, state, match_id, partner_id, waiting_since, fairness, last_active`

func scanUserState(row pgx.Row) (*UserState, error) {
	var st UserState
	var state string
	err := row.Scan(&st.UserID, &state, &st.MatchID, &st.PartnerID,
		&st.WaitingSince, &st.Fairness, &st.LastActive)
	if err != nil {
		return nil, err
	}
	st.State = State(state)
	return &st, nil
}

func (s *Store) GetUserState(ctx context.Context, q Querier, id uuid.UUID) (*UserState, error) {
	st, err := scanUserState(q.QueryRow(ctx,
		`SELECT `+userStateColumns+` FROM user_state WHERE user_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user state: %w", err)
	}
	return st, nil
}

// GetUserStateForUpdate row-locks the state row for the rest of the transaction.
func (s *Store) GetUserStateForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*UserState, error) {
	st, err := scanUserState(tx.QueryRow(ctx,
		`SELECT `+userStateColumns+` FROM user_state WHERE user_id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user state: %w", err)
	}
	return st, nil
}

// ---- queue ----

func (s *Store) InsertQueueEntry(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time, fairness int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue (user_id, joined_at, fairness) VALUES ($1, $2, $3)`,
		id, now, fairness)
	if isUniqueViolation(err) {
		return ErrAlreadyQueued
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue user: %w", err)
	}
	return nil
}

func (s *Store) DeleteQueueEntry(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `DELETE FROM queue WHERE user_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to dequeue user: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetQueueEntry(ctx context.Context, q Querier, id uuid.UUID) (*QueueEntry, error) {
	var e QueueEntry
	err := q.QueryRow(ctx, `
		SELECT user_id, joined_at, fairness, preference_stage, last_expanded_at, boost_level
		FROM queue WHERE user_id = $1`, id).
		Scan(&e.UserID, &e.JoinedAt, &e.Fairness, &e.PreferenceStage, &e.LastExpandedAt, &e.BoostLevel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue entry: %w", err)
	}
	return &e, nil
}

// QueuePosition returns the 1-based position of the user under the selection
// order (fairness DESC, joined_at ASC).
func (s *Store) QueuePosition(ctx context.Context, q Querier, id uuid.UUID) (int, error) {
	var pos int
	err := q.QueryRow(ctx, `
		SELECT count(*) + 1 FROM queue q, queue me
		WHERE me.user_id = $1 AND q.user_id <> $1
		  AND (q.fairness > me.fairness
		       OR (q.fairness = me.fairness AND q.joined_at < me.joined_at))`, id).
		Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("failed to compute queue position: %w", err)
	}
	return pos, nil
}

// QueueStats reports depth and the longest current wait.
func (s *Store) QueueStats(ctx context.Context, now time.Time) (depth int, oldestWait time.Duration, err error) {
	var oldest *time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT count(*), min(joined_at) FROM queue`).Scan(&depth, &oldest)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read queue stats: %w", err)
	}
	if oldest != nil {
		oldestWait = now.Sub(*oldest)
	}
	return depth, oldestWait, nil
}

// ListWaiting returns queued users in selection order, bounded by limit.
func (s *Store) ListWaiting(ctx context.Context, limit int) ([]QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, joined_at, fairness, preference_stage, last_expanded_at, boost_level
		FROM queue ORDER BY fairness DESC, joined_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.UserID, &e.JoinedAt, &e.Fairness, &e.PreferenceStage,
			&e.LastExpandedAt, &e.BoostLevel); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- matches ----

const matchColumns = `id, user1_id, user2_id, status, outcome, created_at,
	vote_window_started_at, vote_window_expires_at`

func scanMatch(row pgx.Row) (*Match, error) {
	var m Match
	var status string
	var outcome *string
	err := row.Scan(&m.ID, &m.User1ID, &m.User2ID, &status, &outcome,
		&m.CreatedAt, &m.VoteWindowStartedAt, &m.VoteWindowExpiresAt)
	if err != nil {
		return nil, err
	}
	m.Status = MatchStatus(status)
	if outcome != nil {
		o := Outcome(*outcome)
		m.Outcome = &o
	}
	return &m, nil
}

// InsertMatch writes a new paired match. The live-pair unique index is the
// last-line guarantee against two workers pairing the same users.
func (s *Store) InsertMatch(ctx context.Context, tx pgx.Tx, m *Match) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO matches (id, user1_id, user2_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.User1ID, m.User2ID, string(m.Status), m.CreatedAt)
	if isUniqueViolation(err) {
		return errDuplicatePair
	}
	if err != nil {
		return fmt.Errorf("failed to insert match: %w", err)
	}
	return nil
}

func (s *Store) GetMatch(ctx context.Context, q Querier, id uuid.UUID) (*Match, error) {
	m, err := scanMatch(q.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidMatch
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load match: %w", err)
	}
	return m, nil
}

// GetMatchForUpdate row-locks the match; votes within a match serialize here.
func (s *Store) GetMatchForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Match, error) {
	m, err := scanMatch(tx.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidMatch
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock match: %w", err)
	}
	return m, nil
}

// ActiveMatchFor returns the user's non-completed match, or nil.
func (s *Store) ActiveMatchFor(ctx context.Context, q Querier, id uuid.UUID) (*Match, error) {
	m, err := scanMatch(q.QueryRow(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE (user1_id = $1 OR user2_id = $1) AND status IN ('paired', 'vote_active')`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active match: %w", err)
	}
	return m, nil
}

// OpenVoteWindow flips a paired match to vote_active with the given window.
func (s *Store) OpenVoteWindow(ctx context.Context, tx pgx.Tx, id uuid.UUID, start, expires time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE matches SET status = 'vote_active',
			vote_window_started_at = $2, vote_window_expires_at = $3
		WHERE id = $1 AND status = 'paired'`, id, start, expires)
	if err != nil {
		return fmt.Errorf("failed to open vote window: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidMatch
	}
	return nil
}

// CompleteMatch closes the match with its outcome and clears the window.
func (s *Store) CompleteMatch(ctx context.Context, tx pgx.Tx, id uuid.UUID, outcome Outcome) error {
	tag, err := tx.Exec(ctx, `
		UPDATE matches SET status = 'completed', outcome = $2,
			vote_window_started_at = NULL, vote_window_expires_at = NULL
		WHERE id = $1 AND status <> 'completed'`, id, string(outcome))
	if err != nil {
		return fmt.Errorf("failed to complete match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidMatch
	}
	return nil
}

// ListExpiredVoteWindows returns vote_active matches whose window has passed.
func (s *Store) ListExpiredVoteWindows(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.listMatchIDs(ctx, `
		SELECT id FROM matches
		WHERE status = 'vote_active' AND vote_window_expires_at < $1
		ORDER BY vote_window_expires_at ASC LIMIT $2`, now, limit)
}

// ListStuckPaired returns matches stuck in paired with no vote window.
func (s *Store) ListStuckPaired(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	return s.listMatchIDs(ctx, `
		SELECT id FROM matches
		WHERE status = 'paired' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`, cutoff, limit)
}

func (s *Store) listMatchIDs(ctx context.Context, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan match id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- votes ----

// UpsertVote records a vote; a repeat by the same user overwrites.
func (s *Store) UpsertVote(ctx context.Context, tx pgx.Tx, matchID, userID uuid.UUID, value VoteValue, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO votes (match_id, user_id, value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (match_id, user_id) DO UPDATE SET value = EXCLUDED.value`,
		matchID, userID, string(value), now)
	if err != nil {
		return fmt.Errorf("failed to upsert vote: %w", err)
	}
	return nil
}

// GetVotes returns the votes cast so far for a match, keyed by voter.
func (s *Store) GetVotes(ctx context.Context, q Querier, matchID uuid.UUID) (map[uuid.UUID]VoteValue, error) {
	rows, err := q.Query(ctx,
		`SELECT user_id, value FROM votes WHERE match_id = $1`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load votes: %w", err)
	}
	defer rows.Close()

	votes := make(map[uuid.UUID]VoteValue, 2)
	for rows.Next() {
		var id uuid.UUID
		var value string
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		votes[id] = VoteValue(value)
	}
	return votes, rows.Err()
}

// ---- history ----

func (s *Store) UpsertPairHistory(ctx context.Context, tx pgx.Tx, a, b uuid.UUID, now time.Time) error {
	lo, hi := OrderPair(a, b)
	_, err := tx.Exec(ctx, `
		INSERT INTO pair_history (user1_id, user2_id, last_matched_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user1_id, user2_id) DO UPDATE SET last_matched_at = EXCLUDED.last_matched_at`,
		lo, hi, now)
	if err != nil {
		return fmt.Errorf("failed to upsert pair history: %w", err)
	}
	return nil
}

func (s *Store) InsertNeverPair(ctx context.Context, tx pgx.Tx, a, b uuid.UUID, now time.Time) error {
	lo, hi := OrderPair(a, b)
	_, err := tx.Exec(ctx, `
		INSERT INTO never_pair (user1_id, user2_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user1_id, user2_id) DO NOTHING`, lo, hi, now)
	if err != nil {
		return fmt.Errorf("failed to insert never-pair: %w", err)
	}
	return nil
}

func (s *Store) InNeverPair(ctx context.Context, q Querier, a, b uuid.UUID) (bool, error) {
	lo, hi := OrderPair(a, b)
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM never_pair WHERE user1_id = $1 AND user2_id = $2)`,
		lo, hi).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check never-pair: %w", err)
	}
	return exists, nil
}

// ---- reconciler scans ----

// ListOfflineWaiting returns queued users that have gone dark: offline or no
// heartbeat past the threshold.
func (s *Store) ListOfflineWaiting(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.user_id FROM queue q
		JOIN users u ON u.id = q.user_id
		WHERE u.online = false OR u.last_active < $1
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list offline waiting users: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListCooldownExpired returns users whose cooldown has elapsed.
func (s *Store) ListCooldownExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT us.user_id FROM user_state us
		JOIN users u ON u.id = us.user_id
		WHERE us.state = 'cooldown' AND (u.cooldown_until IS NULL OR u.cooldown_until < $1)
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cooldown users: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
