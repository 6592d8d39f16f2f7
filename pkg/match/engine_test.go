package match_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/velvetlabs/spindate/pkg/match"
)

func TestSpin_EntersQueue(t *testing.T) {
	te := newTestEngine(t)
	alice := te.seedUser(t)

	res, err := te.Spin(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, match.StateWaiting, res.State)
	require.Equal(t, 1, res.QueuePosition)

	st := te.state(t, alice)
	require.Equal(t, match.StateWaiting, st.State)
	require.NotNil(t, st.WaitingSince)

	entry := te.queueEntry(t, alice)
	require.NotNil(t, entry)
	require.Equal(t, 0, entry.Fairness)
}

func TestSpin_Twice(t *testing.T) {
	te := newTestEngine(t)
	alice := te.seedUser(t)

	te.spin(t, alice)
	_, err := te.Spin(context.Background(), alice)
	require.ErrorIs(t, err, match.ErrAlreadyQueued)
}

func TestSpin_WhileMatched(t *testing.T) {
	te := newTestEngine(t)
	alice := te.seedUser(t)
	bob := te.seedUser(t)
	te.pairUp(t, alice, bob)

	_, err := te.Spin(context.Background(), alice)
	require.ErrorIs(t, err, match.ErrAlreadyMatched)
}

func TestSpin_Offline(t *testing.T) {
	te := newTestEngine(t)
	alice := te.seedUser(t, withOffline())

	_, err := te.Spin(context.Background(), alice)
	require.ErrorIs(t, err, match.ErrUserOffline)
}

func TestSpin_UnknownUser(t *testing.T) {
	te := newTestEngine(t)
	_, err := te.Spin(context.Background(), uuid.New())
	require.ErrorIs(t, err, match.ErrUnknownUser)
}

func TestSpin_CooldownBlocksThenReleases(t *testing.T) {
	te := newTestEngine(t)
	alice := te.seedUser(t)
	bob := te.seedUser(t)
	te.pairUp(t, alice, bob)

	// Disconnecting with a live match puts alice in cooldown.
	require.NoError(t, te.Disconnect(context.Background(), alice))
	require.Equal(t, match.StateCooldown, te.state(t, alice).State)

	te.heartbeat(t, alice)
	_, err := te.Spin(context.Background(), alice)
	require.ErrorIs(t, err, match.ErrInCooldown)

	// Cooldown elapsed: the next spin releases it inline.
	te.advance(t, 31*time.Second, alice)
	res, err := te.Spin(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, match.StateWaiting, res.State)
}

func TestHeartbeat_UnknownUser(t *testing.T) {
	te := newTestEngine(t)
	err := te.Heartbeat(context.Background(), uuid.New())
	require.ErrorIs(t, err, match.ErrUnknownUser)
}

func TestHeartbeat_BringsUserBackOnline(t *testing.T) {
	te := newTestEngine(t)
	alice := te.seedUser(t, withOffline())

	require.NoError(t, te.Heartbeat(context.Background(), alice))
	_, err := te.Spin(context.Background(), alice)
	require.NoError(t, err)
}

func TestDisconnect_WhileWaiting(t *testing.T) {
	te := newTestEngine(t)
	alice := te.seedUser(t)
	te.spin(t, alice)

	_, err := te.store.Pool().Exec(context.Background(),
		`UPDATE user_state SET fairness = 10 WHERE user_id = $1`, alice)
	require.NoError(t, err)

	require.NoError(t, te.Disconnect(context.Background(), alice))

	st := te.state(t, alice)
	require.Equal(t, match.StateIdle, st.State)
	require.Equal(t, 0, st.Fairness)
	require.Nil(t, te.queueEntry(t, alice))

	u, err := te.store.GetUser(context.Background(), te.store.Pool(), alice)
	require.NoError(t, err)
	require.False(t, u.Online)
}

func TestDisconnect_WhileIdleIsNoop(t *testing.T) {
	te := newTestEngine(t)
	alice := te.seedUser(t)

	require.NoError(t, te.Disconnect(context.Background(), alice))
	require.Equal(t, match.StateIdle, te.state(t, alice).State)
}

func TestEndDate_MovesBothIndependently(t *testing.T) {
	te := newTestEngine(t)
	alice := te.seedUser(t)
	bob := te.seedUser(t)
	m := te.pairUp(t, alice, bob)

	_, err := te.Vote(context.Background(), alice, m.ID, match.VoteYes)
	require.NoError(t, err)
	res, err := te.Vote(context.Background(), bob, m.ID, match.VoteYes)
	require.NoError(t, err)
	require.Equal(t, match.OutcomeBothYes, res.Outcome)

	require.NoError(t, te.EndDate(context.Background(), alice))
	require.Equal(t, match.StateIdle, te.state(t, alice).State)
	require.Equal(t, match.StateVideoDate, te.state(t, bob).State)

	require.NoError(t, te.EndDate(context.Background(), bob))
	require.Equal(t, match.StateIdle, te.state(t, bob).State)
}

func TestEndDate_RequiresVideoDate(t *testing.T) {
	te := newTestEngine(t)
	alice := te.seedUser(t)

	err := te.EndDate(context.Background(), alice)
	require.ErrorIs(t, err, match.ErrInvalidTransition)
}

func TestAcknowledge_ReturnsWindowExpiry(t *testing.T) {
	te := newTestEngine(t)
	alice := te.seedUser(t)
	bob := te.seedUser(t)
	m := te.pairUp(t, alice, bob)

	expires, err := te.Acknowledge(context.Background(), alice, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.VoteWindowExpiresAt.UTC(), expires.UTC())

	carol := te.seedUser(t)
	_, err = te.Acknowledge(context.Background(), carol, m.ID)
	require.ErrorIs(t, err, match.ErrNotParticipant)
}

func TestGetMatchStatus(t *testing.T) {
	te := newTestEngine(t)
	alice := te.seedUser(t)

	snap, err := te.GetMatchStatus(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, match.StateIdle, snap.State)
	require.Nil(t, snap.Match)

	te.spin(t, alice)
	snap, err = te.GetMatchStatus(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, match.StateWaiting, snap.State)
	require.Equal(t, 1, snap.QueuePosition)

	bob := te.seedUser(t)
	te.spin(t, bob)
	_, err = te.RunMatchTick(context.Background())
	require.NoError(t, err)

	snap, err = te.GetMatchStatus(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, match.StateVoteWindow, snap.State)
	require.NotNil(t, snap.Match)
	require.Equal(t, match.MatchVoteActive, snap.Match.Status)
	require.NotNil(t, snap.PartnerID)
	require.Equal(t, bob, *snap.PartnerID)
}
