package match_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/velvetlabs/spindate/pkg/match"
	pgtesting "github.com/velvetlabs/spindate/pkg/pg/testing"
	spintesting "github.com/velvetlabs/spindate/pkg/testing"
)

// testBase is the fixed instant every fake clock starts at.
var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEngine struct {
	*match.Engine
	clock *clockwork.FakeClock
	store *match.Store
	bus   *match.Bus
}

// newTestEngine builds an engine on a fresh schema with a fake clock. Each
// call truncates the shared container's tables, so tests using it cannot run
// in parallel.
func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	pool := pgtesting.NewTestPool(t, testDB)
	pgtesting.Reset(t, pool)

	log := spintesting.NewLogger()
	store, err := match.NewStore(match.StoreConfig{Logger: log, Pool: pool})
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(testBase)
	bus := match.NewBus(log, 256)

	engine, err := match.NewEngine(match.Config{
		Logger:    log,
		Clock:     clock,
		Store:     store,
		Publisher: bus,
	})
	require.NoError(t, err)

	return &testEngine{Engine: engine, clock: clock, store: store, bus: bus}
}

type userOpt func(*match.User)

func withGender(gender, pref string) userOpt {
	return func(u *match.User) {
		u.Gender = gender
		u.Preferences.GenderPref = pref
	}
}

func withAge(years int) userOpt {
	return func(u *match.User) {
		u.Birthdate = testBase.AddDate(-years, 0, -1)
	}
}

func withAgePref(min, max int) userOpt {
	return func(u *match.User) {
		u.Preferences.MinAge = min
		u.Preferences.MaxAge = max
	}
}

func withLocation(lat, lng float64) userOpt {
	return func(u *match.User) {
		u.Lat = lat
		u.Lng = lng
	}
}

func withMaxDistance(km float64) userOpt {
	return func(u *match.User) {
		u.Preferences.MaxDistanceKm = km
	}
}

func withOffline() userOpt {
	return func(u *match.User) {
		u.Online = false
	}
}

// seedUser inserts a mutually compatible default profile: 30 years old, in
// central Buenos Aires, open to any gender within 50km.
func (te *testEngine) seedUser(t *testing.T, opts ...userOpt) uuid.UUID {
	t.Helper()

	u := &match.User{
		ID:         uuid.New(),
		Gender:     match.GenderFemale,
		Birthdate:  testBase.AddDate(-30, 0, -1),
		Lat:        -34.6037,
		Lng:        -58.3816,
		Online:     true,
		LastActive: te.clock.Now(),
		Preferences: match.Preferences{
			MinAge:        18,
			MaxAge:        99,
			MaxDistanceKm: 50,
			GenderPref:    match.GenderAny,
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	require.NoError(t, te.store.CreateUser(context.Background(), u))
	return u.ID
}

// spin enters a user and requires success.
func (te *testEngine) spin(t *testing.T, id uuid.UUID) {
	t.Helper()
	_, err := te.Spin(context.Background(), id)
	require.NoError(t, err)
}

// heartbeat bumps liveness at the fake clock's current time.
func (te *testEngine) heartbeat(t *testing.T, ids ...uuid.UUID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, te.Heartbeat(context.Background(), id))
	}
}

// state returns the user's current state row.
func (te *testEngine) state(t *testing.T, id uuid.UUID) *match.UserState {
	t.Helper()
	st, err := te.store.GetUserState(context.Background(), te.store.Pool(), id)
	require.NoError(t, err)
	return st
}

// activeMatch returns the live match both users share, failing if absent.
func (te *testEngine) activeMatch(t *testing.T, a, b uuid.UUID) *match.Match {
	t.Helper()
	m, err := te.store.ActiveMatchFor(context.Background(), te.store.Pool(), a)
	require.NoError(t, err)
	require.NotNil(t, m, "expected a live match for %s", a)
	require.True(t, m.Has(b), "expected %s to be the partner", b)
	return m
}

// pairUp spins both users and runs a match tick until they are paired.
func (te *testEngine) pairUp(t *testing.T, a, b uuid.UUID) *match.Match {
	t.Helper()
	te.spin(t, a)
	te.spin(t, b)
	_, err := te.RunMatchTick(context.Background())
	require.NoError(t, err)
	return te.activeMatch(t, a, b)
}

// queueEntry returns the queue row, or nil.
func (te *testEngine) queueEntry(t *testing.T, id uuid.UUID) *match.QueueEntry {
	t.Helper()
	entry, err := te.store.GetQueueEntry(context.Background(), te.store.Pool(), id)
	require.NoError(t, err)
	return entry
}

// advance moves the fake clock and refreshes heartbeats so liveness checks
// keep passing for the given users.
func (te *testEngine) advance(t *testing.T, d time.Duration, alive ...uuid.UUID) {
	t.Helper()
	te.clock.Advance(d)
	te.heartbeat(t, alive...)
}

// uuidFromByte returns a uuid whose first byte is b, for ordering tests.
func uuidFromByte(b byte) uuid.UUID {
	var id uuid.UUID
	id[0] = b
	id[15] = 1
	return id
}

func mustParseDuration(t *testing.T, s string) time.Duration {
	t.Helper()
	d, err := time.ParseDuration(s)
	require.NoError(t, err)
	return d
}
