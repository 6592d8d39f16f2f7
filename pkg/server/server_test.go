package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/velvetlabs/spindate/pkg/match"
	pgtesting "github.com/velvetlabs/spindate/pkg/pg/testing"
	"github.com/velvetlabs/spindate/pkg/server"
	spintesting "github.com/velvetlabs/spindate/pkg/testing"
)

var serverTestBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	engine *match.Engine
	store  *match.Store
	clock  *clockwork.FakeClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	pool := pgtesting.NewTestPool(t, testDB)
	pgtesting.Reset(t, pool)

	log := spintesting.NewLogger()
	store, err := match.NewStore(match.StoreConfig{Logger: log, Pool: pool})
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(serverTestBase)
	bus := match.NewBus(log, 256)
	engine, err := match.NewEngine(match.Config{
		Logger:    log,
		Clock:     clock,
		Store:     store,
		Publisher: bus,
	})
	require.NoError(t, err)

	srv, err := server.New(server.Config{
		Logger:      log,
		ListenAddr:  "127.0.0.1:0",
		VersionInfo: server.VersionInfo{Version: "test", Commit: "deadbeef", Date: "now"},
		Engine:      engine,
		Bus:         bus,
	})
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Router())
	t.Cleanup(hs.Close)

	return &testServer{Server: hs, engine: engine, store: store, clock: clock}
}

func (ts *testServer) seedUser(t *testing.T) uuid.UUID {
	t.Helper()
	u := &match.User{
		ID:         uuid.New(),
		Gender:     match.GenderFemale,
		Birthdate:  serverTestBase.AddDate(-30, 0, -1),
		Lat:        -34.6037,
		Lng:        -58.3816,
		Online:     true,
		LastActive: ts.clock.Now(),
		Preferences: match.Preferences{
			MinAge:        18,
			MaxAge:        99,
			MaxDistanceKm: 50,
			GenderPref:    match.GenderAny,
		},
	}
	require.NoError(t, ts.store.CreateUser(context.Background(), u))
	return u.ID
}

func (ts *testServer) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServer_SpinAndStatus(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.seedUser(t)

	resp, body := ts.post(t, "/v1/spin", map[string]any{"user_id": alice})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "waiting", body["state"])
	require.Equal(t, float64(1), body["queue_position"])

	resp, body = ts.get(t, "/v1/users/"+alice.String()+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "waiting", body["state"])
}

func TestServer_SpinErrors(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.seedUser(t)

	resp, _ := ts.post(t, "/v1/spin", map[string]any{"user_id": uuid.New()})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.post(t, "/v1/spin", map[string]any{"user_id": alice})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.post(t, "/v1/spin", map[string]any{"user_id": alice})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_VoteFlow(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.seedUser(t)
	bob := ts.seedUser(t)

	resp, _ := ts.post(t, "/v1/spin", map[string]any{"user_id": alice})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.post(t, "/v1/spin", map[string]any{"user_id": bob})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	m, err := ts.store.ActiveMatchFor(context.Background(), ts.store.Pool(), alice)
	require.NoError(t, err)
	require.NotNil(t, m)

	votePath := fmt.Sprintf("/v1/matches/%s/vote", m.ID)

	resp, _ = ts.post(t, votePath, map[string]any{"user_id": alice, "value": "maybe"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.post(t, votePath, map[string]any{"user_id": alice, "value": "yes"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "waiting_for_partner", body["status"])

	resp, body = ts.post(t, votePath, map[string]any{"user_id": bob, "value": "yes"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "completed", body["status"])
	require.Equal(t, "both_yes", body["outcome"])

	// The window is gone once the match completes.
	resp, _ = ts.post(t, votePath, map[string]any{"user_id": alice, "value": "yes"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_AcknowledgeReturnsExpiry(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.seedUser(t)
	bob := ts.seedUser(t)

	ts.post(t, "/v1/spin", map[string]any{"user_id": alice})
	ts.post(t, "/v1/spin", map[string]any{"user_id": bob})

	m, err := ts.store.ActiveMatchFor(context.Background(), ts.store.Pool(), alice)
	require.NoError(t, err)
	require.NotNil(t, m)

	resp, body := ts.post(t, fmt.Sprintf("/v1/matches/%s/ack", m.ID), map[string]any{"user_id": alice})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["vote_window_expires_at"])
}

func TestServer_QueueStats(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.seedUser(t)

	resp, body := ts.get(t, "/v1/queue/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(0), body["depth"])

	ts.post(t, "/v1/spin", map[string]any{"user_id": alice})
	resp, body = ts.get(t, "/v1/queue/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), body["depth"])
}

func TestServer_EventsStream(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.seedUser(t)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet,
		ts.URL+"/v1/events?user_id="+alice.String(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ts.post(t, "/v1/spin", map[string]any{"user_id": alice})

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(5 * time.Second)
	lines := make(chan string, 16)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimRight(line, "\n")
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed before the spun event arrived")
			if line == "event: spun" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the spun event")
		}
	}
}

func TestServer_HealthAndVersion(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.get(t, "/version")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "test", body["version"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_DisconnectEndpoint(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.seedUser(t)

	ts.post(t, "/v1/spin", map[string]any{"user_id": alice})
	resp, body := ts.post(t, "/v1/disconnect", map[string]any{"user_id": alice})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "disconnected", body["status"])

	st, err := ts.store.GetUserState(context.Background(), ts.store.Pool(), alice)
	require.NoError(t, err)
	require.Equal(t, match.StateIdle, st.State)
}
