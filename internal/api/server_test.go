package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drapik/tg-stream-bot/internal/auth"
	"github.com/drapik/tg-stream-bot/internal/events"
	"github.com/drapik/tg-stream-bot/internal/log"
	"github.com/drapik/tg-stream-bot/internal/pool"
	"github.com/drapik/tg-stream-bot/internal/registry"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type stubPool struct{}

func (stubPool) Stats() pool.Stats { return pool.Stats{Workers: 4, Queued: 2, Running: 1, Completed: 10} }

type stubEngine struct{}

func (stubEngine) InFlight() int64 { return 1 }

type stubHistory struct {
	list      []registry.Acquisition
	lastLimit int
	err       error
}

func (h *stubHistory) RecentAcquisitions(_ context.Context, limit int) ([]registry.Acquisition, error) {
	h.lastLimit = limit
	return h.list, h.err
}

func (h *stubHistory) Counts(context.Context) (map[registry.Status]int, error) {
	if h.err != nil {
		return nil, h.err
	}
	return map[registry.Status]int{registry.StatusSucceeded: 3, registry.StatusFailed: 1}, nil
}

var testTokens = []auth.TokenConfig{
	{Token: "status-token", Scopes: []string{auth.ScopeStatusRO}},
	{Token: "history-token", Scopes: []string{auth.ScopeHistoryRO}},
	{Token: "access-token", Scopes: []string{auth.ScopeAccessRW}},
	{Token: "root-token", Scopes: []string{auth.ScopeAll}},
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	return New(Config{Listen: "127.0.0.1:0", Tokens: testTokens, Version: "1.2.3"}, deps, log.Get())
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzIsPublic(t *testing.T) {
	s := newTestServer(t, Deps{})
	rr := do(t, s.Handler(), http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rr.Code)
	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
}

func TestAuthAndScopes(t *testing.T) {
	s := newTestServer(t, Deps{Pool: stubPool{}, Engine: stubEngine{}, History: &stubHistory{}})
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/v1/status", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/v1/status", "wrong", http.StatusUnauthorized},
		{"status scope", http.MethodGet, "/v1/status", "status-token", http.StatusOK},
		{"wrong scope", http.MethodGet, "/v1/acquisitions", "status-token", http.StatusForbidden},
		{"history scope", http.MethodGet, "/v1/acquisitions", "history-token", http.StatusOK},
		{"reload needs access", http.MethodPost, "/v1/access/reload", "history-token", http.StatusForbidden},
		{"wildcard", http.MethodGet, "/v1/acquisitions", "root-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, tt.method, tt.path, tt.token)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestStatus(t *testing.T) {
	hub := events.NewHub(8)
	s := newTestServer(t, Deps{Pool: stubPool{}, Engine: stubEngine{}, History: &stubHistory{}, Events: hub})

	rr := do(t, s.Handler(), http.MethodGet, "/v1/status", "status-token")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, 4, resp.Pool.Workers)
	assert.Equal(t, 2, resp.Pool.Queued)
	assert.Equal(t, int64(1), resp.InFlight)
	assert.Equal(t, 3, resp.Totals[registry.StatusSucceeded])
	assert.Nil(t, resp.LastSweep)

	hub.Publish(events.WorkspaceSwept, map[string]any{"deleted": 1})
	hub.Publish(events.AcquisitionQueued, nil)
	hub.Publish(events.WorkspaceSwept, map[string]any{"deleted": 4})
	rr = do(t, s.Handler(), http.MethodGet, "/v1/status", "status-token")
	require.Equal(t, http.StatusOK, rr.Code)
	resp = StatusResponse{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.NotNil(t, resp.LastSweep)
	assert.Equal(t, int64(3), resp.LastSweep.ID)
	assert.JSONEq(t, `{"deleted":4}`, string(resp.LastSweep.Data))
}

func TestStatusHistoryError(t *testing.T) {
	s := newTestServer(t, Deps{Pool: stubPool{}, History: &stubHistory{err: errors.New("disk")}})
	rr := do(t, s.Handler(), http.MethodGet, "/v1/status", "status-token")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestAcquisitions(t *testing.T) {
	hist := &stubHistory{list: []registry.Acquisition{
		{ID: "a", Backend: "youtube", Status: registry.StatusSucceeded},
	}}
	s := newTestServer(t, Deps{History: hist})

	rr := do(t, s.Handler(), http.MethodGet, "/v1/acquisitions?limit=5", "history-token")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp AcquisitionsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Acquisitions, 1)
	assert.Equal(t, "a", resp.Acquisitions[0].ID)
	assert.Equal(t, 5, hist.lastLimit)

	rr = do(t, s.Handler(), http.MethodGet, "/v1/acquisitions?limit=abc", "history-token")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	hist.list = nil
	rr = do(t, s.Handler(), http.MethodGet, "/v1/acquisitions", "history-token")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"acquisitions":[]`)
}

func TestAccessReload(t *testing.T) {
	hub := events.NewHub(8)
	calls := 0
	fail := false
	s := newTestServer(t, Deps{
		Publisher: hub,
		Reload: func() (int, error) {
			calls++
			if fail {
				return 0, errors.New("whitelist[5]: unknown role")
			}
			return 3, nil
		},
	})

	rr := do(t, s.Handler(), http.MethodPost, "/v1/access/reload", "access-token")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"entries":3}`, rr.Body.String())
	assert.Len(t, hub.Recent(5, events.AccessReloaded), 1)

	fail = true
	rr = do(t, s.Handler(), http.MethodPost, "/v1/access/reload", "access-token")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown role")
	assert.Equal(t, 2, calls)
}

func TestAccessReloadUnavailable(t *testing.T) {
	s := newTestServer(t, Deps{})
	rr := do(t, s.Handler(), http.MethodPost, "/v1/access/reload", "root-token")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.AcquisitionStarted, map[string]any{"request_id": "r1"})
	hub.Publish(events.AcquisitionSucceeded, map[string]any{"request_id": "r1"})

	s := newTestServer(t, Deps{Events: hub})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer root-token")
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() []string {
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return lines
			}
			lines = append(lines, line)
		}
	}

	first := readEvent()
	assert.Equal(t, []string{"id: 2", "event: " + events.AcquisitionSucceeded, `data: {"request_id":"r1"}`}, first)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(events.WorkspaceSwept, map[string]any{"removed": 1})
	live := readEvent()
	assert.Equal(t, "event: "+events.WorkspaceSwept, live[1])
}

func TestEventsStreamFiltersByType(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.AcquisitionQueued, map[string]any{"request_id": "r1"})
	hub.Publish(events.AttemptFinished, map[string]any{"request_id": "r1", "profile": "android"})
	hub.Publish(events.AcquisitionFailed, map[string]any{"request_id": "r1"})

	s := newTestServer(t, Deps{Events: hub})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := srv.URL + "/v1/events?type=" + events.AcquisitionFailed + "," + events.WorkspaceSwept
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer root-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "id: 3\n", line, "queued and attempt events are filtered out")

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(events.AcquisitionStarted, nil)
	hub.Publish(events.WorkspaceSwept, map[string]any{"deleted": 2})
	var got []string
	for len(got) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "id: ") || strings.HasPrefix(line, "event: ") {
			got = append(got, strings.TrimSpace(line))
		}
	}
	assert.Equal(t, []string{"event: " + events.AcquisitionFailed, "id: 5", "event: " + events.WorkspaceSwept}, got)
}

func TestEventTypes(t *testing.T) {
	all := eventTypes("")
	assert.True(t, all.match("anything"))

	some := eventTypes(" acquisition.failed, ,workspace.swept")
	assert.True(t, some.match(events.AcquisitionFailed))
	assert.True(t, some.match(events.WorkspaceSwept))
	assert.False(t, some.match(events.AcquisitionQueued))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("x"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
