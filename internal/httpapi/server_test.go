package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic_engine/internal/config"
	"traffic_engine/internal/engine"
	"traffic_engine/internal/logbus"
	"traffic_engine/internal/model"
	"traffic_engine/internal/store/sqlite"
)

type okRunner struct{}

func (okRunner) Run(_ context.Context, c model.Campaign, sessionID string, _ model.Identity) model.SessionRecord {
	return model.SessionRecord{SessionID: sessionID, CampaignID: c.ID, Visited: true, Completed: true}
}

type staticActive int

func (a staticActive) ActiveSessions(string) int { return int(a) }

type testEnv struct {
	store  *sqlite.Store
	engine *engine.Engine
	srv    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := logbus.New(50)
	eng := engine.New(engine.Options{
		Store:  st,
		Bus:    bus,
		Native: okRunner{},
		Limits: config.LimitsConfig{ChunkSize: 50},
		Runner: config.RunnerConfig{InterBatchDelayMs: 1},
	})
	t.Cleanup(func() { _ = eng.StopAll(context.Background()) })

	api := New(Options{Cfg: config.Default(), Bus: bus, Store: st, Engine: eng, Active: staticActive(3)})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{store: st, engine: eng, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-User-Email", "owner@example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
}

func TestCampaignCRUD(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/v1/campaigns", map[string]any{"name": "bad", "concurrent": 1})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := env.do(t, http.MethodPost, "/api/v1/campaigns", map[string]any{
		"name":       "spring",
		"urls":       []string{"https://example.com"},
		"concurrent": 2,
		"isActive":   true,
	})
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	id := data["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, false, data["isActive"])
	assert.Equal(t, "owner@example.com", data["userEmail"])

	status, body = env.do(t, http.MethodGet, "/api/v1/campaigns", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)

	status, _ = env.do(t, http.MethodGet, "/api/v1/campaigns/"+id, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodDelete, "/api/v1/campaigns/"+id, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/campaigns/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPatch, "/api/v1/campaigns", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestCampaignStartRunsToQuota(t *testing.T) {
	env := newTestEnv(t)
	total := 2
	c, err := env.store.UpsertCampaign(context.Background(), model.Campaign{
		Name:          "q",
		URLs:          []string{"https://example.com"},
		Concurrent:    1,
		TotalSessions: &total,
	})
	require.NoError(t, err)

	status, _ := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	env.engine.Start()
	status, _ = env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool {
		got, err := env.store.GetCampaign(context.Background(), c.ID)
		return err == nil && !got.IsActive && got.SessionsCompleted == 2
	}, 2*time.Second, 10*time.Millisecond)

	status, body := env.do(t, http.MethodGet, "/api/v1/engine/state", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["data"].(map[string]any)["running"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/campaigns/missing/start", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCampaignStop(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.store.UpsertCampaign(context.Background(), model.Campaign{
		URLs:       []string{"https://example.com"},
		Concurrent: 1,
		IsActive:   true,
	})
	require.NoError(t, err)

	status, _ := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/stop", nil)
	assert.Equal(t, http.StatusOK, status)
	got, err := env.store.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestCampaignSessionsAndStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, err := env.store.UpsertCampaign(ctx, model.Campaign{URLs: []string{"https://example.com"}, Concurrent: 1})
	require.NoError(t, err)
	require.NoError(t, env.store.InsertSessionRecord(ctx, model.SessionRecord{
		SessionID: "s1", CampaignID: c.ID, StartTime: time.Now(), Visited: true, Bounced: true,
	}))

	status, body := env.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/sessions?limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)

	status, body = env.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, status)
	stats := body["data"].(map[string]any)
	assert.EqualValues(t, 1, stats["total"])
	assert.EqualValues(t, 1, stats["bounced"])
	assert.EqualValues(t, 3, stats["activeSessions"])

	status, _ = env.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/sessions?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEmailSettingsMasked(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPut, "/api/v1/settings/email", map[string]any{"enabled": true, "email": "bad"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := env.do(t, http.MethodPut, "/api/v1/settings/email", map[string]any{
		"enabled":  true,
		"email":    "ops@example.com",
		"authCode": "secret",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, maskedAuthCode, body["data"].(map[string]any)["authCode"])

	status, _ = env.do(t, http.MethodPut, "/api/v1/settings/email", map[string]any{"authCode": maskedAuthCode})
	require.Equal(t, http.StatusOK, status)
	saved, ok, err := env.store.GetEmailSettings(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "secret", saved.AuthCode)
}
