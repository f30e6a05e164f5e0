package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic_engine/internal/config"
	"traffic_engine/internal/model"
	"traffic_engine/internal/traffic"
)

type memSink struct {
	mu      sync.Mutex
	logs    []model.LogEntry
	records []model.SessionRecord
	starts  int
	ends    int
}

func (s *memSink) LogEvent(e model.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, e)
}

func (s *memSink) RecordSessionStart(string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
}

func (s *memSink) RecordSessionEnd(string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
}

func (s *memSink) RecordSession(_ string, r model.SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *memSink) find(msg string) (model.LogEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.Message == msg {
			return l, true
		}
	}
	return model.LogEntry{}, false
}

// newTestBridge runs script through /bin/sh; the config path arrives as $1.
func newTestBridge(t *testing.T, script string, timeout time.Duration) (*Bridge, *memSink, string) {
	t.Helper()
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o644))
	tmp := filepath.Join(dir, "tmp")
	require.NoError(t, os.Mkdir(tmp, 0o755))

	sink := &memSink{}
	cfg := config.Default()
	b := New(Options{
		Command: "/bin/sh",
		Args:    []string{scriptPath},
		Timeout: timeout,
		TempDir: tmp,
		Sink:    sink,
		Rand:    traffic.NewRand(1),
		Session: cfg.Session,
	})
	return b, sink, tmp
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testCampaign() model.Campaign {
	return model.Campaign{
		ID:               "c1",
		URLs:             []string{"https://shop.example.com/"},
		Concurrent:       1,
		VisitDurationMin: 10,
		VisitDurationMax: 20,
		Cookies:          []model.Cookie{{Name: "sid", Value: "1"}},
	}
}

const successScript = `grep -q '"sessionId":"s1"' "$1" || exit 3
echo "starting chromium"
echo 'PYTHON_LOG:{"type":"python_log","logEntry":{"level":"WARNING","message":"slow proxy","sessionId":"s1"},"campaignId":"c1","userEmail":"o@example.com"}'
echo '{"success": false, "sessionId": "s1"}'
echo '{"success": true, "sessionId": "s1", "startTime": "2026-01-02T03:04:05Z", "endTime": 1767323060000, "duration": 15, "visited": true, "completed": true, "bounced": false, "source": "Organic", "specificReferrer": "https://www.google.com/", "device": "Mobile", "proxyUsed": "p1:8080"}'
`

func TestRun_Success(t *testing.T) {
	b, sink, tmp := newTestBridge(t, successScript, 10*time.Second)
	c := testCampaign()
	id := model.Identity{Email: "o@example.com"}

	res, err := b.Run(context.Background(), c, b.Prepare(c, "s1", id), id)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.Visited)
	assert.Equal(t, "Mobile", res.Device)
	assert.Equal(t, "c1", res.CampaignID)
	assert.Equal(t, "o@example.com", res.UserEmail)
	assert.Positive(t, res.ExecutionTime)
	assert.Equal(t, 2026, res.StartTime.Year())
	assert.Equal(t, int64(1767323060000), res.EndTime.UnixMilli())

	warn, ok := sink.find("slow proxy")
	require.True(t, ok)
	assert.Equal(t, model.LevelWarn, warn.Level)
	assert.Equal(t, "s1", warn.SessionID)
	plain, ok := sink.find("starting chromium")
	require.True(t, ok)
	assert.Equal(t, model.LevelDebug, plain.Level)

	assertNoTempFiles(t, tmp)
}

func TestRun_NonZeroExitCarriesStderr(t *testing.T) {
	b, sink, tmp := newTestBridge(t, `echo "chrome not found" >&2
exit 2
`, 10*time.Second)
	c := testCampaign()

	_, err := b.Run(context.Background(), c, b.Prepare(c, "s1", model.Identity{}), model.Identity{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not found")

	line, ok := sink.find("chrome not found")
	require.True(t, ok)
	assert.Equal(t, model.LevelError, line.Level)
	assertNoTempFiles(t, tmp)
}

func TestRun_ExitZeroWithoutResult(t *testing.T) {
	b, _, tmp := newTestBridge(t, "echo done\n", 10*time.Second)
	c := testCampaign()

	_, err := b.Run(context.Background(), c, b.Prepare(c, "s1", model.Identity{}), model.Identity{})
	assert.ErrorIs(t, err, ErrNoResult)
	assertNoTempFiles(t, tmp)
}

func TestRun_TimeoutKillsWorker(t *testing.T) {
	b, _, tmp := newTestBridge(t, "exec sleep 30\n", 200*time.Millisecond)
	c := testCampaign()

	started := time.Now()
	_, err := b.Run(context.Background(), c, b.Prepare(c, "s1", model.Identity{}), model.Identity{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(started), 5*time.Second)
	assertNoTempFiles(t, tmp)
}

func TestPrepare(t *testing.T) {
	b, _, _ := newTestBridge(t, "", time.Second)
	b.proxy = config.ProxyConfig{Host: "gw", Port: 9000, Username: "u"}
	c := testCampaign()
	c.DesktopPercentage = 100
	c.Organic = 100

	cfg := b.Prepare(c, "s9", model.Identity{Email: "o@example.com"})

	assert.Equal(t, "s9", cfg.SessionID)
	assert.Equal(t, model.DeviceDesktop, cfg.Device)
	assert.True(t, cfg.Headless)
	assert.Equal(t, model.SourceOrganic, cfg.Source)
	require.NotNil(t, cfg.Proxy)
	assert.Equal(t, "gw:9000", cfg.Proxy.Server)
	assert.GreaterOrEqual(t, cfg.Duration, 10.0)
	assert.LessOrEqual(t, cfg.Duration, 20.0)
	require.Len(t, cfg.Cookies, 1)
	assert.Equal(t, "shop.example.com", cfg.Cookies[0].Domain)

	b2, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(b2), `"navigationTimeout":60`)
}

func TestRunner_RecordsEveryOutcome(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		b, sink, _ := newTestBridge(t, successScript, 10*time.Second)
		rec := Runner{Bridge: b}.Run(context.Background(), testCampaign(), "s1", model.Identity{})

		assert.True(t, rec.Visited)
		assert.True(t, rec.Completed)
		assert.False(t, rec.Errored)
		assert.Equal(t, model.DeviceMobile, rec.Device)
		assert.Equal(t, "p1:8080", rec.Proxy)
		assert.Equal(t, DriverWorker, rec.Driver)
		assert.InDelta(t, 15.0, rec.Duration, 0.001)
		assert.Equal(t, 1, sink.starts)
		assert.Equal(t, 1, sink.ends)
		assert.Len(t, sink.records, 1)
	})
	t.Run("failure", func(t *testing.T) {
		b, sink, _ := newTestBridge(t, "exit 1\n", 10*time.Second)
		rec := Runner{Bridge: b}.Run(context.Background(), testCampaign(), "s2", model.Identity{})

		assert.True(t, rec.Errored)
		assert.True(t, rec.Bounced)
		assert.NotEmpty(t, rec.Error)
		assert.Equal(t, 1, sink.starts)
		assert.Equal(t, 1, sink.ends)
		require.Len(t, sink.records, 1)
		assert.Equal(t, "s2", sink.records[0].SessionID)
		_, ok := sink.find("worker session failed")
		assert.True(t, ok)
	})
}

func TestTimestamp(t *testing.T) {
	var ts struct {
		A Timestamp `json:"a"`
		B Timestamp `json:"b"`
		C Timestamp `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"2026-05-01T10:00:00.5Z","b":1767323060,"c":null}`), &ts))
	assert.Equal(t, 500*time.Millisecond, time.Duration(ts.A.Nanosecond()))
	assert.Equal(t, int64(1767323060), ts.B.Unix())
	assert.True(t, ts.C.IsZero())
}
