package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic_engine/internal/config"
	"traffic_engine/internal/logbus"
	"traffic_engine/internal/model"
	"traffic_engine/internal/notify"
	"traffic_engine/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	campaigns   map[string]model.Campaign
	deactivated int
	updates     []model.CampaignUpdate
}

func newFakeStore(cs ...model.Campaign) *fakeStore {
	s := &fakeStore{campaigns: make(map[string]model.Campaign)}
	for _, c := range cs {
		s.campaigns[c.ID] = c
	}
	return s
}

func (s *fakeStore) GetCampaign(_ context.Context, id string) (model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return model.Campaign{}, store.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) UpdateCampaign(_ context.Context, id string, u model.CampaignUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	s.updates = append(s.updates, u)
	if u.IsActive != nil {
		if !*u.IsActive {
			s.deactivated++
		}
		c.IsActive = *u.IsActive
	}
	if u.SessionsCompleted != nil {
		c.SessionsCompleted = *u.SessionsCompleted
	}
	if u.StartedAt != nil {
		c.StartedAt = *u.StartedAt
	}
	if u.CompletedAt != nil {
		c.CompletedAt = *u.CompletedAt
	}
	s.campaigns[id] = c
	return nil
}

func (s *fakeStore) ListActiveCampaigns(context.Context) ([]model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Campaign
	for _, c := range s.campaigns {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) get(id string) model.Campaign {
	c, _ := s.GetCampaign(context.Background(), id)
	return c
}

func (s *fakeStore) setActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaigns[id]
	c.IsActive = active
	s.campaigns[id] = c
}

type fakeRunner struct {
	mu       sync.Mutex
	sizes    []int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	hook     func(c model.Campaign, sessionID string) bool
	hold     time.Duration
}

func (r *fakeRunner) Run(ctx context.Context, c model.Campaign, sessionID string, _ model.Identity) model.SessionRecord {
	n := r.inFlight.Add(1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	defer r.inFlight.Add(-1)

	r.mu.Lock()
	r.sizes = append(r.sizes, c.Concurrent)
	r.mu.Unlock()

	if r.hold > 0 {
		time.Sleep(r.hold)
	}
	ok := true
	if r.hook != nil {
		ok = r.hook(c, sessionID)
	}
	return model.SessionRecord{SessionID: sessionID, CampaignID: c.ID, Errored: !ok, Completed: ok}
}

func (r *fakeRunner) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.sizes...)
}

type fakeSink struct {
	mu   sync.Mutex
	logs []model.LogEntry
}

func (s *fakeSink) LogEvent(e model.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, e)
}
func (s *fakeSink) RecordSessionStart(string, string)         {}
func (s *fakeSink) RecordSessionEnd(string, string)           {}
func (s *fakeSink) RecordSession(string, model.SessionRecord) {}

func (s *fakeSink) find(msg string) []model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LogEntry
	for _, e := range s.logs {
		if e.Message == msg {
			out = append(out, e)
		}
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.CampaignStoppedEvent
}

func (n *fakeNotifier) NotifyCampaignStopped(_ context.Context, evt notify.CampaignStoppedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func intPtr(v int) *int { return &v }

func campaign(id string, concurrent int, total *int) model.Campaign {
	return model.Campaign{
		ID:            id,
		Name:          "test " + id,
		IsActive:      true,
		Concurrent:    concurrent,
		TotalSessions: total,
		URLs:          []string{"https://example.com"},
	}
}

func newTestEngine(st Store, native SessionRunner) (*Engine, *fakeSink, *fakeNotifier) {
	sink := &fakeSink{}
	n := &fakeNotifier{}
	e := New(Options{
		Store:    st,
		Bus:      logbus.New(100),
		Sink:     sink,
		Native:   native,
		Notifier: n,
		Limits:   config.LimitsConfig{ChunkSize: 50},
		Runner:   config.RunnerConfig{InterBatchDelayMs: 1},
	})
	return e, sink, n
}

func TestRunCampaign_QuotaSplitsIntoBatches(t *testing.T) {
	tests := []struct {
		name  string
		total int
		conc  int
		sizes map[int]int
	}{
		{"even", 10, 5, map[int]int{5: 10}},
		{"remainder", 7, 5, map[int]int{5: 5, 2: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore(campaign("c1", tt.conc, intPtr(tt.total)))
			r := &fakeRunner{}
			e, _, n := newTestEngine(st, r)

			require.NoError(t, e.RunCampaign(context.Background(), "c1", model.Identity{Email: "u@example.com"}))

			calls := r.calls()
			assert.Len(t, calls, tt.total)
			got := map[int]int{}
			for _, size := range calls {
				got[size]++
			}
			assert.Equal(t, tt.sizes, got)

			c := st.get("c1")
			assert.False(t, c.IsActive)
			assert.Equal(t, tt.total, c.SessionsCompleted)
			assert.False(t, c.CompletedAt.IsZero())
			assert.Equal(t, 1, st.deactivated)

			require.Len(t, n.events, 1)
			assert.Equal(t, model.StopLimitReached, n.events[0].Reason)
			assert.Equal(t, "u@example.com", n.events[0].UserEmail)
			assert.False(t, e.IsControllerRunning("c1"))
		})
	}
}

func TestRunCampaign_CountsAttemptsNotSuccesses(t *testing.T) {
	st := newFakeStore(campaign("c1", 3, intPtr(3)))
	r := &fakeRunner{hook: func(model.Campaign, string) bool { return false }}
	e, _, n := newTestEngine(st, r)

	require.NoError(t, e.RunCampaign(context.Background(), "c1", model.Identity{}))

	assert.Len(t, r.calls(), 3)
	assert.Equal(t, 3, st.get("c1").SessionsCompleted)
	require.Len(t, n.events, 1)
	assert.Equal(t, 3, n.events[0].Failed)
}

func TestRunCampaign_AtMostOneController(t *testing.T) {
	st := newFakeStore(campaign("c1", 1, nil))
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	r := &fakeRunner{hook: func(model.Campaign, string) bool {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return true
	}}
	e, sink, _ := newTestEngine(st, r)

	done := make(chan error, 1)
	go func() { done <- e.RunCampaign(context.Background(), "c1", model.Identity{}) }()
	<-started

	err := e.RunCampaign(context.Background(), "c1", model.Identity{})
	assert.ErrorIs(t, err, ErrControllerRunning)
	assert.NotEmpty(t, sink.find("controller already running"))

	st.setActive("c1", false)
	close(release)
	require.NoError(t, <-done)
}

func TestRunCampaign_ExternalDeactivation(t *testing.T) {
	st := newFakeStore(campaign("c1", 2, nil))
	r := &fakeRunner{}
	r.hook = func(c model.Campaign, _ string) bool {
		st.setActive(c.ID, false)
		return true
	}
	e, sink, n := newTestEngine(st, r)

	require.NoError(t, e.RunCampaign(context.Background(), "c1", model.Identity{}))

	assert.Len(t, r.calls(), 2)
	assert.Equal(t, 0, st.deactivated)
	assert.Equal(t, 2, st.get("c1").SessionsCompleted)
	require.Len(t, n.events, 1)
	assert.Equal(t, model.StopDeactivated, n.events[0].Reason)
	stopped := sink.find("controller stopped")
	require.Len(t, stopped, 1)
	assert.Equal(t, "externally_deactivated", stopped[0].Fields["reason"])
}

func TestRunCampaign_NotFound(t *testing.T) {
	e, _, n := newTestEngine(newFakeStore(), &fakeRunner{})
	require.NoError(t, e.RunCampaign(context.Background(), "missing", model.Identity{}))
	require.Len(t, n.events, 1)
	assert.Equal(t, model.StopNotFound, n.events[0].Reason)
}

func TestRunCampaign_Shutdown(t *testing.T) {
	st := newFakeStore(campaign("c1", 1, nil))
	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeRunner{hook: func(model.Campaign, string) bool {
		cancel()
		return true
	}}
	e, _, n := newTestEngine(st, r)

	require.NoError(t, e.RunCampaign(ctx, "c1", model.Identity{}))
	require.Len(t, n.events, 1)
	assert.Equal(t, model.StopShutdown, n.events[0].Reason)
	assert.True(t, st.get("c1").IsActive)
}

func TestRunBatch_NativeChunksSettleInOrder(t *testing.T) {
	r := &fakeRunner{hold: 20 * time.Millisecond}
	e, _, _ := newTestEngine(newFakeStore(), r)
	e.limits.ChunkSize = 2

	res := e.RunBatch(context.Background(), campaign("c1", 5, nil), model.Identity{}, StrategyNative)

	assert.Equal(t, BatchResult{Requested: 5, Succeeded: 5}, res)
	assert.Len(t, r.calls(), 5)
	assert.LessOrEqual(t, r.maxSeen.Load(), int32(2))
}

func TestRunBatch_StaggersStarts(t *testing.T) {
	var (
		mu     sync.Mutex
		starts []time.Time
	)
	r := &fakeRunner{hook: func(model.Campaign, string) bool {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return true
	}}
	e, _, _ := newTestEngine(newFakeStore(), r)
	c := campaign("c1", 3, nil)
	c.Delay = 0.05

	begin := time.Now()
	e.RunBatch(context.Background(), c, model.Identity{}, StrategyNative)

	require.Len(t, starts, 3)
	last := starts[0]
	for _, s := range starts {
		if s.After(last) {
			last = s
		}
	}
	assert.GreaterOrEqual(t, last.Sub(begin), 100*time.Millisecond)
}

func TestRunBatch_CancelledStaggerSkipsLaterMembers(t *testing.T) {
	var started []string
	var mu sync.Mutex
	r := &fakeRunner{hook: func(_ model.Campaign, sid string) bool {
		mu.Lock()
		started = append(started, sid)
		mu.Unlock()
		return true
	}}
	e, sink, _ := newTestEngine(newFakeStore(), r)
	c := campaign("c1", 3, nil)
	c.Delay = 5

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	begin := time.Now()
	res := e.RunBatch(ctx, c, model.Identity{}, StrategyNative)

	assert.Less(t, time.Since(begin), 2*time.Second)
	assert.Equal(t, BatchResult{Requested: 3, Succeeded: 1, Failed: 2}, res)
	assert.Len(t, started, 1)
	assert.Len(t, sink.find("session not started: batch cancelled"), 2)
}

func TestRunBatch_WorkerSummary(t *testing.T) {
	var n atomic.Int32
	w := &fakeRunner{hook: func(model.Campaign, string) bool {
		return n.Add(1)%2 == 1
	}}
	e, sink, _ := newTestEngine(newFakeStore(), &fakeRunner{})
	e.worker = w

	res := e.RunBatch(context.Background(), campaign("c1", 4, nil), model.Identity{}, StrategyWorker)

	assert.Equal(t, BatchResult{Requested: 4, Succeeded: 2, Failed: 2}, res)
	summary := sink.find("worker batch finished")
	require.Len(t, summary, 1)
	assert.Equal(t, "50.0%", summary[0].Fields["successRate"])
}

func TestRunBatch_WorkerFallsBackToNative(t *testing.T) {
	native := &fakeRunner{}
	e, _, _ := newTestEngine(newFakeStore(), native)

	res := e.RunBatch(context.Background(), campaign("c1", 2, nil), model.Identity{}, StrategyWorker)
	assert.Equal(t, 2, res.Succeeded)
	assert.Len(t, native.calls(), 2)
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, model.Campaign, string, model.Identity) model.SessionRecord {
	panic("boom")
}

func TestRunBatch_RecoversSessionPanic(t *testing.T) {
	e, sink, _ := newTestEngine(newFakeStore(), panicRunner{})
	res := e.RunBatch(context.Background(), campaign("c1", 2, nil), model.Identity{}, StrategyNative)
	assert.Equal(t, BatchResult{Requested: 2, Failed: 2}, res)
	assert.Len(t, sink.find("session panicked"), 2)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyNative, s)

	s, err = ParseStrategy(" Worker ")
	require.NoError(t, err)
	assert.Equal(t, StrategyWorker, s)

	_, err = ParseStrategy("grpc")
	assert.Error(t, err)
}

func TestNewSessionIDs(t *testing.T) {
	ids := newSessionIDs(20)
	seen := map[string]bool{}
	for _, id := range ids {
		assert.Len(t, id, 8)
		seen[id] = true
	}
	assert.Len(t, seen, 20)
}

func TestEngine_StartCampaignLifecycle(t *testing.T) {
	c := campaign("c1", 1, intPtr(2))
	c.IsActive = false
	c.SessionsCompleted = 2
	st := newFakeStore(c)
	e, _, n := newTestEngine(st, &fakeRunner{})

	assert.ErrorIs(t, e.StartCampaign(context.Background(), "c1", model.Identity{}), ErrNotRunning)

	e.Start()
	require.NoError(t, e.StartCampaign(context.Background(), "c1", model.Identity{}))
	require.Eventually(t, func() bool { return !e.IsControllerRunning("c1") }, 2*time.Second, 5*time.Millisecond)

	got := st.get("c1")
	assert.False(t, got.IsActive)
	assert.Equal(t, 2, got.SessionsCompleted)
	assert.False(t, got.StartedAt.IsZero())
	n.mu.Lock()
	require.Len(t, n.events, 1)
	assert.Equal(t, model.StopLimitReached, n.events[0].Reason)
	n.mu.Unlock()

	require.NoError(t, e.StopAll(context.Background()))
	assert.False(t, e.State().Running)
}

func TestEngine_ResumeActiveAndStopAll(t *testing.T) {
	st := newFakeStore(campaign("c1", 1, nil), campaign("c2", 1, nil))
	c3 := campaign("c3", 1, nil)
	c3.IsActive = false
	st.campaigns["c3"] = c3
	e, _, n := newTestEngine(st, &fakeRunner{hold: 5 * time.Millisecond})
	e.runner.InterBatchDelayMs = 60_000

	e.Start()
	started, err := e.ResumeActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	require.Eventually(t, func() bool { return len(e.State().Campaigns) == 2 }, time.Second, 5*time.Millisecond)

	again, err := e.ResumeActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again)

	require.NoError(t, e.StopAll(context.Background()))
	assert.Empty(t, e.State().Campaigns)
	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.events, 2)
	for _, evt := range n.events {
		assert.Equal(t, model.StopShutdown, evt.Reason)
	}
}

func TestEngine_StopFlipsActive(t *testing.T) {
	st := newFakeStore(campaign("c1", 1, nil))
	e, _, _ := newTestEngine(st, &fakeRunner{})
	require.NoError(t, e.Stop(context.Background(), "c1"))
	assert.False(t, st.get("c1").IsActive)
	assert.ErrorIs(t, e.Stop(context.Background(), "nope"), store.ErrNotFound)
}
