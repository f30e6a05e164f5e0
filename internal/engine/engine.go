package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"traffic_engine/internal/analytics"
	"traffic_engine/internal/config"
	"traffic_engine/internal/logbus"
	"traffic_engine/internal/model"
	"traffic_engine/internal/notify"
)

var (
	ErrControllerRunning = errors.New("controller already running for campaign")
	ErrNotRunning        = errors.New("engine not running")
)

type Store interface {
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	UpdateCampaign(ctx context.Context, id string, u model.CampaignUpdate) error
	ListActiveCampaigns(ctx context.Context) ([]model.Campaign, error)
}

// SessionRunner executes one session and always returns its terminal record.
type SessionRunner interface {
	Run(ctx context.Context, c model.Campaign, sessionID string, id model.Identity) model.SessionRecord
}

type Options struct {
	Store    Store
	Bus      *logbus.Bus
	Sink     analytics.Sink
	Native   SessionRunner
	Worker   SessionRunner
	Notifier notify.Notifier
	Limits   config.LimitsConfig
	Runner   config.RunnerConfig
}

type Engine struct {
	store    Store
	bus      *logbus.Bus
	sink     analytics.Sink
	native   SessionRunner
	worker   SessionRunner
	notifier notify.Notifier

	limits config.LimitsConfig
	runner config.RunnerConfig

	mu          sync.Mutex
	running     bool
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	controllers map[string]*controller
}

type controller struct {
	identity model.Identity
	name     string
	state    model.CampaignState
}

func New(opts Options) *Engine {
	return &Engine{
		store:       opts.Store,
		bus:         opts.Bus,
		sink:        opts.Sink,
		native:      opts.Native,
		worker:      opts.Worker,
		notifier:    opts.Notifier,
		limits:      opts.Limits,
		runner:      opts.Runner,
		controllers: make(map[string]*controller),
	}
}

func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.runCtx, e.cancel = context.WithCancel(context.Background())
	if e.bus != nil {
		e.bus.Log("info", "engine started", map[string]any{"defaultDriver": e.runner.DefaultDriver})
	}
}

func (e *Engine) IsRunning() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// StopAll cancels every controller and waits for their sessions to tear down.
func (e *Engine) StopAll(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.runCtx = nil
	wasRunning := e.running
	e.running = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !wasRunning {
		return nil
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if e.bus != nil {
			e.bus.Log("info", "engine stopped", nil)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) State() model.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := model.EngineState{Running: e.running, Campaigns: make([]model.CampaignState, 0, len(e.controllers))}
	for _, c := range e.controllers {
		out.Campaigns = append(out.Campaigns, c.state)
	}
	sort.Slice(out.Campaigns, func(i, j int) bool {
		return out.Campaigns[i].CampaignID < out.Campaigns[j].CampaignID
	})
	return out
}

func (e *Engine) IsControllerRunning(campaignID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.controllers[campaignID]
	return ok
}

// StartCampaign marks the campaign active and launches its controller in
// the background. A campaign whose quota is already used up starts over.
func (e *Engine) StartCampaign(ctx context.Context, campaignID string, id model.Identity) error {
	e.mu.Lock()
	runCtx := e.runCtx
	_, busy := e.controllers[campaignID]
	e.mu.Unlock()
	if runCtx == nil {
		return ErrNotRunning
	}
	if busy {
		return ErrControllerRunning
	}

	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}

	active := true
	now := time.Now()
	u := model.CampaignUpdate{IsActive: &active, StartedAt: &now}
	if remaining, bounded := c.RemainingSessions(c.SessionsCompleted); bounded && remaining <= 0 {
		zero := 0
		u.SessionsCompleted = &zero
	}
	if err := e.store.UpdateCampaign(ctx, campaignID, u); err != nil {
		return err
	}

	if strings.TrimSpace(id.Email) == "" {
		id.Email = c.UserEmail
	}
	return e.launch(runCtx, campaignID, c.Name, id)
}

// Stop asks the campaign's controller to finish after its current batch.
func (e *Engine) Stop(ctx context.Context, campaignID string) error {
	inactive := false
	return e.store.UpdateCampaign(ctx, campaignID, model.CampaignUpdate{IsActive: &inactive})
}

// launch registers a controller and runs it on the engine's lifetime.
func (e *Engine) launch(runCtx context.Context, campaignID, name string, id model.Identity) error {
	ctrl, err := e.register(campaignID, name, id)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.control(runCtx, campaignID, ctrl)
	}()
	return nil
}

// RunCampaign runs the controller loop for one campaign in the caller's
// goroutine until it stops.
func (e *Engine) RunCampaign(ctx context.Context, campaignID string, id model.Identity) error {
	ctrl, err := e.register(campaignID, "", id)
	if err != nil {
		return err
	}
	e.control(ctx, campaignID, ctrl)
	return nil
}

func (e *Engine) register(campaignID, name string, id model.Identity) (*controller, error) {
	e.mu.Lock()
	if _, ok := e.controllers[campaignID]; ok {
		e.mu.Unlock()
		e.log(campaignID, id, model.LevelWarn, "controller already running", nil)
		return nil, ErrControllerRunning
	}
	ctrl := &controller{
		identity: id,
		name:     name,
		state: model.CampaignState{
			CampaignID:  campaignID,
			Phase:       model.PhaseRunning,
			StartedAtMs: time.Now().UnixMilli(),
		},
	}
	e.controllers[campaignID] = ctrl
	e.publishStateLocked(ctrl.state)
	e.mu.Unlock()
	return ctrl, nil
}

func (e *Engine) deregister(campaignID string) {
	e.mu.Lock()
	delete(e.controllers, campaignID)
	e.mu.Unlock()
}

func (e *Engine) updateState(ctrl *controller, fn func(st *model.CampaignState)) model.CampaignState {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&ctrl.state)
	e.publishStateLocked(ctrl.state)
	return ctrl.state
}

func (e *Engine) publishStateLocked(st model.CampaignState) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(logbus.TypeCampaignState, st)
}

func (e *Engine) log(campaignID string, id model.Identity, level, msg string, fields map[string]any) {
	if e.sink != nil {
		e.sink.LogEvent(model.LogEntry{
			Time:       time.Now(),
			Level:      level,
			Message:    msg,
			CampaignID: campaignID,
			UserEmail:  id.Email,
			Fields:     fields,
		})
		return
	}
	if e.bus == nil {
		return
	}
	merged := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		merged[k] = v
	}
	merged["campaignId"] = campaignID
	if id.Email != "" {
		merged["userEmail"] = id.Email
	}
	e.bus.Log(level, msg, merged)
}
