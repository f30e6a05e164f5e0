package engine

import (
	"context"
	"errors"

	"traffic_engine/internal/model"
)

// ResumeActive starts a controller for every campaign the store still marks
// active, typically after a restart. It returns how many were started.
func (e *Engine) ResumeActive(ctx context.Context) (int, error) {
	if e == nil || e.store == nil {
		return 0, errors.New("store unavailable")
	}
	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()
	if runCtx == nil {
		return 0, ErrNotRunning
	}

	campaigns, err := e.store.ListActiveCampaigns(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, c := range campaigns {
		if c.ID == "" {
			continue
		}
		id := model.Identity{Email: c.UserEmail}
		if err := c.Validate(); err != nil {
			e.log(c.ID, id, model.LevelWarn, "skip resume: invalid campaign", map[string]any{"error": err.Error()})
			continue
		}
		if err := e.launch(runCtx, c.ID, c.Name, id); err != nil {
			if errors.Is(err, ErrControllerRunning) {
				continue
			}
			return started, err
		}
		started++
	}
	if started > 0 {
		e.log("", model.Identity{}, model.LevelInfo, "resumed active campaigns", map[string]any{"count": started})
	}
	return started, nil
}
