package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"traffic_engine/internal/model"
	"traffic_engine/internal/notify"
	"traffic_engine/internal/store"
)

// control is the campaign controller loop. The campaign is re-read before
// every batch so edits and external deactivation take effect between batches.
func (e *Engine) control(ctx context.Context, campaignID string, ctrl *controller) {
	id := ctrl.identity
	var (
		reason  model.StopReason
		lastErr error
	)

	defer func() {
		if r := recover(); r != nil {
			reason = model.StopError
			lastErr = fmt.Errorf("controller panic: %v", r)
		}
		e.finish(campaignID, ctrl, reason, lastErr)
	}()

	e.log(campaignID, id, model.LevelInfo, "controller started", nil)

	completed := -1
	for {
		if ctx.Err() != nil {
			reason = model.StopShutdown
			return
		}

		c, err := e.store.GetCampaign(ctx, campaignID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				reason = model.StopNotFound
				return
			}
			if ctx.Err() != nil {
				reason = model.StopShutdown
				return
			}
			reason, lastErr = model.StopError, fmt.Errorf("load campaign: %w", err)
			return
		}
		if ctrl.name == "" {
			ctrl.name = c.Name
		}
		if !c.IsActive {
			reason = model.StopDeactivated
			return
		}
		if completed < 0 {
			completed = c.SessionsCompleted
		}

		size := c.Concurrent
		remaining, bounded := c.RemainingSessions(completed)
		if bounded {
			if remaining <= 0 {
				e.deactivate(ctx, campaignID, id, completed)
				reason = model.StopLimitReached
				return
			}
			size = min(size, remaining)
		}
		if size <= 0 {
			e.deactivate(ctx, campaignID, id, completed)
			reason, lastErr = model.StopError, errors.New("concurrent must be > 0")
			return
		}

		snapshot := c
		snapshot.Concurrent = size
		e.updateState(ctrl, func(st *model.CampaignState) { st.Phase = model.PhaseRunning })

		res := e.RunBatch(ctx, snapshot, id, e.strategyFor(c))
		completed += size

		if err := e.store.UpdateCampaign(context.WithoutCancel(ctx), campaignID, model.CampaignUpdate{SessionsCompleted: &completed}); err != nil {
			e.log(campaignID, id, model.LevelWarn, "persist progress failed", map[string]any{"error": err.Error()})
		}
		st := e.updateState(ctrl, func(st *model.CampaignState) {
			st.Batches++
			st.SessionsCompleted = completed
			st.Succeeded += res.Succeeded
			st.Failed += res.Failed
			st.LastBatchAtMs = time.Now().UnixMilli()
		})
		e.log(campaignID, id, model.LevelInfo, "batch finished", map[string]any{
			"batch":             st.Batches,
			"size":              size,
			"succeeded":         res.Succeeded,
			"failed":            res.Failed,
			"sessionsCompleted": completed,
		})

		if bounded {
			continue
		}
		e.updateState(ctrl, func(st *model.CampaignState) { st.Phase = model.PhaseWaiting })
		if !sleepCtx(ctx, e.runner.InterBatchDelay()) {
			reason = model.StopShutdown
			return
		}
	}
}

// deactivate is the only place the controller writes IsActive=false.
func (e *Engine) deactivate(ctx context.Context, campaignID string, id model.Identity, completed int) {
	inactive := false
	now := time.Now()
	u := model.CampaignUpdate{IsActive: &inactive, CompletedAt: &now, SessionsCompleted: &completed}
	if err := e.store.UpdateCampaign(context.WithoutCancel(ctx), campaignID, u); err != nil {
		e.log(campaignID, id, model.LevelError, "deactivate campaign failed", map[string]any{"error": err.Error()})
		return
	}
	e.log(campaignID, id, model.LevelInfo, "campaign reached its session limit", map[string]any{"sessionsCompleted": completed})
}

func (e *Engine) finish(campaignID string, ctrl *controller, reason model.StopReason, lastErr error) {
	st := e.updateState(ctrl, func(st *model.CampaignState) {
		st.Phase = model.PhaseStopped
		st.StopReason = reason
		if lastErr != nil {
			st.LastError = lastErr.Error()
		}
	})
	e.deregister(campaignID)

	fields := map[string]any{
		"reason":            string(reason),
		"batches":           st.Batches,
		"sessionsCompleted": st.SessionsCompleted,
	}
	level := model.LevelInfo
	if lastErr != nil {
		level = model.LevelError
		fields["error"] = lastErr.Error()
	}
	e.log(campaignID, ctrl.identity, level, "controller stopped", fields)

	if e.notifier != nil {
		e.notifier.NotifyCampaignStopped(context.Background(), notify.CampaignStoppedEvent{
			At:                time.Now().UnixMilli(),
			CampaignID:        campaignID,
			CampaignName:      ctrl.name,
			UserEmail:         ctrl.identity.Email,
			Reason:            reason,
			Batches:           st.Batches,
			SessionsCompleted: st.SessionsCompleted,
			Succeeded:         st.Succeeded,
			Failed:            st.Failed,
			Error:             st.LastError,
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
