package worker

import (
	"context"
	"time"

	"traffic_engine/internal/model"
)

// Runner gives the bridge the same per-session shape as the native executor:
// it brackets the session in the sink and always emits a record.
type Runner struct {
	Bridge *Bridge
}

func (r Runner) Run(ctx context.Context, c model.Campaign, sessionID string, id model.Identity) model.SessionRecord {
	b := r.Bridge
	b.sink.RecordSessionStart(c.ID, sessionID)
	defer b.sink.RecordSessionEnd(c.ID, sessionID)

	cfg := b.Prepare(c, sessionID, id)
	rec := model.SessionRecord{
		SessionID:        sessionID,
		CampaignID:       c.ID,
		UserEmail:        id.Email,
		StartTime:        time.Now(),
		Source:           cfg.Source,
		SpecificReferrer: cfg.Referrer,
		Device:           cfg.Device,
		Driver:           DriverWorker,
	}
	if len(cfg.URLs) > 0 {
		rec.URL = cfg.URLs[0]
	}
	if cfg.Proxy != nil {
		rec.Proxy = cfg.Proxy.Server
	}
	rec.Headful = !cfg.Headless

	res, err := b.Run(ctx, c, cfg, id)
	if err != nil {
		rec.Errored = true
		rec.Bounced = true
		rec.Error = err.Error()
		rec.Finish(time.Now())
		b.sink.LogEvent(model.LogEntry{
			Level:      model.LevelError,
			Message:    "worker session failed",
			SessionID:  sessionID,
			CampaignID: c.ID,
			UserEmail:  id.Email,
			Fields:     map[string]any{"error": err.Error()},
		})
		b.sink.RecordSession(c.ID, rec)
		return rec
	}

	res.apply(&rec)
	b.sink.RecordSession(c.ID, rec)
	return rec
}

func (r Result) apply(rec *model.SessionRecord) {
	rec.Visited = r.Visited
	rec.Completed = r.Completed && r.Success
	rec.Bounced = r.Bounced
	rec.Errored = !r.Success
	rec.Error = r.Error
	if r.Source != "" {
		rec.Source = model.Source(r.Source)
	}
	if r.SpecificReferrer != "" {
		rec.SpecificReferrer = r.SpecificReferrer
	}
	if r.Device != "" {
		rec.Device = model.Device(r.Device)
	}
	if r.ProxyUsed != "" {
		rec.Proxy = r.ProxyUsed
	}
	if !r.StartTime.IsZero() {
		rec.StartTime = r.StartTime.Time
	}
	if !r.EndTime.IsZero() {
		rec.EndTime = r.EndTime.Time
		rec.Duration = r.Duration
		if rec.Duration == 0 {
			rec.Duration = rec.EndTime.Sub(rec.StartTime).Seconds()
		}
		return
	}
	rec.Finish(time.Now())
}
