// Package analytics is the write side of session logging: live events go to
// the log bus, durable copies go to the store through a bounded queue.
package analytics

import (
	"context"

	"traffic_engine/internal/model"
)

// Sink must be safe for many concurrent writers and must never block or
// fail the caller.
type Sink interface {
	LogEvent(e model.LogEntry)
	RecordSessionStart(campaignID, sessionID string)
	RecordSessionEnd(campaignID, sessionID string)
	RecordSession(campaignID string, rec model.SessionRecord)
}

type Persister interface {
	InsertLog(ctx context.Context, e model.LogEntry) error
	InsertSessionRecord(ctx context.Context, r model.SessionRecord) error
}

type SessionEvent struct {
	Phase          string               `json:"phase"`
	CampaignID     string               `json:"campaignId"`
	SessionID      string               `json:"sessionId"`
	ActiveSessions int                  `json:"activeSessions"`
	Record         *model.SessionRecord `json:"record,omitempty"`
}

const (
	PhaseStart  = "start"
	PhaseEnd    = "end"
	PhaseRecord = "record"
)
