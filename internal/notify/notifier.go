package notify

import (
	"context"

	"traffic_engine/internal/model"
)

type CampaignStoppedEvent struct {
	At                int64            `json:"atMs"`
	CampaignID        string           `json:"campaignId"`
	CampaignName      string           `json:"campaignName,omitempty"`
	UserEmail         string           `json:"userEmail,omitempty"`
	Reason            model.StopReason `json:"reason"`
	Batches           int              `json:"batches"`
	SessionsCompleted int              `json:"sessionsCompleted"`
	Succeeded         int              `json:"succeeded"`
	Failed            int              `json:"failed"`
	Error             string           `json:"error,omitempty"`
}

// Notifier implementations must not block the caller.
type Notifier interface {
	NotifyCampaignStopped(ctx context.Context, evt CampaignStoppedEvent)
}

type multi []Notifier

// Multi fans an event out to every non-nil notifier.
func Multi(ns ...Notifier) Notifier {
	out := make(multi, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (m multi) NotifyCampaignStopped(ctx context.Context, evt CampaignStoppedEvent) {
	for _, n := range m {
		n.NotifyCampaignStopped(ctx, evt)
	}
}
