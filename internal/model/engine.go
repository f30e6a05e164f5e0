package model

type ControllerPhase string

const (
	PhaseRunning  ControllerPhase = "running"
	PhaseWaiting  ControllerPhase = "waiting"
	PhaseStopping ControllerPhase = "stopping"
	PhaseStopped  ControllerPhase = "stopped"
)

// StopReason says why a controller loop exited.
type StopReason string

const (
	StopLimitReached StopReason = "limit_reached"
	StopDeactivated  StopReason = "externally_deactivated"
	StopNotFound     StopReason = "not_found"
	StopShutdown     StopReason = "shutdown"
	StopError        StopReason = "error"
)

type CampaignState struct {
	CampaignID        string          `json:"campaignId"`
	Phase             ControllerPhase `json:"phase"`
	Batches           int             `json:"batches"`
	SessionsCompleted int             `json:"sessionsCompleted"`
	Succeeded         int             `json:"succeeded"`
	Failed            int             `json:"failed"`
	StartedAtMs       int64           `json:"startedAtMs"`
	LastBatchAtMs     int64           `json:"lastBatchAtMs,omitempty"`
	StopReason        StopReason      `json:"stopReason,omitempty"`
	LastError         string          `json:"lastError,omitempty"`
}

type EngineState struct {
	Running   bool            `json:"running"`
	Campaigns []CampaignState `json:"campaigns"`
}
