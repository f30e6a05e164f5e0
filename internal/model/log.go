package model

import "time"

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

type LogEntry struct {
	Time       time.Time      `json:"time" bson:"time"`
	Level      string         `json:"level" bson:"level"`
	Message    string         `json:"message" bson:"message"`
	SessionID  string         `json:"sessionId,omitempty" bson:"sessionId,omitempty"`
	CampaignID string         `json:"campaignId,omitempty" bson:"campaignId,omitempty"`
	UserEmail  string         `json:"userEmail,omitempty" bson:"userEmail,omitempty"`
	Fields     map[string]any `json:"fields,omitempty" bson:"fields,omitempty"`
}

// NormalizeLevel maps free-form level names onto the four supported levels.
func NormalizeLevel(level string) string {
	switch level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return level
	case "warning", "WARNING", "WARN":
		return LevelWarn
	case "ERROR", "critical", "CRITICAL", "fatal":
		return LevelError
	case "DEBUG":
		return LevelDebug
	default:
		return LevelInfo
	}
}
