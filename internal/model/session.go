package model

import "time"

type Source string

const (
	SourceOrganic  Source = "Organic"
	SourceSocial   Source = "Social"
	SourceReferral Source = "Referral"
	SourceDirect   Source = "Direct"
)

type Device string

const (
	DeviceDesktop Device = "Desktop"
	DeviceMobile  Device = "Mobile"
)

// SessionRecord is the terminal record of one simulated visit.
type SessionRecord struct {
	SessionID        string    `json:"sessionId" bson:"sessionId"`
	CampaignID       string    `json:"campaignId" bson:"campaignId"`
	UserEmail        string    `json:"userEmail,omitempty" bson:"userEmail,omitempty"`
	URL              string    `json:"url,omitempty" bson:"url,omitempty"`
	StartTime        time.Time `json:"startTime" bson:"startTime"`
	EndTime          time.Time `json:"endTime" bson:"endTime"`
	Duration         float64   `json:"duration" bson:"duration"`
	Source           Source    `json:"source" bson:"source"`
	SpecificReferrer string    `json:"specificReferrer,omitempty" bson:"specificReferrer,omitempty"`
	Device           Device    `json:"device" bson:"device"`
	Visited          bool      `json:"visited" bson:"visited"`
	Completed        bool      `json:"completed" bson:"completed"`
	Bounced          bool      `json:"bounced" bson:"bounced"`
	Errored          bool      `json:"errored" bson:"errored"`
	Error            string    `json:"error,omitempty" bson:"error,omitempty"`
	Proxy            string    `json:"proxy,omitempty" bson:"proxy,omitempty"`
	Headful          bool      `json:"headful" bson:"headful"`
	Driver           string    `json:"driver,omitempty" bson:"driver,omitempty"`
}

// Finish stamps the end time and derives the duration in seconds.
func (r *SessionRecord) Finish(at time.Time) {
	r.EndTime = at
	if !r.StartTime.IsZero() {
		r.Duration = at.Sub(r.StartTime).Seconds()
	}
}

type SessionStats struct {
	CampaignID     string `json:"campaignId"`
	Total          int    `json:"total"`
	Visited        int    `json:"visited"`
	Completed      int    `json:"completed"`
	Bounced        int    `json:"bounced"`
	Errored        int    `json:"errored"`
	ActiveSessions int    `json:"activeSessions"`
}
