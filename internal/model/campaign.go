package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Proxy struct {
	Host     string `json:"host" bson:"host"`
	Port     int    `json:"port" bson:"port"`
	Username string `json:"username,omitempty" bson:"username,omitempty"`
	Password string `json:"password,omitempty" bson:"password,omitempty"`
}

// ProxyChoice is the proxy picked for one session. Server is empty when the
// session runs without a proxy.
type ProxyChoice struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (p ProxyChoice) HasAuth() bool {
	return p.Username != "" || p.Password != ""
}

type Campaign struct {
	ID        string `json:"id" bson:"_id"`
	Name      string `json:"name,omitempty" bson:"name,omitempty"`
	UserEmail string `json:"userEmail,omitempty" bson:"userEmail,omitempty"`
	IsActive  bool   `json:"isActive" bson:"isActive"`

	Concurrent    int  `json:"concurrent" bson:"concurrent"`
	TotalSessions *int `json:"totalSessions,omitempty" bson:"totalSessions,omitempty"`
	// Delay staggers session starts inside a batch, in seconds per index.
	Delay float64 `json:"delay,omitempty" bson:"delay,omitempty"`

	URLs      []string `json:"urls,omitempty" bson:"urls,omitempty"`
	TargetURL string   `json:"targetUrl,omitempty" bson:"targetUrl,omitempty"`
	URL       string   `json:"url,omitempty" bson:"url,omitempty"`

	Organic           int            `json:"organic" bson:"organic"`
	Social            map[string]int `json:"social,omitempty" bson:"social,omitempty"`
	Custom            string         `json:"custom,omitempty" bson:"custom,omitempty"`
	BounceRate        int            `json:"bounceRate" bson:"bounceRate"`
	DesktopPercentage int            `json:"desktopPercentage" bson:"desktopPercentage"`
	HeadfulPercentage int            `json:"headfulPercentage" bson:"headfulPercentage"`
	VisitDurationMin  int            `json:"visitDurationMin" bson:"visitDurationMin"`
	VisitDurationMax  int            `json:"visitDurationMax" bson:"visitDurationMax"`
	Scrolling         bool           `json:"scrolling" bson:"scrolling"`
	Cookies           []Cookie       `json:"cookies,omitempty" bson:"cookies,omitempty"`
	Proxies           []Proxy        `json:"proxies,omitempty" bson:"proxies,omitempty"`
	AdSelectors       string         `json:"adSelectors,omitempty" bson:"adSelectors,omitempty"`
	AdsXPath          string         `json:"adsXPath,omitempty" bson:"adsXPath,omitempty"`

	// Driver selects native browser sessions or the external worker; empty
	// means the configured default.
	Driver string `json:"driver,omitempty" bson:"driver,omitempty"`

	SessionsCompleted int       `json:"sessionsCompleted" bson:"sessionsCompleted"`
	StartedAt         time.Time `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	CompletedAt       time.Time `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	CreatedAt         time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Targets returns every destination URL, merging the legacy single-URL fields.
func (c Campaign) Targets() []string {
	out := make([]string, 0, len(c.URLs)+2)
	seen := make(map[string]struct{}, len(c.URLs)+2)
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, u := range c.URLs {
		add(u)
	}
	add(c.TargetURL)
	add(c.URL)
	return out
}

// RemainingSessions reports how many sessions the quota still allows given
// completed attempts. ok is false for unbounded campaigns.
func (c Campaign) RemainingSessions(completed int) (remaining int, ok bool) {
	if c.TotalSessions == nil {
		return 0, false
	}
	return *c.TotalSessions - completed, true
}

// CampaignUpdate is a partial write; nil fields are left untouched.
type CampaignUpdate struct {
	IsActive          *bool
	SessionsCompleted *int
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

type Identity struct {
	Email string `json:"email,omitempty"`
}

func (c Campaign) Validate() error {
	if len(c.Targets()) == 0 {
		return errors.New("at least one target url is required")
	}
	for _, u := range c.Targets() {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("invalid target url: %s", u)
		}
	}
	if c.Concurrent <= 0 {
		return errors.New("concurrent must be > 0")
	}
	if c.TotalSessions != nil && *c.TotalSessions < 0 {
		return errors.New("totalSessions must be >= 0")
	}
	if c.Delay < 0 {
		return errors.New("delay must be >= 0")
	}
	if c.VisitDurationMin < 0 || c.VisitDurationMax < c.VisitDurationMin {
		return errors.New("visit duration range is invalid")
	}
	// A bounce dwells for a fraction of the minimum, which needs a minimum.
	if c.BounceRate > 0 && c.VisitDurationMin <= 0 {
		return errors.New("visitDurationMin must be > 0 when bounceRate is set")
	}
	pcts := map[string]int{
		"organic":           c.Organic,
		"bounceRate":        c.BounceRate,
		"desktopPercentage": c.DesktopPercentage,
		"headfulPercentage": c.HeadfulPercentage,
	}
	for name, v := range pcts {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be within 0..100", name)
		}
	}
	for platform, v := range c.Social {
		if v < 0 || v > 100 {
			return fmt.Errorf("social.%s must be within 0..100", platform)
		}
	}
	for i, p := range c.Proxies {
		if strings.TrimSpace(p.Host) == "" || p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("proxies[%d]: host and port are required", i)
		}
	}
	return nil
}
