// Package traffic picks the per-session proxy, device profile and traffic
// source from a campaign definition.
package traffic

import (
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"traffic_engine/internal/config"
	"traffic_engine/internal/model"
)

var searchEngines = []string{
	"https://www.google.com/",
	"https://www.bing.com/",
	"https://search.yahoo.com/",
	"https://duckduckgo.com/",
}

var socialReferrers = map[string]string{
	"facebook":  "https://www.facebook.com/",
	"twitter":   "https://t.co/",
	"x":         "https://t.co/",
	"instagram": "https://www.instagram.com/",
	"linkedin":  "https://www.linkedin.com/",
	"reddit":    "https://www.reddit.com/",
	"pinterest": "https://www.pinterest.com/",
	"tiktok":    "https://www.tiktok.com/",
	"youtube":   "https://www.youtube.com/",
}

var (
	organicKeywords = []string{"google", "bing", "yahoo", "duckduckgo", "baidu", "yandex", "ecosia"}
	socialKeywords  = []string{"facebook", "twitter", "instagram", "linkedin", "reddit", "pinterest", "tiktok", "youtube"}
	// short link domains only match as the host or a parent of it
	socialDomains = []string{"t.co", "x.com", "fb.com", "fb.me", "lnkd.in", "youtu.be"}
)

// SelectProxy picks uniformly from the campaign list, or falls back to the
// process-wide default. An empty fallback host yields a direct connection.
func SelectProxy(r Rand, list []model.Proxy, fallback config.ProxyConfig) model.ProxyChoice {
	if len(list) > 0 {
		p := list[r.IntN(len(list))]
		return model.ProxyChoice{
			Server:   net.JoinHostPort(strings.TrimSpace(p.Host), strconv.Itoa(p.Port)),
			Username: p.Username,
			Password: p.Password,
		}
	}
	if strings.TrimSpace(fallback.Host) == "" {
		return model.ProxyChoice{}
	}
	return model.ProxyChoice{
		Server:   net.JoinHostPort(strings.TrimSpace(fallback.Host), strconv.Itoa(fallback.Port)),
		Username: fallback.Username,
		Password: fallback.Password,
	}
}

func PickDevice(r Rand, desktopPct int) model.Device {
	if Roll(r, desktopPct) {
		return model.DeviceDesktop
	}
	return model.DeviceMobile
}

func PickHeadful(r Rand, headfulPct int) bool {
	return Roll(r, headfulPct)
}

// ResolveSource decides where the visit claims to come from. The returned
// referrer is empty for direct traffic.
func ResolveSource(r Rand, c model.Campaign) (model.Source, string) {
	if Roll(r, c.Organic) {
		return model.SourceOrganic, searchEngines[r.IntN(len(searchEngines))]
	}
	if custom := strings.TrimSpace(c.Custom); custom != "" {
		return ClassifyReferrer(custom), custom
	}
	if len(c.Social) > 0 {
		platforms := make([]string, 0, len(c.Social))
		for p := range c.Social {
			platforms = append(platforms, p)
		}
		sort.Strings(platforms)

		roll := r.IntN(100)
		cumulative := 0
		for _, p := range platforms {
			cumulative += c.Social[p]
			if roll < cumulative {
				return model.SourceSocial, socialReferrer(p)
			}
		}
	}
	return model.SourceDirect, ""
}

// ClassifyReferrer buckets a referrer by keyword match on its host.
func ClassifyReferrer(ref string) model.Source {
	host := strings.ToLower(strings.TrimSpace(ref))
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Hostname()
	} else if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	for _, k := range organicKeywords {
		if strings.Contains(host, k) {
			return model.SourceOrganic
		}
	}
	for _, k := range socialKeywords {
		if strings.Contains(host, k) {
			return model.SourceSocial
		}
	}
	for _, d := range socialDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return model.SourceSocial
		}
	}
	return model.SourceReferral
}

func socialReferrer(platform string) string {
	key := strings.ToLower(strings.TrimSpace(platform))
	if u, ok := socialReferrers[key]; ok {
		return u
	}
	return "https://www." + key + ".com/"
}

// VisitDuration picks the dwell time. A bounce shortens it to a fraction of
// the campaign minimum; Validate requires that minimum to be positive.
func VisitDuration(r Rand, c model.Campaign, sc config.SessionConfig) (time.Duration, bool) {
	minSec := float64(c.VisitDurationMin)
	maxSec := float64(c.VisitDurationMax)
	if maxSec < minSec {
		maxSec = minSec
	}
	if Roll(r, c.BounceRate) {
		frac := Uniform(r, sc.BounceMinFraction, sc.BounceMaxFraction)
		return seconds(minSec * frac), true
	}
	return seconds(Uniform(r, minSec, maxSec)), false
}

// ClickBudget caps clicks at one per randomly chosen interval of the session.
func ClickBudget(r Rand, d time.Duration, sc config.SessionConfig) int {
	interval := Uniform(r, sc.ClickIntervalMinSec, sc.ClickIntervalMaxSec)
	if interval <= 0 || d <= 0 {
		return 0
	}
	return int(d.Seconds() / interval)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
