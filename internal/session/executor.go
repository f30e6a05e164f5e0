// Package session drives one simulated visit in a real browser: launch,
// navigate, dwell while scrolling and clicking, then tear down.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"traffic_engine/internal/analytics"
	"traffic_engine/internal/browser"
	"traffic_engine/internal/config"
	"traffic_engine/internal/model"
	"traffic_engine/internal/traffic"
)

const DriverNative = "native"

type Options struct {
	Launcher browser.Launcher
	Sink     analytics.Sink
	Rand     traffic.Rand
	Proxy    config.ProxyConfig
	Session  config.SessionConfig
	Browser  config.BrowserConfig
}

type Executor struct {
	launcher browser.Launcher
	sink     analytics.Sink
	rand     traffic.Rand
	proxy    config.ProxyConfig
	session  config.SessionConfig
	browser  config.BrowserConfig
}

func New(opts Options) *Executor {
	r := opts.Rand
	if r == nil {
		r = traffic.NewTimeSeededRand()
	}
	return &Executor{
		launcher: opts.Launcher,
		sink:     opts.Sink,
		rand:     r,
		proxy:    opts.Proxy,
		session:  opts.Session,
		browser:  opts.Browser,
	}
}

// visit carries per-session state through the steps of Run.
type visit struct {
	campaign model.Campaign
	identity model.Identity
	rec      *model.SessionRecord
	target   string
	browser  browser.Browser
	page     browser.Page
}

// Run executes one session and always returns its terminal record. Every
// failure is folded into the record; the browser is closed and the record
// is emitted to the sink exactly once whatever happens.
func (e *Executor) Run(ctx context.Context, c model.Campaign, sessionID string, id model.Identity) (rec model.SessionRecord) {
	rec = model.SessionRecord{
		SessionID:  sessionID,
		CampaignID: c.ID,
		UserEmail:  id.Email,
		StartTime:  time.Now(),
		Source:     model.SourceDirect,
		Driver:     DriverNative,
	}
	v := &visit{campaign: c, identity: id, rec: &rec}

	e.sink.RecordSessionStart(c.ID, sessionID)
	defer func() {
		if p := recover(); p != nil {
			e.fail(v, fmt.Errorf("panic: %v", p))
		}
		if v.browser != nil {
			if err := v.browser.Close(); err != nil {
				e.log(v, model.LevelWarn, "browser close failed", map[string]any{"error": err.Error()})
			}
		}
		rec.Finish(time.Now())
		e.log(v, model.LevelInfo, "session finished", map[string]any{
			"visited":   rec.Visited,
			"completed": rec.Completed,
			"bounced":   rec.Bounced,
			"errored":   rec.Errored,
			"duration":  rec.Duration,
		})
		e.sink.RecordSession(c.ID, rec)
		e.sink.RecordSessionEnd(c.ID, sessionID)
	}()

	if err := e.run(ctx, v); err != nil {
		e.fail(v, err)
	}
	return rec
}

func (e *Executor) run(ctx context.Context, v *visit) error {
	c := v.campaign
	targets := c.Targets()
	if len(targets) == 0 {
		return errors.New("campaign has no target url")
	}
	v.target = targets[e.rand.IntN(len(targets))]
	v.rec.URL = v.target

	device := traffic.PickDevice(e.rand, c.DesktopPercentage)
	proxy := traffic.SelectProxy(e.rand, c.Proxies, e.proxy)
	headful := traffic.PickHeadful(e.rand, c.HeadfulPercentage)
	v.rec.Device = device
	v.rec.Proxy = proxy.Server
	v.rec.Headful = headful

	authFailed := make(chan error, 1)
	onAuthErr := e.proxyAuthHandler(v, proxy.Server, authFailed)
	b, err := e.launcher.Launch(ctx, browser.LaunchOptions{Headless: !headful, Proxy: proxy, OnProxyAuthError: onAuthErr})
	if err != nil {
		return fmt.Errorf("launch: %w", err)
	}
	v.browser = b
	page, err := b.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	v.page = page
	e.log(v, model.LevelDebug, "browser launched", map[string]any{
		"device":  string(device),
		"headful": headful,
		"proxy":   proxy.Server,
	})

	if cookies := model.CookiesForTarget(c.Cookies, v.target); len(cookies) > 0 {
		if err := page.SetCookies(cookies); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
	}
	if err := page.Emulate(e.emulation(device)); err != nil {
		return fmt.Errorf("emulate %s: %w", device, err)
	}

	source, referrer := traffic.ResolveSource(e.rand, c)
	v.rec.Source = source
	v.rec.SpecificReferrer = referrer

	if err := page.Navigate(v.target, referrer, e.session.NavigationTimeout()); err != nil {
		select {
		case authErr := <-authFailed:
			return fmt.Errorf("proxy authentication failure: %w: %w", authErr, err)
		default:
		}
		return fmt.Errorf("navigation failed: %w", err)
	}
	v.rec.Visited = true

	duration, bounced := traffic.VisitDuration(e.rand, c, e.session)
	v.rec.Bounced = bounced
	deadline := time.Now().Add(duration)
	e.log(v, model.LevelInfo, "page loaded", map[string]any{
		"url":      v.target,
		"source":   string(source),
		"referrer": referrer,
		"dwellSec": duration.Seconds(),
		"bounce":   bounced,
	})

	e.interact(ctx, v, deadline, duration)

	if !sleepUntil(ctx, deadline) {
		return fmt.Errorf("session aborted: %w", ctx.Err())
	}
	v.rec.Completed = true
	return nil
}

// interact runs the scroll and click loops side by side until the deadline.
func (e *Executor) interact(ctx context.Context, v *visit, deadline time.Time, duration time.Duration) {
	ictx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					e.log(v, model.LevelError, name+" loop panicked", map[string]any{"panic": fmt.Sprint(p)})
				}
			}()
			fn()
		}()
	}
	if v.campaign.Scrolling {
		spawn("scroll", func() { e.scrollLoop(ictx, v) })
	}
	spawn("click", func() { e.clickLoop(ictx, v, duration) })
	wg.Wait()
}

func (e *Executor) emulation(device model.Device) browser.Emulation {
	if device == model.DeviceMobile {
		return browser.Emulation{Device: device, MobileProfile: e.browser.MobileDevice}
	}
	return browser.Emulation{
		Device:    device,
		Width:     e.browser.DesktopWidth,
		Height:    e.browser.DesktopHeight,
		UserAgent: e.browser.DesktopUserAgent,
	}
}

func (e *Executor) fail(v *visit, err error) {
	v.rec.Errored = true
	v.rec.Bounced = true
	v.rec.Completed = false
	v.rec.Error = err.Error()
	e.log(v, model.LevelError, "session failed", map[string]any{"error": err.Error()})
}

// proxyAuthHandler logs a failed proxy credential exchange and hands the
// first error to failed. It may run after the session has returned.
func (e *Executor) proxyAuthHandler(v *visit, server string, failed chan<- error) func(error) {
	entry := model.LogEntry{
		Level:      model.LevelError,
		Message:    "proxy authentication failure",
		SessionID:  v.rec.SessionID,
		CampaignID: v.campaign.ID,
		UserEmail:  v.identity.Email,
	}
	return func(err error) {
		select {
		case failed <- err:
		default:
		}
		ev := entry
		ev.Fields = map[string]any{"proxy": server, "error": err.Error()}
		e.sink.LogEvent(ev)
	}
}

func (e *Executor) log(v *visit, level, msg string, fields map[string]any) {
	e.sink.LogEvent(model.LogEntry{
		Level:      level,
		Message:    msg,
		SessionID:  v.rec.SessionID,
		CampaignID: v.campaign.ID,
		UserEmail:  v.identity.Email,
		Fields:     fields,
	})
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

func sleepUntil(ctx context.Context, deadline time.Time) bool {
	return sleepCtx(ctx, time.Until(deadline))
}
