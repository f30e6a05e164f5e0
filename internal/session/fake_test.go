package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"traffic_engine/internal/browser"
	"traffic_engine/internal/model"
)

type fakeSink struct {
	mu      sync.Mutex
	logs    []model.LogEntry
	records []model.SessionRecord
	starts  int
	ends    int
}

func (s *fakeSink) LogEvent(e model.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, e)
}

func (s *fakeSink) RecordSessionStart(string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
}

func (s *fakeSink) RecordSessionEnd(string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
}

func (s *fakeSink) RecordSession(_ string, rec model.SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *fakeSink) hasLog(level, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.Level == level && l.Message == msg {
			return true
		}
	}
	return false
}

type fakeLauncher struct {
	err     error
	authErr error
	browser *fakeBrowser
	opts    []browser.LaunchOptions
}

func (l *fakeLauncher) Launch(_ context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	l.opts = append(l.opts, opts)
	if l.err != nil {
		return nil, l.err
	}
	if l.authErr != nil && opts.OnProxyAuthError != nil {
		opts.OnProxyAuthError(l.authErr)
	}
	return l.browser, nil
}

type fakeBrowser struct {
	mu     sync.Mutex
	page   *fakePage
	closes int
}

func (b *fakeBrowser) NewPage(context.Context) (browser.Page, error) {
	return b.page, nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func (b *fakeBrowser) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

type navigation struct {
	url      string
	referrer string
}

type fakePage struct {
	mu sync.Mutex

	navErr      error
	navDelay    time.Duration
	navigations []navigation
	current     string
	cookies     []model.Cookie
	emulation   browser.Emulation

	scrollErr   error
	scrolls     int
	y, maxY     float64
	cookiePanic bool

	xpath map[string][]browser.Element
	css   map[string][]browser.Element
}

func (p *fakePage) SetCookies(c []model.Cookie) error {
	if p.cookiePanic {
		panic("cookie jar exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = c
	return nil
}

func (p *fakePage) Emulate(e browser.Emulation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emulation = e
	return nil
}

func (p *fakePage) Navigate(url, referrer string, timeout time.Duration) error {
	if p.navDelay > 0 {
		if p.navDelay > timeout {
			time.Sleep(timeout)
			return errors.New("context deadline exceeded")
		}
		time.Sleep(p.navDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigations = append(p.navigations, navigation{url: url, referrer: referrer})
	if p.navErr != nil {
		return p.navErr
	}
	p.current = url
	return nil
}

func (p *fakePage) URL() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

func (p *fakePage) setURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = u
}

func (p *fakePage) navigationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.navigations)
}

func (p *fakePage) ScrollBy(dy float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scrollErr != nil {
		return p.scrollErr
	}
	p.scrolls++
	p.y += dy
	if p.y < 0 {
		p.y = 0
	}
	return nil
}

func (p *fakePage) ScrollPosition() (float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scrollErr != nil {
		return 0, 0, p.scrollErr
	}
	return p.y, p.maxY, nil
}

func (p *fakePage) QueryXPath(xpath string) ([]browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Element(nil), p.xpath[xpath]...), nil
}

func (p *fakePage) QueryCSS(selector string) ([]browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Element(nil), p.css[selector]...), nil
}

func (p *fakePage) MoveMouse(float64, float64) error { return nil }

type fakeElement struct {
	mu      sync.Mutex
	clicks  int
	onClick func()

	// page and home make the element behave like a real handle: it loses
	// its box once page leaves home, and ClickAndWait watches page for a
	// URL change.
	page *fakePage
	home string
}

func (e *fakeElement) Center() (float64, float64, bool) {
	if e.page != nil && e.home != "" {
		if current, _ := e.page.URL(); !samePage(e.home, current) {
			return 0, 0, false
		}
	}
	return 10, 10, true
}

func (e *fakeElement) ClickAndWait(settle time.Duration) error {
	e.mu.Lock()
	e.clicks++
	fn := e.onClick
	e.mu.Unlock()

	var before string
	if e.page != nil {
		before, _ = e.page.URL()
	}
	if fn != nil {
		fn()
	}
	if e.page == nil {
		return nil
	}
	deadline := time.Now().Add(settle)
	for time.Now().Before(deadline) {
		if current, _ := e.page.URL(); current != before {
			return nil
		}
		time.Sleep(2 * time.Millisecond)
	}
	return nil
}

func (e *fakeElement) clickCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}
