package session

import (
	"context"
	"net/url"
	"strings"
	"time"

	"traffic_engine/internal/browser"
	"traffic_engine/internal/model"
	"traffic_engine/internal/traffic"
)

const genericClickable = "a, button, input[type=submit]"

// clickLoop spreads a budget of clicks evenly over the dwell time. Explicit
// XPath targets come first, then CSS targets, then generic clickables. A
// click that leaves the target page is undone by navigating back.
func (e *Executor) clickLoop(ctx context.Context, v *visit, duration time.Duration) {
	budget := traffic.ClickBudget(e.rand, duration, e.session)
	if budget <= 0 {
		return
	}
	pool, err := e.candidates(v.page, v.campaign, budget)
	if err != nil {
		e.clickFailed(v, err)
		if browser.IsContextLost(err) {
			return
		}
	}
	if len(pool) == 0 {
		e.log(v, model.LevelDebug, "no clickable candidates", nil)
		return
	}

	settle := e.session.ClickSettle()
	interval := duration / time.Duration(len(pool)+1)
	clicked := 0
	for len(pool) > 0 && clicked < budget {
		if !sleepCtx(ctx, interval) {
			return
		}
		el := pool[0]
		pool = pool[1:]

		var ok bool
		x, y, hasBox := el.Center()
		if !hasBox {
			// a handle loses its box when a late redirect replaced the page
			if pool, ok = e.recoverTarget(v, pool, budget-clicked); !ok {
				return
			}
			continue
		}
		if err := v.page.MoveMouse(x, y); err != nil {
			if browser.IsContextLost(err) {
				e.log(v, model.LevelWarn, "click loop stopped: page navigated", nil)
				return
			}
			e.clickFailed(v, err)
			continue
		}
		if err := el.ClickAndWait(settle); err != nil && !browser.IsContextLost(err) {
			e.clickFailed(v, err)
			continue
		}
		clicked++

		if pool, ok = e.recoverTarget(v, pool, budget-clicked); !ok {
			return
		}
	}

	// the last click may redirect after its settle window
	if clicked > 0 && sleepCtx(ctx, settle) {
		e.recoverTarget(v, nil, 0)
	}
}

// recoverTarget navigates back when the page has left the target and
// returns a fresh candidate pool, since the old handles belong to the page
// that was replaced. ok is false when the loop must stop.
func (e *Executor) recoverTarget(v *visit, pool []browser.Element, remaining int) ([]browser.Element, bool) {
	left, err := e.leftTarget(v)
	if err != nil {
		if browser.IsContextLost(err) {
			e.log(v, model.LevelWarn, "click loop stopped: page navigated", nil)
			return nil, false
		}
		e.clickFailed(v, err)
		return pool, true
	}
	if !left {
		return pool, true
	}
	if err := v.page.Navigate(v.target, "", e.session.NavigationTimeout()); err != nil {
		e.log(v, model.LevelError, "return to target failed", map[string]any{"error": err.Error()})
		return nil, false
	}
	e.log(v, model.LevelInfo, "returned to target after click", map[string]any{"url": v.target})
	if remaining <= 0 {
		return nil, true
	}

	fresh, err := e.candidates(v.page, v.campaign, remaining)
	if err != nil {
		e.clickFailed(v, err)
		if browser.IsContextLost(err) {
			return nil, false
		}
	}
	return fresh, true
}

// candidates collects up to limit shuffled elements, filling from the
// lower-priority tiers only when the higher ones run out.
func (e *Executor) candidates(page browser.Page, c model.Campaign, limit int) ([]browser.Element, error) {
	var (
		out      []browser.Element
		firstErr error
	)
	take := func(els []browser.Element, err error) {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		e.rand.Shuffle(len(els), func(i, j int) { els[i], els[j] = els[j], els[i] })
		for _, el := range els {
			if len(out) >= limit {
				return
			}
			out = append(out, el)
		}
	}

	for _, xp := range splitList(c.AdsXPath, ",\n") {
		take(page.QueryXPath(xp))
	}
	for _, sel := range splitList(c.AdSelectors, ",") {
		take(page.QueryCSS(sel))
	}
	if len(out) < limit {
		take(page.QueryCSS(genericClickable))
	}
	return out, firstErr
}

func (e *Executor) leftTarget(v *visit) (bool, error) {
	current, err := v.page.URL()
	if err != nil {
		return false, err
	}
	return !samePage(v.target, current), nil
}

func (e *Executor) clickFailed(v *visit, err error) {
	e.log(v, model.LevelError, "click failed", map[string]any{"error": err.Error()})
}

// samePage compares host and path, ignoring query and fragment.
func samePage(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return strings.EqualFold(ua.Hostname(), ub.Hostname()) && cleanPath(ua.Path) == cleanPath(ub.Path)
}

func cleanPath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

func splitList(s, seps string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(seps, r) })
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
