// Package browser is the narrow surface the session executor drives. The
// production implementation sits on go-rod; tests substitute fakes.
package browser

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"traffic_engine/internal/model"
)

// ErrContextLost reports that the page navigated away while a script or
// input event was in flight.
var ErrContextLost = errors.New("browser: execution context lost")

func IsContextLost(err error) bool {
	return errors.Is(err, ErrContextLost)
}

type LaunchOptions struct {
	Headless         bool
	Proxy            model.ProxyChoice
	// OnProxyAuthError is called from another goroutine when the browser
	// fails to answer the proxy's credential challenge.
	OnProxyAuthError func(error)
}

type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Emulation is either a named mobile profile or a fixed desktop viewport.
type Emulation struct {
	Device        model.Device
	MobileProfile string
	Width         int
	Height        int
	UserAgent     string
}

type Page interface {
	SetCookies(cookies []model.Cookie) error
	Emulate(e Emulation) error
	Navigate(url, referrer string, timeout time.Duration) error
	URL() (string, error)
	// ScrollBy wheels the page vertically by dy pixels.
	ScrollBy(dy float64) error
	// ScrollPosition returns the current offset and the largest reachable one.
	ScrollPosition() (y, maxY float64, err error)
	QueryXPath(xpath string) ([]Element, error)
	QueryCSS(selector string) ([]Element, error)
	MoveMouse(x, y float64) error
}

type Element interface {
	// Center returns the element's on-screen midpoint; ok is false when it
	// has no layout box.
	Center() (x, y float64, ok bool)
	// ClickAndWait clicks and, if the click starts a navigation, waits up
	// to settle for it to reach DOMContentLoaded. A click that navigates
	// nowhere returns once settle has passed.
	ClickAndWait(settle time.Duration) error
}

type throttled struct {
	next    Launcher
	limiter *rate.Limiter
}

// Throttled paces launches through a shared token bucket. A nil limiter
// returns l unchanged.
func Throttled(l Launcher, limiter *rate.Limiter) Launcher {
	if limiter == nil {
		return l
	}
	return &throttled{next: l, limiter: limiter}
}

func (t *throttled) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.Launch(ctx, opts)
}

var contextLostMarkers = []string{
	"Execution context was destroyed",
	"Cannot find context with specified id",
	"Inspected target navigated or closed",
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, m := range contextLostMarkers {
		if strings.Contains(msg, m) {
			return errors.Join(ErrContextLost, err)
		}
	}
	return err
}
