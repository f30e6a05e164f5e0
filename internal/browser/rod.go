package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/devices"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"traffic_engine/internal/config"
	"traffic_engine/internal/model"
)

const clickTimeout = 5 * time.Second

var mobileProfiles = map[string]devices.Device{
	"iphone x":  devices.IPhoneX,
	"pixel 2":   devices.Pixel2,
	"galaxy s5": devices.GalaxyS5,
	"ipad":      devices.IPad,
}

// LookupDevice resolves a mobile profile name, falling back to iPhone X.
func LookupDevice(name string) devices.Device {
	if d, ok := mobileProfiles[strings.ToLower(strings.TrimSpace(name))]; ok {
		return d
	}
	return devices.IPhoneX
}

type RodLauncher struct {
	cfg config.BrowserConfig
}

func NewRodLauncher(cfg config.BrowserConfig) *RodLauncher {
	return &RodLauncher{cfg: cfg}
}

func (r *RodLauncher) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	l := launcher.New().Headless(opts.Headless).NoSandbox(r.cfg.NoSandbox)
	if bin := strings.TrimSpace(r.cfg.Bin); bin != "" {
		l = l.Bin(bin)
	}
	if opts.Proxy.Server != "" {
		l = l.Proxy(opts.Proxy.Server)
	}
	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	rb := &rodBrowser{browser: b, launcher: l}
	if opts.Proxy.HasAuth() {
		wait := b.HandleAuth(opts.Proxy.Username, opts.Proxy.Password)
		go func() {
			err := wait()
			if err == nil || ctx.Err() != nil || rb.closed.Load() || opts.OnProxyAuthError == nil {
				return
			}
			opts.OnProxyAuthError(err)
		}()
	}
	return rb, nil
}

type rodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	once     sync.Once
	closed   atomic.Bool
	closeErr error
}

func (b *rodBrowser) NewPage(ctx context.Context) (Page, error) {
	page, err := b.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	return &rodPage{page: page.Context(ctx)}, nil
}

// Close works after the launch context is cancelled.
func (b *rodBrowser) Close() error {
	b.once.Do(func() {
		b.closed.Store(true)
		b.closeErr = b.browser.Context(context.Background()).Close()
		b.launcher.Kill()
	})
	return b.closeErr
}

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) SetCookies(cookies []model.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, param)
	}
	return classify(p.page.SetCookies(params))
}

func (p *rodPage) Emulate(e Emulation) error {
	if e.Device == model.DeviceMobile {
		return classify(p.page.Emulate(LookupDevice(e.MobileProfile)))
	}
	if err := p.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             e.Width,
		Height:            e.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return classify(err)
	}
	if e.UserAgent == "" {
		return nil
	}
	return classify(p.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: e.UserAgent}))
}

func (p *rodPage) Navigate(url, referrer string, timeout time.Duration) error {
	page := p.page.Timeout(timeout)
	defer page.CancelTimeout()

	if referrer != "" {
		cleanup, err := page.SetExtraHeaders([]string{"Referer", referrer})
		if err != nil {
			return classify(err)
		}
		defer cleanup()
	}
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, classify(err))
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, classify(err))
	}
	return nil
}

func (p *rodPage) URL() (string, error) {
	info, err := p.page.Info()
	if err != nil {
		return "", classify(err)
	}
	return info.URL, nil
}

func (p *rodPage) ScrollBy(dy float64) error {
	return classify(p.page.Mouse.Scroll(0, dy, 8))
}

func (p *rodPage) ScrollPosition() (float64, float64, error) {
	res, err := p.page.Eval(`() => ({
		y: window.scrollY,
		max: Math.max(0, document.documentElement.scrollHeight - window.innerHeight),
	})`)
	if err != nil {
		return 0, 0, classify(err)
	}
	return res.Value.Get("y").Num(), res.Value.Get("max").Num(), nil
}

func (p *rodPage) QueryXPath(xpath string) ([]Element, error) {
	els, err := p.page.ElementsX(xpath)
	if err != nil {
		return nil, classify(err)
	}
	return wrapElements(els), nil
}

func (p *rodPage) QueryCSS(selector string) ([]Element, error) {
	els, err := p.page.Elements(selector)
	if err != nil {
		return nil, classify(err)
	}
	return wrapElements(els), nil
}

func (p *rodPage) MoveMouse(x, y float64) error {
	return classify(p.page.Mouse.MoveLinear(proto.Point{X: x, Y: y}, 12))
}

func wrapElements(els rod.Elements) []Element {
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el})
	}
	return out
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Center() (float64, float64, bool) {
	shape, err := e.el.Shape()
	if err != nil {
		return 0, 0, false
	}
	box := shape.Box()
	if box == nil || box.Width == 0 || box.Height == 0 {
		return 0, 0, false
	}
	return box.X + box.Width/2, box.Y + box.Height/2, true
}

func (e *rodElement) ClickAndWait(settle time.Duration) error {
	page := e.el.Page().Timeout(settle)
	defer page.CancelTimeout()
	wait := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)

	if err := e.el.Timeout(clickTimeout).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return classify(err)
	}
	// wait gives up silently when settle expires without a navigation
	wait()
	return nil
}
