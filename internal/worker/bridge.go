// Package worker runs a session in an external process instead of the
// in-process browser driver. The process reads a JSON config file and
// reports over stdout; see SessionConfig and Result for the document shapes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"traffic_engine/internal/analytics"
	"traffic_engine/internal/config"
	"traffic_engine/internal/model"
	"traffic_engine/internal/traffic"
)

const (
	DriverWorker = "worker"

	stderrTailBytes = 8 << 10
	waitDelay       = 2 * time.Second
)

var (
	ErrTimeout  = errors.New("worker: timed out")
	ErrNoResult = errors.New("worker: no result line")
)

type Options struct {
	Command string
	Args    []string
	Timeout time.Duration
	TempDir string

	Sink    analytics.Sink
	Rand    traffic.Rand
	Proxy   config.ProxyConfig
	Session config.SessionConfig
}

// OptionsFromConfig maps the worker section of the config file.
func OptionsFromConfig(cfg config.Config, sink analytics.Sink, r traffic.Rand) Options {
	return Options{
		Command: cfg.Worker.Command,
		Args:    cfg.Worker.Args,
		Timeout: cfg.Worker.Timeout(),
		TempDir: cfg.Worker.TempDir,
		Sink:    sink,
		Rand:    r,
		Proxy:   cfg.Proxy,
		Session: cfg.Session,
	}
}

type Bridge struct {
	command string
	args    []string
	timeout time.Duration
	tempDir string

	sink    analytics.Sink
	rand    traffic.Rand
	proxy   config.ProxyConfig
	session config.SessionConfig
}

func New(opts Options) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.Rand == nil {
		opts.Rand = traffic.NewTimeSeededRand()
	}
	return &Bridge{
		command: opts.Command,
		args:    append([]string(nil), opts.Args...),
		timeout: opts.Timeout,
		tempDir: opts.TempDir,
		sink:    opts.Sink,
		rand:    opts.Rand,
		proxy:   opts.Proxy,
		session: opts.Session,
	}
}

// Prepare makes the per-session decisions the native executor would make
// in-process and packs them for the worker.
func (b *Bridge) Prepare(c model.Campaign, sessionID string, id model.Identity) SessionConfig {
	cfg := SessionConfig{
		SessionID:         sessionID,
		CampaignID:        c.ID,
		UserEmail:         id.Email,
		URLs:              c.Targets(),
		Device:            traffic.PickDevice(b.rand, c.DesktopPercentage),
		Headless:          !traffic.PickHeadful(b.rand, c.HeadfulPercentage),
		Scrolling:         c.Scrolling,
		AdSelectors:       c.AdSelectors,
		AdsXPath:          c.AdsXPath,
		NavigationTimeout: b.session.NavigationTimeout().Seconds(),
	}
	if len(cfg.URLs) > 0 {
		cfg.Cookies = model.CookiesForTarget(c.Cookies, cfg.URLs[0])
	}
	if p := traffic.SelectProxy(b.rand, c.Proxies, b.proxy); p.Server != "" {
		cfg.Proxy = &WorkerProxy{Server: p.Server, Username: p.Username, Password: p.Password}
	}
	cfg.Source, cfg.Referrer = traffic.ResolveSource(b.rand, c)
	d, bounce := traffic.VisitDuration(b.rand, c, b.session)
	cfg.Duration = d.Seconds()
	cfg.Bounce = bounce
	return cfg
}

// Run executes one worker process for cfg. Structured log lines go to the
// sink as they arrive; the last result line becomes the return value. The
// config file is removed before Run returns.
func (b *Bridge) Run(ctx context.Context, c model.Campaign, cfg SessionConfig, id model.Identity) (Result, error) {
	started := time.Now()

	path, err := b.writeConfig(cfg)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(path)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var (
		result    Result
		gotResult bool
		stderr    = &tail{max: stderrTailBytes}
	)
	logf := func(level, msg string, fields map[string]any) {
		b.sink.LogEvent(model.LogEntry{
			Level:      level,
			Message:    msg,
			SessionID:  cfg.SessionID,
			CampaignID: c.ID,
			UserEmail:  id.Email,
			Fields:     fields,
		})
	}

	stdoutW := &lineWriter{fn: func(line string) {
		if line == "" {
			return
		}
		if payload, ok := strings.CutPrefix(line, LogMarker); ok {
			if e, ok := parseLogLine(payload); ok {
				if e.CampaignID == "" {
					e.CampaignID = c.ID
				}
				if e.SessionID == "" {
					e.SessionID = cfg.SessionID
				}
				if e.UserEmail == "" {
					e.UserEmail = id.Email
				}
				b.sink.LogEvent(e)
				return
			}
		} else if r, ok := parseResultLine(line); ok {
			result, gotResult = r, true
			return
		}
		logf(model.LevelDebug, line, map[string]any{"driver": DriverWorker})
	}}
	stderrW := &lineWriter{fn: func(line string) {
		if line == "" {
			return
		}
		stderr.add(line)
		logf(model.LevelError, line, map[string]any{"driver": DriverWorker, "stream": "stderr"})
	}}

	args := append(append([]string(nil), b.args...), path)
	cmd := exec.CommandContext(ctx, b.command, args...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = waitDelay

	logf(model.LevelDebug, "worker starting", map[string]any{"command": b.command, "config": path})
	runErr := cmd.Run()
	stdoutW.Flush()
	stderrW.Flush()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{}, fmt.Errorf("%w after %s; stderr: %s", ErrTimeout, b.timeout, stderr.String())
	}
	if runErr != nil {
		return Result{}, fmt.Errorf("worker failed: %w; stderr: %s", runErr, stderr.String())
	}
	if !gotResult {
		return Result{}, fmt.Errorf("%w; stderr: %s", ErrNoResult, stderr.String())
	}

	result.ExecutionTime = time.Since(started).Seconds()
	result.CampaignID = c.ID
	result.UserEmail = id.Email
	if result.SessionID == "" {
		result.SessionID = cfg.SessionID
	}
	return result, nil
}

func (b *Bridge) writeConfig(cfg SessionConfig) (string, error) {
	f, err := os.CreateTemp(b.tempDir, "session-*.json")
	if err != nil {
		return "", fmt.Errorf("worker config: %w", err)
	}
	if err := json.NewEncoder(f).Encode(cfg); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("worker config: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("worker config: %w", err)
	}
	return f.Name(), nil
}
