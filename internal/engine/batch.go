package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"traffic_engine/internal/model"
)

type Strategy int

const (
	StrategyNative Strategy = iota
	StrategyWorker
)

func (s Strategy) String() string {
	if s == StrategyWorker {
		return "worker"
	}
	return "native"
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native":
		return StrategyNative, nil
	case "worker":
		return StrategyWorker, nil
	default:
		return StrategyNative, fmt.Errorf("unknown driver %q", s)
	}
}

type BatchResult struct {
	Requested int `json:"requested"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (r *BatchResult) add(o BatchResult) {
	r.Requested += o.Requested
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
}

func (e *Engine) strategyFor(c model.Campaign) Strategy {
	driver := c.Driver
	if strings.TrimSpace(driver) == "" {
		driver = e.runner.DefaultDriver
	}
	s, err := ParseStrategy(driver)
	if err != nil {
		e.log(c.ID, model.Identity{Email: c.UserEmail}, model.LevelWarn, "unknown driver, using native", map[string]any{"driver": driver})
	}
	return s
}

// RunBatch runs c.Concurrent sessions and returns once every one of them has
// settled.
func (e *Engine) RunBatch(ctx context.Context, c model.Campaign, id model.Identity, s Strategy) BatchResult {
	if s == StrategyWorker && e.worker == nil {
		e.log(c.ID, id, model.LevelWarn, "worker driver not configured, using native", nil)
		s = StrategyNative
	}
	if s == StrategyWorker {
		return e.runWorkerBatch(ctx, c, id)
	}
	return e.runNativeBatch(ctx, c, id)
}

func (e *Engine) runNativeBatch(ctx context.Context, c model.Campaign, id model.Identity) BatchResult {
	chunkSize := e.limits.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 50
	}
	ids := newSessionIDs(c.Concurrent)

	var total BatchResult
	for start := 0; start < len(ids); start += chunkSize {
		end := min(start+chunkSize, len(ids))
		total.add(e.runStaggered(ctx, c, id, ids[start:end], e.native))
	}
	return total
}

func (e *Engine) runWorkerBatch(ctx context.Context, c model.Campaign, id model.Identity) BatchResult {
	ids := newSessionIDs(c.Concurrent)
	res := e.runStaggered(ctx, c, id, ids, e.worker)

	rate := 0.0
	if res.Requested > 0 {
		rate = math.Round(float64(res.Succeeded)*1000/float64(res.Requested)) / 10
	}
	e.log(c.ID, id, model.LevelInfo, "worker batch finished", map[string]any{
		"requested":   res.Requested,
		"succeeded":   res.Succeeded,
		"failed":      res.Failed,
		"successRate": fmt.Sprintf("%.1f%%", rate),
	})
	return res
}

// runStaggered starts member i after i*Delay seconds and waits for all.
func (e *Engine) runStaggered(ctx context.Context, c model.Campaign, id model.Identity, ids []string, runner SessionRunner) BatchResult {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res = BatchResult{Requested: len(ids)}
	)
	count := func(ok bool) {
		mu.Lock()
		defer mu.Unlock()
		if ok {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	delay := time.Duration(c.Delay * float64(time.Second))
	for i, sid := range ids {
		wg.Add(1)
		go func(i int, sid string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					count(false)
					e.log(c.ID, id, model.LevelError, "session panicked", map[string]any{
						"sessionId": sid,
						"panic":     fmt.Sprint(r),
					})
				}
			}()
			if i > 0 && delay > 0 && !sleepCtx(ctx, time.Duration(i)*delay) {
				count(false)
				e.log(c.ID, id, model.LevelWarn, "session not started: batch cancelled", map[string]any{
					"sessionId": sid,
				})
				return
			}
			rec := runner.Run(ctx, c, sid, id)
			count(!rec.Errored)
		}(i, sid)
	}
	wg.Wait()
	return res
}

func newSessionIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return ids
}
