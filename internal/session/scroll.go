package session

import (
	"context"
	"time"

	"traffic_engine/internal/browser"
	"traffic_engine/internal/model"
	"traffic_engine/internal/traffic"
)

const (
	scrollStepMin     = 200
	scrollStepMax     = 700
	scrollUpPercent   = 15
	scrollMaxFailures = 3
)

// scrollLoop wheels the page in uneven steps with pauses in between, turning
// back up now and then and whenever the bottom is reached.
func (e *Executor) scrollLoop(ctx context.Context, v *visit) {
	failures := 0
	for ctx.Err() == nil {
		err := e.scrollOnce(v.page)
		switch {
		case err == nil:
			failures = 0
		case browser.IsContextLost(err):
			e.log(v, model.LevelWarn, "scroll stopped: page navigated", nil)
			return
		case ctx.Err() != nil:
			return
		default:
			failures++
			e.log(v, model.LevelError, "scroll failed", map[string]any{"error": err.Error()})
			if failures >= scrollMaxFailures {
				return
			}
		}

		pause := traffic.Uniform(e.rand, float64(e.session.ScrollPauseMin()), float64(e.session.ScrollPauseMax()))
		if !sleepCtx(ctx, time.Duration(pause)) {
			return
		}
	}
}

func (e *Executor) scrollOnce(page browser.Page) error {
	y, maxY, err := page.ScrollPosition()
	if err != nil {
		return err
	}
	dy := traffic.Uniform(e.rand, scrollStepMin, scrollStepMax)
	if y >= maxY-1 || (y > 0 && traffic.Roll(e.rand, scrollUpPercent)) {
		dy = -dy
	}
	return page.ScrollBy(dy)
}
