package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	lost := classify(errors.New("{-32000 Execution context was destroyed. }"))
	assert.True(t, IsContextLost(lost))
	assert.Contains(t, lost.Error(), "Execution context was destroyed")

	other := classify(errors.New("net::ERR_PROXY_CONNECTION_FAILED"))
	assert.False(t, IsContextLost(other))
}

func TestLookupDevice(t *testing.T) {
	assert.Equal(t, devices.Pixel2, LookupDevice(" Pixel 2 "))
	assert.Equal(t, devices.IPhoneX, LookupDevice("unknown"))
}

type countingLauncher struct{ calls int }

func (c *countingLauncher) Launch(context.Context, LaunchOptions) (Browser, error) {
	c.calls++
	return nil, nil
}

func TestThrottled(t *testing.T) {
	inner := &countingLauncher{}
	assert.Same(t, Launcher(inner), Throttled(inner, nil))

	l := Throttled(inner, rate.NewLimiter(rate.Every(time.Hour), 1))
	_, err := l.Launch(context.Background(), LaunchOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Launch(ctx, LaunchOptions{})
	assert.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}
