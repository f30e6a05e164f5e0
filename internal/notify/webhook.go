package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"traffic_engine/internal/config"
	"traffic_engine/internal/logbus"
)

type WebhookNotifier struct {
	url    string
	client *resty.Client
	bus    *logbus.Bus

	queue  chan CampaignStoppedEvent
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
}

// NewWebhookNotifier returns nil when no webhook URL is configured.
func NewWebhookNotifier(cfg config.NotifyConfig, bus *logbus.Bus) *WebhookNotifier {
	url := strings.TrimSpace(cfg.WebhookURL)
	if url == "" {
		return nil
	}
	client := resty.New().
		SetTimeout(cfg.WebhookTimeout()).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	ctx, cancel := context.WithCancel(context.Background())
	n := &WebhookNotifier{
		url:    url,
		client: client,
		bus:    bus,
		queue:  make(chan CampaignStoppedEvent, 100),
		ctx:    ctx,
		cancel: cancel,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *WebhookNotifier) NotifyCampaignStopped(_ context.Context, evt CampaignStoppedEvent) {
	select {
	case n.queue <- evt:
	default:
		if n.bus != nil {
			n.bus.Log("warn", "webhook notification dropped: queue full", map[string]any{"campaignId": evt.CampaignID})
		}
	}
}

// Close delivers what is already queued, then stops.
func (n *WebhookNotifier) Close(ctx context.Context) error {
	n.cancel()
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *WebhookNotifier) loop() {
	defer n.wg.Done()
	for {
		select {
		case evt := <-n.queue:
			n.deliver(evt)
		case <-n.ctx.Done():
			for {
				select {
				case evt := <-n.queue:
					n.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (n *WebhookNotifier) deliver(evt CampaignStoppedEvent) {
	err := n.post(context.Background(), evt)
	if n.bus == nil {
		return
	}
	if err != nil {
		n.bus.Log("warn", "webhook delivery failed", map[string]any{
			"campaignId": evt.CampaignID,
			"error":      err.Error(),
		})
		return
	}
	n.bus.Log("debug", "webhook delivered", map[string]any{"campaignId": evt.CampaignID})
}

func (n *WebhookNotifier) post(ctx context.Context, evt CampaignStoppedEvent) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"type":  "campaign_stopped",
			"event": evt,
		}).
		Post(n.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("webhook status %d", resp.StatusCode())
	}
	return nil
}
