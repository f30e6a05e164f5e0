package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"traffic_engine/internal/logbus"
	"traffic_engine/internal/model"
)

type SettingsStore interface {
	GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error)
}

// EmailNotifier batches campaign stop events into one summary mail per
// quiet window.
type EmailNotifier struct {
	store SettingsStore
	bus   *logbus.Bus
	send  func(ctx context.Context, settings model.EmailSettings, events []CampaignStoppedEvent) error

	mu     sync.Mutex
	queue  chan CampaignStoppedEvent
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	summaryWindow time.Duration
	maxBatch      int
}

func NewEmailNotifier(store SettingsStore, bus *logbus.Bus) *EmailNotifier {
	return newEmailNotifier(store, bus, emailSummaryWindow(), SendSummaryEmail)
}

func newEmailNotifier(store SettingsStore, bus *logbus.Bus, window time.Duration, send func(context.Context, model.EmailSettings, []CampaignStoppedEvent) error) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &EmailNotifier{
		store:         store,
		bus:           bus,
		send:          send,
		queue:         make(chan CampaignStoppedEvent, 200),
		ctx:           ctx,
		cancel:        cancel,
		summaryWindow: window,
		maxBatch:      50,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *EmailNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

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

func (n *EmailNotifier) NotifyCampaignStopped(_ context.Context, evt CampaignStoppedEvent) {
	select {
	case n.queue <- evt:
	default:
		if n.bus != nil {
			n.bus.Log("warn", "email notification dropped: queue full", map[string]any{
				"campaignId": evt.CampaignID,
				"reason":     string(evt.Reason),
			})
		}
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()

	var (
		pending []CampaignStoppedEvent
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	resetTimer := func() {
		if n.summaryWindow <= 0 {
			return
		}
		if timer == nil {
			timer = time.NewTimer(n.summaryWindow)
			timerCh = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(n.summaryWindow)
	}

	flush := func(reason string) {
		if len(pending) == 0 {
			stopTimer()
			return
		}
		events := append([]CampaignStoppedEvent(nil), pending...)
		pending = pending[:0]
		stopTimer()
		n.handleBatch(reason, events)
	}

	for {
		select {
		case <-n.ctx.Done():
		drain:
			for {
				select {
				case evt := <-n.queue:
					pending = append(pending, evt)
				default:
					break drain
				}
			}
			flush("shutdown")
			return
		case evt := <-n.queue:
			pending = append(pending, evt)
			if n.maxBatch > 0 && len(pending) >= n.maxBatch {
				flush("max")
				continue
			}
			if n.summaryWindow <= 0 {
				flush("immediate")
				continue
			}
			resetTimer()
		case <-timerCh:
			flush("idle")
		}
	}
}

func (n *EmailNotifier) handleBatch(reason string, events []CampaignStoppedEvent) {
	if n.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	settings, ok, err := n.store.GetEmailSettings(ctx)
	if err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "read email settings failed", map[string]any{"error": err.Error()})
		}
		return
	}
	if !ok || !settings.Enabled {
		if n.bus != nil {
			n.bus.Log("debug", "email notification disabled", map[string]any{
				"count":  len(events),
				"reason": reason,
			})
		}
		return
	}

	if err := ValidateEmailSettings(settings); err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "email settings invalid", map[string]any{"error": err.Error()})
		}
		return
	}

	if err := n.send(ctx, settings, events); err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "email send failed", map[string]any{
				"error":  err.Error(),
				"count":  len(events),
				"reason": reason,
			})
		}
		return
	}

	if n.bus != nil {
		n.bus.Log("info", "notification email sent", map[string]any{
			"count":  len(events),
			"reason": reason,
			"to":     strings.TrimSpace(settings.Email),
		})
	}
}

func ValidateEmailSettings(s model.EmailSettings) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

func SendSummaryEmail(ctx context.Context, settings model.EmailSettings, events []CampaignStoppedEvent) error {
	if err := ValidateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.New("no events")
	}

	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfigForEmail(email)
	if err != nil {
		return err
	}
	htmlBody, textBody, err := buildSummaryEmailBody(events)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "Traffic Engine"))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", buildSummarySubject(events))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	parts := strings.Split(strings.TrimSpace(email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))

	switch {
	case domain == "gmail.com" || strings.HasSuffix(domain, ".gmail.com"):
		return "smtp.gmail.com", 587, false, nil
	case domain == "outlook.com" || strings.HasSuffix(domain, ".outlook.com") ||
		domain == "hotmail.com" || strings.HasSuffix(domain, ".hotmail.com") ||
		domain == "live.com" || strings.HasSuffix(domain, ".live.com"):
		return "smtp.office365.com", 587, false, nil
	case domain == "yahoo.com" || strings.HasSuffix(domain, ".yahoo.com"):
		return "smtp.mail.yahoo.com", 465, true, nil
	case domain == "qq.com" || strings.HasSuffix(domain, ".qq.com") || domain == "foxmail.com":
		return "smtp.qq.com", 465, true, nil
	case domain == "163.com" || domain == "126.com":
		return "smtp.163.com", 465, true, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

func buildSummarySubject(events []CampaignStoppedEvent) string {
	if len(events) == 1 {
		return fmt.Sprintf("Campaign stopped: %s (%s)", campaignLabel(events[0]), reasonLabel(events[0].Reason))
	}
	return fmt.Sprintf("%d campaigns stopped", len(events))
}

var emailSummaryHTMLTpl = template.Must(template.New("email-summary").Parse(`
<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width" />
    <title>Campaign summary</title>
  </head>
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,'Helvetica Neue',Arial,sans-serif;">
    <div style="max-width:720px;margin:0 auto;padding:24px;">
      <div style="background:#ffffff;border:1px solid #e6e8ef;border-radius:14px;overflow:hidden;">
        <div style="padding:18px 22px;background:linear-gradient(135deg,#0ea5e9,#6366f1);color:#ffffff;">
          <div style="font-size:16px;font-weight:700;">Campaigns stopped</div>
          <div style="margin-top:6px;font-size:12px;opacity:.95;">{{ .Total }} campaign(s), {{ .Start }} ~ {{ .End }}</div>
        </div>
        <div style="padding:22px;">
          <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;border-collapse:collapse;font-size:12px;">
            <thead>
              <tr style="background:#fafbff;color:#6b7280;text-align:left;">
                <th style="padding:10px;">Time</th>
                <th style="padding:10px;">Campaign</th>
                <th style="padding:10px;">Reason</th>
                <th style="padding:10px;">Sessions</th>
                <th style="padding:10px;">Success</th>
              </tr>
            </thead>
            <tbody>
              {{ range .Rows }}
              <tr style="border-top:1px solid #eef0f6;color:#111827;">
                <td style="padding:10px;">{{ .At }}</td>
                <td style="padding:10px;font-weight:600;">{{ .Campaign }}</td>
                <td style="padding:10px;">{{ .Reason }}</td>
                <td style="padding:10px;">{{ .Sessions }}</td>
                <td style="padding:10px;">{{ .Success }}</td>
              </tr>
              {{ end }}
            </tbody>
          </table>
          <div style="margin-top:14px;color:#9ca3af;font-size:12px;">This message was sent automatically.</div>
        </div>
      </div>
    </div>
  </body>
</html>
`))

func buildSummaryEmailBody(events []CampaignStoppedEvent) (htmlBody string, textBody string, err error) {
	if len(events) == 0 {
		return "", "", errors.New("no events")
	}

	type summaryRow struct {
		At       string
		Campaign string
		Reason   string
		Sessions string
		Success  string
	}

	rows := make([]summaryRow, 0, len(events))
	var (
		minAt time.Time
		maxAt time.Time
	)
	for i, evt := range events {
		at := time.Now()
		if evt.At > 0 {
			at = time.UnixMilli(evt.At)
		}
		if i == 0 || at.Before(minAt) {
			minAt = at
		}
		if i == 0 || at.After(maxAt) {
			maxAt = at
		}
		rows = append(rows, summaryRow{
			At:       at.Format("2006-01-02 15:04:05"),
			Campaign: campaignLabel(evt),
			Reason:   reasonLabel(evt.Reason),
			Sessions: strconv.Itoa(evt.SessionsCompleted),
			Success:  successRate(evt.Succeeded, evt.Failed),
		})
	}

	data := struct {
		Total int
		Start string
		End   string
		Rows  []summaryRow
	}{
		Total: len(events),
		Start: minAt.Format("2006-01-02 15:04:05"),
		End:   maxAt.Format("2006-01-02 15:04:05"),
		Rows:  rows,
	}

	var buf bytes.Buffer
	if err := emailSummaryHTMLTpl.Execute(&buf, data); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	text.WriteString("Campaigns stopped\n")
	text.WriteString(fmt.Sprintf("%d campaign(s), %s ~ %s\n", len(events), data.Start, data.End))
	for _, row := range rows {
		text.WriteString(fmt.Sprintf("- %s | %s | %s | sessions %s | success %s\n", row.At, row.Campaign, row.Reason, row.Sessions, row.Success))
	}

	return buf.String(), text.String(), nil
}

func campaignLabel(evt CampaignStoppedEvent) string {
	if name := strings.TrimSpace(evt.CampaignName); name != "" {
		return name
	}
	return evt.CampaignID
}

func reasonLabel(r model.StopReason) string {
	switch r {
	case model.StopLimitReached:
		return "session limit reached"
	case model.StopDeactivated:
		return "deactivated"
	case model.StopNotFound:
		return "campaign deleted"
	case model.StopShutdown:
		return "engine shutdown"
	case model.StopError:
		return "error"
	default:
		return string(r)
	}
}

func successRate(succeeded, failed int) string {
	total := succeeded + failed
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(succeeded)*100/float64(total))
}

func emailSummaryWindow() time.Duration {
	v := strings.TrimSpace(os.Getenv("TRAFFIC_ENGINE_EMAIL_SUMMARY_SECONDS"))
	if v == "" {
		return 20 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 20 * time.Second
	}
	if n <= 0 {
		return 0
	}
	if n > 600 {
		n = 600
	}
	return time.Duration(n) * time.Second
}
