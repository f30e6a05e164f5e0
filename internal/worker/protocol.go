package worker

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"traffic_engine/internal/model"
)

// LogMarker prefixes stdout lines that carry a structured log entry.
const LogMarker = "PYTHON_LOG:"

// SessionConfig is the JSON document handed to the worker process.
type SessionConfig struct {
	SessionID         string         `json:"sessionId"`
	CampaignID        string         `json:"campaignId"`
	UserEmail         string         `json:"userEmail,omitempty"`
	URLs              []string       `json:"urls"`
	Duration          float64        `json:"duration"`
	Bounce            bool           `json:"bounce"`
	Proxy             *WorkerProxy   `json:"proxy,omitempty"`
	Cookies           []model.Cookie `json:"cookies,omitempty"`
	Device            model.Device   `json:"device"`
	Headless          bool           `json:"headless"`
	Source            model.Source   `json:"source"`
	Referrer          string         `json:"referrer,omitempty"`
	Scrolling         bool           `json:"scrolling"`
	AdSelectors       string         `json:"adSelectors,omitempty"`
	AdsXPath          string         `json:"adsXPath,omitempty"`
	NavigationTimeout float64        `json:"navigationTimeout"`
}

type WorkerProxy struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Result is the final JSON object a worker prints. Bookkeeping fields are
// filled in by the bridge.
type Result struct {
	Success          bool      `json:"success"`
	SessionID        string    `json:"sessionId"`
	StartTime        Timestamp `json:"startTime"`
	EndTime          Timestamp `json:"endTime"`
	Duration         float64   `json:"duration"`
	Visited          bool      `json:"visited"`
	Completed        bool      `json:"completed"`
	Bounced          bool      `json:"bounced"`
	Source           string    `json:"source"`
	SpecificReferrer string    `json:"specificReferrer,omitempty"`
	Device           string    `json:"device"`
	ProxyUsed        string    `json:"proxyUsed,omitempty"`
	Error            string    `json:"error,omitempty"`

	ExecutionTime float64 `json:"executionTime"`
	CampaignID    string  `json:"campaignId"`
	UserEmail     string  `json:"userEmail,omitempty"`
}

// Timestamp accepts RFC 3339 strings or epoch numbers in seconds or
// milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"} {
			if v, err := time.Parse(layout, s); err == nil {
				t.Time = v
				return nil
			}
		}
		return &time.ParseError{Layout: time.RFC3339Nano, Value: s}
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	if f > 1e12 {
		t.Time = time.UnixMilli(int64(f))
	} else {
		t.Time = time.Unix(0, int64(f*float64(time.Second)))
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time)
}

type logLine struct {
	Type     string `json:"type"`
	LogEntry struct {
		Level     string `json:"level"`
		Message   string `json:"message"`
		SessionID string `json:"sessionId"`
	} `json:"logEntry"`
	CampaignID string `json:"campaignId"`
	UserEmail  string `json:"userEmail"`
}

func parseLogLine(payload string) (model.LogEntry, bool) {
	var l logLine
	if err := json.Unmarshal([]byte(payload), &l); err != nil {
		return model.LogEntry{}, false
	}
	if l.LogEntry.Message == "" {
		return model.LogEntry{}, false
	}
	return model.LogEntry{
		Level:      model.NormalizeLevel(strings.ToLower(l.LogEntry.Level)),
		Message:    l.LogEntry.Message,
		SessionID:  l.LogEntry.SessionID,
		CampaignID: l.CampaignID,
		UserEmail:  l.UserEmail,
		Fields:     map[string]any{"driver": DriverWorker},
	}, true
}

// parseResultLine recognises a JSON object that has a "success" key.
func parseResultLine(line string) (Result, bool) {
	if !strings.HasPrefix(line, "{") {
		return Result{}, false
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &keys); err != nil {
		return Result{}, false
	}
	if _, ok := keys["success"]; !ok {
		return Result{}, false
	}
	var r Result
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return Result{}, false
	}
	return r, true
}

// lineWriter splits a byte stream into lines for fn.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		w.fn(line)
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		line := strings.TrimRight(string(w.buf), "\r")
		w.buf = nil
		w.fn(line)
	}
}

// tail keeps the last max bytes written to it.
type tail struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, line...)
	t.b = append(t.b, '\n')
	if over := len(t.b) - t.max; over > 0 {
		t.b = t.b[over:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.b))
}
