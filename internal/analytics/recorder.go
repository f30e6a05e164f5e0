package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"traffic_engine/internal/logbus"
	"traffic_engine/internal/model"
)

const persistTimeout = 5 * time.Second

type job struct {
	log    *model.LogEntry
	record *model.SessionRecord
}

type Recorder struct {
	bus     *logbus.Bus
	persist Persister

	queue   chan job
	dropped atomic.Int64

	mu     sync.Mutex
	active map[string]int

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
}

// NewRecorder starts the background writer. persist may be nil, in which
// case events only reach the bus.
func NewRecorder(bus *logbus.Bus, persist Persister, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 4096
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		bus:     bus,
		persist: persist,
		queue:   make(chan job, queueSize),
		active:  make(map[string]int),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Close stops accepting writes and flushes what is already queued.
func (r *Recorder) Close(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) LogEvent(e model.LogEntry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Level = model.NormalizeLevel(e.Level)

	if r.bus != nil {
		fields := make(map[string]any, len(e.Fields)+3)
		for k, v := range e.Fields {
			fields[k] = v
		}
		if e.SessionID != "" {
			fields["sessionId"] = e.SessionID
		}
		if e.CampaignID != "" {
			fields["campaignId"] = e.CampaignID
		}
		if e.UserEmail != "" {
			fields["userEmail"] = e.UserEmail
		}
		r.bus.Log(e.Level, e.Message, fields)
	}
	r.enqueue(job{log: &e})
}

func (r *Recorder) RecordSessionStart(campaignID, sessionID string) {
	r.mu.Lock()
	r.active[campaignID]++
	n := r.active[campaignID]
	r.mu.Unlock()
	r.publish(SessionEvent{Phase: PhaseStart, CampaignID: campaignID, SessionID: sessionID, ActiveSessions: n})
}

func (r *Recorder) RecordSessionEnd(campaignID, sessionID string) {
	r.mu.Lock()
	n := r.active[campaignID] - 1
	if n <= 0 {
		n = 0
		delete(r.active, campaignID)
	} else {
		r.active[campaignID] = n
	}
	r.mu.Unlock()
	r.publish(SessionEvent{Phase: PhaseEnd, CampaignID: campaignID, SessionID: sessionID, ActiveSessions: n})
}

func (r *Recorder) RecordSession(campaignID string, rec model.SessionRecord) {
	if rec.CampaignID == "" {
		rec.CampaignID = campaignID
	}
	r.publish(SessionEvent{
		Phase:          PhaseRecord,
		CampaignID:     campaignID,
		SessionID:      rec.SessionID,
		ActiveSessions: r.ActiveSessions(campaignID),
		Record:         &rec,
	})
	r.enqueue(job{record: &rec})
}

func (r *Recorder) ActiveSessions(campaignID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[campaignID]
}

// Dropped counts writes discarded because the queue was full or closed.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) publish(evt SessionEvent) {
	if r.bus != nil {
		r.bus.Publish(logbus.TypeSession, evt)
	}
}

func (r *Recorder) enqueue(j job) {
	if r.persist == nil {
		return
	}
	if r.ctx.Err() != nil {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- j:
	default:
		if r.dropped.Add(1)%100 == 1 && r.bus != nil {
			r.bus.Log("warn", "analytics queue full, dropping writes", map[string]any{"dropped": r.dropped.Load()})
		}
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for {
		select {
		case j := <-r.queue:
			r.write(j)
		case <-r.ctx.Done():
			for {
				select {
				case j := <-r.queue:
					r.write(j)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var err error
	switch {
	case j.log != nil:
		err = r.persist.InsertLog(ctx, *j.log)
	case j.record != nil:
		err = r.persist.InsertSessionRecord(ctx, *j.record)
	}
	if err != nil && r.bus != nil {
		r.bus.Log("warn", "analytics persist failed", map[string]any{"error": err.Error()})
	}
}
