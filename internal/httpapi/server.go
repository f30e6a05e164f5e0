package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"traffic_engine/internal/config"
	"traffic_engine/internal/engine"
	"traffic_engine/internal/logbus"
	"traffic_engine/internal/model"
	"traffic_engine/internal/notify"
	"traffic_engine/internal/store"
	"traffic_engine/internal/ws"
)

type Store interface {
	ListCampaigns(ctx context.Context) ([]model.Campaign, error)
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	UpsertCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error
	ListSessionRecords(ctx context.Context, campaignID string, limit int) ([]model.SessionRecord, error)
	SessionStats(ctx context.Context, campaignID string) (model.SessionStats, error)
	ListLogs(ctx context.Context, campaignID string, limit int) ([]model.LogEntry, error)
	GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error)
	UpsertEmailSettings(ctx context.Context, v model.EmailSettings) (model.EmailSettings, error)
}

// ActiveCounter reports sessions currently in flight per campaign.
type ActiveCounter interface {
	ActiveSessions(campaignID string) int
}

type Options struct {
	Cfg    config.Config
	Bus    *logbus.Bus
	Store  Store
	Engine *engine.Engine
	Active ActiveCounter
}

type Server struct {
	cfg    config.Config
	bus    *logbus.Bus
	store  Store
	engine *engine.Engine
	active ActiveCounter
	ws     *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:    opts.Cfg,
		bus:    opts.Bus,
		store:  opts.Store,
		engine: opts.Engine,
		active: opts.Active,
		ws:     ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/campaigns", s.handleCampaigns)
	api.HandleFunc("/api/v1/campaigns/{id}", s.handleCampaign)
	api.HandleFunc("/api/v1/campaigns/{id}/start", s.handleCampaignStart)
	api.HandleFunc("/api/v1/campaigns/{id}/stop", s.handleCampaignStop)
	api.HandleFunc("/api/v1/campaigns/{id}/sessions", s.handleCampaignSessions)
	api.HandleFunc("/api/v1/campaigns/{id}/stats", s.handleCampaignStats)
	api.HandleFunc("/api/v1/campaigns/{id}/logs", s.handleCampaignLogs)
	api.HandleFunc("/api/v1/logs", s.handleLogs)
	api.HandleFunc("/api/v1/engine/state", s.handleEngineState)
	api.HandleFunc("/api/v1/settings/email", s.handleEmailSettings)
	api.HandleFunc("/api/v1/settings/email/test", s.handleEmailTest)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "engineRunning": s.engine.IsRunning()})
}

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		campaigns, err := s.store.ListCampaigns(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": campaigns})
	case http.MethodPost:
		var body model.Campaign
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		body.ID = strings.TrimSpace(body.ID)

		// Run state is owned by the controller. The store keeps the current
		// values on update, so only the definition is taken from the request.
		body.IsActive = false
		body.SessionsCompleted = 0
		body.StartedAt, body.CompletedAt = time.Time{}, time.Time{}
		body.CreatedAt = time.Time{}
		if email := requestEmail(r); email != "" && body.UserEmail == "" {
			body.UserEmail = email
		}
		if err := body.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		saved, err := s.store.UpsertCampaign(r.Context(), body)
		if err != nil {
			writeError(w, err)
			return
		}
		s.bus.Log("info", "campaign saved", map[string]any{"campaignId": saved.ID, "name": saved.Name})
		writeJSON(w, http.StatusOK, map[string]any{"data": saved})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCampaign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		c, err := s.store.GetCampaign(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": c})
	case http.MethodDelete:
		if s.engine.IsControllerRunning(id) {
			if err := s.engine.Stop(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
				writeError(w, err)
				return
			}
		}
		if err := s.store.DeleteCampaign(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		s.bus.Log("info", "campaign deleted", map[string]any{"campaignId": id})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCampaignStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := c.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := s.engine.StartCampaign(r.Context(), id, model.Identity{Email: requestEmail(r)}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCampaignStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.engine.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCampaignSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, err := parseInt(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
		return
	}
	records, err := s.store.ListSessionRecords(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": records})
}

func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	if _, err := s.store.GetCampaign(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.store.SessionStats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.active != nil {
		stats.ActiveSessions = s.active.ActiveSessions(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

func (s *Server) handleCampaignLogs(w http.ResponseWriter, r *http.Request) {
	s.listLogs(w, r, r.PathValue("id"))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.listLogs(w, r, strings.TrimSpace(r.URL.Query().Get("campaignId")))
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request, campaignID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, err := parseInt(r.URL.Query().Get("limit"), 200)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
		return
	}
	logs, err := s.store.ListLogs(r.Context(), campaignID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": logs})
}

func (s *Server) handleEngineState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.engine.State()})
}

type emailSettingsPayload struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Email    *string `json:"email,omitempty"`
	AuthCode *string `json:"authCode,omitempty"`
}

const maskedAuthCode = "******"

func (s *Server) handleEmailSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		val, ok, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"data": model.EmailSettings{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": maskEmailSettings(val)})
	case http.MethodPost, http.MethodPut:
		var body emailSettingsPayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		current, _, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}

		next := current
		if body.Enabled != nil {
			next.Enabled = *body.Enabled
		}
		if body.Email != nil {
			next.Email = strings.TrimSpace(*body.Email)
		}
		if body.AuthCode != nil {
			ac := strings.TrimSpace(*body.AuthCode)
			if ac != maskedAuthCode {
				next.AuthCode = ac
			}
		}
		if next.Enabled {
			if err := notify.ValidateEmailSettings(next); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
		}

		saved, err := s.store.UpsertEmailSettings(r.Context(), next)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": maskEmailSettings(saved)})
	default:
		methodNotAllowed(w)
	}
}

type emailTestPayload struct {
	Email    string `json:"email,omitempty"`
	AuthCode string `json:"authCode,omitempty"`
}

func (s *Server) handleEmailTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body emailTestPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	val, _, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Email) != "" {
		val.Email = strings.TrimSpace(body.Email)
	}
	if strings.TrimSpace(body.AuthCode) != "" {
		val.AuthCode = strings.TrimSpace(body.AuthCode)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	if err := notify.SendSummaryEmail(ctx, val, []notify.CampaignStoppedEvent{{
		At:                time.Now().UnixMilli(),
		CampaignID:        "test-" + strconv.FormatInt(time.Now().Unix(), 10),
		CampaignName:      "Email test",
		Reason:            model.StopLimitReached,
		Batches:           1,
		SessionsCompleted: 1,
		Succeeded:         1,
	}}); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func maskEmailSettings(v model.EmailSettings) model.EmailSettings {
	if v.AuthCode != "" {
		v.AuthCode = maskedAuthCode
	}
	return v
}

func requestEmail(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-Email"))
}

func parseInt(v string, def int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
