package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"traffic_engine/internal/model"
)

func (s *Store) InsertLog(ctx context.Context, e model.LogEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	fields := ""
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err != nil {
			return err
		}
		fields = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_logs (at, level, message, session_id, campaign_id, user_email, fields_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Time.UnixMilli(), model.NormalizeLevel(e.Level), e.Message, e.SessionID, e.CampaignID, e.UserEmail, fields)
	return err
}

// ListLogs returns the newest entries first. An empty campaignID lists all.
func (s *Store) ListLogs(ctx context.Context, campaignID string, limit int) ([]model.LogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT at, level, message, session_id, campaign_id, user_email, fields_json
		FROM event_logs
		WHERE (? = '' OR campaign_id = ?)
		ORDER BY id DESC
		LIMIT ?
	`, campaignID, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		var (
			e      model.LogEntry
			at     int64
			fields string
		)
		if err := rows.Scan(&at, &e.Level, &e.Message, &e.SessionID, &e.CampaignID, &e.UserEmail, &fields); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(at)
		if fields != "" {
			_ = json.Unmarshal([]byte(fields), &e.Fields)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
