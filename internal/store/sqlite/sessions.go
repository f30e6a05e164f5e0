package sqlite

import (
	"context"

	"traffic_engine/internal/model"
)

func (s *Store) InsertSessionRecord(ctx context.Context, r model.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_records (
			session_id, campaign_id, user_email, url, start_time, end_time, duration,
			source, specific_referrer, device, visited, completed, bounced, errored,
			error, proxy, headful, driver
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(campaign_id, session_id) DO UPDATE SET
			end_time = excluded.end_time,
			duration = excluded.duration,
			visited = excluded.visited,
			completed = excluded.completed,
			bounced = excluded.bounced,
			errored = excluded.errored,
			error = excluded.error
	`, r.SessionID, r.CampaignID, r.UserEmail, r.URL, toMillis(r.StartTime), toMillis(r.EndTime), r.Duration,
		string(r.Source), r.SpecificReferrer, string(r.Device), boolToInt(r.Visited), boolToInt(r.Completed),
		boolToInt(r.Bounced), boolToInt(r.Errored), r.Error, r.Proxy, boolToInt(r.Headful), r.Driver)
	return err
}

// ListSessionRecords returns the newest records first.
func (s *Store) ListSessionRecords(ctx context.Context, campaignID string, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, campaign_id, user_email, url, start_time, end_time, duration,
			source, specific_referrer, device, visited, completed, bounced, errored,
			error, proxy, headful, driver
		FROM session_records
		WHERE campaign_id = ?
		ORDER BY end_time DESC
		LIMIT ?
	`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SessionRecord
	for rows.Next() {
		var (
			r                                          model.SessionRecord
			start, end                                 int64
			source, device                             string
			visited, completed, bounced, errored, head int
		)
		if err := rows.Scan(&r.SessionID, &r.CampaignID, &r.UserEmail, &r.URL, &start, &end, &r.Duration,
			&source, &r.SpecificReferrer, &device, &visited, &completed, &bounced, &errored,
			&r.Error, &r.Proxy, &head, &r.Driver); err != nil {
			return nil, err
		}
		r.StartTime = fromMillis(start)
		r.EndTime = fromMillis(end)
		r.Source = model.Source(source)
		r.Device = model.Device(device)
		r.Visited = visited != 0
		r.Completed = completed != 0
		r.Bounced = bounced != 0
		r.Errored = errored != 0
		r.Headful = head != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SessionStats(ctx context.Context, campaignID string) (model.SessionStats, error) {
	out := model.SessionStats{CampaignID: campaignID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(visited), 0),
			COALESCE(SUM(completed), 0),
			COALESCE(SUM(bounced), 0),
			COALESCE(SUM(errored), 0)
		FROM session_records
		WHERE campaign_id = ?
	`, campaignID).Scan(&out.Total, &out.Visited, &out.Completed, &out.Bounced, &out.Errored)
	return out, err
}
