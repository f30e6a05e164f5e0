package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"traffic_engine/internal/model"
	"traffic_engine/internal/store"
)

const campaignColumns = `id, name, user_email, is_active, sessions_completed, config_json, started_at, completed_at, created_at, updated_at`

func (s *Store) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	return s.queryCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at ASC`)
}

func (s *Store) ListActiveCampaigns(ctx context.Context) ([]model.Campaign, error) {
	return s.queryCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE is_active = 1 ORDER BY created_at ASC`)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Campaign{}, store.ErrNotFound
	}
	return c, err
}

// UpsertCampaign writes the campaign definition. Run state columns are only
// taken from c on insert; an update leaves them to UpdateCampaign.
func (s *Store) UpsertCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error) {
	now := time.Now()
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	b, err := json.Marshal(c)
	if err != nil {
		return model.Campaign{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			user_email = excluded.user_email,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`, c.ID, c.Name, c.UserEmail, boolToInt(c.IsActive), c.SessionsCompleted, string(b),
		toMillis(c.StartedAt), toMillis(c.CompletedAt), toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
	if err != nil {
		return model.Campaign{}, err
	}
	return s.GetCampaign(ctx, c.ID)
}

func (s *Store) UpdateCampaign(ctx context.Context, id string, u model.CampaignUpdate) error {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if u.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolToInt(*u.IsActive))
	}
	if u.SessionsCompleted != nil {
		sets = append(sets, "sessions_completed = ?")
		args = append(args, *u.SessionsCompleted)
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, toMillis(*u.StartedAt))
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, toMillis(*u.CompletedAt))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UnixMilli(), id)

	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) queryCampaigns(ctx context.Context, query string, args ...any) ([]model.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (model.Campaign, error) {
	var (
		c                                           model.Campaign
		isActive                                    int
		configJSON                                  string
		startedAt, completedAt, createdAt, updateAt int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.UserEmail, &isActive, &c.SessionsCompleted, &configJSON,
		&startedAt, &completedAt, &createdAt, &updateAt); err != nil {
		return model.Campaign{}, err
	}
	id, name, email, completed := c.ID, c.Name, c.UserEmail, c.SessionsCompleted
	if err := json.Unmarshal([]byte(configJSON), &c); err != nil {
		return model.Campaign{}, err
	}
	c.ID, c.Name, c.UserEmail, c.SessionsCompleted = id, name, email, completed
	c.IsActive = isActive != 0
	c.StartedAt = fromMillis(startedAt)
	c.CompletedAt = fromMillis(completedAt)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updateAt)
	return c, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
