package sqlite

import (
	"context"
	"fmt"
)

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			user_email TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 0,
			sessions_completed INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL DEFAULT '{}',
			started_at INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_records (
			session_id TEXT NOT NULL,
			campaign_id TEXT NOT NULL,
			user_email TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			duration REAL NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			specific_referrer TEXT NOT NULL DEFAULT '',
			device TEXT NOT NULL DEFAULT '',
			visited INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,
			bounced INTEGER NOT NULL DEFAULT 0,
			errored INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			proxy TEXT NOT NULL DEFAULT '',
			headful INTEGER NOT NULL DEFAULT 0,
			driver TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (campaign_id, session_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_records_campaign_end ON session_records (campaign_id, end_time);`,
		`CREATE TABLE IF NOT EXISTS event_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at INTEGER NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			campaign_id TEXT NOT NULL DEFAULT '',
			user_email TEXT NOT NULL DEFAULT '',
			fields_json TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_logs_campaign ON event_logs (campaign_id, id);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
