package config

import (
	"fmt"
	"strings"
)

// migrationStatements returns the schema DDL for the given driver. The
// canonical schema is written in SQLite dialect; the Postgres variant swaps
// the auto-increment, timestamp, and id-reference column types.
func migrationStatements(driver string) []string {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key_hash TEXT UNIQUE NOT NULL,
			key_prefix TEXT NOT NULL,
			plan TEXT NOT NULL,
			rate_limit_override INTEGER,
			is_active INTEGER NOT NULL DEFAULT 1,
			revoked_at DATETIME,
			rotated_from INTEGER REFERENCES credentials(id),
			metadata TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS admins (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			last_login_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Idempotency mapping for the billing collaborator: one external
		// payment event provisions exactly one credential, replays included.
		`CREATE TABLE IF NOT EXISTS provisioning_events (
			event_id TEXT PRIMARY KEY,
			credential_id INTEGER NOT NULL REFERENCES credentials(id),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Key-value settings table (workspace salt, instance ID, etc.)
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`,

		// Per-minute usage counters, keyed by credential hash so raw keys
		// never land on disk.
		`CREATE TABLE IF NOT EXISTS usage_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			minute_window INTEGER NOT NULL,
			key_hash TEXT NOT NULL,
			plan TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE INDEX IF NOT EXISTS idx_credentials_hash ON credentials(key_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_minute_key ON usage_events(minute_window, key_hash)`,
	}

	if driver == "pgx" {
		r := strings.NewReplacer(
			"INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY",
			"rotated_from INTEGER", "rotated_from BIGINT",
			"credential_id INTEGER", "credential_id BIGINT",
			"DATETIME", "TIMESTAMPTZ",
		)
		for i, m := range migrations {
			migrations[i] = r.Replace(m)
		}
	}
	return migrations
}

func (s *Store) migrate() error {
	for _, m := range migrationStatements(s.driver) {
		if _, err := s.db.Exec(m); err != nil {
			// SQLite ALTER TABLE ADD COLUMN fails if column already exists;
			// treat "duplicate column" as a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
