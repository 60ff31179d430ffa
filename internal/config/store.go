package config

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keygatehq/keygate/internal/model"
)

// Store is Keygate's credential registry and internal state, backed by SQLite
// by default or Postgres via DSN. It persists credentials, provisioning
// events, admin accounts, usage counters, and settings.
//
// The store is the only component that touches these tables. Writers
// serialize through the underlying connection (SQLite runs single-writer);
// readers see the latest committed state, so a grant that finished before a
// verify started is always visible to it.
type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore creates a SQLite-backed store. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "keygate.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	// Enable foreign keys (off by default in SQLite).
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, driver: "sqlite"}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate registry database: %w", err)
	}
	return s, nil
}

// NewStoreDSN creates a store against an explicit database. Supported drivers
// are "sqlite" and "pgx" (Postgres).
func NewStoreDSN(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate registry database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// insertID runs a named INSERT and returns the generated row id. The pgx
// driver has no LastInsertId, so the Postgres path appends RETURNING id and
// scans the result instead.
func (s *Store) insertID(ctx context.Context, e sqlx.ExtContext, query string, arg interface{}) (int64, error) {
	if s.driver == "pgx" {
		rows, err := sqlx.NamedQueryContext(ctx, e, query+" RETURNING id", arg)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return 0, err
			}
			return 0, sql.ErrNoRows
		}
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := sqlx.NamedExecContext(ctx, e, query, arg)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

const credentialInsert = `INSERT INTO credentials
	(key_hash, key_prefix, plan, rate_limit_override, is_active, rotated_from, metadata, created_at)
	VALUES
	(:key_hash, :key_prefix, :plan, :rate_limit_override, :is_active, :rotated_from, :metadata, :created_at)`

// CreateCredential inserts a new credential record. The key_hash must already
// be set (use HashKey). The ID and CreatedAt fields are populated after insert.
func (s *Store) CreateCredential(ctx context.Context, cred *model.Credential) error {
	cred.CreatedAt = time.Now().UTC()
	cred.IsActive = true

	id, err := s.insertID(ctx, s.db, credentialInsert, cred)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	cred.ID = id
	return nil
}

// GetCredential returns a credential by ID regardless of status.
func (s *Store) GetCredential(ctx context.Context, id int64) (*model.Credential, error) {
	var cred model.Credential
	q := s.db.Rebind("SELECT * FROM credentials WHERE id = ?")
	if err := s.db.GetContext(ctx, &cred, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &cred, nil
}

// GetActiveCredentialByHash looks up an active credential by its SHA-256
// hash. Revoked and rotated-away rows do not match: from the caller's point
// of view they are indistinguishable from keys that never existed.
func (s *Store) GetActiveCredentialByHash(ctx context.Context, hash string) (*model.Credential, error) {
	var cred model.Credential
	q := s.db.Rebind("SELECT * FROM credentials WHERE key_hash = ? AND is_active = 1")
	if err := s.db.GetContext(ctx, &cred, q, hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential by hash: %w", err)
	}
	return &cred, nil
}

// ListCredentials returns all credentials, newest first, active or not.
func (s *Store) ListCredentials(ctx context.Context) ([]model.Credential, error) {
	var creds []model.Credential
	if err := s.db.SelectContext(ctx, &creds, "SELECT * FROM credentials ORDER BY created_at DESC, id DESC"); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

// RevokeCredential marks a credential inactive. Revoking an already-revoked
// credential succeeds silently; an unknown id returns ErrNotFound.
func (s *Store) RevokeCredential(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	q := s.db.Rebind("UPDATE credentials SET is_active = 0, revoked_at = ? WHERE id = ? AND is_active = 1")
	result, err := s.db.ExecContext(ctx, q, now, id)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke credential rows affected: %w", err)
	}
	if n == 0 {
		// Already revoked is fine; only a missing row is an error.
		var exists int
		eq := s.db.Rebind("SELECT COUNT(*) FROM credentials WHERE id = ?")
		if err := s.db.GetContext(ctx, &exists, eq, id); err != nil {
			return fmt.Errorf("check credential exists: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// RotateCredential atomically replaces an active credential: a new row is
// inserted copying plan, override, and metadata, linked back via
// rotated_from, and the old row is revoked in the same transaction. A
// concurrent verify observes either the fully-old or fully-new state.
func (s *Store) RotateCredential(ctx context.Context, id int64, newHash, newPrefix string) (*model.Credential, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var old model.Credential
	q := tx.Rebind("SELECT * FROM credentials WHERE id = ? AND is_active = 1")
	if err := tx.GetContext(ctx, &old, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential for rotate: %w", err)
	}

	next := model.Credential{
		KeyHash:           newHash,
		KeyPrefix:         newPrefix,
		Plan:              old.Plan,
		RateLimitOverride: old.RateLimitOverride,
		IsActive:          true,
		RotatedFrom:       &old.ID,
		Metadata:          old.Metadata,
		CreatedAt:         time.Now().UTC(),
	}

	newID, err := s.insertID(ctx, tx, credentialInsert, &next)
	if err != nil {
		return nil, fmt.Errorf("insert rotated credential: %w", err)
	}
	next.ID = newID

	now := time.Now().UTC()
	rq := tx.Rebind("UPDATE credentials SET is_active = 0, revoked_at = ? WHERE id = ?")
	if _, err := tx.ExecContext(ctx, rq, now, old.ID); err != nil {
		return nil, fmt.Errorf("revoke rotated credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rotate: %w", err)
	}
	return &next, nil
}

// UpdateCredentialLastUsed sets the last_used timestamp for a credential.
func (s *Store) UpdateCredentialLastUsed(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	q := s.db.Rebind("UPDATE credentials SET last_used = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, now, id)
	if err != nil {
		return fmt.Errorf("update credential last used: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential last used rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Provisioning events
// ---------------------------------------------------------------------------

// LookupProvisioningEvent returns the credential id already provisioned for
// an external event, or ErrNotFound if the event has not been seen.
func (s *Store) LookupProvisioningEvent(ctx context.Context, eventID string) (int64, error) {
	var credID int64
	q := s.db.Rebind("SELECT credential_id FROM provisioning_events WHERE event_id = ?")
	if err := s.db.GetContext(ctx, &credID, q, eventID); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("lookup provisioning event: %w", err)
	}
	return credID, nil
}

// ProvisionCredential creates a credential and records the external event
// that provisioned it in one transaction. If the event was already recorded,
// the existing credential is returned and created is false: payment
// providers deliver webhooks at least once and replays must not mint a
// second key.
func (s *Store) ProvisionCredential(ctx context.Context, eventID string, cred *model.Credential) (existing *model.Credential, created bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var credID int64
	q := tx.Rebind("SELECT credential_id FROM provisioning_events WHERE event_id = ?")
	err = tx.GetContext(ctx, &credID, q, eventID)
	if err == nil {
		var prior model.Credential
		gq := tx.Rebind("SELECT * FROM credentials WHERE id = ?")
		if err := tx.GetContext(ctx, &prior, gq, credID); err != nil {
			return nil, false, fmt.Errorf("get provisioned credential: %w", err)
		}
		return &prior, false, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("lookup provisioning event: %w", err)
	}

	cred.CreatedAt = time.Now().UTC()
	cred.IsActive = true
	id, err := s.insertID(ctx, tx, credentialInsert, cred)
	if err != nil {
		return nil, false, fmt.Errorf("insert provisioned credential: %w", err)
	}
	cred.ID = id

	// DO NOTHING instead of a bare insert: on Postgres a concurrent grant
	// for the same event can slip in between the lookup above and this
	// write, and the loser must hand back the winner's credential rather
	// than surface a duplicate-key error.
	eq := tx.Rebind("INSERT INTO provisioning_events (event_id, credential_id, created_at) VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING")
	res, err := tx.ExecContext(ctx, eq, eventID, id, time.Now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("insert provisioning event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert provisioning event: %w", err)
	}
	if n == 0 {
		tx.Rollback() //nolint:errcheck
		prior, err := s.eventCredential(ctx, eventID)
		if err != nil {
			return nil, false, err
		}
		return prior, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit provision: %w", err)
	}
	return cred, true, nil
}

// eventCredential returns the credential a provisioning event minted, read
// outside any transaction so it observes the committed winner of a replay
// race.
func (s *Store) eventCredential(ctx context.Context, eventID string) (*model.Credential, error) {
	var cred model.Credential
	q := s.db.Rebind(`SELECT c.* FROM credentials c
		JOIN provisioning_events e ON e.credential_id = c.id
		WHERE e.event_id = ?`)
	if err := s.db.GetContext(ctx, &cred, q, eventID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup provisioned credential: %w", err)
	}
	return &cred, nil
}

// ---------------------------------------------------------------------------
// Admin accounts
// ---------------------------------------------------------------------------

// CreateAdmin inserts a new admin account. The ID, CreatedAt, and UpdatedAt
// fields are populated after a successful insert.
func (s *Store) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	now := time.Now().UTC()
	admin.CreatedAt = now
	admin.UpdatedAt = now

	const q = `INSERT INTO admins
		(email, password_hash, name, is_active, created_at, updated_at)
		VALUES
		(:email, :password_hash, :name, :is_active, :created_at, :updated_at)`

	id, err := s.insertID(ctx, s.db, q, admin)
	if err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}
	admin.ID = id
	return nil
}

// GetAdminByEmail returns an admin by email address.
func (s *Store) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	var admin model.Admin
	q := s.db.Rebind("SELECT * FROM admins WHERE email = ?")
	if err := s.db.GetContext(ctx, &admin, q, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin by email: %w", err)
	}
	return &admin, nil
}

// ListAdmins returns all admin accounts.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var admins []model.Admin
	if err := s.db.SelectContext(ctx, &admins, "SELECT * FROM admins ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return admins, nil
}

// HasAnyAdmin reports whether at least one admin account exists. This is
// used for first-run detection.
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM admins"); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return count > 0, nil
}

// UpdateAdminLastLogin sets the last_login_at timestamp for an admin.
func (s *Store) UpdateAdminLastLogin(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	q := s.db.Rebind("UPDATE admins SET last_login_at = ?, updated_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, now, now, id)
	if err != nil {
		return fmt.Errorf("update admin last login: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update admin last login rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns a settings value by key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	q := s.db.Rebind("SELECT value FROM settings WHERE key = ?")
	if err := s.db.GetContext(ctx, &value, q, key); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	q := s.db.Rebind(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Usage events
// ---------------------------------------------------------------------------

// RecordUsage upserts a per-minute usage counter for a credential hash and
// endpoint. ts is the event time in Unix seconds.
func (s *Store) RecordUsage(ctx context.Context, keyHash, plan, endpoint string, ts int64, count int64) error {
	window := ts / 60

	var id, existing int64
	q := s.db.Rebind("SELECT id, count FROM usage_events WHERE minute_window = ? AND key_hash = ? AND endpoint = ?")
	row := s.db.QueryRowxContext(ctx, q, window, keyHash, endpoint)
	err := row.Scan(&id, &existing)
	switch {
	case err == nil:
		uq := s.db.Rebind("UPDATE usage_events SET count = ? WHERE id = ?")
		if _, err := s.db.ExecContext(ctx, uq, existing+count, id); err != nil {
			return fmt.Errorf("update usage event: %w", err)
		}
		return nil
	case err == sql.ErrNoRows:
		iq := s.db.Rebind("INSERT INTO usage_events (ts, minute_window, key_hash, plan, endpoint, count) VALUES (?, ?, ?, ?, ?, ?)")
		if _, err := s.db.ExecContext(ctx, iq, ts, window, keyHash, plan, endpoint, count); err != nil {
			return fmt.Errorf("insert usage event: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("lookup usage event: %w", err)
	}
}

// SummarizeUsage aggregates usage for one epoch day (days since Unix epoch),
// grouped by credential hash, plan, and endpoint, highest volume first.
func (s *Store) SummarizeUsage(ctx context.Context, epochDay int64) ([]model.UsageSummary, error) {
	startWindow := epochDay * 86400 / 60
	endWindow := (epochDay + 1) * 86400 / 60

	var rows []model.UsageSummary
	q := s.db.Rebind(`SELECT key_hash, plan, endpoint, SUM(count) AS total
		FROM usage_events
		WHERE minute_window >= ? AND minute_window < ?
		GROUP BY key_hash, plan, endpoint
		ORDER BY total DESC`)
	if err := s.db.SelectContext(ctx, &rows, q, startWindow, endWindow); err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	return rows, nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

// HashKey returns the hex-encoded SHA-256 hash of a raw API key string.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
