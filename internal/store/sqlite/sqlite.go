// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

// Package sqlite provides the SQLite-backed store implementation. Importing
// it registers the "sqlite" backend with the store factory.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tether-dev/tether/internal/store"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

func init() {
	store.RegisterBackend("sqlite", newStore)
}

// timeFormat is a fixed-width layout for stored timestamps. RFC3339Nano
// drops trailing fractional zeros, which breaks the lexical ordering the
// timestamp columns rely on; this layout always emits nine digits.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Compile-time interface checks.
var (
	_ store.Store            = (*Store)(nil)
	_ store.SessionMetaStore = (*sessionMetaStore)(nil)
	_ store.AuditStore       = (*auditStore)(nil)
)

// Store implements store.Store backed by a single SQLite database.
type Store struct {
	db    *sql.DB
	meta  *sessionMetaStore
	audit *auditStore
}

func newStore(dataDir string) (store.Store, error) {
	return New(filepath.Join(dataDir, "tether.db"))
}

// New opens (or creates) the SQLite database at dbPath and initialises the
// session_meta and audit_log tables.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, tetherr.Wrap(err, tetherr.CodeStoreDatabaseFailure, "opening sqlite db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, tetherr.Wrap(err, tetherr.CodeStoreDatabaseFailure, "pinging sqlite db")
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, tetherr.Wrap(err, tetherr.CodeStoreDatabaseFailure, "migrating sqlite db")
	}

	return &Store{
		db:    db,
		meta:  &sessionMetaStore{db: db},
		audit: &auditStore{db: db},
	}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS session_meta (
	identity         TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	agent_session_id TEXT NOT NULL DEFAULT '',
	root             TEXT NOT NULL,
	state            TEXT NOT NULL DEFAULT 'active',
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id        TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	identity  TEXT NOT NULL DEFAULT '',
	action    TEXT NOT NULL,
	decision  TEXT NOT NULL DEFAULT '',
	reason    TEXT NOT NULL DEFAULT '',
	details   TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audit_identity ON audit_log(identity, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, timestamp);
`
	_, err := db.Exec(ddl)
	return err
}

func (s *Store) SessionMeta() store.SessionMetaStore { return s.meta }
func (s *Store) Audit() store.AuditStore             { return s.audit }

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return tetherr.Wrap(err, tetherr.CodeStoreDatabaseFailure, "closing sqlite db")
	}
	return nil
}

type sessionMetaStore struct {
	db *sql.DB
}

func (s *sessionMetaStore) Save(ctx context.Context, meta *store.SessionMeta) error {
	if meta == nil || meta.Identity == "" {
		return tetherr.New(tetherr.CodeStoreInvalidInput, "session meta requires an identity")
	}

	// Upsert so concurrent saves for the same identity stay race-free.
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_meta (identity, session_id, agent_session_id, root, state, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(identity) DO UPDATE SET
	session_id = excluded.session_id,
	agent_session_id = excluded.agent_session_id,
	root = excluded.root,
	state = excluded.state,
	updated_at = excluded.updated_at`,
		meta.Identity, meta.SessionID, meta.AgentSessionID, meta.Root,
		string(meta.State), meta.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		return tetherr.Wrap(err, tetherr.CodeStoreDatabaseFailure, "saving session meta",
			tetherr.FieldIdentity(meta.Identity))
	}
	return nil
}

func (s *sessionMetaStore) Load(ctx context.Context, identity string) (*store.SessionMeta, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT identity, session_id, agent_session_id, root, state, updated_at
FROM session_meta WHERE identity = ?`, identity)

	var meta store.SessionMeta
	var state, updatedAt string
	err := row.Scan(&meta.Identity, &meta.SessionID, &meta.AgentSessionID, &meta.Root, &state, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, tetherr.New(tetherr.CodeStoreNotFound, "no session meta for identity",
			tetherr.FieldIdentity(identity))
	}
	if err != nil {
		return nil, tetherr.Wrap(err, tetherr.CodeStoreDatabaseFailure, "loading session meta",
			tetherr.FieldIdentity(identity))
	}

	meta.State = store.SessionState(state)
	if ts, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
		meta.UpdatedAt = ts
	}
	return &meta, nil
}

func (s *sessionMetaStore) Delete(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_meta WHERE identity = ?`, identity)
	if err != nil {
		return tetherr.Wrap(err, tetherr.CodeStoreDatabaseFailure, "deleting session meta",
			tetherr.FieldIdentity(identity))
	}
	return nil
}

type auditStore struct {
	db *sql.DB
}

func (s *auditStore) Append(ctx context.Context, entry *store.AuditEntry) error {
	if entry == nil || entry.Action == "" {
		return tetherr.New(tetherr.CodeStoreInvalidInput, "audit entry requires an action")
	}

	details := "{}"
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return tetherr.Wrap(err, tetherr.CodeStoreInvalidInput, "marshalling audit details")
		}
		details = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_log (id, timestamp, identity, action, decision, reason, details)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UTC().Format(timeFormat),
		entry.Identity, entry.Action, entry.Decision, entry.Reason, details)
	if err != nil {
		return tetherr.Wrap(err, tetherr.CodeStoreDatabaseFailure, "appending audit entry")
	}
	return nil
}

func (s *auditStore) Query(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Identity != "" {
		conds = append(conds, "identity = ?")
		args = append(args, filter.Identity)
	}
	if filter.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Decision != "" {
		conds = append(conds, "decision = ?")
		args = append(args, filter.Decision)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(timeFormat))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, filter.Until.UTC().Format(timeFormat))
	}

	query := "SELECT id, timestamp, identity, action, decision, reason, details FROM audit_log"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, tetherr.Wrap(err, tetherr.CodeStoreDatabaseFailure, "querying audit log")
	}
	defer func() { _ = rows.Close() }()

	var out []*store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		var ts, details string
		if err := rows.Scan(&e.ID, &ts, &e.Identity, &e.Action, &e.Decision, &e.Reason, &details); err != nil {
			return nil, tetherr.Wrap(err, tetherr.CodeStoreDatabaseFailure, "scanning audit row")
		}
		if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			e.Timestamp = parsed
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, tetherr.Wrap(err, tetherr.CodeStoreDatabaseFailure, "decoding audit details")
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, tetherr.Wrap(err, tetherr.CodeStoreDatabaseFailure, "iterating audit rows")
	}
	return out, nil
}
