// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package store

import "time"

// SessionState is the persisted lifecycle state of an agent session.
// It mirrors session.Status but is kept as a plain string so the store
// package does not depend on the session package.
type SessionState string

const (
	SessionStateActive     SessionState = "active"
	SessionStateTerminated SessionState = "terminated"
	SessionStateFailed     SessionState = "failed"
)

// SessionMeta is the minimal per-identity session record persisted so a
// conversation can be rehydrated after a process restart. The live session
// (OS process, channels) is never persisted; only the agent-side resume
// handle and working directory are.
type SessionMeta struct {
	Identity       string
	SessionID      string
	AgentSessionID string
	Root           string
	State          SessionState
	UpdatedAt      time.Time
}

// AuditEntry is one append-only record of a security-relevant decision.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Identity  string
	Action    string
	Decision  string
	Reason    string
	Details   map[string]any
}

// AuditFilter narrows an audit log query. Zero values mean "no constraint".
type AuditFilter struct {
	Identity string
	Action   string
	Decision string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// StorageConfig selects and parameterises the storage backend.
type StorageConfig struct {
	Backend string
}
