// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

// Package store defines the persistence interfaces for session metadata and
// the append-only audit log, plus an in-memory reference implementation.
// Backend packages (e.g. sqlite) register themselves via RegisterBackend.
package store

import (
	"context"
	"sync"

	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// SessionMetaStore persists per-identity session metadata so sessions can be
// rehydrated after a restart. Callers treat it as a best-effort hook: a
// failing store must never abort an active turn.
type SessionMetaStore interface {
	Save(ctx context.Context, meta *SessionMeta) error
	Load(ctx context.Context, identity string) (*SessionMeta, error)
	Delete(ctx context.Context, identity string) error
}

// AuditStore is the append-only audit log. Appends from concurrent
// goroutines are safe; no ordering is guaranteed beyond timestamps.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// Store groups the two subsystems behind a single lifecycle.
type Store interface {
	SessionMeta() SessionMetaStore
	Audit() AuditStore
	Close() error
}

// Factory creates a Store rooted at dataDir.
type Factory func(dataDir string) (Store, error)

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a factory for a named storage backend.
// Backend packages call this from init(). Goroutine-safe.
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Open creates a Store for the configured backend, defaulting to "sqlite".
func Open(cfg *StorageConfig, dataDir string) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "sqlite"
	}

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, tetherr.Errorf(tetherr.CodeStoreInvalidInput, "unsupported storage backend: %q", backend)
	}

	return factory(dataDir)
}
