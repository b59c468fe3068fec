// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package store

import (
	"context"
	"sync"

	tetherr "github.com/tether-dev/tether/pkg/errors"
)

func init() {
	RegisterBackend("memory", func(string) (Store, error) {
		return NewMemoryStore(), nil
	})
}

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	meta  *memorySessionMetaStore
	audit *memoryAuditStore
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meta:  &memorySessionMetaStore{metas: make(map[string]SessionMeta)},
		audit: &memoryAuditStore{},
	}
}

func (s *MemoryStore) SessionMeta() SessionMetaStore { return s.meta }
func (s *MemoryStore) Audit() AuditStore             { return s.audit }
func (s *MemoryStore) Close() error                  { return nil }

type memorySessionMetaStore struct {
	mu    sync.RWMutex
	metas map[string]SessionMeta
}

func (s *memorySessionMetaStore) Save(_ context.Context, meta *SessionMeta) error {
	if meta == nil || meta.Identity == "" {
		return tetherr.New(tetherr.CodeStoreInvalidInput, "session meta requires an identity")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[meta.Identity] = *meta
	return nil
}

func (s *memorySessionMetaStore) Load(_ context.Context, identity string) (*SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.metas[identity]
	if !ok {
		return nil, tetherr.New(tetherr.CodeStoreNotFound, "no session meta for identity",
			tetherr.FieldIdentity(identity))
	}
	copied := meta
	return &copied, nil
}

func (s *memorySessionMetaStore) Delete(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metas, identity)
	return nil
}

type memoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

func (s *memoryAuditStore) Append(_ context.Context, entry *AuditEntry) error {
	if entry == nil || entry.Action == "" {
		return tetherr.New(tetherr.CodeStoreInvalidInput, "audit entry requires an action")
	}

	copied := *entry
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &copied)
	return nil
}

func (s *memoryAuditStore) Query(_ context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditEntry
	for _, e := range s.entries {
		if !matchAudit(e, filter) {
			continue
		}
		copied := *e
		out = append(out, &copied)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matchAudit(e *AuditEntry, f AuditFilter) bool {
	if f.Identity != "" && e.Identity != f.Identity {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Decision != "" && e.Decision != f.Decision {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
