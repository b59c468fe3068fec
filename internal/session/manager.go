// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tether-dev/tether/internal/store"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// Manager owns the identity -> session map. It is the only way sessions
// are created or destroyed, and it guarantees at most one live session per
// identity no matter how many callers race on GetOrCreate.
type Manager struct {
	factory   RunnerFactory
	meta      store.SessionMetaStore
	recorder  *store.Recorder
	logger    *slog.Logger
	root      string
	stopGrace time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	creating map[string]*sync.Mutex
}

// NewManager builds a Manager. root is the working directory every session
// runs in (the sandbox root).
func NewManager(factory RunnerFactory, meta store.SessionMetaStore, recorder *store.Recorder, root string, stopGrace time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:   factory,
		meta:      meta,
		recorder:  recorder,
		logger:    logger,
		root:      root,
		stopGrace: stopGrace,
		sessions:  make(map[string]*Session),
		creating:  make(map[string]*sync.Mutex),
	}
}

// creationLock returns the per-identity mutex guarding create/evict.
// Different identities never contend on each other's lock.
func (m *Manager) creationLock(identity string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.creating[identity]
	if !ok {
		lock = &sync.Mutex{}
		m.creating[identity] = lock
	}
	return lock
}

// GetOrCreate returns the identity's live session, creating one if none
// exists. Dead sessions (Failed or Terminated) are evicted and replaced
// with a fresh one carrying a new session ID.
func (m *Manager) GetOrCreate(ctx context.Context, identity string) (*Session, error) {
	lock := m.creationLock(identity)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	existing := m.sessions[identity]
	m.mu.Unlock()

	if existing != nil {
		if existing.Status().live() {
			existing.Touch()
			return existing, nil
		}
		m.evictLocked(ctx, identity, existing.ID)
	}

	return m.create(ctx, identity)
}

// create spins up a new session. Caller holds the identity's creation lock.
func (m *Manager) create(ctx context.Context, identity string) (*Session, error) {
	resumeID := ""
	if meta, err := m.meta.Load(ctx, identity); err == nil {
		resumeID = meta.AgentSessionID
	} else if !tetherr.IsNotFound(err) {
		m.logger.Warn("loading session meta failed", "identity", identity, "error", err)
	}

	runner, err := m.factory(m.root, resumeID)
	if err != nil {
		return nil, tetherr.Wrap(err, tetherr.CodeSessionSpawnFailure, "building session runner")
	}

	s := &Session{
		ID:           uuid.NewString(),
		Identity:     identity,
		Root:         m.root,
		CreatedAt:    time.Now(),
		runner:       runner,
		status:       StatusStarting,
		lastActivity: time.Now(),
	}

	if err := runner.Start(ctx); err != nil {
		return nil, tetherr.Wrap(err, tetherr.CodeSessionSpawnFailure, "starting session runner")
	}

	s.lane = NewLane(s.ID)
	s.setStatus(StatusActive)

	m.mu.Lock()
	m.sessions[identity] = s
	m.mu.Unlock()

	m.saveMeta(ctx, s, store.SessionStateActive)
	m.recorder.Record(ctx, identity, "session_create", "allowed", "", map[string]any{
		"session_id": s.ID,
		"resumed":    resumeID != "",
	})
	m.logger.Info("session created", "identity", identity, "session_id", s.ID, "resumed", resumeID != "")
	return s, nil
}

// Stop terminates the identity's session: Stopping, graceful runner stop,
// force kill after the grace window, then Terminated. The identity slot is
// freed and the creation lock released before joining the lane, so a turn
// still in flight can finish (or fail and no-op its own eviction) without
// deadlocking against Stop.
func (m *Manager) Stop(ctx context.Context, identity string) error {
	lock := m.creationLock(identity)
	lock.Lock()
	m.mu.Lock()
	s := m.sessions[identity]
	delete(m.sessions, identity)
	m.mu.Unlock()
	lock.Unlock()

	if s == nil {
		return tetherr.New(tetherr.CodeSessionNotFound, "no session for identity",
			tetherr.FieldIdentity(identity))
	}

	s.setStatus(StatusStopping)
	if err := s.runner.Stop(ctx, m.stopGrace); err != nil {
		m.logger.Warn("runner stop failed", "identity", identity, "error", err)
	}
	s.lane.Close()
	s.setStatus(StatusTerminated)

	m.saveMeta(ctx, s, store.SessionStateTerminated)
	m.recorder.Record(ctx, identity, "session_stop", "allowed", "", map[string]any{
		"session_id": s.ID,
	})
	m.logger.Info("session stopped", "identity", identity, "session_id", s.ID)
	return nil
}

// Interrupt aborts the current turn without killing the session.
func (m *Manager) Interrupt(ctx context.Context, identity string) error {
	m.mu.Lock()
	s := m.sessions[identity]
	m.mu.Unlock()

	if s == nil || !s.Status().live() {
		return tetherr.New(tetherr.CodeSessionNotFound, "no session for identity",
			tetherr.FieldIdentity(identity))
	}
	return s.runner.Interrupt(ctx)
}

// Evict removes a failed session so the next GetOrCreate starts fresh.
// The sessionID guard makes eviction idempotent: a stale eviction for an
// already-replaced session is a no-op.
func (m *Manager) Evict(ctx context.Context, identity, sessionID string) {
	lock := m.creationLock(identity)
	lock.Lock()
	defer lock.Unlock()
	m.evictLocked(ctx, identity, sessionID)
}

// Fail marks the session failed and frees the identity slot immediately;
// runner and lane teardown continue in the background. This is the only
// eviction path safe to call from the session's own turn, which still
// occupies the lane worker that teardown must join.
func (m *Manager) Fail(ctx context.Context, identity, sessionID string) {
	s := m.claim(identity, sessionID)
	if s == nil {
		return
	}
	s.setStatus(StatusFailed)
	go m.teardown(context.WithoutCancel(ctx), identity, s)
}

// evictLocked removes and tears down a dead session. Caller holds the
// identity's creation lock and must not be on the session's lane.
func (m *Manager) evictLocked(ctx context.Context, identity, sessionID string) {
	s := m.claim(identity, sessionID)
	if s == nil {
		return
	}
	s.setStatus(StatusFailed)
	m.teardown(ctx, identity, s)
}

// claim atomically removes the session from the map if it still owns the
// identity slot. Exactly one caller wins; the rest see nil.
func (m *Manager) claim(identity, sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[identity]
	if s == nil || s.ID != sessionID {
		return nil
	}
	delete(m.sessions, identity)
	return s
}

// teardown stops the runner and drains the lane of an already-unmapped
// failed session.
func (m *Manager) teardown(ctx context.Context, identity string, s *Session) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.stopGrace)
	defer cancel()
	if err := s.runner.Stop(stopCtx, m.stopGrace); err != nil {
		m.logger.Warn("stopping failed session runner", "identity", identity, "error", err)
	}
	s.lane.Close()

	m.saveMeta(ctx, s, store.SessionStateFailed)
	m.recorder.Record(ctx, identity, "session_evict", "allowed", "process failure", map[string]any{
		"session_id": s.ID,
	})
	m.logger.Warn("session evicted", "identity", identity, "session_id", s.ID)
}

// RecordTurn marks activity on the identity's session and re-persists its
// meta so the agent-side resume handle survives a restart.
func (m *Manager) RecordTurn(ctx context.Context, identity string) {
	m.mu.Lock()
	s := m.sessions[identity]
	m.mu.Unlock()

	if s == nil {
		return
	}
	s.Touch()
	m.saveMeta(ctx, s, store.SessionStateActive)
}

// ReapIdle stops sessions whose last activity is older than maxIdle.
// Returns the identities reaped.
func (m *Manager) ReapIdle(ctx context.Context, maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var stale []string
	for identity, s := range m.sessions {
		if s.LastActivity().Before(cutoff) && s.Status().live() {
			stale = append(stale, identity)
		}
	}
	m.mu.Unlock()

	var reaped []string
	for _, identity := range stale {
		if err := m.Stop(ctx, identity); err != nil {
			m.logger.Warn("reaping idle session failed", "identity", identity, "error", err)
			continue
		}
		reaped = append(reaped, identity)
	}
	return reaped
}

// StartReaper runs ReapIdle on the interval until ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if reaped := m.ReapIdle(ctx, maxIdle); len(reaped) > 0 {
					m.logger.Info("reaped idle sessions", "identities", reaped)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Snapshot lists all live sessions, ordered by identity.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, Info{
			Identity:       s.Identity,
			SessionID:      s.ID,
			AgentSessionID: s.runner.AgentSessionID(),
			Status:         s.Status(),
			CreatedAt:      s.CreatedAt,
			LastActivity:   s.LastActivity(),
		})
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Identity < infos[j].Identity })
	return infos
}

// Get returns the identity's session if one exists.
func (m *Manager) Get(identity string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[identity]
	return s, ok
}

// Shutdown stops every session. Used on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	identities := make([]string, 0, len(m.sessions))
	for identity := range m.sessions {
		identities = append(identities, identity)
	}
	m.mu.Unlock()

	for _, identity := range identities {
		if err := m.Stop(ctx, identity); err != nil && !tetherr.IsNotFound(err) {
			m.logger.Warn("stopping session on shutdown", "identity", identity, "error", err)
		}
	}
}

// saveMeta persists the session record. Failures degrade to a log line;
// persistence never blocks the session lifecycle.
func (m *Manager) saveMeta(ctx context.Context, s *Session, state store.SessionState) {
	meta := &store.SessionMeta{
		Identity:       s.Identity,
		SessionID:      s.ID,
		AgentSessionID: s.runner.AgentSessionID(),
		Root:           s.Root,
		State:          state,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := m.meta.Save(context.WithoutCancel(ctx), meta); err != nil {
		m.logger.Warn("saving session meta failed", "identity", s.Identity, "error", err)
	}
}
