// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package session

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusStopping   Status = "stopping"
	StatusTerminated Status = "terminated"
	StatusFailed     Status = "failed"
)

// live reports whether a session in this state can still take turns.
func (s Status) live() bool {
	switch s {
	case StatusStarting, StatusActive, StatusIdle:
		return true
	}
	return false
}

// Session is one identity's live conversation with the agent. Created and
// owned exclusively by the Manager; turn execution is serialized by the
// session's lane.
type Session struct {
	ID        string
	Identity  string
	Root      string
	CreatedAt time.Time

	runner Runner
	lane   *Lane

	mu           sync.Mutex
	status       Status
	lastActivity time.Time
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// Touch records activity and promotes an Idle session back to Active.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	if s.status == StatusIdle {
		s.status = StatusActive
	}
}

// LastActivity returns the time of the most recent turn or creation.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Runner returns the backend driving this session.
func (s *Session) Runner() Runner { return s.runner }

// Lane returns the session's FIFO turn queue.
func (s *Session) Lane() *Lane { return s.lane }

// Info is a point-in-time view of a session for the ops surface.
type Info struct {
	Identity       string    `json:"identity"`
	SessionID      string    `json:"session_id"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
}
