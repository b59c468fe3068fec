// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

// Package session owns the lifecycle of agent sessions: the per-identity
// Manager, the Runner backends that speak to the agent (CLI subprocess or
// Anthropic SDK), and the Lane that serializes turns within a session.
package session

import (
	"encoding/json"
	"time"
)

// Event is one item in the stream a Runner produces while executing a
// turn. The stream for a turn ends with TurnComplete or ProcessError.
type Event interface {
	isEvent()
}

// TextChunk is a piece of assistant text produced mid-turn.
type TextChunk struct {
	Text string
}

// ToolCall is a tool invocation the agent wants to perform. The turn is
// parked until Runner.Respond delivers the verdict for ID.
type ToolCall struct {
	ID        string
	Tool      string
	Arguments json.RawMessage
	Seq       int
}

// TurnComplete ends a turn normally.
type TurnComplete struct {
	AgentSessionID string
	Result         string
	CostUSD        float64
	NumTurns       int
	DurationMS     int64
	IsError        bool
}

// ProcessError ends a turn abnormally and is fatal to the session. The
// Manager evicts the session when it sees one.
type ProcessError struct {
	Err error
}

func (TextChunk) isEvent()    {}
func (ToolCall) isEvent()     {}
func (TurnComplete) isEvent() {}
func (ProcessError) isEvent() {}

// Turn is one inbound instruction bound for the agent.
type Turn struct {
	SessionID  string
	Payload    string
	ReceivedAt time.Time
}
