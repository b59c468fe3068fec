// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

// Package gateway is the single entry point for transports. A transport
// (Telegram bot, test harness, anything else) hands inbound instructions
// to the Facade and renders the OutboundEvent stream; it never touches the
// gate, limiter, monitor, or session manager directly.
package gateway

import (
	"encoding/json"
	"time"
)

// OutboundEventType discriminates OutboundEvent payloads.
type OutboundEventType string

const (
	// EventText is assistant output produced mid-turn.
	EventText OutboundEventType = "text"
	// EventToolDenied reports a tool call the monitor refused.
	EventToolDenied OutboundEventType = "tool_denied"
	// EventConfirmRequest asks the caller to approve a high-risk tool.
	EventConfirmRequest OutboundEventType = "confirm_request"
	// EventTurnComplete ends the stream for a successful turn.
	EventTurnComplete OutboundEventType = "turn_complete"
	// EventSessionReset ends the stream after a fatal session failure.
	// The next instruction creates a fresh session.
	EventSessionReset OutboundEventType = "session_reset"
)

// OutboundEvent is one item in the stream Handle returns.
type OutboundEvent struct {
	Type OutboundEventType

	// Text carries assistant output for EventText and the human-readable
	// explanation for EventToolDenied and EventSessionReset.
	Text string

	// Confirmation is set for EventConfirmRequest.
	Confirmation *ConfirmationRequest

	// Turn is set for EventTurnComplete.
	Turn *TurnSummary
}

// ConfirmationRequest mirrors the monitor's prompt for the transport.
type ConfirmationRequest struct {
	RequestID string
	Tool      string
	Arguments json.RawMessage
	ExpiresAt time.Time
}

// TurnSummary is the terminal accounting for one completed turn.
type TurnSummary struct {
	SessionID  string
	Result     string
	CostUSD    float64
	NumTurns   int
	DurationMS int64
	IsError    bool
}

// StatusReport answers a caller's status query.
type StatusReport struct {
	Identity           string
	SessionID          string
	SessionStatus      string
	AgentSessionID     string
	LastActivity       time.Time
	RemainingMessages  float64
	RemainingToolCalls float64
}
