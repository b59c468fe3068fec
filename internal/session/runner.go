// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tether-dev/tether/internal/config"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// Runner is one live conversation with the agent backend. Implementations
// are not safe for concurrent Submit; the owning session's Lane serializes
// turns. Respond and Interrupt may be called from other goroutines while a
// turn is in flight.
type Runner interface {
	// Start brings the backend up. Must be called once before Submit.
	Start(ctx context.Context) error

	// Submit sends one turn and returns the event stream for it. The
	// channel is closed after TurnComplete or ProcessError.
	Submit(ctx context.Context, turn Turn) (<-chan Event, error)

	// Respond delivers the verdict for a pending ToolCall event.
	Respond(ctx context.Context, requestID string, allow bool, reason string) error

	// Interrupt aborts the current turn without killing the backend.
	Interrupt(ctx context.Context) error

	// Stop shuts the backend down, waiting up to grace before forcing.
	Stop(ctx context.Context, grace time.Duration) error

	// AgentSessionID returns the backend's resume handle, if known.
	AgentSessionID() string
}

// ToolExecutor performs an approved tool call on behalf of the SDK
// backend. Tool semantics live with the executor, not in this package.
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, arguments json.RawMessage) (string, error)
}

// ToolDefinition describes one tool advertised to the SDK backend.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// RunnerFactory creates a Runner for one identity's session.
type RunnerFactory func(root, resumeID string) (Runner, error)

// NewRunnerFactory selects the backend from configuration. The subprocess
// backend drives a Claude Code CLI over stream-json; the sdk backend runs
// a Messages conversation through the Anthropic API.
func NewRunnerFactory(cfg config.AgentConfig, stall time.Duration, executor ToolExecutor, tools []ToolDefinition, logger *slog.Logger) (RunnerFactory, error) {
	switch cfg.Backend {
	case "subprocess", "":
		return func(root, resumeID string) (Runner, error) {
			return newProcRunner(cfg, root, resumeID, stall, logger), nil
		}, nil
	case "sdk":
		return func(root, resumeID string) (Runner, error) {
			return newSDKRunner(cfg, root, executor, tools, logger)
		}, nil
	default:
		return nil, tetherr.Errorf(tetherr.CodeSessionInvalidInput, "unknown agent backend %q", cfg.Backend)
	}
}
