// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

// Package monitor decides the fate of every tool call the agent attempts.
// A call moves Pending -> Allowed | Denied, possibly pausing in
// AwaitingConfirmation for high-risk tools. No tool call reaches execution
// without a decision from this package.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tether-dev/tether/internal/config"
	"github.com/tether-dev/tether/internal/identity"
	"github.com/tether-dev/tether/internal/security"
	"github.com/tether-dev/tether/internal/store"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// Verdict is the terminal state of a tool call decision.
type Verdict string

const (
	VerdictAllowed Verdict = "allowed"
	VerdictDenied  Verdict = "denied"
)

// Denial reasons surfaced to the caller. Scoped to the single tool call;
// the session stays live.
const (
	ReasonToolNotPermitted    = "tool not permitted"
	ReasonPathOutsideSandbox  = "path outside sandbox"
	ReasonMalformedArguments  = "malformed tool arguments"
	ReasonConfirmationTimeout = "confirmation timeout"
	ReasonConfirmationDenied  = "confirmation rejected"
	ReasonRateLimited         = "rate limited"
)

// ToolCallRequest is one tool invocation the agent wants to perform.
type ToolCallRequest struct {
	RequestID string
	SessionID string
	Identity  *identity.Identity
	Tool      string
	Arguments json.RawMessage
	Seq       int
}

// Decision is the outcome of evaluating one ToolCallRequest.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// ConfirmationPrompt is handed to the notify hook when a tool call parks
// awaiting human approval. The transport renders it however it likes.
type ConfirmationPrompt struct {
	RequestID string
	Identity  string
	SessionID string
	Tool      string
	Arguments json.RawMessage
	ExpiresAt time.Time
}

// Monitor evaluates tool calls against the configured policy. Evaluation
// order, first match wins: unknown tool, sandbox violation on a path
// argument, confirmation for high-risk tools, then rate admission.
type Monitor struct {
	allow    map[string]struct{}
	confirm  map[string]struct{}
	pathArgs []string

	sandbox  *security.Sandbox
	limiter  *security.Limiter
	recorder *store.Recorder
	broker   *confirmBroker
	logger   *slog.Logger

	confirmTimeout time.Duration
	notify         func(ConfirmationPrompt)
}

// NewMonitor builds a Monitor from the tool policy.
func NewMonitor(tools config.ToolsConfig, sandbox *security.Sandbox, limiter *security.Limiter, recorder *store.Recorder, confirmTimeout time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	allow := make(map[string]struct{}, len(tools.Allow))
	for _, t := range tools.Allow {
		allow[t] = struct{}{}
	}
	confirm := make(map[string]struct{}, len(tools.Confirm))
	for _, t := range tools.Confirm {
		confirm[t] = struct{}{}
	}

	return &Monitor{
		allow:          allow,
		confirm:        confirm,
		pathArgs:       append([]string(nil), tools.PathArgs...),
		sandbox:        sandbox,
		limiter:        limiter,
		recorder:       recorder,
		broker:         newConfirmBroker(),
		logger:         logger,
		confirmTimeout: confirmTimeout,
	}
}

// OnConfirmationRequired registers the hook invoked when a tool call needs
// human approval. Must be set before the first Decide; not goroutine-safe
// against concurrent Decide calls.
func (m *Monitor) OnConfirmationRequired(fn func(ConfirmationPrompt)) {
	m.notify = fn
}

// Decide evaluates req and returns its terminal verdict. Blocks while a
// high-risk tool awaits confirmation, up to the configured timeout. Every
// decision is audited with a digest of the arguments, never the raw
// arguments themselves.
func (m *Monitor) Decide(ctx context.Context, req ToolCallRequest) Decision {
	if _, ok := m.effectiveAllow(req)[req.Tool]; !ok {
		return m.deny(ctx, req, ReasonToolNotPermitted)
	}

	paths, err := m.extractPaths(req.Arguments)
	if err != nil {
		return m.deny(ctx, req, ReasonMalformedArguments)
	}
	for _, p := range paths {
		if _, err := m.sandbox.ValidatePath(p); err != nil {
			m.logger.Warn("sandbox violation",
				"identity", req.Identity.ID,
				"tool", req.Tool,
				"error", err)
			return m.deny(ctx, req, ReasonPathOutsideSandbox)
		}
	}

	if _, highRisk := m.confirm[req.Tool]; highRisk {
		return m.awaitConfirmation(ctx, req)
	}

	if err := m.limiter.TryAdmit(req.Identity.ID, config.ClassToolCall, 1); err != nil {
		return m.deny(ctx, req, ReasonRateLimited)
	}

	return m.accept(ctx, req)
}

// Resolve delivers a human verdict for a pending confirmation.
func (m *Monitor) Resolve(requestID string, approved bool) error {
	return m.broker.resolve(requestID, approved)
}

// Pending lists request IDs currently awaiting confirmation.
func (m *Monitor) Pending() []string {
	return m.broker.pendingIDs()
}

func (m *Monitor) awaitConfirmation(ctx context.Context, req ToolCallRequest) Decision {
	// Register before the prompt goes out: a caller approving the instant
	// they see it must find the pending entry already in place.
	ch := m.broker.register(req.RequestID)

	m.recorder.Record(ctx, req.Identity.ID, "tool_call", "awaiting_confirmation", "", m.auditDetails(req))

	if m.notify != nil {
		m.notify(ConfirmationPrompt{
			RequestID: req.RequestID,
			Identity:  req.Identity.ID,
			SessionID: req.SessionID,
			Tool:      req.Tool,
			Arguments: req.Arguments,
			ExpiresAt: time.Now().Add(m.confirmTimeout),
		})
	}

	approved, err := m.broker.wait(ctx, req.RequestID, ch, m.confirmTimeout)
	if err != nil {
		return m.deny(ctx, req, ReasonConfirmationTimeout)
	}
	if !approved {
		return m.deny(ctx, req, ReasonConfirmationDenied)
	}
	return m.accept(ctx, req)
}

// effectiveAllow applies per-identity overrides to the global allow set.
func (m *Monitor) effectiveAllow(req ToolCallRequest) map[string]struct{} {
	if req.Identity == nil {
		return nil
	}
	if len(req.Identity.ToolAllow) == 0 && len(req.Identity.ToolDeny) == 0 {
		return m.allow
	}

	eff := make(map[string]struct{}, len(m.allow)+len(req.Identity.ToolAllow))
	for t := range m.allow {
		eff[t] = struct{}{}
	}
	for _, t := range req.Identity.ToolAllow {
		eff[t] = struct{}{}
	}
	for _, t := range req.Identity.ToolDeny {
		delete(eff, t)
	}
	return eff
}

// extractPaths pulls the values of path-bearing argument keys. Arguments
// that are not a JSON object are malformed; a path key holding a
// non-string value is malformed too.
func (m *Monitor) extractPaths(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var args map[string]json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, tetherr.Wrap(err, tetherr.CodeMonitorArgumentsMalformed, "tool arguments are not a JSON object")
	}

	var paths []string
	for _, key := range m.pathArgs {
		rawVal, ok := args[key]
		if !ok {
			continue
		}
		var val string
		if err := json.Unmarshal(rawVal, &val); err != nil {
			return nil, tetherr.Wrapf(err, tetherr.CodeMonitorArgumentsMalformed, "argument %q is not a string", key)
		}
		paths = append(paths, val)
	}
	return paths, nil
}

func (m *Monitor) accept(ctx context.Context, req ToolCallRequest) Decision {
	m.recorder.Record(ctx, req.Identity.ID, "tool_call", string(VerdictAllowed), "", m.auditDetails(req))
	return Decision{Verdict: VerdictAllowed}
}

func (m *Monitor) deny(ctx context.Context, req ToolCallRequest, reason string) Decision {
	identityID := ""
	if req.Identity != nil {
		identityID = req.Identity.ID
	}
	m.recorder.Record(ctx, identityID, "tool_call", string(VerdictDenied), reason, m.auditDetails(req))
	return Decision{Verdict: VerdictDenied, Reason: reason}
}

func (m *Monitor) auditDetails(req ToolCallRequest) map[string]any {
	digest := sha256.Sum256(req.Arguments)
	return map[string]any{
		"tool":        req.Tool,
		"args_sha256": hex.EncodeToString(digest[:]),
		"session_id":  req.SessionID,
		"seq":         req.Seq,
	}
}
