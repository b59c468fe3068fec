// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package gateway

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tether-dev/tether/internal/config"
	"github.com/tether-dev/tether/internal/identity"
	"github.com/tether-dev/tether/internal/monitor"
	"github.com/tether-dev/tether/internal/security"
	"github.com/tether-dev/tether/internal/session"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// Facade wires the gate, limiter, monitor, and session manager into the
// one call path every inbound instruction takes.
type Facade struct {
	gate    *identity.Gate
	limiter *security.Limiter
	manager *session.Manager
	monitor *monitor.Monitor
	logger  *slog.Logger

	// sinks routes confirmation prompts from the monitor back to the
	// identity's active outbound stream.
	sinks sync.Map // identity -> chan OutboundEvent
}

// NewFacade assembles the gateway. It registers itself as the monitor's
// confirmation hook.
func NewFacade(gate *identity.Gate, limiter *security.Limiter, manager *session.Manager, mon *monitor.Monitor, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Facade{
		gate:    gate,
		limiter: limiter,
		manager: manager,
		monitor: mon,
		logger:  logger,
	}
	mon.OnConfirmationRequired(f.forwardConfirmation)
	return f
}

// Attachment is a file sent alongside an instruction. It lands in the
// session's working directory under its base name before the turn runs.
type Attachment struct {
	Name    string
	Content []byte
}

// Handle runs one inbound instruction through the full pipeline: identity
// gate, message admission, session lookup, then a lane-serialized turn.
// The returned channel is closed when the turn ends; a fatal process
// failure surfaces as a single EventSessionReset and evicts the session.
func (f *Facade) Handle(ctx context.Context, callerID, payload string, attachments ...Attachment) (<-chan OutboundEvent, error) {
	if payload == "" {
		return nil, tetherr.New(tetherr.CodeGatewayInvalidInput, "payload must not be empty")
	}

	id, err := f.gate.Authorize(ctx, callerID)
	if err != nil {
		return nil, err
	}

	if err := f.limiter.TryAdmit(id.ID, config.ClassMessage, 1); err != nil {
		return nil, err
	}

	s, err := f.manager.GetOrCreate(ctx, id.ID)
	if err != nil {
		return nil, err
	}

	if err := f.saveAttachments(s, attachments); err != nil {
		return nil, err
	}

	out := make(chan OutboundEvent, 64)
	go func() {
		defer close(out)
		err := s.Lane().Submit(ctx, func(turnCtx context.Context) error {
			return f.runTurn(turnCtx, id, s, payload, out)
		})
		if err != nil {
			f.logger.Warn("turn failed", "identity", id.ID, "session_id", s.ID, "error", err)
		}
	}()

	return out, nil
}

// runTurn executes one turn on the session's lane and pumps runner events
// into the outbound stream. The sink registration happens here, not in
// Handle, so queued turns for the same identity never clobber the active
// turn's stream.
func (f *Facade) runTurn(ctx context.Context, id *identity.Identity, s *session.Session, payload string, out chan OutboundEvent) error {
	f.sinks.Store(id.ID, out)
	defer f.sinks.Delete(id.ID)
	events, err := s.Runner().Submit(ctx, session.Turn{
		SessionID:  s.ID,
		Payload:    payload,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		if tetherr.IsProcessFailure(err) {
			f.reset(ctx, id.ID, s, out, err)
			return nil
		}
		return err
	}

	for ev := range events {
		switch ev := ev.(type) {
		case session.TextChunk:
			out <- OutboundEvent{Type: EventText, Text: ev.Text}

		case session.ToolCall:
			f.decideToolCall(ctx, id, s, ev, out)

		case session.TurnComplete:
			f.manager.RecordTurn(ctx, id.ID)
			out <- OutboundEvent{Type: EventTurnComplete, Turn: &TurnSummary{
				SessionID:  s.ID,
				Result:     ev.Result,
				CostUSD:    ev.CostUSD,
				NumTurns:   ev.NumTurns,
				DurationMS: ev.DurationMS,
				IsError:    ev.IsError,
			}}

		case session.ProcessError:
			f.reset(ctx, id.ID, s, out, ev.Err)
			return nil
		}
	}
	return nil
}

// saveAttachments writes uploads into the session's working directory.
// Only the base name is kept, so an attachment can never place a file
// outside the directory.
func (f *Facade) saveAttachments(s *session.Session, attachments []Attachment) error {
	for _, att := range attachments {
		name := filepath.Base(att.Name)
		if name == "." || name == string(filepath.Separator) || name == ".." {
			return tetherr.Errorf(tetherr.CodeGatewayInvalidInput, "invalid attachment name %q", att.Name)
		}

		target := filepath.Join(s.Root, name)
		if err := os.WriteFile(target, att.Content, 0o600); err != nil {
			return tetherr.Wrapf(err, tetherr.CodeGatewayInvalidInput, "saving attachment %q", name)
		}
		f.logger.Debug("attachment saved", "identity", s.Identity, "name", name, "bytes", len(att.Content))
	}
	return nil
}

// decideToolCall runs the monitor's policy for one tool call and answers
// the runner. The agent is blocked on this answer, so the monitor's
// confirmation wait holds the turn open.
func (f *Facade) decideToolCall(ctx context.Context, id *identity.Identity, s *session.Session, call session.ToolCall, out chan<- OutboundEvent) {
	decision := f.monitor.Decide(ctx, monitor.ToolCallRequest{
		RequestID: call.ID,
		SessionID: s.ID,
		Identity:  id,
		Tool:      call.Tool,
		Arguments: call.Arguments,
		Seq:       call.Seq,
	})

	allow := decision.Verdict == monitor.VerdictAllowed
	if err := s.Runner().Respond(ctx, call.ID, allow, decision.Reason); err != nil {
		f.logger.Warn("delivering tool verdict failed",
			"identity", id.ID, "request_id", call.ID, "error", err)
	}

	if !allow {
		out <- OutboundEvent{Type: EventToolDenied, Text: call.Tool + ": " + decision.Reason}
	}
}

// reset emits the single session-reset event and fails the session so the
// next instruction starts a fresh one. reset runs on the session's own
// lane, so it must use Fail: a blocking eviction here would join the very
// worker goroutine it is running on.
func (f *Facade) reset(ctx context.Context, identityID string, s *session.Session, out chan<- OutboundEvent, cause error) {
	f.logger.Error("session failed", "identity", identityID, "session_id", s.ID, "error", cause)
	f.manager.Fail(ctx, identityID, s.ID)
	out <- OutboundEvent{
		Type: EventSessionReset,
		Text: "session was reset after a process failure; your next message starts fresh",
	}
}

// forwardConfirmation pushes a monitor prompt into the identity's active
// outbound stream. A prompt with no active stream is dropped; the broker's
// timeout then denies the call.
func (f *Facade) forwardConfirmation(p monitor.ConfirmationPrompt) {
	sink, ok := f.sinks.Load(p.Identity)
	if !ok {
		f.logger.Warn("confirmation prompt with no active stream", "identity", p.Identity, "request_id", p.RequestID)
		return
	}
	sink.(chan OutboundEvent) <- OutboundEvent{
		Type: EventConfirmRequest,
		Confirmation: &ConfirmationRequest{
			RequestID: p.RequestID,
			Tool:      p.Tool,
			Arguments: p.Arguments,
			ExpiresAt: p.ExpiresAt,
		},
	}
}

// Confirm resolves a pending tool confirmation on behalf of callerID.
func (f *Facade) Confirm(ctx context.Context, callerID, requestID string, approve bool) error {
	if _, err := f.gate.Authorize(ctx, callerID); err != nil {
		return err
	}
	return f.monitor.Resolve(requestID, approve)
}

// Stop terminates the caller's session.
func (f *Facade) Stop(ctx context.Context, callerID string) error {
	id, err := f.gate.Authorize(ctx, callerID)
	if err != nil {
		return err
	}
	return f.manager.Stop(ctx, id.ID)
}

// Interrupt aborts the caller's current turn without killing the session.
func (f *Facade) Interrupt(ctx context.Context, callerID string) error {
	id, err := f.gate.Authorize(ctx, callerID)
	if err != nil {
		return err
	}
	return f.manager.Interrupt(ctx, id.ID)
}

// Status reports the caller's session and rate-limit state.
func (f *Facade) Status(ctx context.Context, callerID string) (*StatusReport, error) {
	id, err := f.gate.Authorize(ctx, callerID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		Identity:           id.ID,
		RemainingMessages:  f.limiter.Remaining(id.ID, config.ClassMessage),
		RemainingToolCalls: f.limiter.Remaining(id.ID, config.ClassToolCall),
	}
	if s, ok := f.manager.Get(id.ID); ok {
		report.SessionID = s.ID
		report.SessionStatus = string(s.Status())
		report.AgentSessionID = s.Runner().AgentSessionID()
		report.LastActivity = s.LastActivity()
	}
	return report, nil
}
