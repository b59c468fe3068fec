// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tether-dev/tether/internal/config"
	"github.com/tether-dev/tether/internal/gateway"
	"github.com/tether-dev/tether/internal/identity"
	"github.com/tether-dev/tether/internal/monitor"
	"github.com/tether-dev/tether/internal/security"
	"github.com/tether-dev/tether/internal/session"
	"github.com/tether-dev/tether/internal/store"
	tetherr "github.com/tether-dev/tether/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// verdict records one Respond call delivered to the runner.
type verdict struct {
	requestID string
	allow     bool
	reason    string
}

// scriptedRunner replays a fixed event script per turn. ToolCall events
// block until the facade answers via Respond, mirroring the real CLI.
type scriptedRunner struct {
	mu       sync.Mutex
	script   []session.Event
	verdicts []verdict
	waiting  map[string]chan verdict
	hold     chan struct{}
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{waiting: make(map[string]chan verdict)}
}

func (r *scriptedRunner) setScript(events ...session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script = events
}

// holdTurns blocks every subsequent turn's event stream until Stop is
// called, keeping a turn in flight for as long as the test needs.
func (r *scriptedRunner) holdTurns() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hold = make(chan struct{})
}

func (r *scriptedRunner) Start(ctx context.Context) error { return nil }

func (r *scriptedRunner) Submit(ctx context.Context, turn session.Turn) (<-chan session.Event, error) {
	r.mu.Lock()
	script := r.script
	hold := r.hold
	r.mu.Unlock()

	out := make(chan session.Event, 16)
	go func() {
		defer close(out)
		if hold != nil {
			<-hold
		}
		for _, ev := range script {
			if call, ok := ev.(session.ToolCall); ok {
				ch := make(chan verdict, 1)
				r.mu.Lock()
				r.waiting[call.ID] = ch
				r.mu.Unlock()

				out <- call

				v := <-ch
				r.mu.Lock()
				r.verdicts = append(r.verdicts, v)
				delete(r.waiting, call.ID)
				r.mu.Unlock()
				continue
			}
			out <- ev
		}
	}()
	return out, nil
}

func (r *scriptedRunner) Respond(ctx context.Context, requestID string, allow bool, reason string) error {
	r.mu.Lock()
	ch, ok := r.waiting[requestID]
	r.mu.Unlock()
	if !ok {
		return tetherr.New(tetherr.CodeSessionInvalidInput, "no pending tool call")
	}
	ch <- verdict{requestID: requestID, allow: allow, reason: reason}
	return nil
}

func (r *scriptedRunner) Interrupt(ctx context.Context) error { return nil }

func (r *scriptedRunner) Stop(ctx context.Context, _ time.Duration) error {
	r.mu.Lock()
	if r.hold != nil {
		close(r.hold)
		r.hold = nil
	}
	r.mu.Unlock()
	return nil
}
func (r *scriptedRunner) AgentSessionID() string                          { return "agent-1" }

func (r *scriptedRunner) recordedVerdicts() []verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]verdict(nil), r.verdicts...)
}

type fixture struct {
	facade  *gateway.Facade
	manager *session.Manager
	runner  *scriptedRunner
	audit   store.AuditStore
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	sandbox, err := security.NewSandbox(root)
	require.NoError(t, err)

	limiter := security.NewLimiter(map[string]security.Class{
		config.ClassMessage:   {Capacity: 10, RefillPerSec: 1},
		config.ClassToolCall:  {Capacity: 100, RefillPerSec: 10},
		config.ClassAuthProbe: {Capacity: 5, RefillPerSec: 0.1},
	})

	backing := store.NewMemoryStore()
	recorder := store.NewRecorder(backing.Audit(), nil)

	gate := identity.NewGate([]config.IdentityConfig{{ID: "42", Name: "alice"}}, limiter, recorder, nil)

	mon := monitor.NewMonitor(config.ToolsConfig{
		Allow:    []string{"Read", "read_dir", "Bash"},
		Confirm:  []string{"Bash"},
		PathArgs: []string{"path", "file_path"},
	}, sandbox, limiter, recorder, 5*time.Second, nil)

	runner := newScriptedRunner()
	factory := func(string, string) (session.Runner, error) { return runner, nil }
	manager := session.NewManager(factory, backing.SessionMeta(), recorder, sandbox.Root(), 100*time.Millisecond, nil)

	return &fixture{
		facade:  gateway.NewFacade(gate, limiter, manager, mon, nil),
		manager: manager,
		runner:  runner,
		audit:   backing.Audit(),
		root:    sandbox.Root(),
	}
}

func collect(t *testing.T, events <-chan gateway.OutboundEvent) []gateway.OutboundEvent {
	t.Helper()

	var out []gateway.OutboundEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(out))
		}
	}
}

func TestHandleUnknownCallerCreatesNoSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.facade.Handle(context.Background(), "999", "hello")
	require.Error(t, err)
	assert.True(t, tetherr.IsDenied(err))
	assert.Empty(t, f.manager.Snapshot())
}

func TestHandlePlainTextTurn(t *testing.T) {
	f := newFixture(t)
	f.runner.setScript(
		session.TextChunk{Text: "hi there"},
		session.TurnComplete{AgentSessionID: "agent-1", Result: "hi there", NumTurns: 1},
	)

	events, err := f.facade.Handle(context.Background(), "42", "say hi")
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, gateway.EventText, got[0].Type)
	assert.Equal(t, "hi there", got[0].Text)
	assert.Equal(t, gateway.EventTurnComplete, got[1].Type)
	require.NotNil(t, got[1].Turn)
	assert.Equal(t, 1, got[1].Turn.NumTurns)
}

func TestHandleToolCallInsideSandboxAllowed(t *testing.T) {
	f := newFixture(t)
	args := fmt.Sprintf(`{"path": %q}`, filepath.Join(f.root, "src"))
	f.runner.setScript(
		session.ToolCall{ID: "t1", Tool: "read_dir", Arguments: json.RawMessage(args), Seq: 1},
		session.TurnComplete{AgentSessionID: "agent-1", NumTurns: 1},
	)

	events, err := f.facade.Handle(context.Background(), "42", "list files in project")
	require.NoError(t, err)
	got := collect(t, events)

	verdicts := f.runner.recordedVerdicts()
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].allow)

	// No denial event; just the completion.
	require.Len(t, got, 1)
	assert.Equal(t, gateway.EventTurnComplete, got[0].Type)
}

func TestHandleToolCallOutsideSandboxDenied(t *testing.T) {
	f := newFixture(t)
	args := fmt.Sprintf(`{"path": %q}`, filepath.Join(f.root, "..", "etc"))
	f.runner.setScript(
		session.ToolCall{ID: "t1", Tool: "read_dir", Arguments: json.RawMessage(args), Seq: 1},
		session.TurnComplete{AgentSessionID: "agent-1", NumTurns: 1},
	)

	events, err := f.facade.Handle(context.Background(), "42", "read /etc")
	require.NoError(t, err)
	got := collect(t, events)

	verdicts := f.runner.recordedVerdicts()
	require.Len(t, verdicts, 1)
	assert.False(t, verdicts[0].allow)
	assert.Equal(t, monitor.ReasonPathOutsideSandbox, verdicts[0].reason)

	require.Len(t, got, 2)
	assert.Equal(t, gateway.EventToolDenied, got[0].Type)
	assert.Contains(t, got[0].Text, monitor.ReasonPathOutsideSandbox)
	assert.Equal(t, gateway.EventTurnComplete, got[1].Type)

	// The denial is scoped to the tool call; the session stays live.
	s, ok := f.manager.Get("42")
	require.True(t, ok)
	assert.Equal(t, session.StatusActive, s.Status())
}

func TestHandleMessageRateLimit(t *testing.T) {
	f := newFixture(t)
	f.runner.setScript(session.TurnComplete{AgentSessionID: "agent-1"})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		events, err := f.facade.Handle(ctx, "42", "msg")
		require.NoError(t, err, "message %d", i+1)
		collect(t, events)
	}

	_, err := f.facade.Handle(ctx, "42", "one too many")
	require.Error(t, err)
	assert.True(t, tetherr.IsThrottled(err))

	retry, ok := tetherr.RetryAfter(err)
	require.True(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, 2*time.Second)
}

func TestHandleProcessFailureResetsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Establish a session with one clean turn first.
	f.runner.setScript(session.TurnComplete{AgentSessionID: "agent-1"})
	events, err := f.facade.Handle(ctx, "42", "warm up")
	require.NoError(t, err)
	collect(t, events)
	firstID := mustSessionID(t, f.manager, "42")

	f.runner.setScript(
		session.TextChunk{Text: "partial"},
		session.ProcessError{Err: tetherr.New(tetherr.CodeSessionProcessFailure, "agent died")},
	)
	events, err = f.facade.Handle(ctx, "42", "do something")
	require.NoError(t, err)
	got := collect(t, events)

	resets := 0
	for _, ev := range got {
		if ev.Type == gateway.EventSessionReset {
			resets++
		}
	}
	assert.Equal(t, 1, resets, "exactly one reset event")

	// Session evicted; next instruction gets a fresh one.
	_, ok := f.manager.Get("42")
	assert.False(t, ok)

	f.runner.setScript(session.TurnComplete{AgentSessionID: "agent-1"})
	events, err = f.facade.Handle(ctx, "42", "try again")
	require.NoError(t, err)
	collect(t, events)

	secondID := mustSessionID(t, f.manager, "42")
	assert.NotEqual(t, firstID, secondID)
}

func TestConfirmFlow(t *testing.T) {
	f := newFixture(t)
	f.runner.setScript(
		session.ToolCall{ID: "t1", Tool: "Bash", Arguments: json.RawMessage(`{"command":"make test"}`), Seq: 1},
		session.TurnComplete{AgentSessionID: "agent-1"},
	)
	ctx := context.Background()

	events, err := f.facade.Handle(ctx, "42", "run the tests")
	require.NoError(t, err)

	var got []gateway.OutboundEvent
	timeout := time.After(5 * time.Second)
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			got = append(got, ev)
			if ev.Type == gateway.EventConfirmRequest {
				require.NotNil(t, ev.Confirmation)
				assert.Equal(t, "Bash", ev.Confirmation.Tool)
				require.NoError(t, f.facade.Confirm(ctx, "42", ev.Confirmation.RequestID, true))
			}
		case <-timeout:
			t.Fatal("confirm flow did not finish")
		}
	}

	verdicts := f.runner.recordedVerdicts()
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].allow)
}

func TestConfirmRequiresAuthorization(t *testing.T) {
	f := newFixture(t)

	err := f.facade.Confirm(context.Background(), "999", "req-1", true)
	require.Error(t, err)
	assert.True(t, tetherr.IsDenied(err))
}

func TestStopAndStatus(t *testing.T) {
	f := newFixture(t)
	f.runner.setScript(session.TurnComplete{AgentSessionID: "agent-1"})
	ctx := context.Background()

	events, err := f.facade.Handle(ctx, "42", "hello")
	require.NoError(t, err)
	collect(t, events)

	status, err := f.facade.Status(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "42", status.Identity)
	assert.NotEmpty(t, status.SessionID)
	assert.Equal(t, string(session.StatusActive), status.SessionStatus)
	assert.Less(t, status.RemainingMessages, float64(10))

	require.NoError(t, f.facade.Stop(ctx, "42"))
	_, ok := f.manager.Get("42")
	assert.False(t, ok)

	err = f.facade.Stop(ctx, "42")
	assert.True(t, tetherr.IsNotFound(err))
}

func TestStopWhileTurnInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runner.holdTurns()
	f.runner.setScript(session.TurnComplete{AgentSessionID: "agent-1"})

	events, err := f.facade.Handle(ctx, "42", "long running task")
	require.NoError(t, err)

	stopDone := make(chan error, 1)
	go func() { stopDone <- f.facade.Stop(ctx, "42") }()

	select {
	case err := <-stopDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not return while a turn was in flight")
	}

	collect(t, events)
	_, ok := f.manager.Get("42")
	assert.False(t, ok)

	// The identity is not bricked: a new instruction starts a fresh session.
	f.runner.holdTurns()
	events, err = f.facade.Handle(ctx, "42", "hello again")
	require.NoError(t, err)
	require.NoError(t, f.facade.Stop(ctx, "42"))
	collect(t, events)
}

func TestHandleEmptyPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.facade.Handle(context.Background(), "42", "")
	require.Error(t, err)
	assert.True(t, tetherr.IsInvalidInput(err))
}

func TestHandleSavesAttachments(t *testing.T) {
	f := newFixture(t)
	f.runner.setScript(
		session.TurnComplete{AgentSessionID: "agent-1", NumTurns: 1},
	)

	events, err := f.facade.Handle(context.Background(), "42", "review this patch",
		gateway.Attachment{Name: "fix.patch", Content: []byte("--- a/main.go\n")},
		gateway.Attachment{Name: "/tmp/../../etc/notes.txt", Content: []byte("x")},
	)
	require.NoError(t, err)
	collect(t, events)

	data, err := os.ReadFile(filepath.Join(f.root, "fix.patch"))
	require.NoError(t, err)
	assert.Equal(t, "--- a/main.go\n", string(data))

	// Path components are stripped; only the base name lands in the root.
	_, err = os.Stat(filepath.Join(f.root, "notes.txt"))
	assert.NoError(t, err)
}

func TestHandleRejectsBadAttachmentName(t *testing.T) {
	f := newFixture(t)

	_, err := f.facade.Handle(context.Background(), "42", "take this",
		gateway.Attachment{Name: "..", Content: []byte("x")})
	require.Error(t, err)
	assert.True(t, tetherr.IsInvalidInput(err))
}

func mustSessionID(t *testing.T, m *session.Manager, identity string) string {
	t.Helper()
	s, ok := m.Get(identity)
	require.True(t, ok)
	return s.ID
}
