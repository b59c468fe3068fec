// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package session

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tether-dev/tether/internal/config"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// Frame types on the agent CLI's stream-json channel.
const (
	frameUser            = "user"
	frameSystem          = "system"
	frameAssistant       = "assistant"
	frameResult          = "result"
	frameControlRequest  = "control_request"
	frameControlResponse = "control_response"

	controlCanUseTool = "can_use_tool"
	controlInterrupt  = "interrupt"
)

// maxFrameBytes bounds a single NDJSON line from the agent.
const maxFrameBytes = 10 << 20

// inFrame is one NDJSON line read from the agent's stdout.
type inFrame struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   *controlBody    `json:"request,omitempty"`

	// result frame fields
	Result     string  `json:"result,omitempty"`
	CostUSD    float64 `json:"total_cost_usd,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
}

type controlBody struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type assistantMessage struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
}

// procRunner drives a long-lived Claude Code CLI process over NDJSON
// stdin/stdout. Tool-use permission checks arrive as control_request
// frames and are answered with control_response frames after the monitor
// decides.
type procRunner struct {
	cfg    config.AgentConfig
	root   string
	stall  time.Duration
	logger *slog.Logger

	mu             sync.Mutex
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	writeMu        sync.Mutex
	agentSessionID string
	turn           chan Event
	seq            int
	failed         bool
	stallFired     bool
	exited         chan struct{}
	watchdog       *time.Timer
}

func newProcRunner(cfg config.AgentConfig, root, resumeID string, stall time.Duration, logger *slog.Logger) *procRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &procRunner{
		cfg:            cfg,
		root:           root,
		stall:          stall,
		logger:         logger,
		agentSessionID: resumeID,
		exited:         make(chan struct{}),
	}
}

func (r *procRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil {
		return tetherr.New(tetherr.CodeSessionInvalidInput, "runner already started")
	}

	binary := r.cfg.BinaryPath
	if binary == "" {
		binary = "claude"
	}

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(r.cfg.MaxTurns),
	}
	if r.cfg.Model != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	if r.agentSessionID != "" {
		args = append(args, "--resume", r.agentSessionID)
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = r.root

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return tetherr.Wrap(err, tetherr.CodeSessionSpawnFailure, "opening agent stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return tetherr.Wrap(err, tetherr.CodeSessionSpawnFailure, "opening agent stdout")
	}

	if err := cmd.Start(); err != nil {
		return tetherr.Wrapf(err, tetherr.CodeSessionSpawnFailure, "starting agent process %q", binary)
	}

	r.cmd = cmd
	r.stdin = stdin
	go r.readLoop(stdout)

	r.logger.Info("agent process started",
		"binary", binary,
		"root", r.root,
		"pid", cmd.Process.Pid,
		"resume", r.agentSessionID != "")
	return nil
}

func (r *procRunner) Submit(ctx context.Context, turn Turn) (<-chan Event, error) {
	r.mu.Lock()
	if r.cmd == nil {
		r.mu.Unlock()
		return nil, tetherr.New(tetherr.CodeSessionInactive, "runner not started")
	}
	if r.failed {
		r.mu.Unlock()
		return nil, tetherr.New(tetherr.CodeSessionProcessFailure, "agent process is dead")
	}
	if r.turn != nil {
		r.mu.Unlock()
		return nil, tetherr.New(tetherr.CodeSessionInvalidInput, "turn already in flight")
	}

	events := make(chan Event, 64)
	r.turn = events
	r.armWatchdogLocked()
	r.mu.Unlock()

	frame := map[string]any{
		"type": frameUser,
		"message": map[string]any{
			"role":    "user",
			"content": turn.Payload,
		},
	}
	if err := r.writeFrame(frame); err != nil {
		r.mu.Lock()
		r.turn = nil
		r.disarmWatchdogLocked()
		r.mu.Unlock()
		return nil, err
	}

	return events, nil
}

func (r *procRunner) Respond(ctx context.Context, requestID string, allow bool, reason string) error {
	behavior := map[string]any{"behavior": "deny", "message": reason}
	if allow {
		behavior = map[string]any{"behavior": "allow"}
	}
	return r.writeFrame(map[string]any{
		"type": frameControlResponse,
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   behavior,
		},
	})
}

func (r *procRunner) Interrupt(ctx context.Context) error {
	return r.writeFrame(map[string]any{
		"type":       frameControlRequest,
		"request_id": uuid.NewString(),
		"request":    map[string]any{"subtype": controlInterrupt},
	})
}

func (r *procRunner) Stop(ctx context.Context, grace time.Duration) error {
	r.mu.Lock()
	cmd := r.cmd
	stdin := r.stdin
	r.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if stdin != nil {
		_ = stdin.Close()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-r.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	r.logger.Warn("agent process did not exit within grace, killing", "pid", cmd.Process.Pid)
	_ = cmd.Process.Kill()
	<-r.exited
	return nil
}

func (r *procRunner) AgentSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentSessionID
}

// readLoop consumes the agent's stdout for the life of the process.
func (r *procRunner) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		r.touchWatchdog()

		var frame inFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			r.logger.Warn("skipping malformed agent frame", "error", err)
			continue
		}
		r.dispatch(&frame)
	}

	err := scanner.Err()
	r.processExited(err)
	_ = r.cmd.Wait()
	close(r.exited)
}

func (r *procRunner) dispatch(frame *inFrame) {
	r.mu.Lock()
	if frame.SessionID != "" {
		r.agentSessionID = frame.SessionID
	}
	turn := r.turn
	r.mu.Unlock()

	switch frame.Type {
	case frameSystem:
		// init frame carries the session id, captured above

	case frameAssistant:
		if turn == nil {
			return
		}
		var msg assistantMessage
		if err := json.Unmarshal(frame.Message, &msg); err != nil {
			r.logger.Warn("skipping malformed assistant message", "error", err)
			return
		}
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				turn <- TextChunk{Text: block.Text}
			}
		}

	case frameControlRequest:
		if frame.Request == nil || frame.Request.Subtype != controlCanUseTool {
			return
		}
		if turn == nil {
			// A tool request with no active turn cannot be decided; deny it.
			_ = r.Respond(context.Background(), frame.RequestID, false, "no active turn")
			return
		}
		r.mu.Lock()
		r.seq++
		seq := r.seq
		r.mu.Unlock()
		turn <- ToolCall{
			ID:        frame.RequestID,
			Tool:      frame.Request.ToolName,
			Arguments: frame.Request.Input,
			Seq:       seq,
		}

	case frameResult:
		r.mu.Lock()
		turn = r.turn
		r.turn = nil
		// Tool-call sequence numbers are per turn, not per process.
		r.seq = 0
		r.disarmWatchdogLocked()
		r.mu.Unlock()
		if turn != nil {
			turn <- TurnComplete{
				AgentSessionID: frame.SessionID,
				Result:         frame.Result,
				CostUSD:        frame.CostUSD,
				NumTurns:       frame.NumTurns,
				DurationMS:     frame.DurationMS,
				IsError:        frame.IsError,
			}
			close(turn)
		}
	}
}

// processExited marks the runner dead and fails any in-flight turn. Runs
// on the readLoop goroutine, which is the sole owner of the turn channel.
func (r *procRunner) processExited(readErr error) {
	r.mu.Lock()
	r.failed = true
	turn := r.turn
	r.turn = nil
	stalled := r.stallFired
	r.disarmWatchdogLocked()
	r.mu.Unlock()

	if turn != nil {
		var err error
		switch {
		case stalled:
			err = tetherr.New(tetherr.CodeSessionStalled, "agent produced no output",
				tetherr.Field("stall", r.stall.String()))
		case readErr != nil:
			err = tetherr.Wrap(readErr, tetherr.CodeSessionProcessFailure, "agent stream read failed")
		default:
			err = tetherr.New(tetherr.CodeSessionProcessFailure, "agent process exited mid-turn")
		}
		turn <- ProcessError{Err: err}
		close(turn)
	}

	r.logger.Warn("agent process exited", "error", readErr, "stalled", stalled)
}

// armWatchdogLocked starts the no-output stall timer for the active turn.
// Caller holds r.mu.
func (r *procRunner) armWatchdogLocked() {
	if r.stall <= 0 {
		return
	}
	r.watchdog = time.AfterFunc(r.stall, r.stalled)
}

func (r *procRunner) disarmWatchdogLocked() {
	if r.watchdog != nil {
		r.watchdog.Stop()
		r.watchdog = nil
	}
}

func (r *procRunner) touchWatchdog() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watchdog != nil {
		r.watchdog.Reset(r.stall)
	}
}

// stalled fires when the agent produced no output for the stall window
// during an active turn. It only kills the process; readLoop observes the
// resulting EOF and fails the turn, so the turn channel stays owned by a
// single goroutine.
func (r *procRunner) stalled() {
	r.mu.Lock()
	if r.turn == nil {
		r.mu.Unlock()
		return
	}
	r.stallFired = true
	cmd := r.cmd
	r.mu.Unlock()

	r.logger.Error("agent produced no output within stall window, killing", "stall", r.stall)
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (r *procRunner) writeFrame(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return tetherr.Wrap(err, tetherr.CodeSessionProtocolError, "encoding agent frame")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	stdin := r.stdin
	failed := r.failed
	r.mu.Unlock()

	if stdin == nil || failed {
		return tetherr.New(tetherr.CodeSessionProcessFailure, "agent process is not accepting input")
	}

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return tetherr.Wrap(err, tetherr.CodeSessionProcessFailure, "writing agent frame")
	}
	return nil
}
