// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tether-dev/tether/internal/config"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// fakeMessagesAPI serves canned Messages API responses in order, then
// repeats the last one.
type fakeMessagesAPI struct {
	responses []string
	calls     atomic.Int64
	lastBody  atomic.Value
}

func (f *fakeMessagesAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastBody.Store(body)

		n := int(f.calls.Add(1)) - 1
		if n >= len(f.responses) {
			n = len(f.responses) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, f.responses[n])
	}
}

func textResponse(text string) string {
	return fmt.Sprintf(`{
		"id": "msg_test",
		"type": "message",
		"role": "assistant",
		"model": "claude-test",
		"content": [{"type": "text", "text": %q}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`, text)
}

func toolUseResponse(id, tool, args string) string {
	return fmt.Sprintf(`{
		"id": "msg_test",
		"type": "message",
		"role": "assistant",
		"model": "claude-test",
		"content": [{"type": "tool_use", "id": %q, "name": %q, "input": %s}],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`, id, tool, args)
}

type echoExecutor struct {
	calls atomic.Int64
}

func (e *echoExecutor) Execute(ctx context.Context, tool string, args json.RawMessage) (string, error) {
	e.calls.Add(1)
	return "executed " + tool, nil
}

func newTestSDKRunner(t *testing.T, api *fakeMessagesAPI, cfg config.AgentConfig, executor ToolExecutor) *sdkRunner {
	t.Helper()

	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	return &sdkRunner{
		cfg: cfg,
		client: anthropicsdk.NewClient(
			option.WithAPIKey("test-key"),
			option.WithBaseURL(srv.URL),
			option.WithMaxRetries(0),
		),
		executor:  executor,
		logger:    slog.Default(),
		sessionID: "sdk-session-1",
		pending:   make(map[string]chan toolVerdict),
	}
}

func collectEvents(t *testing.T, events <-chan Event) []Event {
	t.Helper()

	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out collecting events, got %d so far", len(out))
		}
	}
}

func TestSDKRunnerTextTurn(t *testing.T) {
	api := &fakeMessagesAPI{responses: []string{textResponse("hi there")}}
	r := newTestSDKRunner(t, api, config.AgentConfig{Model: "claude-test", MaxTurns: 5}, nil)
	require.NoError(t, r.Start(context.Background()))

	events, err := r.Submit(context.Background(), Turn{Payload: "hello"})
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, TextChunk{Text: "hi there"}, got[0])

	done, ok := got[1].(TurnComplete)
	require.True(t, ok)
	assert.Equal(t, "sdk-session-1", done.AgentSessionID)
	assert.Equal(t, 1, done.NumTurns)
	assert.False(t, done.IsError)
}

func TestSDKRunnerToolUseApproved(t *testing.T) {
	api := &fakeMessagesAPI{responses: []string{
		toolUseResponse("toolu_1", "Read", `{"path": "main.go"}`),
		textResponse("done reading"),
	}}
	executor := &echoExecutor{}
	r := newTestSDKRunner(t, api, config.AgentConfig{Model: "claude-test", MaxTurns: 5}, executor)

	events, err := r.Submit(context.Background(), Turn{Payload: "read main.go"})
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		if call, ok := ev.(ToolCall); ok {
			assert.Equal(t, "Read", call.Tool)
			require.NoError(t, r.Respond(context.Background(), call.ID, true, ""))
		}
		got = append(got, ev)
	}

	assert.EqualValues(t, 1, executor.calls.Load())
	assert.EqualValues(t, 2, api.calls.Load())

	done, ok := got[len(got)-1].(TurnComplete)
	require.True(t, ok)
	assert.Equal(t, 2, done.NumTurns)
}

func TestSDKRunnerToolUseDenied(t *testing.T) {
	api := &fakeMessagesAPI{responses: []string{
		toolUseResponse("toolu_2", "Bash", `{"command": "rm -rf /"}`),
		textResponse("understood"),
	}}
	executor := &echoExecutor{}
	r := newTestSDKRunner(t, api, config.AgentConfig{Model: "claude-test", MaxTurns: 5}, executor)

	events, err := r.Submit(context.Background(), Turn{Payload: "wipe the disk"})
	require.NoError(t, err)

	for ev := range events {
		if call, ok := ev.(ToolCall); ok {
			require.NoError(t, r.Respond(context.Background(), call.ID, false, "tool not permitted"))
		}
	}

	// Denied calls never reach the executor; the denial reason goes back
	// as an error tool_result instead.
	assert.EqualValues(t, 0, executor.calls.Load())
	assert.EqualValues(t, 2, api.calls.Load())
}

func TestSDKRunnerMaxTurns(t *testing.T) {
	api := &fakeMessagesAPI{responses: []string{
		toolUseResponse("toolu_loop", "Read", `{"path": "a.go"}`),
	}}
	r := newTestSDKRunner(t, api, config.AgentConfig{Model: "claude-test", MaxTurns: 1}, &echoExecutor{})

	events, err := r.Submit(context.Background(), Turn{Payload: "loop forever"})
	require.NoError(t, err)

	var done TurnComplete
	for ev := range events {
		switch v := ev.(type) {
		case ToolCall:
			require.NoError(t, r.Respond(context.Background(), v.ID, true, ""))
		case TurnComplete:
			done = v
		}
	}

	assert.True(t, done.IsError)
	assert.Contains(t, done.Result, "max turns")
}

func TestSDKRunnerRejectsOverlappingTurns(t *testing.T) {
	api := &fakeMessagesAPI{responses: []string{
		toolUseResponse("toolu_hold", "Read", `{"path": "a.go"}`),
		textResponse("ok"),
	}}
	r := newTestSDKRunner(t, api, config.AgentConfig{Model: "claude-test", MaxTurns: 5}, &echoExecutor{})

	events, err := r.Submit(context.Background(), Turn{Payload: "first"})
	require.NoError(t, err)

	// The first turn is blocked awaiting a verdict; a second Submit must
	// be refused.
	var callID string
	ev := <-events
	call, ok := ev.(ToolCall)
	require.True(t, ok)
	callID = call.ID

	_, err = r.Submit(context.Background(), Turn{Payload: "second"})
	require.Error(t, err)
	assert.True(t, tetherr.IsInvalidInput(err))

	require.NoError(t, r.Respond(context.Background(), callID, true, ""))
	collectEvents(t, events)
}

func TestSDKRunnerRespondUnknownID(t *testing.T) {
	r := newTestSDKRunner(t, &fakeMessagesAPI{responses: []string{textResponse("x")}},
		config.AgentConfig{Model: "claude-test"}, nil)

	err := r.Respond(context.Background(), "toolu_missing", true, "")
	require.Error(t, err)
	assert.True(t, tetherr.IsInvalidInput(err))
}

func TestSDKRunnerRequiresModel(t *testing.T) {
	_, err := newSDKRunner(config.AgentConfig{Backend: "sdk"}, t.TempDir(), nil, nil, nil)
	require.Error(t, err)
	assert.True(t, tetherr.IsInvalidInput(err))
}
