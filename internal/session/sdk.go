// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/tether-dev/tether/internal/config"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// sdkRunner holds a Messages API conversation instead of a CLI process.
// Tool use surfaces as ToolCall events exactly like the subprocess
// backend; approved calls execute through the injected ToolExecutor and
// the result feeds back into the conversation.
type sdkRunner struct {
	cfg      config.AgentConfig
	root     string
	client   anthropicsdk.Client
	executor ToolExecutor
	tools    []anthropicsdk.ToolUnionParam
	logger   *slog.Logger

	mu        sync.Mutex
	sessionID string
	history   []anthropicsdk.MessageParam
	seq       int
	pending   map[string]chan toolVerdict
	cancel    context.CancelFunc
}

type toolVerdict struct {
	allow  bool
	reason string
}

func newSDKRunner(cfg config.AgentConfig, root string, executor ToolExecutor, tools []ToolDefinition, logger *slog.Logger) (*sdkRunner, error) {
	if cfg.Model == "" {
		return nil, tetherr.New(tetherr.CodeSessionInvalidInput, "sdk backend requires a model")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	return &sdkRunner{
		cfg:       cfg,
		root:      root,
		client:    anthropicsdk.NewClient(opts...),
		executor:  executor,
		tools:     convertTools(tools),
		logger:    logger,
		sessionID: uuid.NewString(),
		pending:   make(map[string]chan toolVerdict),
	}, nil
}

func (r *sdkRunner) Start(ctx context.Context) error { return nil }

func (r *sdkRunner) Submit(ctx context.Context, turn Turn) (<-chan Event, error) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return nil, tetherr.New(tetherr.CodeSessionInvalidInput, "turn already in flight")
	}
	turnCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.history = append(r.history, anthropicsdk.NewUserMessage(
		anthropicsdk.NewTextBlock(turn.Payload),
	))
	r.mu.Unlock()

	events := make(chan Event, 64)
	go r.runTurn(turnCtx, events)
	return events, nil
}

// runTurn drives the model until it stops asking for tools. One Submit may
// span several Messages API round-trips.
func (r *sdkRunner) runTurn(ctx context.Context, events chan<- Event) {
	started := time.Now()
	rounds := 0

	defer func() {
		r.mu.Lock()
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
		r.mu.Unlock()
		close(events)
	}()

	for {
		if r.cfg.MaxTurns > 0 && rounds >= r.cfg.MaxTurns {
			events <- TurnComplete{
				AgentSessionID: r.sessionID,
				NumTurns:       rounds,
				DurationMS:     time.Since(started).Milliseconds(),
				IsError:        true,
				Result:         "max turns exceeded",
			}
			return
		}

		r.mu.Lock()
		params := anthropicsdk.MessageNewParams{
			Model:     anthropicsdk.Model(r.cfg.Model),
			Messages:  append([]anthropicsdk.MessageParam(nil), r.history...),
			MaxTokens: 8192,
			Tools:     r.tools,
		}
		r.mu.Unlock()

		msg, err := r.client.Messages.New(ctx, params)
		if err != nil {
			events <- ProcessError{Err: tetherr.Wrap(err, tetherr.CodeSessionProcessFailure, "messages request failed")}
			return
		}
		rounds++

		r.mu.Lock()
		r.history = append(r.history, msg.ToParam())
		r.mu.Unlock()

		var results []anthropicsdk.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch variant := block.AsAny().(type) {
			case anthropicsdk.TextBlock:
				if variant.Text != "" {
					events <- TextChunk{Text: variant.Text}
				}
			case anthropicsdk.ToolUseBlock:
				result := r.handleToolUse(ctx, events, variant)
				results = append(results, result)
			}
		}

		if msg.StopReason != anthropicsdk.StopReasonToolUse {
			events <- TurnComplete{
				AgentSessionID: r.sessionID,
				NumTurns:       rounds,
				DurationMS:     time.Since(started).Milliseconds(),
			}
			return
		}

		r.mu.Lock()
		r.history = append(r.history, anthropicsdk.NewUserMessage(results...))
		r.mu.Unlock()
	}
}

// handleToolUse surfaces the call, waits for the verdict, executes when
// allowed, and returns the tool_result block for the next round-trip.
func (r *sdkRunner) handleToolUse(ctx context.Context, events chan<- Event, block anthropicsdk.ToolUseBlock) anthropicsdk.ContentBlockParamUnion {
	verdictCh := make(chan toolVerdict, 1)

	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.pending[block.ID] = verdictCh
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, block.ID)
		r.mu.Unlock()
	}()

	events <- ToolCall{
		ID:        block.ID,
		Tool:      block.Name,
		Arguments: json.RawMessage(block.Input),
		Seq:       seq,
	}

	var verdict toolVerdict
	select {
	case verdict = <-verdictCh:
	case <-ctx.Done():
		return anthropicsdk.NewToolResultBlock(block.ID, "turn aborted", true)
	}

	if !verdict.allow {
		reason := verdict.reason
		if reason == "" {
			reason = "denied by policy"
		}
		return anthropicsdk.NewToolResultBlock(block.ID, reason, true)
	}

	if r.executor == nil {
		return anthropicsdk.NewToolResultBlock(block.ID, "no tool executor configured", true)
	}

	out, err := r.executor.Execute(ctx, block.Name, json.RawMessage(block.Input))
	if err != nil {
		return anthropicsdk.NewToolResultBlock(block.ID, err.Error(), true)
	}
	return anthropicsdk.NewToolResultBlock(block.ID, out, false)
}

func (r *sdkRunner) Respond(ctx context.Context, requestID string, allow bool, reason string) error {
	r.mu.Lock()
	ch, ok := r.pending[requestID]
	r.mu.Unlock()

	if !ok {
		return tetherr.New(tetherr.CodeSessionInvalidInput, "no pending tool call",
			tetherr.Field("request_id", requestID))
	}
	ch <- toolVerdict{allow: allow, reason: reason}
	return nil
}

func (r *sdkRunner) Interrupt(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (r *sdkRunner) Stop(ctx context.Context, grace time.Duration) error {
	return r.Interrupt(ctx)
}

func (r *sdkRunner) AgentSessionID() string {
	return r.sessionID
}

func convertTools(tools []ToolDefinition) []anthropicsdk.ToolUnionParam {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropicsdk.ToolInputSchemaParam{}
		if props, ok := t.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := t.InputSchema["required"].([]any); ok {
			required := make([]string, 0, len(req))
			for _, v := range req {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
			schema.Required = required
		}
		out = append(out, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.Opt(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}
