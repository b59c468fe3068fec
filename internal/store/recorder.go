// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// failureEscalation is the consecutive-failure count after which audit
// append failures are logged at Error instead of Warn.
const failureEscalation = 3

// Recorder stamps and appends audit entries. Appends are best-effort from
// the caller's point of view: a failing store never aborts the decision
// being audited, it only degrades the log. Consecutive failures escalate
// the log level so a dead audit backend is hard to miss.
type Recorder struct {
	audit    AuditStore
	logger   *slog.Logger
	failures atomic.Int64
	now      func() time.Time
}

// NewRecorder wraps an AuditStore. A nil logger uses slog.Default.
func NewRecorder(audit AuditStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{audit: audit, logger: logger, now: time.Now}
}

// Record appends one audit entry, assigning its ID and timestamp.
func (r *Recorder) Record(ctx context.Context, identity, action, decision, reason string, details map[string]any) {
	entry := &AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: r.now().UTC(),
		Identity:  identity,
		Action:    action,
		Decision:  decision,
		Reason:    reason,
		Details:   details,
	}

	if err := r.audit.Append(ctx, entry); err != nil {
		n := r.failures.Add(1)
		level := slog.LevelWarn
		if n >= failureEscalation {
			level = slog.LevelError
		}
		r.logger.Log(ctx, level, "audit append failed",
			"action", action,
			"identity", identity,
			"consecutive_failures", n,
			"error", err)
		return
	}
	r.failures.Store(0)
}
