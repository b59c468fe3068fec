// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

// Package identity implements the gate between inbound callers and the
// rest of the system. Every request resolves to a configured identity or
// is rejected with a deliberately uninformative error.
package identity

import (
	"context"
	"log/slog"

	"github.com/tether-dev/tether/internal/config"
	"github.com/tether-dev/tether/internal/security"
	"github.com/tether-dev/tether/internal/store"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// Identity is an authorized caller. Immutable after construction; callers
// receive copies so the gate's table cannot be mutated from outside.
type Identity struct {
	ID        string
	Name      string
	ToolAllow []string
	ToolDeny  []string
}

// Gate authorizes callers against the configured allow-list. Unknown
// callers burn tokens from a dedicated probe rate class so repeated
// guessing throttles without leaking whether an ID exists at all.
type Gate struct {
	identities map[string]Identity
	limiter    *security.Limiter
	recorder   *store.Recorder
	logger     *slog.Logger
}

// NewGate builds a Gate from the configured identities.
func NewGate(identities []config.IdentityConfig, limiter *security.Limiter, recorder *store.Recorder, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}

	table := make(map[string]Identity, len(identities))
	for _, ic := range identities {
		table[ic.ID] = Identity{
			ID:        ic.ID,
			Name:      ic.Name,
			ToolAllow: append([]string(nil), ic.ToolAllow...),
			ToolDeny:  append([]string(nil), ic.ToolDeny...),
		}
	}

	return &Gate{
		identities: table,
		limiter:    limiter,
		recorder:   recorder,
		logger:     logger,
	}
}

// Authorize resolves callerID to an authorized Identity. Rejection is a
// normal outcome: the returned error carries a generic message and never
// distinguishes "unknown caller" from "throttled probe" to the caller.
// Both outcomes are audited with the real reason.
func (g *Gate) Authorize(ctx context.Context, callerID string) (*Identity, error) {
	if callerID == "" {
		return nil, g.deny(ctx, callerID, "empty caller id")
	}

	id, ok := g.identities[callerID]
	if !ok {
		// Unknown callers pay for the probe. The throttle result does not
		// change the response, it only slows the audit churn.
		if err := g.limiter.TryAdmit(callerID, config.ClassAuthProbe, 1); err != nil {
			if tetherr.IsThrottled(err) {
				g.logger.Warn("auth probe throttled", "caller_id", callerID)
			}
			return nil, g.deny(ctx, callerID, "probe throttled")
		}
		return nil, g.deny(ctx, callerID, "not in allow-list")
	}

	g.recorder.Record(ctx, callerID, "authorize", "allowed", "", nil)

	copied := id
	copied.ToolAllow = append([]string(nil), id.ToolAllow...)
	copied.ToolDeny = append([]string(nil), id.ToolDeny...)
	return &copied, nil
}

func (g *Gate) deny(ctx context.Context, callerID, reason string) error {
	g.recorder.Record(ctx, callerID, "authorize", "denied", reason, nil)
	return tetherr.New(tetherr.CodeGateIdentityDenied, "access denied",
		tetherr.FieldIdentity(callerID))
}
