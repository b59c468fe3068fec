// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package monitor

import (
	"context"
	"sync"
	"time"

	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// confirmBroker parks tool calls awaiting a human verdict. Each pending
// request holds a one-shot channel; Resolve delivers the verdict exactly
// once and unregistration is unconditional on the waiting side.
type confirmBroker struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

func newConfirmBroker() *confirmBroker {
	return &confirmBroker{pending: make(map[string]chan bool)}
}

// register parks a request and returns its verdict channel. Registration
// happens before the prompt is surfaced anywhere, so a verdict arriving
// immediately after still finds the pending entry.
func (b *confirmBroker) register(requestID string) chan bool {
	ch := make(chan bool, 1)

	b.mu.Lock()
	b.pending[requestID] = ch
	b.mu.Unlock()
	return ch
}

// wait blocks on a registered request until it is resolved, the timeout
// lapses, or ctx is cancelled. Timeout and cancellation count as
// rejection. The pending entry is removed on every exit path.
func (b *confirmBroker) wait(ctx context.Context, requestID string, ch chan bool, timeout time.Duration) (bool, error) {
	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approved := <-ch:
		return approved, nil
	case <-timer.C:
		return false, tetherr.New(tetherr.CodeMonitorConfirmTimeout, "confirmation timed out",
			tetherr.Field("request_id", requestID))
	case <-ctx.Done():
		return false, tetherr.Wrap(ctx.Err(), tetherr.CodeMonitorConfirmTimeout, "confirmation abandoned")
	}
}

// resolve delivers a verdict for a pending request.
func (b *confirmBroker) resolve(requestID string, approved bool) error {
	b.mu.Lock()
	ch, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()

	if !ok {
		return tetherr.New(tetherr.CodeMonitorConfirmNotFound, "no pending confirmation",
			tetherr.Field("request_id", requestID))
	}

	ch <- approved
	return nil
}

// pendingIDs lists currently parked request IDs.
func (b *confirmBroker) pendingIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	return ids
}
