// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package session

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// laneItem is one unit of work queued on a Lane.
type laneItem struct {
	fn     func(context.Context) error
	ctx    context.Context
	result chan<- error
}

// Lane serializes turns for a single session. Work submitted via Submit
// runs one item at a time, FIFO, on a dedicated goroutine, so a session
// never interleaves two turns.
type Lane struct {
	sessionID string
	queue     chan laneItem
	done      chan struct{}
	closing   chan struct{}

	once sync.Once
}

// NewLane starts the lane's worker goroutine. Call Close when done.
func NewLane(sessionID string) *Lane {
	l := &Lane{
		sessionID: sessionID,
		queue:     make(chan laneItem, 64),
		done:      make(chan struct{}),
		closing:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Lane) run() {
	defer close(l.done)
	for {
		select {
		case item := <-l.queue:
			l.execute(item)
		case <-l.closing:
			// Drain what was already queued, then exit.
			for {
				select {
				case item := <-l.queue:
					l.execute(item)
				default:
					return
				}
			}
		}
	}
}

func (l *Lane) execute(item laneItem) {
	if err := item.ctx.Err(); err != nil {
		item.result <- err
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("turn panic recovered",
					"session_id", l.sessionID,
					"panic", r,
					"stack", string(debug.Stack()))
				err = tetherr.Errorf(tetherr.CodeSessionProcessFailure, "turn panic: %v", r)
			}
		}()
		err = item.fn(item.ctx)
	}()

	item.result <- err
}

// Submit enqueues fn and blocks until it has run. Returns ctx.Err() if the
// caller gives up first (the work may still run), or an inactive-session
// error if the lane is closed.
func (l *Lane) Submit(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.closing:
		return tetherr.New(tetherr.CodeSessionInactive, "session lane is closed")
	default:
	}

	result := make(chan error, 1)
	item := laneItem{fn: fn, ctx: ctx, result: result}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closing:
		return tetherr.New(tetherr.CodeSessionInactive, "session lane is closed")
	case l.queue <- item:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

// Close stops accepting new work, lets already-queued items finish, and
// waits for the worker to exit. Idempotent.
func (l *Lane) Close() {
	l.once.Do(func() {
		close(l.closing)
		<-l.done
	})
}
