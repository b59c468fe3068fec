// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package store_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/tether-dev/tether/internal/store"
	tetherr "github.com/tether-dev/tether/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingAudit struct {
	fail  bool
	count int
}

func (f *failingAudit) Append(ctx context.Context, entry *store.AuditEntry) error {
	f.count++
	if f.fail {
		return tetherr.New(tetherr.CodeStoreDatabaseFailure, "disk full")
	}
	return nil
}

func (f *failingAudit) Query(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	return nil, nil
}

func TestRecorderStampsEntries(t *testing.T) {
	backing := store.NewMemoryStore()
	rec := store.NewRecorder(backing.Audit(), nil)

	rec.Record(context.Background(), "42", "authorize", "allowed", "", nil)

	entries, err := backing.Audit().Query(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, "42", entries[0].Identity)
	assert.Equal(t, "authorize", entries[0].Action)
	assert.Equal(t, "allowed", entries[0].Decision)
}

func TestRecorderEscalatesAfterConsecutiveFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	audit := &failingAudit{fail: true}
	rec := store.NewRecorder(audit, logger)

	ctx := context.Background()
	rec.Record(ctx, "42", "authorize", "denied", "", nil)
	rec.Record(ctx, "42", "authorize", "denied", "", nil)
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.NotContains(t, out, "level=ERROR")

	rec.Record(ctx, "42", "authorize", "denied", "", nil)
	assert.Contains(t, buf.String(), "level=ERROR")
}

func TestRecorderFailureCountResetsOnSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	audit := &failingAudit{fail: true}
	rec := store.NewRecorder(audit, logger)

	ctx := context.Background()
	rec.Record(ctx, "42", "a", "d", "", nil)
	rec.Record(ctx, "42", "a", "d", "", nil)

	audit.fail = false
	rec.Record(ctx, "42", "a", "d", "", nil)

	audit.fail = true
	buf.Reset()
	rec.Record(ctx, "42", "a", "d", "", nil)
	assert.Contains(t, buf.String(), "consecutive_failures=1")
	assert.NotContains(t, buf.String(), "level=ERROR")
}
