// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tetherr "github.com/tether-dev/tether/pkg/errors"
)

func writeTestConfig(t *testing.T, sandboxRoot string) string {
	t.Helper()

	yaml := fmt.Sprintf(`identities:
  - id: "42"
    name: alice
sandbox:
  root: %s
agent:
  backend: subprocess
  binary_path: claude
  max_turns: 10
tools:
  allow: [Read, Bash]
  confirm: [Bash]
  path_args: [path]
rate_limits:
  message:
    capacity: 10
    refill_per_sec: 1
  tool-call:
    capacity: 30
    refill_per_sec: 3
  auth-probe:
    capacity: 5
    refill_per_sec: 0.1
timeouts:
  idle: 30m
  stall: 5m
  confirmation: 2m
  stop_grace: 5s
storage:
  backend: memory
server:
  listen: 127.0.0.1:0
  tokens:
    - token: ops-secret
      name: ops
`, sandboxRoot)

	path := filepath.Join(t.TempDir(), "tether.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestBuildApp(t *testing.T) {
	path := writeTestConfig(t, t.TempDir())

	app, err := buildApp(path, slog.Default())
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.Facade)
	assert.NotNil(t, app.Server)
	assert.NotNil(t, app.Manager)
	assert.NotNil(t, app.Monitor)
	assert.Equal(t, "alice", app.Config.Identities[0].Name)
}

func TestBuildAppInvalidConfig(t *testing.T) {
	yaml := "identities: []\n"
	path := filepath.Join(t.TempDir(), "tether.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	_, err := buildApp(path, slog.Default())
	require.Error(t, err)
	assert.Equal(t, tetherr.CodeConfigValidateInvalidValue, tetherr.CodeOf(err))
}

func TestBuildAppBadSandboxRoot(t *testing.T) {
	path := writeTestConfig(t, "/nonexistent/sandbox/root")

	_, err := buildApp(path, slog.Default())
	require.Error(t, err)
}
