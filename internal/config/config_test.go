// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tether-dev/tether/internal/config"
	tetherr "github.com/tether-dev/tether/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tether.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
identities:
  - id: "42"
    name: alice
sandbox:
  root: /approved/root
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "/approved/root", cfg.Sandbox.Root)
	assert.Equal(t, "subprocess", cfg.Agent.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Timeouts.Idle)
	assert.Equal(t, float64(10), cfg.RateLimits[config.ClassMessage].Capacity)

	id := cfg.Identity("42")
	require.NotNil(t, id)
	assert.Equal(t, "alice", id.Name)
	assert.Nil(t, cfg.Identity("7"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, tetherr.CodeConfigLoadReadFailure, tetherr.CodeOf(err))
}

func TestValidateFailures(t *testing.T) {
	const identities = "identities:\n  - id: \"42\"\n"

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "empty allow-list",
			body: "sandbox:\n  root: /approved/root\n",
			want: "identities allow-list must not be empty",
		},
		{
			name: "missing sandbox root",
			body: identities,
			want: "sandbox.root must not be empty",
		},
		{
			name: "relative sandbox root",
			body: identities + "sandbox:\n  root: relative/path\n",
			want: "sandbox.root must be an absolute path",
		},
		{
			name: "duplicate identity",
			body: "identities:\n  - id: \"42\"\n  - id: \"42\"\nsandbox:\n  root: /r\n",
			want: "duplicate identity",
		},
		{
			name: "unknown backend",
			body: validConfig + "agent:\n  backend: carrier-pigeon\n",
			want: "agent.backend must be one of",
		},
		{
			name: "sdk backend without model",
			body: validConfig + "agent:\n  backend: sdk\n",
			want: "agent.model must not be empty",
		},
		{
			name: "confirm tool not allowed",
			body: validConfig + "tools:\n  allow: [Read]\n  confirm: [Bash]\n",
			want: "is not in tools.allow",
		},
		{
			name: "bad listen address",
			body: validConfig + "server:\n  listen: not-an-address\n",
			want: "valid host:port",
		},
		{
			name: "zero confirmation timeout",
			body: validConfig + "timeouts:\n  confirmation: 0s\n",
			want: "timeouts.confirmation must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Equal(t, tetherr.CodeConfigValidateInvalidValue, tetherr.CodeOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	// Empty config violates both the allow-list and sandbox requirements;
	// both must surface in the joined error.
	cfg := &config.Config{}
	errs := cfg.Validate()
	assert.GreaterOrEqual(t, len(errs), 2)
}

func TestIdentityOverridesParsed(t *testing.T) {
	body := `
identities:
  - id: "42"
    tool_allow: [deploy]
    tool_deny: [Bash]
sandbox:
  root: /approved/root
`
	cfg, err := config.Load(writeConfig(t, body))
	require.NoError(t, err)

	id := cfg.Identity("42")
	require.NotNil(t, id)
	assert.Equal(t, []string{"deploy"}, id.ToolAllow)
	assert.Equal(t, []string{"Bash"}, id.ToolDeny)
}

func TestDefaultConfigYAMLParses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.yaml")
	require.NoError(t, os.WriteFile(path, config.DefaultConfigYAML, 0o600))

	// The shipped default is intentionally incomplete (no identities, no
	// sandbox root) so loading it must fail validation, not parsing.
	_, err := config.Load(path)
	require.Error(t, err)
	assert.Equal(t, tetherr.CodeConfigValidateInvalidValue, tetherr.CodeOf(err))
}
