// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

// Package config loads and validates the Tether configuration. Configuration
// errors are fatal at startup; nothing here is recoverable at runtime.
package config

import (
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// Config is the top-level Tether configuration.
type Config struct {
	Identities []IdentityConfig       `mapstructure:"identities"`
	Sandbox    SandboxConfig          `mapstructure:"sandbox"`
	Agent      AgentConfig            `mapstructure:"agent"`
	Tools      ToolsConfig            `mapstructure:"tools"`
	RateLimits map[string]ClassConfig `mapstructure:"rate_limits"`
	Timeouts   TimeoutsConfig         `mapstructure:"timeouts"`
	Storage    StorageConfig          `mapstructure:"storage"`
	Server     ServerConfig           `mapstructure:"server"`
}

// IdentityConfig is one allow-listed caller, optionally with per-identity
// tool policy overrides.
type IdentityConfig struct {
	ID        string   `mapstructure:"id"`
	Name      string   `mapstructure:"name"`
	ToolAllow []string `mapstructure:"tool_allow"`
	ToolDeny  []string `mapstructure:"tool_deny"`
}

// SandboxConfig holds the approved filesystem root.
type SandboxConfig struct {
	Root string `mapstructure:"root"`
}

// AgentConfig selects and parameterises the agent backend.
type AgentConfig struct {
	// Backend is "subprocess" (Claude Code CLI over stream-json) or "sdk"
	// (Anthropic Messages API conversation).
	Backend    string `mapstructure:"backend"`
	BinaryPath string `mapstructure:"binary_path"`
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	MaxTurns   int    `mapstructure:"max_turns"`
}

// ToolsConfig is the tool authorization policy.
type ToolsConfig struct {
	Allow   []string `mapstructure:"allow"`
	Confirm []string `mapstructure:"confirm"`
	// PathArgs names the argument keys treated as filesystem paths and
	// validated against the sandbox root.
	PathArgs []string `mapstructure:"path_args"`
}

// ClassConfig configures one rate-limit action class.
type ClassConfig struct {
	Capacity     float64 `mapstructure:"capacity"`
	RefillPerSec float64 `mapstructure:"refill_per_sec"`
}

// TimeoutsConfig groups the lifecycle timers.
type TimeoutsConfig struct {
	Idle         time.Duration `mapstructure:"idle"`
	Stall        time.Duration `mapstructure:"stall"`
	Confirmation time.Duration `mapstructure:"confirmation"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	Tokens         []TokenConfig `mapstructure:"tokens"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// TokenConfig is one static bearer token for the ops server.
type TokenConfig struct {
	Token string `mapstructure:"token"`
	Name  string `mapstructure:"name"`
}

// Rate-limit class names used by the core.
const (
	ClassMessage   = "message"
	ClassToolCall  = "tool-call"
	ClassAuthProbe = "auth-probe"
)

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix TETHER_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("agent.backend", "subprocess")
	v.SetDefault("agent.binary_path", "claude")
	v.SetDefault("agent.max_turns", 20)
	v.SetDefault("tools.allow", []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", "read_dir"})
	v.SetDefault("tools.confirm", []string{"Bash"})
	v.SetDefault("tools.path_args", []string{"path", "file_path", "directory", "cwd"})
	v.SetDefault("rate_limits.message.capacity", 10)
	v.SetDefault("rate_limits.message.refill_per_sec", 1)
	v.SetDefault("rate_limits.tool-call.capacity", 30)
	v.SetDefault("rate_limits.tool-call.refill_per_sec", 3)
	v.SetDefault("rate_limits.auth-probe.capacity", 5)
	v.SetDefault("rate_limits.auth-probe.refill_per_sec", 0.1)
	v.SetDefault("timeouts.idle", 30*time.Minute)
	v.SetDefault("timeouts.stall", 5*time.Minute)
	v.SetDefault("timeouts.confirmation", 2*time.Minute)
	v.SetDefault("timeouts.stop_grace", 5*time.Second)
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("server.listen", "127.0.0.1:18790")
	v.SetDefault("server.rate_limit_rps", 10)
	v.SetDefault("server.rate_limit_burst", 20)

	// Environment
	v.SetEnvPrefix("TETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, tetherr.Errorf(tetherr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns all
// validation errors found rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateIdentities()...)
	errs = append(errs, c.validateSandbox()...)
	errs = append(errs, c.validateAgent()...)
	errs = append(errs, c.validateTools()...)
	errs = append(errs, c.validateRateLimits()...)
	errs = append(errs, c.validateTimeouts()...)
	errs = append(errs, c.validateServer()...)

	return errs
}

func (c *Config) validateIdentities() []error {
	var errs []error

	if len(c.Identities) == 0 {
		errs = append(errs, tetherr.New(tetherr.CodeConfigValidateInvalidValue,
			"config: identities allow-list must not be empty"))
	}

	seen := make(map[string]bool, len(c.Identities))
	for i, id := range c.Identities {
		if id.ID == "" {
			errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
				"config: identities[%d].id must not be empty", i))
			continue
		}
		if seen[id.ID] {
			errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
				"config: duplicate identity %q", id.ID))
		}
		seen[id.ID] = true
	}

	return errs
}

func (c *Config) validateSandbox() []error {
	var errs []error

	if c.Sandbox.Root == "" {
		errs = append(errs, tetherr.New(tetherr.CodeConfigValidateInvalidValue,
			"config: sandbox.root must not be empty"))
	} else if !filepath.IsAbs(c.Sandbox.Root) {
		errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
			"config: sandbox.root must be an absolute path, got %q", c.Sandbox.Root))
	}

	return errs
}

func (c *Config) validateAgent() []error {
	var errs []error

	switch c.Agent.Backend {
	case "subprocess":
		if c.Agent.BinaryPath == "" {
			errs = append(errs, tetherr.New(tetherr.CodeConfigValidateInvalidValue,
				"config: agent.binary_path must not be empty for the subprocess backend"))
		}
	case "sdk":
		if c.Agent.Model == "" {
			errs = append(errs, tetherr.New(tetherr.CodeConfigValidateInvalidValue,
				"config: agent.model must not be empty for the sdk backend"))
		}
	default:
		errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
			"config: agent.backend must be one of [subprocess, sdk], got %q", c.Agent.Backend))
	}

	if c.Agent.MaxTurns <= 0 {
		errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
			"config: agent.max_turns must be greater than 0, got %d", c.Agent.MaxTurns))
	}

	return errs
}

func (c *Config) validateTools() []error {
	var errs []error

	if len(c.Tools.Allow) == 0 {
		errs = append(errs, tetherr.New(tetherr.CodeConfigValidateInvalidValue,
			"config: tools.allow must not be empty"))
	}

	allowed := make(map[string]bool, len(c.Tools.Allow))
	for _, tool := range c.Tools.Allow {
		allowed[tool] = true
	}
	for _, tool := range c.Tools.Confirm {
		if !allowed[tool] {
			errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
				"config: tools.confirm entry %q is not in tools.allow", tool))
		}
	}

	return errs
}

func (c *Config) validateRateLimits() []error {
	var errs []error

	for _, class := range []string{ClassMessage, ClassToolCall, ClassAuthProbe} {
		cc, ok := c.RateLimits[class]
		if !ok {
			errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
				"config: rate_limits.%s is required", class))
			continue
		}
		if cc.Capacity <= 0 {
			errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
				"config: rate_limits.%s.capacity must be greater than 0, got %g", class, cc.Capacity))
		}
		if cc.RefillPerSec <= 0 {
			errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
				"config: rate_limits.%s.refill_per_sec must be greater than 0, got %g", class, cc.RefillPerSec))
		}
	}

	return errs
}

func (c *Config) validateTimeouts() []error {
	var errs []error

	for _, tc := range []struct {
		name string
		val  time.Duration
	}{
		{"idle", c.Timeouts.Idle},
		{"stall", c.Timeouts.Stall},
		{"confirmation", c.Timeouts.Confirmation},
		{"stop_grace", c.Timeouts.StopGrace},
	} {
		if tc.val <= 0 {
			errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
				"config: timeouts.%s must be greater than 0, got %s", tc.name, tc.val))
		}
	}

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		return append(errs, tetherr.New(tetherr.CodeConfigValidateInvalidValue,
			"config: server.listen must not be empty"))
	}

	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
			"config: server.listen must be a valid host:port address, got %q: %w",
			c.Server.Listen, err))
		return errs
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be a number, got %q", portStr))
	} else if port < 1 || port > 65535 {
		errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be between 1 and 65535, got %d", port))
	}

	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		errs = append(errs, tetherr.Errorf(tetherr.CodeConfigValidateInvalidValue,
			"config: server.rate_limit_burst must be positive when rate_limit_rps is set, got %d",
			c.Server.RateLimitBurst))
	}

	return errs
}

// Identity returns the allow-list entry for id, or nil when absent.
func (c *Config) Identity(id string) *IdentityConfig {
	for i := range c.Identities {
		if c.Identities[i].ID == id {
			return &c.Identities[i]
		}
	}
	return nil
}
