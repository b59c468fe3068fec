// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package main

import (
	"log/slog"

	"github.com/tether-dev/tether/internal/config"
	"github.com/tether-dev/tether/internal/gateway"
	"github.com/tether-dev/tether/internal/identity"
	"github.com/tether-dev/tether/internal/monitor"
	"github.com/tether-dev/tether/internal/secrets"
	"github.com/tether-dev/tether/internal/security"
	"github.com/tether-dev/tether/internal/server"
	"github.com/tether-dev/tether/internal/session"
	"github.com/tether-dev/tether/internal/store"
	_ "github.com/tether-dev/tether/internal/store/sqlite"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// App is the assembled control core. The Facade is the programmatic entry
// point for chat frontends embedding tether; Server is the ops surface.
type App struct {
	Config  *config.Config
	Store   store.Store
	Limiter *security.Limiter
	Sandbox *security.Sandbox
	Manager *session.Manager
	Monitor *monitor.Monitor
	Facade  *gateway.Facade
	Server  *server.Server
}

// buildApp loads configuration from path and wires every component.
func buildApp(path string, logger *slog.Logger) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := resolveSecrets(cfg); err != nil {
		return nil, err
	}

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir, err = config.DefaultDataDir()
		if err != nil {
			return nil, err
		}
	}

	backing, err := store.Open(&store.StorageConfig{Backend: cfg.Storage.Backend}, dataDir)
	if err != nil {
		return nil, err
	}

	sandbox, err := security.NewSandbox(cfg.Sandbox.Root)
	if err != nil {
		backing.Close()
		return nil, err
	}

	classes := make(map[string]security.Class, len(cfg.RateLimits))
	for name, cc := range cfg.RateLimits {
		classes[name] = security.Class{Capacity: cc.Capacity, RefillPerSec: cc.RefillPerSec}
	}
	limiter := security.NewLimiter(classes)

	recorder := store.NewRecorder(backing.Audit(), logger)
	gate := identity.NewGate(cfg.Identities, limiter, recorder, logger)
	mon := monitor.NewMonitor(cfg.Tools, sandbox, limiter, recorder, cfg.Timeouts.Confirmation, logger)

	factory, err := session.NewRunnerFactory(cfg.Agent, cfg.Timeouts.Stall, nil, nil, logger)
	if err != nil {
		backing.Close()
		return nil, err
	}

	manager := session.NewManager(factory, backing.SessionMeta(), recorder, sandbox.Root(), cfg.Timeouts.StopGrace, logger)
	facade := gateway.NewFacade(gate, limiter, manager, mon, logger)

	srv, err := server.New(cfg.Server, backing.Audit(), manager, logger)
	if err != nil {
		backing.Close()
		return nil, err
	}

	return &App{
		Config:  cfg,
		Store:   backing,
		Limiter: limiter,
		Sandbox: sandbox,
		Manager: manager,
		Monitor: mon,
		Facade:  facade,
		Server:  srv,
	}, nil
}

// resolveSecrets replaces keyring:// URIs in credential-bearing config
// fields with the values they point at.
func resolveSecrets(cfg *config.Config) error {
	ks := secrets.NewKeyringStore()

	key, err := secrets.Resolve(ks, cfg.Agent.APIKey)
	if err != nil {
		return tetherr.Wrap(err, tetherr.CodeConfigValidateInvalidValue, "resolving agent.api_key")
	}
	cfg.Agent.APIKey = key

	for i := range cfg.Server.Tokens {
		token, err := secrets.Resolve(ks, cfg.Server.Tokens[i].Token)
		if err != nil {
			return tetherr.Wrapf(err, tetherr.CodeConfigValidateInvalidValue,
				"resolving server token %q", cfg.Server.Tokens[i].Name)
		}
		cfg.Server.Tokens[i].Token = token
	}
	return nil
}

// Close releases persistent resources. Sessions must be shut down first.
func (a *App) Close() error {
	return a.Store.Close()
}
