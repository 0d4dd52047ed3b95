// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Command hearthd is the workspace agent daemon. It serves the
// console API and the MCP surface over one listener, confining every
// file operation to the configured workspace roots.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hearth-dev/hearth/lib/agent"
	"github.com/hearth-dev/hearth/lib/audit"
	"github.com/hearth-dev/hearth/lib/config"
	"github.com/hearth-dev/hearth/lib/engine"
	"github.com/hearth-dev/hearth/lib/gateway"
	"github.com/hearth-dev/hearth/lib/secret"
	"github.com/hearth-dev/hearth/lib/session"
	"github.com/hearth-dev/hearth/lib/sqlitepool"
	"github.com/hearth-dev/hearth/lib/tools"
	"github.com/hearth-dev/hearth/lib/vault"
	"github.com/hearth-dev/hearth/lib/workspace"
)

func main() {
	configPath := pflag.String("config", "/etc/hearth/hearth.yaml", "path to the configuration file")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "hearthd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(loaded.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(loaded.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   loaded.DatabasePath(),
		Logger: logger.With("component", "sqlitepool"),
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	credentialVault, err := vault.Open(ctx, vault.Config{
		Pool:    pool,
		KeyPath: loaded.VaultKeyPath(),
		Logger:  logger.With("component", "vault"),
	})
	if err != nil {
		return err
	}
	defer credentialVault.Close()

	registry, err := workspace.NewRegistry(loaded.Workspaces)
	if err != nil {
		return err
	}
	logger.Info("workspaces registered", "count", registry.Len())

	sessions, err := session.NewManager(ctx, session.Config{
		Pool:      pool,
		Registry:  registry,
		TurnLimit: loaded.Session.TurnLimit,
		Logger:    logger.With("component", "session"),
	})
	if err != nil {
		return err
	}

	auditLog, err := audit.Open(ctx, audit.Config{
		Pool:   pool,
		Logger: logger.With("component", "audit"),
	})
	if err != nil {
		return err
	}

	apiKey, err := secret.Read(loaded.Engine.APIKeyFile)
	if err != nil {
		return err
	}
	defer apiKey.Close()

	provider := engine.NewAnthropic(engine.AnthropicConfig{
		BaseURL: loaded.Engine.BaseURL,
		APIKey:  apiKey,
		Logger:  logger.With("component", "engine"),
	})

	orchestrator := agent.New(agent.Config{
		Provider:     provider,
		Sessions:     sessions,
		Audit:        auditLog,
		Model:        loaded.Engine.Model,
		MaxTokens:    loaded.Engine.MaxTokens,
		SystemPrompt: loaded.Engine.SystemPrompt,
		Logger:       logger.With("component", "agent"),
	})

	toolsets := make(map[string]tools.Runner)
	for _, summary := range registry.List() {
		entry, err := registry.Get(summary.ID)
		if err != nil {
			return err
		}
		runner, err := tools.NewSet(tools.Config{
			Workspace:      entry,
			Allowed:        loaded.Tools.Allowed,
			MaxFileBytes:   loaded.Tools.MaxFileBytes,
			MaxReadLines:   loaded.Tools.MaxReadLines,
			MaxMatches:     loaded.Tools.MaxMatches,
			MaxListEntries: loaded.Tools.MaxListEntries,
			Logger:         logger.With("component", "tools", "workspace", summary.ID),
		})
		if err != nil {
			return err
		}
		toolsets[summary.ID] = runner
	}

	handler := gateway.New(gateway.Config{
		Registry:     registry,
		Sessions:     sessions,
		Vault:        credentialVault,
		Audit:        auditLog,
		Orchestrator: orchestrator,
		Toolsets:     toolsets,
		Logger:       logger.With("component", "gateway"),
	})

	server, err := gateway.NewHTTPServer(loaded.Listen, handler, logger.With("component", "http"))
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
