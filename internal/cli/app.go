// Package cli implements the accountctl command set: small administrative
// operations against any configured backend.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/dmitrijs2005/accountkeeper"
	"github.com/dmitrijs2005/accountkeeper/internal/config"
	"github.com/dmitrijs2005/accountkeeper/memory"
	"github.com/dmitrijs2005/accountkeeper/postgres"
	"github.com/dmitrijs2005/accountkeeper/redis"
	"github.com/dmitrijs2005/accountkeeper/sqlite"
)

// Backend is the store accountctl operates on. The payload is kept as raw
// JSON so the tool works with any application schema.
type Backend = accountkeeper.Backend[json.RawMessage]

// App wires a configured backend to the command handlers.
type App struct {
	backend Backend
	cfg     *config.Config
	log     *slog.Logger
}

// NewApp opens the backend selected by cfg.Engine.
func NewApp(cfg *config.Config) (*App, error) {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	var (
		backend Backend
		err     error
	)
	switch cfg.Engine {
	case "memory":
		backend = memory.New[json.RawMessage](memory.Options{Logger: log})
	case "sqlite":
		backend, err = sqlite.Open[json.RawMessage](cfg.SQLiteFile, sqlite.Options{Logger: log})
	case "postgres":
		backend, err = postgres.Open[json.RawMessage](cfg.DatabaseDSN, postgres.Options{Logger: log})
	case "redis":
		backend = redis.Open[json.RawMessage](cfg.RedisAddr, redis.Options{Logger: log})
	default:
		return nil, fmt.Errorf("unknown engine: %q", cfg.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("backend open error: %w", err)
	}

	return &App{backend: backend, cfg: cfg, log: log}, nil
}

// Run dispatches the subcommand in args (usually the positional arguments
// left after flag parsing).
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: accountctl [flags] <init|create|get|list|count|delete|auth|housekeep>")
	}

	if err := a.backend.Init(ctx); err != nil {
		return fmt.Errorf("init error: %w", err)
	}

	switch args[0] {
	case "init":
		return nil
	case "create":
		return a.Create(ctx)
	case "get":
		return a.Get(ctx, args[1:])
	case "list":
		return a.List(ctx)
	case "count":
		return a.Count(ctx)
	case "delete":
		return a.Delete(ctx, args[1:])
	case "auth":
		return a.Auth(ctx)
	case "housekeep":
		return a.Housekeep(ctx)
	default:
		return fmt.Errorf("unknown command: %q", args[0])
	}
}
