package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/accountkeeper/internal/config"
)

func newMemoryApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.Engine = "memory"
	app, err := NewApp(cfg)
	require.NoError(t, err)
	return app
}

func TestNewAppUnknownEngine(t *testing.T) {
	cfg := &config.Config{Engine: "oracle"}
	_, err := NewApp(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown engine")
}

func TestRunDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("no command", func(t *testing.T) {
		app := newMemoryApp(t)
		require.Error(t, app.Run(ctx, nil))
	})

	t.Run("unknown command", func(t *testing.T) {
		app := newMemoryApp(t)
		err := app.Run(ctx, []string{"frobnicate"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown command")
	})

	t.Run("init", func(t *testing.T) {
		app := newMemoryApp(t)
		require.NoError(t, app.Run(ctx, []string{"init"}))
	})

	t.Run("count on empty store", func(t *testing.T) {
		app := newMemoryApp(t)
		require.NoError(t, app.Run(ctx, []string{"count"}))
	})

	t.Run("housekeep", func(t *testing.T) {
		app := newMemoryApp(t)
		require.NoError(t, app.Run(ctx, []string{"housekeep"}))
	})

	t.Run("get without id", func(t *testing.T) {
		app := newMemoryApp(t)
		require.Error(t, app.Run(ctx, []string{"get"}))
	})

	t.Run("delete unknown id is fine", func(t *testing.T) {
		app := newMemoryApp(t)
		require.NoError(t, app.Run(ctx, []string{"delete", "nope"}))
	})
}
