package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlogLogger_WritesLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx := context.Background()

	l.Info(ctx, "hello", "k", "v")
	l.Warn(ctx, "careful")
	l.Error(ctx, "broken")

	out := buf.String()
	require.Contains(t, out, `"msg":"hello"`)
	require.Contains(t, out, `"k":"v"`)
	require.Contains(t, out, `"level":"WARN"`)
	require.Contains(t, out, `"level":"ERROR"`)
}

func TestSlogLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	child := l.With("backend", "memory")
	child.Info(context.Background(), "ready")

	require.Contains(t, buf.String(), `"backend":"memory"`)
}

func TestNewSlogLogger_NilFallsBackToNop(t *testing.T) {
	l := NewSlogLogger(nil)
	require.NotPanics(t, func() {
		l.Info(context.Background(), "ignored")
		l.With("a", 1).Error(context.Background(), "ignored")
	})
}
