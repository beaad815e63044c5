package testutil

import (
	"log/slog"
	"os"
	"testing"
)

func TestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With("test", t.Name())
}
