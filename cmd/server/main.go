// Command campusrt runs the realtime push service.
//
//	campusrt serve --config campusrt.yaml
//	campusrt migrate up
//
// The database DSN and the token signing key can also be provided through
// CAMPUSRT_DSN and CAMPUSRT_SIGNING_KEY.
package main

import (
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
