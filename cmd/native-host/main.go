package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/browsermcp/server/lib/nativebroker"
)

// The browser starts this binary as a native messaging host: stdin/stdout
// carry length-prefixed frames to the extension, so logs must go to stderr.
func main() {
	level := slog.LevelInfo
	if os.Getenv("MCP_NATIVE_HOST_DEBUG") == "true" {
		level = slog.LevelDebug
	}
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(slogger)

	runtimeDir := nativebroker.RuntimeDir(os.Getenv("MCP_NATIVE_BROKER_DIR"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := nativebroker.NewBroker(runtimeDir, slogger)
	if err := broker.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		slogger.Error("broker exited", "err", err)
		os.Exit(1)
	}
	slogger.Info("broker stopped")
}
