package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/browsermcp/server/cmd/config"
	"github.com/browsermcp/server/lib/artifacts"
	"github.com/browsermcp/server/lib/httpfetch"
	"github.com/browsermcp/server/lib/rpcio"
	"github.com/browsermcp/server/lib/session"
)

func main() {
	// stdout carries the JSON-RPC stream; everything else goes to stderr.
	slogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(slogger)

	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("server configuration", "mode", cfg.BrowserMode, "policy", cfg.Policy, "version", cfg.ServerVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := artifacts.NewStore(cfg.DataDir, artifacts.Options{})
	if err != nil {
		slogger.Error("failed to open artifact store", "err", err)
		os.Exit(1)
	}

	manager := session.NewManager(cfg, slogger)
	defer manager.Stop()

	fetcher := httpfetch.New(manager.Policy(), httpfetch.Options{
		Timeout:  cfg.HTTPTimeout,
		MaxBytes: cfg.HTTPMaxBytes,
		Logger:   slogger,
	})

	srv := rpcio.New("browser-mcp", cfg.ServerVersion, slogger)
	registerTools(srv, manager, store, fetcher)

	slogger.Info("serving JSON-RPC on stdio")
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		slogger.Error("rpc loop failed", "err", err)
		os.Exit(1)
	}
	slogger.Info("shutting down")
}
