// Command runtime starts the function execution runtime: it wires the
// registry, trigger engine, and HTTP control surface, then serves until
// interrupted. Adapted from the teacher's cmd/tarsy/main.go boot sequence
// (flag for the .env file path, .env loading, structured startup
// logging, graceful shutdown on signal).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tarsy-labs/funcrun/internal/registry"
	"github.com/tarsy-labs/funcrun/internal/runtime"
	"github.com/tarsy-labs/funcrun/pkg/config"
	"github.com/tarsy-labs/funcrun/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Info("no .env file loaded", "path", *envPath, "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting function runtime", "version", version.Full(), "addr", cfg.HTTPAddr, "work_dir", cfg.WorkDir)

	rt, err := runtime.New(cfg, registry.NewPluginLoader())
	if err != nil {
		slog.Error("failed to construct runtime", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		slog.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- rt.HTTP.Start(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			slog.Error("http server exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.FunctionTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during shutdown", "error", err)
	}
}
