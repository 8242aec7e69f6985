// Command moonfleet runs the MoonBot fleet control plane: UDP listeners for
// bot telemetry, batched persistence into sqlite, websocket fan-out to
// dashboards, command dispatch and status probing, all behind one HTTP API.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moonfleet/moonfleet/cmd/moonfleet/internal/config"
)

const shutdownGrace = 30 * time.Second

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal("parsing flags failed", err)
	}
	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid parameters", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(appCtx, cfg)
	if err != nil {
		fatal("startup failed", err)
	}
	log.SetOutput(slog.NewLogLogger(app.Logger.Handler(), slog.LevelDebug).Writer())

	if err := app.Start(appCtx); err != nil {
		_ = app.Shutdown(context.Background())
		fatal("start failed", err)
	}

	runErr := app.Wait(appCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}
	if runErr != nil {
		fatal("server failed", runErr)
	}
	slog.Info("shutdown complete")
}
