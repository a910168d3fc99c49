// Command homehubd is the home-automation hub daemon: it discovers
// devices across protocol drivers, tracks their state, forwards
// telemetry, and dispatches commands back to them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/homehub/internal/config"
	"github.com/nerrad567/homehub/internal/daemon"
	"github.com/nerrad567/homehub/internal/drivers/esphome"
	"github.com/nerrad567/homehub/internal/drivers/hue"
	"github.com/nerrad567/homehub/internal/logging"
	"github.com/nerrad567/homehub/internal/telemetry"
	_ "github.com/nerrad567/homehub/migrations"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "/etc/homehubd/config.yaml"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	fmt.Printf("homehubd %s (%s) built %s\n", version, commit, date)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "homehubd: %v\n", err)
		os.Exit(1)
	}
}

// getConfigPath returns HOMEHUB_CONFIG if set, else defaultConfigPath.
func getConfigPath() string {
	if v := os.Getenv("HOMEHUB_CONFIG"); v != "" {
		return v
	}
	return defaultConfigPath
}

// run builds and runs the daemon, returning once ctx is cancelled and
// shutdown has completed. Separated from main for testability.
func run(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}, version)

	d := daemon.New(cfg, logger)
	d.RegisterDriverFactory("esphome", esphome.Factory(cfg.ESPHome, logger))
	d.RegisterDriverFactory("hue", hue.Factory(cfg.Hue, cfg.Site.HubID, logger))

	if err := d.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing daemon: %w", err)
	}

	forwarder, err := telemetry.Connect(ctx, cfg.Telemetry, logger)
	switch {
	case err == nil:
		if err := forwarder.Subscribe(d.Bus()); err != nil {
			return fmt.Errorf("subscribing telemetry forwarder: %w", err)
		}
		defer forwarder.Close()
	case errors.Is(err, telemetry.ErrDisabled):
		logger.Info("telemetry forwarding disabled")
	default:
		return fmt.Errorf("connecting telemetry forwarder: %w", err)
	}

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	logger.Info("homehubd started", "home_id", d.HomeID())

	<-ctx.Done()

	logger.Info("shutdown signal received")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		return fmt.Errorf("stopping daemon: %w", err)
	}

	logger.Info("homehubd stopped")
	return nil
}
