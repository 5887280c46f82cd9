package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/fieldtrack/internal/config"
	"git.home.luguber.info/inful/fieldtrack/internal/coordinator"
)

// RunCmd implements the 'run' command.
type RunCmd struct{}

func (r *RunCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return RunCoordinator(cfg, root.Config)
}

// RunCoordinator starts a coordinator and blocks until a shutdown signal.
func RunCoordinator(cfg *config.Config, configPath string) error {
	slog.Info("Starting coordinator", "config", configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := coordinator.New(cfg, configPath)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	slog.Info("Coordinator started, waiting for shutdown signal...")

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping coordinator...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := c.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop coordinator: %w", err)
	}

	slog.Info("Coordinator stopped")
	return nil
}
