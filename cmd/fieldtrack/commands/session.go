package commands

import (
	"context"
	"fmt"
	"time"

	"git.home.luguber.info/inful/fieldtrack/internal/config"
	"git.home.luguber.info/inful/fieldtrack/internal/coordinator"
)

// InitCmd implements the 'init' command.
type InitCmd struct {
	Force bool `help:"Overwrite existing configuration file"`
}

func (i *InitCmd) Run(_ *Global, root *CLI) error {
	if err := config.Init(root.Config, i.Force); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", root.Config)
	return nil
}

// LoginCmd implements the 'login' command.
type LoginCmd struct {
	Identity string `arg:"" help:"Identity token"`
	Tenant   string `arg:"" help:"Tenant code"`
}

func (l *LoginCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c, err := coordinator.New(cfg, "")
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Login(ctx, l.Identity, l.Tenant); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Println("Logged in; start the coordinator with 'fieldtrack run'")
	return nil
}

// LogoutCmd implements the 'logout' command. The credential purge stamps the
// logout epoch, so a coordinator still running on this device tears itself
// down on its next stale-instance check.
type LogoutCmd struct{}

func (l *LogoutCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c, err := coordinator.New(cfg, "")
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	res, err := c.Orchestrator().PerformCompleteLogout(ctx)
	if err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	for _, e := range res.Errors {
		fmt.Printf("error: %s\n", e)
	}
	if !res.OK {
		return fmt.Errorf("logout incomplete after %s", res.Duration.Round(time.Millisecond))
	}
	fmt.Printf("Logged out in %s\n", res.Duration.Round(time.Millisecond))
	return nil
}
