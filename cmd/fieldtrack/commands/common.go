package commands

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
)

// Global context passed to subcommands if we need to share global state later.
type Global struct {
	Logger *slog.Logger
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"fieldtrack.yaml"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Run    RunCmd    `cmd:"" help:"Run the telemetry sync coordinator"`
	Init   InitCmd   `cmd:"" help:"Initialize a new configuration file"`
	Login  LoginCmd  `cmd:"" help:"Establish a session and persist the device identity"`
	Logout LogoutCmd `cmd:"" help:"Perform the complete multi-phase logout"`
	Status StatusCmd `cmd:"" help:"Show the running coordinator's status"`
}

// AfterApply runs after flag parsing; setup logging once.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}
