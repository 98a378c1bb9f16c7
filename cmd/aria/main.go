// Command aria runs the Aria firmware core: the agent execution engine
// and the container sync engine, backed by one embedded SQLite store.
//
// Usage:
//
//	aria serve --config aria.yaml
//	aria run --config aria.yaml --agent assistant "Say hi"
//	aria validate --config aria.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/ariafirmware/aria/internal/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Run the sync engine background services."`
	Run      RunCmd      `cmd:"" help:"Execute one task against a configured agent."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Orphans  OrphansCmd  `cmd:"" help:"List cleanup tasks that exhausted their retries."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text, json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("aria version %s\n", version)
	return nil
}

// ValidateCmd parses and validates the config, printing what it resolved.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("config OK: store=%s subnet=%s bridge=%s agents=%d llms=%d\n",
		cfg.Store.Path, cfg.Network.Subnet, cfg.Network.BridgeName, len(cfg.Agents), len(cfg.LLMs))
	return nil
}

// loadConfig reads the config file, or synthesizes a default config from
// environment overrides when no file is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	var cfg config.Config
	config.ApplyEnvOverrides(&cfg)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("aria"),
		kong.Description("Aria firmware core: agent execution plus container sync engine."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "aria: %v\n", err)
		os.Exit(1)
	}
}
