package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ServeCmd runs the sync engine's background services (process monitor
// and cleanup drain) until interrupted. Request traffic is expected to
// arrive through whatever transport the host wires to the rpc surface;
// this process keeps the durable state honest in the meantime.
type ServeCmd struct {
	NoContainers bool `help:"Run without a containerd connection (store-only mode)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	log := newLogger(cli.LogLevel, cli.LogFormat)
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	deps, err := buildDeps(ctx, cfg, log, !c.NoContainers)
	if err != nil {
		return err
	}
	defer deps.Close()

	events, cancelSub := deps.events.Subscribe()
	defer cancelSub()
	go func() {
		for ev := range events {
			log.Info("notification",
				"kind", string(ev.Kind),
				"container_id", ev.ContainerID,
				"task_id", ev.TaskID,
				"status", ev.Status)
		}
	}()

	log.Info("aria serving",
		"store", cfg.Store.Path,
		"bridge", cfg.Network.BridgeName,
		"subnet", cfg.Network.Subnet,
		"containers", deps.engine != nil)

	if deps.engine == nil {
		<-ctx.Done()
		return nil
	}
	return deps.engine.Run(ctx)
}
