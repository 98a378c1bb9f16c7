package main

import (
	"context"
	"fmt"
)

// OrphansCmd lists cleanup tasks that exhausted their retry budget:
// resources an operator has to reclaim by hand.
type OrphansCmd struct{}

func (c *OrphansCmd) Run(cli *CLI) error {
	log := newLogger(cli.LogLevel, cli.LogFormat)
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := buildDeps(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	orphans, err := deps.store.ListOrphans(ctx)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		fmt.Println("no orphaned cleanup tasks")
		return nil
	}
	for _, t := range orphans {
		fmt.Printf("%s  container=%s resource=%s attempts=%d last_error=%q\n",
			t.ID, t.ContainerID, t.ResourceType, t.Attempts, t.LastError)
	}
	return nil
}
