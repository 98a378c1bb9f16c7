package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ariafirmware/aria/internal/config"
	"github.com/ariafirmware/aria/internal/conversation"
	"github.com/ariafirmware/aria/internal/executor"
	"github.com/ariafirmware/aria/internal/llm"
	"github.com/ariafirmware/aria/internal/network"
	"github.com/ariafirmware/aria/internal/notify"
	"github.com/ariafirmware/aria/internal/orchestrator"
	"github.com/ariafirmware/aria/internal/planner"
	"github.com/ariafirmware/aria/internal/reflector"
	"github.com/ariafirmware/aria/internal/store"
	"github.com/ariafirmware/aria/internal/syncengine"
	"github.com/ariafirmware/aria/internal/syncengine/runtime"
	"github.com/ariafirmware/aria/internal/toolreg"
)

// runtimeDeps is the explicit dependency bag threaded through the
// subcommands: everything is constructed once here and passed down, no
// package-level singletons.
type runtimeDeps struct {
	cfg          *config.Config
	log          *slog.Logger
	store        *store.Store
	events       *notify.Broker
	engine       *syncengine.Engine
	tools        *toolreg.Registry
	providers    *llm.Registry
	orchestrator *orchestrator.Orchestrator
}

// execAdapter exposes the Engine's synchronous exec in the flat shape the
// container_exec tool consumes.
type execAdapter struct {
	engine *syncengine.Engine
}

func (a execAdapter) Exec(ctx context.Context, containerID string, command []string, timeoutSeconds *int) (string, string, int, error) {
	task, err := a.engine.Exec(ctx, containerID, command, timeoutSeconds)
	if err != nil {
		return "", "", -1, err
	}
	code := -1
	if task.ExitCode != nil {
		code = *task.ExitCode
	}
	return task.Stdout, task.Stderr, code, nil
}

// buildDeps wires the firmware from config. withContainers controls
// whether a containerd connection is attempted; agent-only commands can
// run without one.
func buildDeps(ctx context.Context, cfg *config.Config, log *slog.Logger, withContainers bool) (*runtimeDeps, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data root: %w", err)
	}
	st, err := store.Open(ctx, store.Config{
		Path:          cfg.Store.Path,
		MaxOpenConns:  cfg.Store.MaxOpenConns,
		BusyTimeoutMS: cfg.Store.BusyTimeoutMS,
	}, log)
	if err != nil {
		return nil, err
	}

	events := notify.NewBroker()

	var engine *syncengine.Engine
	if withContainers {
		sink := func(containerID, stream, line string) {
			if err := st.AppendLogLine(context.Background(), containerID, store.LogStream(stream), line); err != nil {
				log.Warn("appending container log line", "container_id", containerID, "error", err)
			}
		}
		rt, err := runtime.New("", sink)
		if err != nil {
			return nil, fmt.Errorf("connecting to containerd: %w", err)
		}
		alloc, err := network.New(cfg.Network, st)
		if err != nil {
			return nil, err
		}
		engine = syncengine.New(*cfg, st, rt, alloc, events, log)
	}

	providers := llm.NewRegistry()
	for name, pc := range cfg.LLMs {
		apiKey := pc.APIKey
		if pc.APIKeyEnv != "" {
			apiKey = os.Getenv(pc.APIKeyEnv)
		}
		provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:      apiKey,
			Model:       pc.Model,
			Host:        pc.Host,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
		})
		if err := providers.Register(name, provider); err != nil {
			return nil, fmt.Errorf("registering llm %q: %w", name, err)
		}
	}

	tools := toolreg.NewRegistry()
	if engine != nil {
		if err := tools.Register("container_exec", toolreg.NewContainerExecTool(execAdapter{engine: engine})); err != nil {
			return nil, fmt.Errorf("registering container_exec tool: %w", err)
		}
	}

	cm := conversation.New(st, log)
	pl := planner.New(log)
	var containers executor.ContainerEngine
	if engine != nil {
		containers = &executor.SyncEngineAdapter{Engine: engine}
	}
	ex := executor.New(tools, containers, log)
	rf := reflector.New(log)
	orch := orchestrator.New(st, cm, pl, ex, rf, tools, providers, *cfg, log)

	return &runtimeDeps{
		cfg:          cfg,
		log:          log,
		store:        st,
		events:       events,
		engine:       engine,
		tools:        tools,
		providers:    providers,
		orchestrator: orch,
	}, nil
}

func (d *runtimeDeps) Close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn("closing store", "error", err)
		}
	}
}
