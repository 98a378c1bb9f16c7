package toolreg

import (
	"context"
	"fmt"
)

// ContainerExecer is the exec surface a container-exec tool needs. It is
// defined here so toolreg does not import syncengine; cmd/aria adapts a
// *syncengine.Engine to it.
type ContainerExecer interface {
	Exec(ctx context.Context, containerID string, command []string, timeoutSeconds *int) (stdout, stderr string, exitCode int, err error)
}

// ContainerExecTool runs a shell command inside a specific container. It
// is primitive-classified: it reaches outside the process.
type ContainerExecTool struct {
	engine ContainerExecer
}

func NewContainerExecTool(engine ContainerExecer) *ContainerExecTool {
	return &ContainerExecTool{engine: engine}
}

func (t *ContainerExecTool) Info() Info {
	return Info{
		Name:           "container_exec",
		Description:    "Runs a command inside a running container and returns its output.",
		Classification: ClassPrimitive,
		Parameters: []Parameter{
			{Name: "container_id", Type: "string", Description: "target container id", Required: true},
			{Name: "command", Type: "array", Description: "argv to execute", Required: true},
		},
	}
}

func (t *ContainerExecTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	if err := ValidateArgs(t.Info(), args); err != nil {
		return Result{}, err
	}
	containerID, _ := args["container_id"].(string)
	rawCmd, _ := args["command"].([]any)
	command := make([]string, 0, len(rawCmd))
	for _, c := range rawCmd {
		s, ok := c.(string)
		if !ok {
			return Result{}, fmt.Errorf("container_exec: command entries must be strings")
		}
		command = append(command, s)
	}

	stdout, stderr, exitCode, err := t.engine.Exec(ctx, containerID, command, nil)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	return Result{
		Success: exitCode == 0,
		Output:  stdout,
		Metadata: map[string]any{
			"stderr":    stderr,
			"exit_code": exitCode,
		},
	}, nil
}
