package store

import "time"

// SessionStatus is a session's lifecycle state.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

type Session struct {
	ID        string
	UserRef   string
	Status    SessionStatus
	Context   map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TurnRole is who produced a conversation turn.
type TurnRole string

const (
	RoleSystem    TurnRole = "system"
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
	RoleTool      TurnRole = "tool"
)

type Turn struct {
	ID        string
	SessionID string
	Role      TurnRole
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

type Plan struct {
	ID              string
	SessionID       string
	TaskDescription string
	Steps           []PlanStep
	Confidence      float64
	Archived        bool
	CreatedAt       time.Time
}

// PlanStep is the planner's output shape for one step, before it becomes an
// ExecutionStep at dispatch time.
type PlanStep struct {
	Description      string         `json:"description"`
	Tool             string         `json:"tool"` // "none" for reasoning-only steps
	Parameters       map[string]any `json:"parameters,omitempty"`
	SuccessCriterion string         `json:"success_criterion,omitempty"`
}

// StepKind is what an execution step does when dispatched.
type StepKind string

const (
	StepTool              StepKind = "tool"
	StepContainerWorkload StepKind = "container_workload"
	StepReasoning         StepKind = "reasoning"
	StepNoOp              StepKind = "no_op"
)

type ExecutionStep struct {
	ID             string
	SessionID      string
	PlanID         string
	PlanPosition   int
	Description    string
	StepKind       StepKind
	Inputs         map[string]any
	ResolvedInputs map[string]any
	Result         map[string]any
	Success        *bool
	StartedAt      *time.Time
	EndedAt        *time.Time
	DurationMS     *int64
	ReflectionID   *string
	CreatedAt      time.Time
}

// SuggestedAction is what a reflection recommends the orchestrator do next.
type SuggestedAction string

const (
	ActionContinue   SuggestedAction = "continue"
	ActionRetry      SuggestedAction = "retry"
	ActionModifyPlan SuggestedAction = "modify_plan"
	ActionAbort      SuggestedAction = "abort"
)

type Reflection struct {
	ID              string
	StepID          string
	Performance     string
	Quality         string
	SuggestedAction SuggestedAction
	Reasoning       string
	Confidence      float64
	CreatedAt       time.Time
}

// ContainerState is a container's position in its lifecycle DAG.
type ContainerState string

const (
	ContainerCreated  ContainerState = "created"
	ContainerStarting ContainerState = "starting"
	ContainerRunning  ContainerState = "running"
	ContainerExited   ContainerState = "exited"
	ContainerError    ContainerState = "error"
)

// validContainerTransitions encodes the lifecycle DAG; anything not
// listed is rejected at the store.
var validContainerTransitions = map[ContainerState][]ContainerState{
	ContainerCreated:  {ContainerStarting, ContainerError},
	ContainerStarting: {ContainerRunning, ContainerError},
	ContainerRunning:  {ContainerExited, ContainerError},
	ContainerExited:   {},
	ContainerError:    {},
}

// CanTransition reports whether moving from 'from' to 'to' is allowed.
func CanTransition(from, to ContainerState) bool {
	for _, s := range validContainerTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Container struct {
	ID             string
	Name           string
	Image          string
	Command        []string
	Env            map[string]string
	NamespaceFlags map[string]bool
	MemLimitMB     *int
	CPULimitPct    *float64
	State          ContainerState
	PID            *int
	ExitCode       *int
	RootfsPath     string
	SessionID      *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	ExitedAt       *time.Time
}

// NetworkStatus is a network allocation's lifecycle state.
type NetworkStatus string

const (
	NetworkAllocated      NetworkStatus = "allocated"
	NetworkActive         NetworkStatus = "active"
	NetworkCleanupPending NetworkStatus = "cleanup_pending"
	NetworkCleaned        NetworkStatus = "cleaned"
)

type NetworkAllocation struct {
	ContainerID   string
	IPv4          string
	BridgeName    string
	VethHost      string
	VethContainer string
	Status        NetworkStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MonitorStatus is a process monitor's lifecycle state.
type MonitorStatus string

const (
	MonitorMonitoring MonitorStatus = "monitoring"
	MonitorCompleted  MonitorStatus = "completed"
	MonitorFailed     MonitorStatus = "failed"
	MonitorAborted    MonitorStatus = "aborted"
)

type ProcessMonitor struct {
	ContainerID       string
	PID               int
	Status            MonitorStatus
	LastSeen          time.Time
	ConsecutiveErrors int
	CreatedAt         time.Time
}

// CleanupResourceType names the resource a cleanup task tears down, in
// drain order: rootfs/mounts, then network, then cgroup.
type CleanupResourceType string

const (
	ResourceRootfs  CleanupResourceType = "rootfs"
	ResourceMounts  CleanupResourceType = "mounts"
	ResourceNetwork CleanupResourceType = "network"
	ResourceCgroup  CleanupResourceType = "cgroup"
)

// ResourceOrdinal gives the drain ordering for a resource type.
func ResourceOrdinal(rt CleanupResourceType) int {
	switch rt {
	case ResourceRootfs:
		return 0
	case ResourceMounts:
		return 1
	case ResourceNetwork:
		return 2
	case ResourceCgroup:
		return 3
	default:
		return 99
	}
}

type CleanupStatus string

const (
	CleanupPending    CleanupStatus = "pending"
	CleanupInProgress CleanupStatus = "in_progress"
	CleanupCompleted  CleanupStatus = "completed"
	CleanupFailed     CleanupStatus = "failed"
)

type CleanupTask struct {
	ID            string
	ContainerID   string
	ResourceType  CleanupResourceType
	Ordinal       int
	Status        CleanupStatus
	Attempts      int
	LastError     string
	NextAttemptAt *time.Time
	WorkerID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ToolTaskStatus is an exec task's lifecycle state.
type ToolTaskStatus string

const (
	ToolTaskPending   ToolTaskStatus = "pending"
	ToolTaskRunning   ToolTaskStatus = "running"
	ToolTaskCompleted ToolTaskStatus = "completed"
	ToolTaskFailed    ToolTaskStatus = "failed"
	ToolTaskCancelled ToolTaskStatus = "cancelled"
	ToolTaskTimeout   ToolTaskStatus = "timeout"
)

type ToolTask struct {
	ID             string
	ContainerID    string
	Command        []string
	Status         ToolTaskStatus
	Stdout         string
	Stderr         string
	ExitCode       *int
	TimeoutSeconds *int
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

type LogEntry struct {
	ID          int64
	ContainerID string
	Timestamp   time.Time
	Stream      LogStream
	Line        string
}
