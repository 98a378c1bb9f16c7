package rpc

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Session service.

type CreateSessionRequest struct {
	UserRef string
}

type CreateSessionResponse struct {
	SessionID string
	Status    string
	CreatedAt time.Time
}

type GetSessionRequest struct {
	SessionID string
}

type ExecuteTurnRequest struct {
	SessionID string
	Input     string
}

// EventKind enumerates the server-streamed event types execute_turn
// emits.
type EventKind string

const (
	EventMessage     EventKind = "message"
	EventToolCall    EventKind = "tool_call"
	EventToolResult  EventKind = "tool_result"
	EventFinalResult EventKind = "final_response"
)

// ExecuteTurnEvent is one item on the execute_turn server stream.
type ExecuteTurnEvent struct {
	Kind          EventKind
	Message       string
	ToolName      string
	ToolArgs      *structpb.Struct
	ToolResult    *structpb.Struct
	FinalResponse string
	Success       bool
}

// Task service.

type LaunchTaskRequest struct {
	SessionID   string
	Type        string
	CommandJSON *structpb.Struct
	Env         map[string]string
	TimeoutSecs int
}

type LaunchTaskResponse struct {
	TaskID string
}

type GetTaskRequest struct {
	TaskID string
}

type TaskStatus struct {
	TaskID      string
	Status      string
	Stdout      string
	Stderr      string
	ExitCode    *int32
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type ListTasksRequest struct {
	SessionID string
	Statuses  []string
	PageSize  int32
	PageToken string
}

type ListTasksResponse struct {
	Tasks         []TaskStatus
	NextPageToken string
}

type StreamTaskOutputRequest struct {
	TaskID string
	Follow bool
}

type TaskOutputChunk struct {
	Stream string // "stdout" | "stderr" | "progress"
	Line   string
}

type CancelTaskRequest struct {
	TaskID string
}

// Container service.

type CreateContainerRequest struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	MemLimitMB  *int32
	CPULimitPct *float64
	SessionID   string
}

// CreateContainerResponse pairs the new container id with the network
// allocation reserved for it at create time.
type CreateContainerResponse struct {
	ContainerID string
	Network     NetworkAllocationView
}

type ContainerView struct {
	ContainerID string
	Name        string
	Image       string
	State       string
	PID         *int32
	ExitCode    *int32
	Network     *NetworkAllocationView
	CreatedAt   time.Time
	StartedAt   *time.Time
	ExitedAt    *time.Time
}

type StartContainerRequest struct {
	ContainerID string
}

type StopContainerRequest struct {
	ContainerID  string
	GraceSeconds int32
}

type RemoveContainerRequest struct {
	ContainerID string
	Force       bool
}

type ExecRequest struct {
	ContainerID    string
	Command        []string
	Env            map[string]string
	Capture        bool
	TimeoutSeconds int32
}

type ExecResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int32
}

type ExecAsyncResponse struct {
	TaskID string
}

type StreamLogsRequest struct {
	ContainerID string
	Follow      bool
}

type LogLine struct {
	Timestamp time.Time
	Stream    string
	Line      string
}

type ListContainersRequest struct {
	State string
}

type SystemMetrics struct {
	ContainersRunning int32
	ContainersTotal   int32
	PendingCleanups   int32
	OrphanedCleanups  int32
}

type NetworkTopology struct {
	BridgeName string
	Subnet     string
	Allocated  []NetworkAllocationView
}

type NetworkAllocationView struct {
	ContainerID   string
	IPv4          string
	BridgeName    string
	VethHost      string
	VethContainer string
	Status        string
}

// Notification service.

type NotificationEvent struct {
	Kind        string // "bundle_upload_event" | "task_status_event"
	ContainerID string
	TaskID      string
	BundleID    string
	Status      string
	OccurredAt  time.Time
}
