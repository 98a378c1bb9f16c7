package rpc

import "context"

// The service interfaces below are the operations a transport binds to.
// Server-streamed responses are expressed as a send callback: the
// implementation calls send once per event and returns when the stream
// ends, mirroring how a generated gRPC server handler would drive its
// stream object.

// SessionService opens sessions and executes conversation turns.
type SessionService interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResponse, error)
	GetSession(ctx context.Context, req GetSessionRequest) (CreateSessionResponse, error)
	ExecuteTurn(ctx context.Context, req ExecuteTurnRequest, send func(ExecuteTurnEvent) error) error
}

// TaskService manages long-lived exec tasks.
type TaskService interface {
	LaunchTask(ctx context.Context, req LaunchTaskRequest) (LaunchTaskResponse, error)
	GetTask(ctx context.Context, req GetTaskRequest) (TaskStatus, error)
	ListTasks(ctx context.Context, req ListTasksRequest) (ListTasksResponse, error)
	StreamTaskOutput(ctx context.Context, req StreamTaskOutputRequest, send func(TaskOutputChunk) error) error
	CancelTask(ctx context.Context, req CancelTaskRequest) error
}

// ContainerService exposes the container lifecycle primitives directly.
type ContainerService interface {
	Create(ctx context.Context, req CreateContainerRequest) (CreateContainerResponse, error)
	Start(ctx context.Context, req StartContainerRequest) error
	Stop(ctx context.Context, req StopContainerRequest) error
	Remove(ctx context.Context, req RemoveContainerRequest) error
	Get(ctx context.Context, containerID string) (ContainerView, error)
	List(ctx context.Context, req ListContainersRequest) ([]ContainerView, error)
	StreamLogs(ctx context.Context, req StreamLogsRequest, send func(LogLine) error) error
	Exec(ctx context.Context, req ExecRequest) (ExecResponse, error)
	ExecAsync(ctx context.Context, req ExecRequest) (ExecAsyncResponse, error)
	GetTaskStatus(ctx context.Context, taskID string) (TaskStatus, error)
	GetTaskResult(ctx context.Context, taskID string) (TaskStatus, error)
	GetSystemMetrics(ctx context.Context) (SystemMetrics, error)
	GetNetworkTopology(ctx context.Context) (NetworkTopology, error)
	GetContainerNetworkInfo(ctx context.Context, containerID string) (NetworkAllocationView, error)
}

// NotificationService streams terminal state events.
type NotificationService interface {
	StreamNotifications(ctx context.Context, send func(NotificationEvent) error) error
}

// BundleService accepts uploaded tool/agent bundles. The bundle format
// itself is opaque here; the registry loader consumes the manifest.
type BundleService interface {
	UploadBundle(ctx context.Context, metadata map[string]any, chunks <-chan []byte) (bundleID string, err error)
}
