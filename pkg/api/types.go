// Package api holds the v0 wire types exchanged between an adapter and its
// orchestrator.
package api

import "time"

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool { return s == RunSucceeded || s == RunFailed }

// RegisterRequest announces an environment. The four identity fields are always set.
type RegisterRequest struct {
	EnvironmentID   string   `json:"environment_id" minLength:"1"`
	EnvironmentType string   `json:"environment_type" minLength:"1"`
	Platform        string   `json:"platform" enum:"macos,windows,linux,wsl"`
	Capabilities    []string `json:"capabilities"`
	Architecture    string   `json:"architecture,omitempty"`
	PackageManager  string   `json:"package_manager,omitempty"`
	Version         string   `json:"version,omitempty"`
}

type RegisterResponse struct {
	EnvironmentID string    `json:"environment_id"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// ResourceUsage is the process snapshot carried by heartbeats.
type ResourceUsage struct {
	HeapBytes     uint64  `json:"heap_bytes"`
	SysBytes      uint64  `json:"sys_bytes"`
	Goroutines    int     `json:"goroutines"`
	NumGC         uint32  `json:"num_gc"`
	CPUs          int     `json:"cpus"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type HeartbeatRequest struct {
	EnvironmentID string        `json:"environment_id" minLength:"1"`
	Timestamp     time.Time     `json:"timestamp"`
	Capabilities  []string      `json:"capabilities"`
	ResourceUsage ResourceUsage `json:"resource_usage"`
	ActiveTasks   int           `json:"active_tasks,omitempty"`
	PendingReport int           `json:"pending_reports,omitempty"`
}

type HeartbeatResponse struct {
	ServerTime time.Time `json:"server_time"`
	Queued     int       `json:"queued"`
}

// Step types understood by the adapter.
const (
	StepCommand       = "command"
	StepShell         = "shell"
	StepExtension     = "extension"
	StepFetchArtifact = "fetch_artifact"
)

// Legacy task types; a task carrying one of these and no steps is mapped to a
// single step.
const (
	TaskShellCommand      = "shell_command"
	TaskFileOperation     = "file_operation"
	TaskServiceManagement = "service_management"
)

// TaskStep is one unit of work inside a deployment task.
type TaskStep struct {
	Type string `json:"type" enum:"command,shell,extension,fetch_artifact"`
	// command
	Verb string   `json:"verb,omitempty"`
	Args []string `json:"args,omitempty"`
	// shell
	Command  string `json:"command,omitempty"`
	UseShell bool   `json:"use_shell,omitempty"`
	// extension
	Name string `json:"name,omitempty"`
	// fetch_artifact
	Source string `json:"source,omitempty"`
	Dest   string `json:"dest,omitempty"`

	Dir string `json:"dir,omitempty"`
}

// DeploymentTask is handed to an adapter by the orchestrator.
type DeploymentTask struct {
	TaskID         string         `json:"task_id"`
	DeploymentID   string         `json:"deployment_id,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	Steps          []TaskStep     `json:"steps,omitempty"`
	TaskType       string         `json:"task_type,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
}

type NextTaskResponse struct {
	Task *DeploymentTask `json:"task"`
}

// StepResult records the outcome of one step.
type StepResult struct {
	Index      int    `json:"index"`
	Type       string `json:"type"`
	Command    string `json:"command,omitempty"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ResultReport is posted once per task and may be delivered more than once; the
// orchestrator de-duplicates by TaskID.
type ResultReport struct {
	TaskID        string       `json:"task_id" minLength:"1"`
	DeploymentID  string       `json:"deployment_id,omitempty"`
	EnvironmentID string       `json:"environment_id,omitempty"`
	Status        RunStatus    `json:"status" enum:"succeeded,failed"`
	Reason        string       `json:"reason,omitempty"`
	ExitCode      int          `json:"exit_code"`
	Stdout        string       `json:"stdout"`
	Stderr        string       `json:"stderr"`
	DurationMS    int64        `json:"duration_ms"`
	Steps         []StepResult `json:"steps,omitempty"`
	CompletedAt   time.Time    `json:"completed_at,omitempty"`
}

type ResultAck struct {
	TaskID    string `json:"task_id"`
	Duplicate bool   `json:"duplicate"`
}
