// Package execution defines the shared vocabulary of the system: requests,
// execution records, statuses, rig handles, and the telemetry shapes that
// flow between the queue, the orchestrator, and the rig manager.
package execution

import "time"

// Status is the lifecycle state of an execution. Transitions are
// monotonic: pending -> running -> exactly one terminal status. Once
// terminal, a status never changes.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Viewport is the browser window size requested for a test run.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Config carries the per-execution engine configuration. It is handed to
// the engine verbatim, serialized into its environment.
type Config struct {
	Browser  string            `json:"browser,omitempty"`
	Viewport Viewport          `json:"viewport,omitempty"`
	Headless bool              `json:"headless,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
	Retries  int               `json:"retries,omitempty"`
	Parallel bool              `json:"parallel,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// Request is the immutable input to an execution. It is created once at
// submission and never mutated afterwards.
type Request struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"projectId"`
	ScenarioID  string        `json:"scenarioId"`
	Payload     string        `json:"payload"`
	Config      Config        `json:"config"`
	SubmittedBy string        `json:"submittedBy,omitempty"`
	Priority    int           `json:"priority,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Metrics is the resource and progress telemetry reported by a rig.
type Metrics struct {
	MemoryBytes     int64  `json:"memoryBytes,omitempty"`
	CPUMillis       int64  `json:"cpuMillis,omitempty"`
	NetworkRequests int    `json:"networkRequests,omitempty"`
	Steps           int    `json:"steps,omitempty"`
	Assertions      int    `json:"assertions,omitempty"`
	RigID           string `json:"rigId,omitempty"`
}

// Execution is the mutable record tracked by the orchestrator. All fields
// past Status are filled in as the lifecycle progresses.
type Execution struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"projectId"`
	ScenarioID  string        `json:"scenarioId"`
	Status      Status        `json:"status"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration,omitempty"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	Screenshots []string      `json:"screenshots,omitempty"`
	Artifacts   []string      `json:"artifacts,omitempty"`
	Metrics     Metrics       `json:"metrics"`
	SubmittedBy string        `json:"submittedBy,omitempty"`
}

// Result is what the rig manager collects out of a terminal rig.
type Result struct {
	Success     bool     `json:"success"`
	Output      string   `json:"output,omitempty"`
	Error       string   `json:"error,omitempty"`
	Screenshots []string `json:"screenshots,omitempty"`
	Artifacts   []string `json:"artifacts,omitempty"`
	Metrics     Metrics  `json:"metrics"`
}

// RigPhase is the coarse lifecycle of a rig as reported by its driver.
type RigPhase string

const (
	RigPending   RigPhase = "pending"
	RigRunning   RigPhase = "running"
	RigCompleted RigPhase = "completed"
	RigFailed    RigPhase = "failed"
)

// Terminal reports whether the rig has finished, either way.
func (p RigPhase) Terminal() bool {
	return p == RigCompleted || p == RigFailed
}

// RigHandle binds an execution to its single rig. The rig manager keeps at
// most one handle per execution id.
type RigHandle struct {
	ExecutionID string   `json:"executionId"`
	RigID       string   `json:"rigId"`
	Namespace   string   `json:"namespace"`
	Phase       RigPhase `json:"phase"`
}

// RigStatus is one poll of a live rig.
type RigStatus struct {
	Phase    RigPhase `json:"phase"`
	Progress int      `json:"progress"`
	Metrics  Metrics  `json:"metrics"`
	Output   string   `json:"output,omitempty"`
}
