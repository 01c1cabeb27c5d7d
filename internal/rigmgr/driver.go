package rigmgr

import (
	"context"
	"fmt"

	"github.com/testrig/testrig/internal/execution"
)

// Driver provisions and tears down rigs for one backing technology. The
// Manager owns all policy (readiness waits, degraded telemetry, handle
// bookkeeping); drivers only translate to their provider.
type Driver interface {
	Name() string

	// Provision creates the rig described by spec. It returns once
	// creation is accepted; readiness is observed through Status.
	Provision(ctx context.Context, spec RigSpec) error

	// Status is a non-blocking poll of the rig's phase and telemetry.
	Status(ctx context.Context, rigID string) (execution.RigStatus, error)

	// Collect copies results out of a rig that reached a terminal phase.
	Collect(ctx context.Context, rigID string) (execution.Result, error)

	// Stop interrupts a running rig. Idempotent.
	Stop(ctx context.Context, rigID string) error

	// Destroy reclaims every resource of the rig. Idempotent.
	Destroy(ctx context.Context, rigID string) error
}

// RigSpec is the full description of one isolated execution environment.
// The env map carries the engine contract: execution id, test payload, and
// execution configuration.
type RigSpec struct {
	RigID       string
	ExecutionID string
	Namespace   string
	Image       string
	Env         map[string]string

	MemoryMiB int64
	CPUMillis int64

	ReadOnlyRoot      bool
	RunAsNonRoot      bool
	NetworkRestricted bool

	WorkDir string
}

// Engine contract environment variables. The test-execution engine inside
// the rig reads these; nothing else is assumed about it.
const (
	EnvExecutionID = "TESTRIG_EXECUTION_ID"
	EnvPayload     = "TESTRIG_PAYLOAD"
	EnvConfig      = "TESTRIG_CONFIG"
	EnvOutboxDir   = "TESTRIG_OUTBOX"
)

// ProvisionError marks a rig creation or readiness failure. The
// orchestrator turns it into a failed execution, never a running one.
type ProvisionError struct {
	ExecutionID string
	Err         error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision rig for execution %s: %v", e.ExecutionID, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
