// Package rigmgr provisions one isolated rig per accepted execution, runs
// the external test-execution engine inside it, and reclaims resources
// reliably even when earlier steps failed.
package rigmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/testrig/testrig/internal/execution"
	"github.com/testrig/testrig/internal/runtimeconfig"
)

var ErrNoRig = errors.New("no rig registered for execution")

const readinessPollInterval = 250 * time.Millisecond

type Manager struct {
	driver Driver
	cfg    runtimeconfig.RigConfig
	logger *log.Logger

	mu      sync.Mutex
	handles map[string]*execution.RigHandle
}

func New(driver Driver, cfg runtimeconfig.RigConfig, logger *log.Logger) *Manager {
	return &Manager{
		driver:  driver,
		cfg:     cfg,
		logger:  logger,
		handles: map[string]*execution.RigHandle{},
	}
}

// ExecuteTest provisions a rig for the request and waits (bounded) until it
// reports running. On any failure the partially created rig is destroyed
// and a *ProvisionError is returned; the caller must not mark the
// execution running unless this succeeds.
func (m *Manager) ExecuteTest(ctx context.Context, req execution.Request) (*execution.RigHandle, error) {
	m.mu.Lock()
	if _, exists := m.handles[req.ID]; exists {
		m.mu.Unlock()
		return nil, &ProvisionError{ExecutionID: req.ID, Err: errors.New("a rig already exists for this execution")}
	}
	handle := &execution.RigHandle{
		ExecutionID: req.ID,
		RigID:       execution.NewRigID(),
		Namespace:   m.cfg.Namespace,
		Phase:       execution.RigPending,
	}
	m.handles[req.ID] = handle
	m.mu.Unlock()

	spec, err := m.buildSpec(handle, req)
	if err != nil {
		m.dropHandle(req.ID)
		return nil, &ProvisionError{ExecutionID: req.ID, Err: err}
	}

	if err := m.driver.Provision(ctx, spec); err != nil {
		m.dropHandle(req.ID)
		return nil, &ProvisionError{ExecutionID: req.ID, Err: err}
	}

	if err := m.waitReady(ctx, handle); err != nil {
		_ = m.driver.Destroy(context.WithoutCancel(ctx), handle.RigID)
		m.dropHandle(req.ID)
		return nil, &ProvisionError{ExecutionID: req.ID, Err: err}
	}

	m.mu.Lock()
	handle.Phase = execution.RigRunning
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("rig provisioned",
			"execution_id", req.ID,
			"rig_id", handle.RigID,
			"namespace", handle.Namespace,
		)
	}
	return cloneHandle(handle), nil
}

func (m *Manager) buildSpec(handle *execution.RigHandle, req execution.Request) (RigSpec, error) {
	configJSON, err := json.Marshal(req.Config)
	if err != nil {
		return RigSpec{}, fmt.Errorf("marshal execution config: %w", err)
	}

	env := map[string]string{
		EnvExecutionID: req.ID,
		EnvPayload:     req.Payload,
		EnvConfig:      string(configJSON),
	}
	for key, value := range req.Config.Env {
		env[key] = value
	}

	return RigSpec{
		RigID:             handle.RigID,
		ExecutionID:       req.ID,
		Namespace:         m.cfg.Namespace,
		Image:             m.cfg.ImageRef(),
		Env:               env,
		MemoryMiB:         m.cfg.MemoryMiB,
		CPUMillis:         m.cfg.CPUMillis,
		ReadOnlyRoot:      true,
		RunAsNonRoot:      true,
		NetworkRestricted: true,
		WorkDir:           m.cfg.WorkDir,
	}, nil
}

func (m *Manager) waitReady(ctx context.Context, handle *execution.RigHandle) error {
	deadline := time.Now().Add(time.Duration(m.cfg.ReadySeconds) * time.Second)
	for {
		status, err := m.driver.Status(ctx, handle.RigID)
		if err == nil {
			switch status.Phase {
			case execution.RigRunning, execution.RigCompleted:
				return nil
			case execution.RigFailed:
				return errors.New("rig failed before becoming ready")
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("rig not ready after %ds", m.cfg.ReadySeconds)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessPollInterval):
		}
	}
}

// Status polls the rig backing an execution. Telemetry failures degrade to
// the last known phase with zero fields; they are never propagated.
func (m *Manager) Status(ctx context.Context, executionID string) (execution.RigStatus, error) {
	handle, ok := m.snapshot(executionID)
	if !ok {
		return execution.RigStatus{}, ErrNoRig
	}

	status, err := m.driver.Status(ctx, handle.RigID)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("rig status poll degraded", "execution_id", executionID, "error", err)
		}
		return execution.RigStatus{Phase: handle.Phase}, nil
	}

	status.Metrics.RigID = handle.RigID
	m.mu.Lock()
	if current, ok := m.handles[executionID]; ok {
		current.Phase = status.Phase
	}
	m.mu.Unlock()
	return status, nil
}

// CollectResults copies logs, screenshots, artifacts, and metrics out of a
// terminal rig. Telemetry failures yield a degraded result with zeroed
// fields; success is judged from whatever phase information is available.
func (m *Manager) CollectResults(ctx context.Context, executionID string) (execution.Result, error) {
	handle, ok := m.snapshot(executionID)
	if !ok {
		return execution.Result{}, ErrNoRig
	}

	result, err := m.driver.Collect(ctx, handle.RigID)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("result collection degraded", "execution_id", executionID, "error", err)
		}
		return execution.Result{
			Success: handle.Phase == execution.RigCompleted,
			Error:   fmt.Sprintf("result collection degraded: %v", err),
			Metrics: execution.Metrics{RigID: handle.RigID},
		}, nil
	}

	result.Metrics.RigID = handle.RigID
	return result, nil
}

// Stop interrupts the rig for an execution. Unknown executions and rigs
// already stopped are no-ops.
func (m *Manager) Stop(ctx context.Context, executionID string) error {
	handle, ok := m.snapshot(executionID)
	if !ok {
		return nil
	}
	if err := m.driver.Stop(ctx, handle.RigID); err != nil {
		return fmt.Errorf("stop rig %s: %w", handle.RigID, err)
	}
	return nil
}

// Cleanup destroys the rig and removes the handle. Idempotent; after
// Cleanup the execution has no rig.
func (m *Manager) Cleanup(ctx context.Context, executionID string) error {
	handle, ok := m.snapshot(executionID)
	if !ok {
		return nil
	}
	if err := m.driver.Destroy(ctx, handle.RigID); err != nil {
		return fmt.Errorf("destroy rig %s: %w", handle.RigID, err)
	}
	m.dropHandle(executionID)
	if m.logger != nil {
		m.logger.Info("rig cleaned up", "execution_id", executionID, "rig_id", handle.RigID)
	}
	return nil
}

// CleanupAll destroys every remaining rig, retrying nothing but logging
// every failure. Called at process shutdown within a bounded grace period.
func (m *Manager) CleanupAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for executionID := range m.handles {
		ids = append(ids, executionID)
	}
	m.mu.Unlock()

	var firstErr error
	for _, executionID := range ids {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cleanup aborted: %w", err)
		}
		if err := m.Cleanup(ctx, executionID); err != nil {
			if m.logger != nil {
				m.logger.Error("rig cleanup failed", "execution_id", executionID, "error", err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ActiveRigs reports how many rigs currently exist.
func (m *Manager) ActiveRigs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Handle returns the registered handle for an execution, if any.
func (m *Manager) Handle(executionID string) (*execution.RigHandle, bool) {
	handle, ok := m.snapshot(executionID)
	if !ok {
		return nil, false
	}
	return &handle, true
}

// snapshot copies the handle under the lock so callers never observe
// concurrent phase updates mid-read.
func (m *Manager) snapshot(executionID string) (execution.RigHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.handles[executionID]
	if !ok {
		return execution.RigHandle{}, false
	}
	return *handle, true
}

func (m *Manager) dropHandle(executionID string) {
	m.mu.Lock()
	delete(m.handles, executionID)
	m.mu.Unlock()
}

func cloneHandle(handle *execution.RigHandle) *execution.RigHandle {
	out := *handle
	return &out
}
