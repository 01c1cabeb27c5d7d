package rigmgr

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/testrig/testrig/internal/execution"
	"github.com/testrig/testrig/internal/runtimeconfig"
)

type stubDriver struct {
	mu sync.Mutex

	provisionErr error
	statusFn     func(rigID string) (execution.RigStatus, error)
	collectFn    func(rigID string) (execution.Result, error)

	provisioned []RigSpec
	stopped     []string
	destroyed   []string
}

func (d *stubDriver) Name() string { return "stub" }

func (d *stubDriver) Provision(_ context.Context, spec RigSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.provisionErr != nil {
		return d.provisionErr
	}
	d.provisioned = append(d.provisioned, spec)
	return nil
}

func (d *stubDriver) Status(_ context.Context, rigID string) (execution.RigStatus, error) {
	if d.statusFn != nil {
		return d.statusFn(rigID)
	}
	return execution.RigStatus{Phase: execution.RigRunning}, nil
}

func (d *stubDriver) Collect(_ context.Context, rigID string) (execution.Result, error) {
	if d.collectFn != nil {
		return d.collectFn(rigID)
	}
	return execution.Result{Success: true}, nil
}

func (d *stubDriver) Stop(_ context.Context, rigID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, rigID)
	return nil
}

func (d *stubDriver) Destroy(_ context.Context, rigID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, rigID)
	return nil
}

func testRigConfig() runtimeconfig.RigConfig {
	return runtimeconfig.RigConfig{
		Namespace:     "test-executions",
		ImageRegistry: "registry.local/testrig-engine",
		ImageTag:      "v1",
		ReadySeconds:  2,
		MemoryMiB:     512,
		CPUMillis:     1000,
	}
}

func testRequest(id string) execution.Request {
	return execution.Request{
		ID:         id,
		ProjectID:  "proj",
		ScenarioID: "scn",
		Payload:    "test body",
		Config: execution.Config{
			Browser: "chromium",
			Env:     map[string]string{"EXTRA": "1"},
		},
	}
}

func TestExecuteTestProvisionsAndWaitsReady(t *testing.T) {
	driver := &stubDriver{}
	mgr := New(driver, testRigConfig(), nil)

	handle, err := mgr.ExecuteTest(context.Background(), testRequest("exec-1"))
	if err != nil {
		t.Fatalf("execute test: %v", err)
	}
	if handle.ExecutionID != "exec-1" || handle.RigID == "" {
		t.Fatalf("handle = %+v", handle)
	}
	if handle.Phase != execution.RigRunning {
		t.Fatalf("phase = %s, want running", handle.Phase)
	}
	if mgr.ActiveRigs() != 1 {
		t.Fatalf("active rigs = %d, want 1", mgr.ActiveRigs())
	}

	if len(driver.provisioned) != 1 {
		t.Fatalf("provisioned %d specs", len(driver.provisioned))
	}
	spec := driver.provisioned[0]
	if spec.Image != "registry.local/testrig-engine:v1" {
		t.Errorf("image = %q", spec.Image)
	}
	if !spec.ReadOnlyRoot || !spec.RunAsNonRoot || !spec.NetworkRestricted {
		t.Errorf("hardening flags not set: %+v", spec)
	}
	if spec.Env[EnvExecutionID] != "exec-1" || spec.Env[EnvPayload] != "test body" {
		t.Errorf("engine contract env = %+v", spec.Env)
	}
	if spec.Env["EXTRA"] != "1" {
		t.Errorf("request env not merged: %+v", spec.Env)
	}
	if !strings.Contains(spec.Env[EnvConfig], `"browser":"chromium"`) {
		t.Errorf("config env = %q", spec.Env[EnvConfig])
	}
}

func TestExecuteTestRejectsSecondRig(t *testing.T) {
	driver := &stubDriver{}
	mgr := New(driver, testRigConfig(), nil)

	if _, err := mgr.ExecuteTest(context.Background(), testRequest("exec-1")); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	_, err := mgr.ExecuteTest(context.Background(), testRequest("exec-1"))
	var provisionErr *ProvisionError
	if !errors.As(err, &provisionErr) {
		t.Fatalf("second execute = %v, want ProvisionError", err)
	}
	if mgr.ActiveRigs() != 1 {
		t.Fatalf("active rigs = %d, want 1", mgr.ActiveRigs())
	}
}

func TestExecuteTestProvisionFailureLeavesNoHandle(t *testing.T) {
	driver := &stubDriver{provisionErr: errors.New("no capacity")}
	mgr := New(driver, testRigConfig(), nil)

	_, err := mgr.ExecuteTest(context.Background(), testRequest("exec-1"))
	var provisionErr *ProvisionError
	if !errors.As(err, &provisionErr) {
		t.Fatalf("err = %v, want ProvisionError", err)
	}
	if provisionErr.ExecutionID != "exec-1" {
		t.Fatalf("execution id = %s", provisionErr.ExecutionID)
	}
	if mgr.ActiveRigs() != 0 {
		t.Fatalf("active rigs = %d, want 0", mgr.ActiveRigs())
	}
}

func TestExecuteTestReadinessFailureDestroysRig(t *testing.T) {
	driver := &stubDriver{
		statusFn: func(string) (execution.RigStatus, error) {
			return execution.RigStatus{Phase: execution.RigFailed}, nil
		},
	}
	mgr := New(driver, testRigConfig(), nil)

	_, err := mgr.ExecuteTest(context.Background(), testRequest("exec-1"))
	var provisionErr *ProvisionError
	if !errors.As(err, &provisionErr) {
		t.Fatalf("err = %v, want ProvisionError", err)
	}
	if len(driver.destroyed) != 1 {
		t.Fatalf("destroyed = %v, want the failed rig reclaimed", driver.destroyed)
	}
	if mgr.ActiveRigs() != 0 {
		t.Fatalf("active rigs = %d, want 0", mgr.ActiveRigs())
	}
}

func TestStatusDegradesOnDriverError(t *testing.T) {
	driver := &stubDriver{}
	mgr := New(driver, testRigConfig(), nil)

	if _, err := mgr.ExecuteTest(context.Background(), testRequest("exec-1")); err != nil {
		t.Fatalf("execute: %v", err)
	}

	driver.statusFn = func(string) (execution.RigStatus, error) {
		return execution.RigStatus{}, errors.New("api flake")
	}

	status, err := mgr.Status(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("degraded status must not error, got %v", err)
	}
	if status.Phase != execution.RigRunning {
		t.Fatalf("degraded phase = %s, want last known running", status.Phase)
	}
	if status.Progress != 0 || status.Metrics != (execution.Metrics{}) {
		t.Fatalf("degraded status should zero telemetry: %+v", status)
	}
}

func TestStatusUnknownExecution(t *testing.T) {
	mgr := New(&stubDriver{}, testRigConfig(), nil)
	if _, err := mgr.Status(context.Background(), "exec-missing"); !errors.Is(err, ErrNoRig) {
		t.Fatalf("err = %v, want ErrNoRig", err)
	}
}

func TestCollectResultsDegradesOnDriverError(t *testing.T) {
	driver := &stubDriver{}
	mgr := New(driver, testRigConfig(), nil)

	if _, err := mgr.ExecuteTest(context.Background(), testRequest("exec-1")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	driver.statusFn = func(string) (execution.RigStatus, error) {
		return execution.RigStatus{Phase: execution.RigCompleted}, nil
	}
	if _, err := mgr.Status(context.Background(), "exec-1"); err != nil {
		t.Fatalf("status: %v", err)
	}

	driver.collectFn = func(string) (execution.Result, error) {
		return execution.Result{}, errors.New("log fetch failed")
	}

	result, err := mgr.CollectResults(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("degraded collect must not error, got %v", err)
	}
	if !result.Success {
		t.Error("completed phase should still judge success in degraded collection")
	}
	if !strings.Contains(result.Error, "result collection degraded") {
		t.Errorf("error = %q", result.Error)
	}
	if result.Metrics.RigID == "" {
		t.Error("degraded result should still carry the rig id")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	driver := &stubDriver{}
	mgr := New(driver, testRigConfig(), nil)

	if _, err := mgr.ExecuteTest(context.Background(), testRequest("exec-1")); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if err := mgr.Cleanup(context.Background(), "exec-1"); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}
	if err := mgr.Cleanup(context.Background(), "exec-1"); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if len(driver.destroyed) != 1 {
		t.Fatalf("destroy calls = %d, want 1", len(driver.destroyed))
	}
	if mgr.ActiveRigs() != 0 {
		t.Fatalf("active rigs = %d, want 0", mgr.ActiveRigs())
	}
}

func TestCleanupAllDestroysEverything(t *testing.T) {
	driver := &stubDriver{}
	mgr := New(driver, testRigConfig(), nil)

	for _, id := range []string{"exec-a", "exec-b", "exec-c"} {
		if _, err := mgr.ExecuteTest(context.Background(), testRequest(id)); err != nil {
			t.Fatalf("execute %s: %v", id, err)
		}
	}

	if err := mgr.CleanupAll(context.Background()); err != nil {
		t.Fatalf("cleanup all: %v", err)
	}
	if mgr.ActiveRigs() != 0 {
		t.Fatalf("active rigs = %d, want 0", mgr.ActiveRigs())
	}
	if len(driver.destroyed) != 3 {
		t.Fatalf("destroy calls = %d, want 3", len(driver.destroyed))
	}
}

func TestStopUnknownExecutionIsNoOp(t *testing.T) {
	driver := &stubDriver{}
	mgr := New(driver, testRigConfig(), nil)
	if err := mgr.Stop(context.Background(), "exec-missing"); err != nil {
		t.Fatalf("stop unknown: %v", err)
	}
	if len(driver.stopped) != 0 {
		t.Fatalf("stop calls = %v, want none", driver.stopped)
	}
}
