package rigmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/testrig/testrig/internal/execution"
)

// ProcDriver runs the test-execution engine as a supervised subprocess,
// one per rig, inside a private work directory. The engine writes its
// results into an outbox directory named by EnvOutboxDir:
//
//	output.log        engine output text
//	metrics.json      execution.Metrics snapshot
//	progress          integer percentage, best effort
//	screenshots/      image files
//	artifacts/        any other files
//
// An exit status of zero marks the rig completed, anything else failed.
type ProcDriver struct {
	enginePath string
	baseDir    string
	logger     *log.Logger

	mu    sync.Mutex
	procs map[string]*rigProc
}

type rigProc struct {
	cmd    *exec.Cmd
	dir    string
	outbox string
	done   chan struct{}

	mu      sync.Mutex
	exitErr error
	stopped bool
}

func NewProcDriver(enginePath, baseDir string, logger *log.Logger) (*ProcDriver, error) {
	enginePath = strings.TrimSpace(enginePath)
	if enginePath == "" {
		return nil, errors.New("engine path is empty (set rig.engine_path)")
	}
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "testrig", "rigs")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create rig work directory %q: %w", baseDir, err)
	}
	return &ProcDriver{
		enginePath: enginePath,
		baseDir:    baseDir,
		logger:     logger,
		procs:      map[string]*rigProc{},
	}, nil
}

func (d *ProcDriver) Name() string { return "process" }

func (d *ProcDriver) Provision(_ context.Context, spec RigSpec) error {
	dir := filepath.Join(d.baseDir, spec.RigID)
	outbox := filepath.Join(dir, "outbox")
	if err := os.MkdirAll(outbox, 0o755); err != nil {
		return fmt.Errorf("create rig directory %q: %w", dir, err)
	}

	cmd := exec.Command(d.enginePath)
	cmd.Dir = dir
	cmd.Env = buildEngineEnv(spec, outbox)

	d.mu.Lock()
	if _, exists := d.procs[spec.RigID]; exists {
		d.mu.Unlock()
		return fmt.Errorf("rig %s already provisioned", spec.RigID)
	}
	proc := &rigProc{cmd: cmd, dir: dir, outbox: outbox, done: make(chan struct{})}
	d.procs[spec.RigID] = proc
	d.mu.Unlock()

	if err := cmd.Start(); err != nil {
		d.mu.Lock()
		delete(d.procs, spec.RigID)
		d.mu.Unlock()
		_ = os.RemoveAll(dir)
		return fmt.Errorf("start engine for rig %s: %w", spec.RigID, err)
	}

	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.exitErr = err
		proc.mu.Unlock()
		close(proc.done)
	}()

	if d.logger != nil {
		d.logger.Info("engine started", "rig_id", spec.RigID, "pid", cmd.Process.Pid)
	}
	return nil
}

// buildEngineEnv assembles the explicit engine environment. The host
// environment is not inherited; only PATH leaks through so the engine can
// find its own helpers.
func buildEngineEnv(spec RigSpec, outbox string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		EnvOutboxDir + "=" + outbox,
	}
	keys := make([]string, 0, len(spec.Env))
	for key := range spec.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+spec.Env[key])
	}
	return env
}

func (d *ProcDriver) Status(_ context.Context, rigID string) (execution.RigStatus, error) {
	proc, ok := d.proc(rigID)
	if !ok {
		return execution.RigStatus{}, fmt.Errorf("unknown rig %s", rigID)
	}

	status := execution.RigStatus{Phase: execution.RigRunning}
	select {
	case <-proc.done:
		proc.mu.Lock()
		exitErr := proc.exitErr
		proc.mu.Unlock()
		if exitErr == nil {
			status.Phase = execution.RigCompleted
		} else {
			status.Phase = execution.RigFailed
		}
	default:
	}

	status.Progress = readProgress(proc.outbox)
	status.Metrics = readMetrics(proc.outbox)
	return status, nil
}

func (d *ProcDriver) Collect(_ context.Context, rigID string) (execution.Result, error) {
	proc, ok := d.proc(rigID)
	if !ok {
		return execution.Result{}, fmt.Errorf("unknown rig %s", rigID)
	}

	running := true
	select {
	case <-proc.done:
		running = false
	default:
	}

	proc.mu.Lock()
	exitErr := proc.exitErr
	stopped := proc.stopped
	proc.mu.Unlock()

	// Success requires a clean exit. A rig whose engine is still running
	// has no result yet, only whatever landed in the outbox so far.
	result := execution.Result{
		Success: !running && exitErr == nil && !stopped,
		Output:  readFileString(filepath.Join(proc.outbox, "output.log")),
		Metrics: readMetrics(proc.outbox),
	}
	if running {
		result.Error = "engine still running"
	} else if exitErr != nil {
		result.Error = exitErr.Error()
	}
	result.Screenshots = listFiles(filepath.Join(proc.outbox, "screenshots"))
	result.Artifacts = listFiles(filepath.Join(proc.outbox, "artifacts"))
	return result, nil
}

func (d *ProcDriver) Stop(_ context.Context, rigID string) error {
	proc, ok := d.proc(rigID)
	if !ok {
		return nil
	}

	proc.mu.Lock()
	alreadyStopped := proc.stopped
	proc.stopped = true
	proc.mu.Unlock()
	if alreadyStopped {
		return nil
	}

	select {
	case <-proc.done:
		return nil
	default:
	}
	if proc.cmd.Process == nil {
		return nil
	}
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill engine for rig %s: %w", rigID, err)
	}
	return nil
}

func (d *ProcDriver) Destroy(ctx context.Context, rigID string) error {
	proc, ok := d.proc(rigID)
	if !ok {
		return nil
	}

	if err := d.Stop(ctx, rigID); err != nil {
		return err
	}
	select {
	case <-proc.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	delete(d.procs, rigID)
	d.mu.Unlock()

	if err := os.RemoveAll(proc.dir); err != nil {
		return fmt.Errorf("remove rig directory %q: %w", proc.dir, err)
	}
	return nil
}

func (d *ProcDriver) proc(rigID string) (*rigProc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	proc, ok := d.procs[rigID]
	return proc, ok
}

func readFileString(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

func readProgress(outbox string) int {
	raw := strings.TrimSpace(readFileString(filepath.Join(outbox, "progress")))
	if raw == "" {
		return 0
	}
	var progress int
	if _, err := fmt.Sscanf(raw, "%d", &progress); err != nil {
		return 0
	}
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

func readMetrics(outbox string) execution.Metrics {
	b, err := os.ReadFile(filepath.Join(outbox, "metrics.json"))
	if err != nil {
		return execution.Metrics{}
	}
	var metrics execution.Metrics
	if err := json.Unmarshal(b, &metrics); err != nil {
		return execution.Metrics{}
	}
	return metrics
}

func listFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(out)
	return out
}
