// Package cli wires configuration, the queue, the rig manager, the
// orchestrator, and the control server into the testrig command set.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/testrig/testrig/internal/artifacts"
	"github.com/testrig/testrig/internal/controlclient"
	"github.com/testrig/testrig/internal/controlserver"
	"github.com/testrig/testrig/internal/events"
	"github.com/testrig/testrig/internal/execution"
	"github.com/testrig/testrig/internal/observability"
	"github.com/testrig/testrig/internal/orchestrator"
	"github.com/testrig/testrig/internal/queue"
	"github.com/testrig/testrig/internal/rigimage"
	"github.com/testrig/testrig/internal/rigmgr"
	"github.com/testrig/testrig/internal/runtimeconfig"
)

type runtimeContext struct {
	Stdout     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string
}

type CLI struct {
	Serve  ServeCommand  `cmd:"" help:"Run the testrig control-plane server"`
	Submit SubmitCommand `cmd:"" help:"Submit a test execution"`
	Status StatusCommand `cmd:"" help:"Show one execution, or all when no id is given"`
	Cancel CancelCommand `cmd:"" help:"Cancel a pending or running execution"`
	Stats  StatsCommand  `cmd:"" help:"Show queue statistics"`
}

type ServeCommand struct {
	Listen   string `help:"Listen address for the control API (host:port)"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
}

type SubmitCommand struct {
	Host     string `help:"Control-plane endpoint (host:port or http://host:port)"`
	LogLevel string `help:"Client log level (debug|info|warn|error)"`

	Project   string `required:"" help:"Project identifier"`
	Scenario  string `required:"" help:"Scenario identifier"`
	Payload   string `help:"Inline test payload"`
	File      string `short:"f" help:"Read the test payload from this file"`
	Browser   string `default:"chromium" help:"Browser kind for the engine"`
	Headless  bool   `default:"true" negatable:"" help:"Run the browser headless"`
	Priority  int    `help:"Queue priority (higher runs first)"`
	TimeoutMs int64  `help:"Explicit execution timeout in milliseconds"`
	Wait      bool   `help:"Poll until the execution reaches a terminal status"`
}

type StatusCommand struct {
	Host string `help:"Control-plane endpoint (host:port or http://host:port)"`
	ID   string `arg:"" optional:"" help:"Execution id"`
	JSON bool   `help:"Print raw JSON"`
}

type CancelCommand struct {
	Host string `help:"Control-plane endpoint (host:port or http://host:port)"`
	ID   string `arg:"" help:"Execution id"`
}

type StatsCommand struct {
	Host string `help:"Control-plane endpoint (host:port or http://host:port)"`
	JSON bool   `help:"Print raw JSON"`
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("testrig"),
		kong.Description("Isolated test-execution orchestrator"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}

	cfg := ctx.Config
	if strings.TrimSpace(s.Listen) != "" {
		cfg.Control.Listen = strings.TrimSpace(s.Listen)
	}
	if strings.TrimSpace(cfg.Queue.StorePath) == "" {
		cfg.Queue.StorePath = defaultStorePath()
	}
	if registry := strings.TrimSpace(cfg.Rig.ImageRegistry); registry != "" {
		if _, err := rigimage.Parse(cfg.Rig.ImageRef()); err != nil {
			return fmt.Errorf("invalid rig image reference: %w", err)
		}
	}

	shutdownTracing, err := observability.InitTracingFromEnv("testrig")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	store, err := queue.OpenStore(cfg.Queue.StorePath)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	jobQueue := queue.New(store, queue.Options{
		Concurrency:   cfg.Queue.Concurrency,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   cfg.Queue.BackoffBase.Std(),
		StallInterval: cfg.Queue.StallInterval.Std(),
		RetainedJobs:  cfg.Queue.RetainedJobs,
		Logger:        logger.With("subsystem", "queue"),
	})

	driver, err := rigmgr.NewProcDriver(cfg.Rig.EnginePath, cfg.Rig.WorkDir, logger.With("subsystem", "driver"))
	if err != nil {
		return err
	}
	rigs := rigmgr.New(driver, cfg.Rig, logger.With("subsystem", "rigmgr"))

	artifactStore, err := artifacts.FromConfig(cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("configure artifact store: %w", err)
	}

	bus := events.NewBus()
	broadcaster := events.NewLogBroadcaster(logger.With("subsystem", "realtime"))
	stopForward := events.Forward(bus, broadcaster)
	defer stopForward()

	metrics := observability.NewRegistry()
	orch := orchestrator.New(jobQueue, rigs, bus, orchestrator.Options{
		PollInterval:  cfg.Rig.PollInterval.Std(),
		StallInterval: cfg.Queue.StallInterval.Std(),
		Logger:        logger.With("subsystem", "orchestrator"),
		Metrics:       metrics,
		Artifacts:     artifactStore,
	})
	if err := orch.Start(); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	server := controlserver.New(orch, controlserver.Options{
		Metrics: metrics,
		Rigs:    rigs,
		Clients: broadcaster,
		Logger:  logger.With("subsystem", "http"),
	})

	logger.Info("testrig starting",
		"version", ctx.Version,
		"config", ctx.ConfigPath,
		"queue_store", cfg.Queue.StorePath,
		"listen", cfg.Control.Listen,
	)

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serveErr := controlserver.Serve(runCtx, cfg.Control.Listen, server.Handler(), logger)

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cleanupCancel()
	if err := orch.Cleanup(cleanupCtx); err != nil {
		logger.Error("shutdown cleanup failed", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func (s *SubmitCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "client")
	if err != nil {
		return err
	}

	payload := s.Payload
	if strings.TrimSpace(s.File) != "" {
		b, err := os.ReadFile(s.File)
		if err != nil {
			return fmt.Errorf("read payload file: %w", err)
		}
		payload = string(b)
	}
	if strings.TrimSpace(payload) == "" {
		return errors.New("a test payload is required (--payload or --file)")
	}

	client, err := controlclient.New(s.Host)
	if err != nil {
		return err
	}

	req := execution.Request{
		ProjectID:  s.Project,
		ScenarioID: s.Scenario,
		Payload:    payload,
		Config: execution.Config{
			Browser:  s.Browser,
			Headless: s.Headless,
		},
		Priority: s.Priority,
		Timeout:  time.Duration(s.TimeoutMs) * time.Millisecond,
	}

	resp, err := client.Submit(context.Background(), req)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(ctx.Stdout, "execution_id=%s status=%s\n", resp.ExecutionID, resp.Status); err != nil {
		return err
	}
	if !s.Wait {
		return nil
	}

	logger.Debug("waiting for terminal status", "execution_id", resp.ExecutionID)
	for {
		time.Sleep(time.Second)
		exec, err := client.Execution(context.Background(), resp.ExecutionID)
		if err != nil {
			return err
		}
		if !exec.Status.Terminal() {
			continue
		}
		if _, err := fmt.Fprintf(ctx.Stdout, "status=%s duration=%s error=%q\n", exec.Status, exec.Duration, exec.Error); err != nil {
			return err
		}
		if exec.Status != execution.StatusCompleted {
			return fmt.Errorf("execution %s finished %s", exec.ID, exec.Status)
		}
		return nil
	}
}

func (s *StatusCommand) Run(ctx *runtimeContext) error {
	client, err := controlclient.New(s.Host)
	if err != nil {
		return err
	}

	if strings.TrimSpace(s.ID) != "" {
		exec, err := client.Execution(context.Background(), s.ID)
		if err != nil {
			return err
		}
		if s.JSON {
			return printJSON(ctx.Stdout, exec)
		}
		_, err = fmt.Fprintf(ctx.Stdout, "%s\t%s\t%s\t%s\n", exec.ID, exec.Status, exec.Duration, exec.Error)
		return err
	}

	listing, err := client.Executions(context.Background())
	if err != nil {
		return err
	}
	if s.JSON {
		return printJSON(ctx.Stdout, listing)
	}
	for _, exec := range listing.Executions {
		if _, err := fmt.Fprintf(ctx.Stdout, "%s\t%s\t%s\t%s\n", exec.ID, exec.Status, exec.Duration, exec.Error); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(ctx.Stdout, "total=%d\n", listing.Count)
	return err
}

func (c *CancelCommand) Run(ctx *runtimeContext) error {
	client, err := controlclient.New(c.Host)
	if err != nil {
		return err
	}
	if err := client.Cancel(context.Background(), c.ID); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "execution_id=%s status=cancelled\n", c.ID)
	return err
}

func (s *StatsCommand) Run(ctx *runtimeContext) error {
	client, err := controlclient.New(s.Host)
	if err != nil {
		return err
	}
	counts, err := client.QueueStats(context.Background())
	if err != nil {
		return err
	}
	if s.JSON {
		return printJSON(ctx.Stdout, counts)
	}
	_, err = fmt.Fprintf(ctx.Stdout, "waiting=%d active=%d delayed=%d completed=%d failed=%d\n",
		counts.Waiting, counts.Active, counts.Delayed, counts.Completed, counts.Failed)
	return err
}

func printJSON(out *os.File, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func defaultStorePath() string {
	if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
		return filepath.Join(dataHome, "testrig", "queue.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "testrig", "queue.db")
	}
	return filepath.Join(home, ".local", "share", "testrig", "queue.db")
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
