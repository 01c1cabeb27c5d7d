// Package controlserver is the HTTP control plane: submit, inspect, and
// cancel executions, read queue statistics, and scrape health and metrics.
package controlserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/testrig/testrig/internal/events"
	"github.com/testrig/testrig/internal/execution"
	"github.com/testrig/testrig/internal/observability"
	"github.com/testrig/testrig/internal/orchestrator"
	"github.com/testrig/testrig/internal/queue"
)

// Service is the orchestrator surface the API exposes.
type Service interface {
	SubmitExecution(ctx context.Context, req execution.Request) (string, error)
	ExecutionStatus(id string) *execution.Execution
	Executions() []*execution.Execution
	CancelExecution(ctx context.Context, id string) error
	QueueStats(ctx context.Context) (queue.Counts, error)
	ActiveCount() int
}

// RigCounter reports how many rigs currently exist.
type RigCounter interface {
	ActiveRigs() int
}

type Server struct {
	service Service
	metrics *observability.Registry
	logger  *log.Logger
}

type Options struct {
	Metrics *observability.Registry
	Rigs    RigCounter
	Clients events.ClientCounter
	Logger  *log.Logger
}

func New(service Service, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = observability.NewRegistry()
	}

	opts.Metrics.RegisterGauge("testrig_queue_depth", func() float64 {
		counts, err := service.QueueStats(context.Background())
		if err != nil {
			return 0
		}
		return float64(counts.Waiting + counts.Delayed + counts.Active)
	})
	opts.Metrics.RegisterGauge("testrig_active_executions", func() float64 {
		return float64(service.ActiveCount())
	})
	if opts.Rigs != nil {
		rigs := opts.Rigs
		opts.Metrics.RegisterGauge("testrig_active_rigs", func() float64 {
			return float64(rigs.ActiveRigs())
		})
	}
	if opts.Clients != nil {
		clients := opts.Clients
		opts.Metrics.RegisterGauge("testrig_realtime_clients", func() float64 {
			return float64(clients.ClientCount())
		})
	}

	return &Server{service: service, metrics: opts.Metrics, logger: opts.Logger}
}

// Handler builds the routed HTTP handler, h2c-wrapped so HTTP/2 works on
// plaintext listeners.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/executions", s.submitExecution)
	router.GET("/executions", s.listExecutions)
	router.GET("/executions/:id", s.getExecution)
	router.DELETE("/executions/:id", s.cancelExecution)
	router.GET("/queue/stats", s.queueStats)
	router.GET("/health", s.health)
	router.GET("/ready", s.ready)
	router.GET("/metrics", s.renderMetrics)

	return h2c.NewHandler(router, &http2.Server{})
}

type viewportPayload struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type configPayload struct {
	Browser   string            `json:"browser"`
	Viewport  viewportPayload   `json:"viewport"`
	Headless  bool              `json:"headless"`
	TimeoutMs int64             `json:"timeoutMs"`
	Retries   int               `json:"retries"`
	Parallel  bool              `json:"parallel"`
	Env       map[string]string `json:"env"`
}

type submitPayload struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"projectId" binding:"required"`
	ScenarioID  string        `json:"scenarioId" binding:"required"`
	Payload     string        `json:"payload" binding:"required"`
	Config      configPayload `json:"config"`
	SubmittedBy string        `json:"submittedBy"`
	Priority    int           `json:"priority"`
	TimeoutMs   int64         `json:"timeoutMs"`
}

func (p submitPayload) toRequest() execution.Request {
	return execution.Request{
		ID:         p.ID,
		ProjectID:  p.ProjectID,
		ScenarioID: p.ScenarioID,
		Payload:    p.Payload,
		Config: execution.Config{
			Browser: p.Config.Browser,
			Viewport: execution.Viewport{
				Width:  p.Config.Viewport.Width,
				Height: p.Config.Viewport.Height,
			},
			Headless: p.Config.Headless,
			Timeout:  time.Duration(p.Config.TimeoutMs) * time.Millisecond,
			Retries:  p.Config.Retries,
			Parallel: p.Config.Parallel,
			Env:      p.Config.Env,
		},
		SubmittedBy: p.SubmittedBy,
		Priority:    p.Priority,
		Timeout:     time.Duration(p.TimeoutMs) * time.Millisecond,
	}
}

func (s *Server) submitExecution(c *gin.Context) {
	var payload submitPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	id, err := s.service.SubmitExecution(c.Request.Context(), payload.toRequest())
	if err != nil {
		if errors.Is(err, orchestrator.ErrDuplicateID) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if s.logger != nil {
			s.logger.Error("execution submission failed", "error", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"executionId": id, "status": "queued"})
}

func (s *Server) getExecution(c *gin.Context) {
	exec := s.service.ExecutionStatus(c.Param("id"))
	if exec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown execution"})
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) listExecutions(c *gin.Context) {
	executions := s.service.Executions()
	c.JSON(http.StatusOK, gin.H{"executions": executions, "count": len(executions)})
}

func (s *Server) cancelExecution(c *gin.Context) {
	err := s.service.CancelExecution(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	case errors.Is(err, orchestrator.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown execution"})
	case errors.Is(err, orchestrator.ErrNotCancellable):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "execution is not cancellable",
			"code":  "EXECUTION_NOT_CANCELLABLE",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) queueStats(c *gin.Context) {
	counts, err := s.service.QueueStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ready(c *gin.Context) {
	if _, err := s.service.QueueStats(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) renderMetrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(s.metrics.Render()))
}

// Serve runs the handler on addr until ctx is cancelled, then shuts down
// gracefully within a bounded window.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer listener.Close()
	if logger != nil {
		logger.Info("serving control API", "addr", listener.Addr().String())
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if logger != nil {
			logger.Info("control API shutdown complete", "addr", addr)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("control API serve failed", "error", err)
		}
		return err
	}
}
