package controlclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/testrig/testrig/internal/execution"
)

func TestNewNormalizesHost(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"", "http://127.0.0.1:4000"},
		{"orchestrator.local:4000", "http://orchestrator.local:4000"},
		{"https://orchestrator.local/", "https://orchestrator.local"},
	}
	for _, tc := range tests {
		c, err := New(tc.host)
		if err != nil {
			t.Fatalf("New(%q): %v", tc.host, err)
		}
		if c.baseURL != tc.want {
			t.Errorf("New(%q) base URL = %q, want %q", tc.host, c.baseURL, tc.want)
		}
	}
}

func TestNewRejectsScheme(t *testing.T) {
	if _, err := New("ftp://orchestrator.local"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestSubmit(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/executions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"executionId": "exec_1", "status": "queued"})
	}))
	defer ts.Close()

	c, err := New(ts.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := c.Submit(context.Background(), execution.Request{
		ProjectID:  "proj-1",
		ScenarioID: "checkout",
		Payload:    "steps: []",
		Timeout:    90 * time.Second,
		Config:     execution.Config{Browser: "chromium", Timeout: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.ExecutionID != "exec_1" || resp.Status != "queued" {
		t.Errorf("response = %+v", resp)
	}

	if got["timeoutMs"] != float64(90000) {
		t.Errorf("timeoutMs = %v", got["timeoutMs"])
	}
	cfg, ok := got["config"].(map[string]any)
	if !ok {
		t.Fatalf("config = %v", got["config"])
	}
	if cfg["browser"] != "chromium" {
		t.Errorf("browser = %v", cfg["browser"])
	}
	if cfg["timeoutMs"] != float64(5000) {
		t.Errorf("config timeoutMs = %v", cfg["timeoutMs"])
	}
}

func TestExecution(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/executions/exec_1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(execution.Execution{ID: "exec_1", Status: execution.StatusCompleted})
	}))
	defer ts.Close()

	c, _ := New(ts.URL)
	exec, err := c.Execution(context.Background(), "exec_1")
	if err != nil {
		t.Fatalf("execution: %v", err)
	}
	if exec.ID != "exec_1" || exec.Status != execution.StatusCompleted {
		t.Errorf("execution = %+v", exec)
	}
}

func TestExecutions(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"executions": []execution.Execution{{ID: "exec_1"}, {ID: "exec_2"}},
			"count":      2,
		})
	}))
	defer ts.Close()

	c, _ := New(ts.URL)
	list, err := c.Executions(context.Background())
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if list.Count != 2 || len(list.Executions) != 2 {
		t.Errorf("list = %+v", list)
	}
}

func TestCancelErrorIncludesCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "execution is not cancellable",
			"code":  "EXECUTION_NOT_CANCELLABLE",
		})
	}))
	defer ts.Close()

	c, _ := New(ts.URL)
	err := c.Cancel(context.Background(), "exec_1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "execution is not cancellable") {
		t.Errorf("error = %v", err)
	}
	if !strings.Contains(err.Error(), "EXECUTION_NOT_CANCELLABLE") {
		t.Errorf("error missing code: %v", err)
	}
}

func TestErrorWithPlainBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("store is on fire"))
	}))
	defer ts.Close()

	c, _ := New(ts.URL)
	_, err := c.QueueStats(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "store is on fire") {
		t.Errorf("error = %v", err)
	}
}

func TestQueueStats(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/queue/stats" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]int{"waiting": 3, "active": 1})
	}))
	defer ts.Close()

	c, _ := New(ts.URL)
	counts, err := c.QueueStats(context.Background())
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if counts.Waiting != 3 || counts.Active != 1 {
		t.Errorf("counts = %+v", counts)
	}
}
