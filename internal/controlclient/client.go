// Package controlclient is the JSON HTTP client for the control-plane
// API, used by the CLI verbs.
package controlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/testrig/testrig/internal/execution"
	"github.com/testrig/testrig/internal/queue"
)

// Client talks to one control-plane endpoint.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// New creates a client for host, which may be "host:port" or a full
// http(s) URL. An empty host falls back to the local default.
func New(host string) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = "http://127.0.0.1:4000"
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	parsed, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid control-plane endpoint %q: %w", host, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported control-plane scheme %q", parsed.Scheme)
	}

	return &Client{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SubmitResponse is the accepted-submission acknowledgement.
type SubmitResponse struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
}

// ListResponse wraps the execution listing.
type ListResponse struct {
	Executions []*execution.Execution `json:"executions"`
	Count      int                    `json:"count"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *Client) Submit(ctx context.Context, req execution.Request) (SubmitResponse, error) {
	body := map[string]any{
		"id":          req.ID,
		"projectId":   req.ProjectID,
		"scenarioId":  req.ScenarioID,
		"payload":     req.Payload,
		"submittedBy": req.SubmittedBy,
		"priority":    req.Priority,
		"timeoutMs":   req.Timeout.Milliseconds(),
		"config": map[string]any{
			"browser": req.Config.Browser,
			"viewport": map[string]int{
				"width":  req.Config.Viewport.Width,
				"height": req.Config.Viewport.Height,
			},
			"headless":  req.Config.Headless,
			"timeoutMs": req.Config.Timeout.Milliseconds(),
			"retries":   req.Config.Retries,
			"parallel":  req.Config.Parallel,
			"env":       req.Config.Env,
		},
	}

	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/executions", body, &out); err != nil {
		return SubmitResponse{}, err
	}
	return out, nil
}

func (c *Client) Execution(ctx context.Context, id string) (*execution.Execution, error) {
	var out execution.Execution
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Executions(ctx context.Context) (ListResponse, error) {
	var out ListResponse
	if err := c.do(ctx, http.MethodGet, "/executions", nil, &out); err != nil {
		return ListResponse{}, err
	}
	return out, nil
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/executions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) QueueStats(ctx context.Context) (queue.Counts, error) {
	var out queue.Counts
	if err := c.do(ctx, http.MethodGet, "/queue/stats", nil, &out); err != nil {
		return queue.Counts{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Code != "" {
				return fmt.Errorf("%s: %s (%s)", resp.Status, apiErr.Error, apiErr.Code)
			}
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
