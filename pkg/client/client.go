package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:9000"

// Task statuses reported by the deployer.
const (
	StatusPending = "PENDING"
	StatusReady   = "READY"
	StatusError   = "ERROR"
)

// Client provides typed access to the deployer task API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided deployer base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid deployer base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the deployer.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("deployer request failed with status %d", e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("deployer request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("deployer request failed (%d): %s", e.Status, e.Message)
}

// TaskError is the structured failure of a task.
type TaskError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Task is a handle on deployer work.
type Task struct {
	ID         string          `json:"task_id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *TaskError      `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Done reports whether the task has left PENDING.
func (t Task) Done() bool {
	return t.Status != StatusPending
}

// Event is one deployment history entry.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Details map[string]any `json:"details,omitempty"`
	Date    time.Time      `json:"date"`
}

// Deployment is the subset of a deployment record shown by tools.
type Deployment struct {
	ID      string `json:"id"`
	Cluster string `json:"cluster"`
	State   string `json:"state"`
	Stage   string `json:"stage,omitempty"`
	Spec    struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Mode    string `json:"mode"`
	} `json:"deployment"`
	StartedAt  time.Time  `json:"started-at"`
	ModifiedAt time.Time  `json:"modified-at"`
	PromotedAt *time.Time `json:"promoted-at,omitempty"`
}

// DeploymentView is a deployment with its recent events.
type DeploymentView struct {
	Deployment Deployment `json:"deployment"`
	Events     []Event    `json:"events"`
}

// RecoveryFilter selects deployments to redeploy.
type RecoveryFilter struct {
	State        string   `json:"state,omitempty"`
	Name         string   `json:"name,omitempty"`
	Version      string   `json:"version,omitempty"`
	ExcludeNames []string `json:"exclude-names,omitempty"`
}

// RecoveryResult summarises a recovery sweep.
type RecoveryResult struct {
	State     string `json:"state"`
	Submitted []struct {
		SourceID string `json:"source_id"`
		Version  string `json:"version"`
		TaskID   string `json:"task_id"`
	} `json:"submitted"`
	Failed []struct {
		SourceID string     `json:"source_id"`
		Error    *TaskError `json:"error"`
	} `json:"failed"`
}

// Submit queues a raw deployment request.
func (c *Client) Submit(ctx context.Context, request json.RawMessage) (Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPost, "/apps", request, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Undeploy queues removal of an application, or one of its versions.
func (c *Client) Undeploy(ctx context.Context, name, version string) (Task, error) {
	if strings.TrimSpace(name) == "" {
		return Task{}, errors.New("application name required")
	}
	path := "/apps/" + url.PathEscape(name)
	if strings.TrimSpace(version) != "" {
		path += "/versions/" + url.PathEscape(version)
	}
	var task Task
	if err := c.do(ctx, http.MethodDelete, path, nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Task fetches the current state of a task.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// WaitTask polls a task until it leaves PENDING or ctx ends. When ctx ends
// first, the last task fetched is returned together with ctx.Err().
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last Task
	for {
		task, err := c.Task(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, ctxErr
			}
			return last, err
		}
		last = task
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Deployment fetches a deployment and up to events history entries (0 for all).
func (c *Client) Deployment(ctx context.Context, id string, events int) (DeploymentView, error) {
	path := "/deployments/" + url.PathEscape(id)
	if events > 0 {
		path += fmt.Sprintf("?events=%d", events)
	}
	var view DeploymentView
	if err := c.do(ctx, http.MethodGet, path, nil, &view); err != nil {
		return DeploymentView{}, err
	}
	return view, nil
}

// Recover triggers a recovery sweep.
func (c *Client) Recover(ctx context.Context, filter RecoveryFilter) (RecoveryResult, error) {
	var result RecoveryResult
	if err := c.do(ctx, http.MethodPost, "/recovery", filter, &result); err != nil {
		return RecoveryResult{}, err
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		var payload []byte
		if raw, ok := body.(json.RawMessage); ok {
			payload = raw
		} else {
			encoded, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encode request body: %w", err)
			}
			payload = encoded
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := APIError{Status: resp.StatusCode}
		apiErr.Code, apiErr.Message = extractError(resp.Body)
		return apiErr
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) (string, string) {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "", ""
	}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", strings.TrimSpace(string(data))
	}
	return payload.Code, strings.TrimSpace(payload.Error)
}
