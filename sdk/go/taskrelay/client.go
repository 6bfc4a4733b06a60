package taskrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the TaskRelay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	apiKey      string
	bearerToken string
}

// TaskSubmission is the payload required to admit a new task.
type TaskSubmission struct {
	TaskID         string             `json:"task_id"`
	TaskType       string             `json:"task_type"`
	Priority       string             `json:"priority,omitempty"`
	TimeoutSeconds int64              `json:"timeout_seconds"`
	Payload        PayloadEnvelope    `json:"payload"`
	Requirements   Requirements       `json:"resource_requirements,omitempty"`
	Notification   NotificationConfig `json:"notification_config"`
	OrchestratorID string             `json:"orchestrator_id,omitempty"`
}

// PayloadEnvelope carries the opaque task payload and its schema identifier.
type PayloadEnvelope struct {
	SchemaID string          `json:"schema_id"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Requirements declares the resources the task needs while running.
type Requirements struct {
	MemoryMB int64 `json:"memory_mb,omitempty"`
	CPUCores int64 `json:"cpu_cores,omitempty"`
}

// NotificationConfig tells TaskRelay where to deliver signed webhooks.
type NotificationConfig struct {
	WebhookURL string   `json:"webhook_url"`
	Secret     string   `json:"webhook_secret,omitempty"`
	Events     []string `json:"events,omitempty"`
}

// Admission is the response returned when a task is accepted.
type Admission struct {
	Status            string            `json:"status"`
	TaskID            string            `json:"task_id"`
	ExecutionID       string            `json:"execution_id"`
	QueuePosition     int64             `json:"queue_position"`
	EstimatedStartAt  int64             `json:"estimated_start_at"`
	RetryAfterSeconds int64             `json:"retry_after_seconds,omitempty"`
	MonitoringURLs    map[string]string `json:"monitoring_urls,omitempty"`
}

// TaskStatus is the execution snapshot returned by the status endpoint.
type TaskStatus struct {
	ExecutionID string          `json:"execution_id"`
	TaskID      string          `json:"task_id"`
	State       string          `json:"state"`
	Percentage  int             `json:"percentage"`
	QueuedAt    int64           `json:"queued_at,omitempty"`
	StartedAt   int64           `json:"started_at,omitempty"`
	CompletedAt int64           `json:"completed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Log         []ProgressEntry `json:"log,omitempty"`
}

// ProgressEntry is one record from the execution's progress log.
type ProgressEntry struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message,omitempty"`
	RecordedAt int64  `json:"recorded_at"`
}

// CancelResult reports the state reached after a cancellation request.
type CancelResult struct {
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
}

// TaskPage is one page of the task listing endpoint.
type TaskPage struct {
	Tasks  []TaskStatus `json:"tasks"`
	Count  int          `json:"count"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// ListOptions filters the task listing endpoint.
type ListOptions struct {
	States   []string
	TaskType string
	Limit    int
	Offset   int
}

// APIError mirrors the server-side error envelope.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Category   string `json:"category"`
	RetryAfter int64  `json:"retry_after,omitempty"`
	RequestID  string `json:"-"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("taskrelay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("taskrelay api error (%d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the caller should retry after RetryAfter seconds.
func (e *APIError) Retryable() bool {
	return e != nil && e.RetryAfter > 0
}

// NewClient instantiates a client for the TaskRelay API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey stores a "<key_id>.<secret>" credential sent via X-API-Key.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// SetBearerToken stores a JWT sent via the Authorization header.
func (c *Client) SetBearerToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bearerToken = token
}

// SubmitTask admits a new task for execution.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Admission, error) {
	var admission Admission
	if err := c.post(ctx, "/api/v2/execute-task", submission, &admission); err != nil {
		return Admission{}, err
	}
	return admission, nil
}

// GetTaskStatus fetches the execution snapshot for a task.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string, includeLogs bool) (TaskStatus, error) {
	endpoint := "/api/v2/task-status/" + url.PathEscape(taskID)
	if includeLogs {
		endpoint += "?include_logs=true"
	}
	var status TaskStatus
	if err := c.get(ctx, endpoint, &status); err != nil {
		return TaskStatus{}, err
	}
	return status, nil
}

// CancelTask requests cancellation of a task by its identifier.
func (c *Client) CancelTask(ctx context.Context, taskID string) (CancelResult, error) {
	var result CancelResult
	if err := c.post(ctx, "/api/v2/cancel-task/"+url.PathEscape(taskID), nil, &result); err != nil {
		return CancelResult{}, err
	}
	return result, nil
}

// ListTasks returns one page of executions matching the filter.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) (TaskPage, error) {
	query := url.Values{}
	if len(opts.States) > 0 {
		query.Set("status", joinStates(opts.States))
	}
	if opts.TaskType != "" {
		query.Set("task_type", opts.TaskType)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	endpoint := "/api/v2/tasks"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var page TaskPage
	if err := c.get(ctx, endpoint, &page); err != nil {
		return TaskPage{}, err
	}
	return page, nil
}

func joinStates(states []string) string {
	out := ""
	for i, state := range states {
		if i > 0 {
			out += ","
		}
		out += state
	}
	return out
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.mu.RLock()
	apiKey, bearer := c.apiKey, c.bearerToken
	c.mu.RUnlock()
	switch {
	case bearer != "":
		req.Header.Set("Authorization", "Bearer "+bearer)
	case apiKey != "":
		req.Header.Set("X-API-Key", apiKey)
	default:
		return nil, errors.New("taskrelay: no credential configured")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error     *APIError `json:"error"`
			RequestID string    `json:"request_id"`
		}
		envelope.Error = apiErr
		if len(data) > 0 {
			if err := json.Unmarshal(data, &envelope); err != nil {
				apiErr.Message = string(bytes.TrimSpace(data))
			}
		}
		apiErr.RequestID = envelope.RequestID
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
