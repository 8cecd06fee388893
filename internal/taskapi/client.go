// Package taskapi is the HTTP client for the job-status endpoints the
// tracker observes: list, point lookup, cancel, cleanup and job submission.
package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"resty.dev/v3"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/task"
)

// DefaultHTTPTimeout bounds every request made without an explicit timeout.
const DefaultHTTPTimeout = 15 * time.Second

const jsonContentType = "application/json"

// Config describes how to reach the backend.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client wraps the REST interactions with the job-status API.
type Client struct {
	rest *resty.Client
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = e.Detail
	}
	if e.Code != "" {
		return fmt.Sprintf("task api error (%d): %s - %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("task api error (%d): %s", e.StatusCode, msg)
}

// NewClient builds a client for the API rooted at cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task api base url is empty")
	}
	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	rc.SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", jsonContentType)
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}
	return &Client{rest: rc}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	if c == nil || c.rest == nil {
		return nil
	}
	return c.rest.Close()
}

// ListTasks fetches every task visible in workspaceID (all workspaces when
// empty) together with the queue statistics.
func (c *Client) ListTasks(ctx context.Context, workspaceID string) (*task.List, error) {
	var list task.List
	req := c.rest.R().
		SetContext(ctx).
		SetForceResponseContentType(jsonContentType).
		SetResult(&list)
	if workspaceID != "" {
		req.SetQueryParam("workspace_id", workspaceID)
	}
	resp, err := req.Get("/tasks")
	if err := classify(resp, err, task.CodeTaskFetchFailed, "list tasks"); err != nil {
		return nil, err
	}
	if list.Tasks == nil {
		list.Tasks = []task.Task{}
	}
	return &list, nil
}

// GetTask looks up one task. An unknown id yields task.ErrTaskNotFound.
func (c *Client) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task id is empty")
	}
	var t task.Task
	resp, err := c.rest.R().
		SetContext(ctx).
		SetForceResponseContentType(jsonContentType).
		SetPathParam("id", taskID).
		SetResult(&t).
		Get("/tasks/{id}")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return nil, xerrors.Wrap(task.CodeTaskNotFound, decodeAPIError(resp), "task "+taskID+" not found")
	}
	if err := classify(resp, err, task.CodeTaskLookupFailed, "get task "+taskID); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = taskID
	}
	return &t, nil
}

// CancelTask asks the backend to cancel a task. Success is judged from the
// HTTP status alone.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "task id is empty")
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParam("id", taskID).
		Post("/tasks/{id}/cancel")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return xerrors.Wrap(task.CodeTaskNotFound, decodeAPIError(resp), "task "+taskID+" not found")
	}
	return classify(resp, err, task.CodeTaskCancelFailed, "cancel task "+taskID)
}

// CleanupTasks asks the backend to prune old terminal tasks.
func (c *Client) CleanupTasks(ctx context.Context) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		Post("/tasks/cleanup")
	return classify(resp, err, task.CodeTaskFetchFailed, "cleanup tasks")
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	ID     string `json:"id"`
}

// Submit posts params to a job-creation endpoint and returns the task id the
// backend assigned. Every call carries a fresh Idempotency-Key.
func (c *Client) Submit(ctx context.Context, endpoint string, params map[string]any) (string, error) {
	if strings.TrimSpace(endpoint) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "submit endpoint is empty")
	}
	if params == nil {
		params = map[string]any{}
	}
	var out submitResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", jsonContentType).
		SetHeader("Idempotency-Key", uuid.NewString()).
		SetForceResponseContentType(jsonContentType).
		SetBody(params).
		SetResult(&out).
		Post(endpoint)
	if err := classify(resp, err, task.CodeTaskSubmitFailed, "submit job"); err != nil {
		return "", err
	}
	id := out.TaskID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", xerrors.New(xerrors.CodeMalformed, "submit response carries no task id")
	}
	return id, nil
}

// JobSubmitter binds a Client to one job-creation endpoint.
type JobSubmitter struct {
	Client   *Client
	Endpoint string
}

// Submit creates the job and returns its task id.
func (s JobSubmitter) Submit(ctx context.Context, params map[string]any) (string, error) {
	if s.Client == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "job submitter has no client")
	}
	return s.Client.Submit(ctx, s.Endpoint, params)
}

// classify maps a resty outcome onto the error taxonomy. Transport failures
// are UNAVAILABLE, 5xx answers are retryable, undecodable 2xx bodies are
// MALFORMED.
func classify(resp *resty.Response, err error, code xerrors.Code, op string) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return xerrors.Wrap(xerrors.CodeCanceled, err, op)
		}
		if resp != nil && resp.IsSuccess() {
			return xerrors.Wrap(xerrors.CodeMalformed, err, op+": decode response")
		}
		return xerrors.Wrap(xerrors.CodeUnavailable, err, op)
	}
	if resp == nil {
		return xerrors.New(code, op+": empty response")
	}
	if resp.IsSuccess() {
		return nil
	}
	apiErr := decodeAPIError(resp)
	return xerrors.Wrap(code, apiErr, op, xerrors.WithRetryable(resp.StatusCode() >= 500))
}

func decodeAPIError(resp *resty.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	data := resp.Bytes()
	if len(data) > 0 {
		var envelope struct {
			Error *APIError `json:"error"`
		}
		envelope.Error = apiErr
		if err := json.Unmarshal(data, &envelope); err != nil || (apiErr.Message == "" && apiErr.Detail == "") {
			_ = json.Unmarshal(data, apiErr)
		}
		apiErr.StatusCode = resp.StatusCode()
	}
	if apiErr.Message == "" && apiErr.Detail == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" && apiErr.Detail == "" {
		apiErr.Message = http.StatusText(resp.StatusCode())
	}
	return apiErr
}
