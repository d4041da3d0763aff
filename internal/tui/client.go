package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/lockwarden/internal/controlplane"
	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
	"github.com/fentz26/lockwarden/internal/tasks"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the lockwarden daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// BaseURL returns the daemon address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// View fetches the dashboard view with the last n activity entries.
func (c *Client) View(activity int) (*controlplane.View, error) {
	var v controlplane.View
	if err := c.get(fmt.Sprintf("/snapshot?activity=%d", activity), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Stats fetches the daemon counters.
func (c *Client) Stats() (*controlplane.Stats, error) {
	var st controlplane.Stats
	if err := c.get("/stats", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Queue fetches the waiting order for a resource.
func (c *Client) Queue(resource string) ([]controlplane.LockView, error) {
	var out []controlplane.LockView
	err := c.get("/queue?resource="+url.QueryEscape(resource), &out)
	return out, err
}

// RequestLock asks for a lock on behalf of agent.
func (c *Client) RequestLock(agent, resource string, level models.LockLevel) (*locks.Result, error) {
	var res locks.Result
	err := c.post("/locks", map[string]any{
		"agent_id":    agent,
		"resource_id": resource,
		"lock_level":  level,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ReleaseLock releases a lock held by agent.
func (c *Client) ReleaseLock(agent, lockID string) (*locks.ReleaseResult, error) {
	var res locks.ReleaseResult
	if err := c.post("/locks/"+lockID+"/release", map[string]any{"agent_id": agent}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RenewLock extends a lock by extra.
func (c *Client) RenewLock(agent, lockID string, extra time.Duration) (*models.Lock, error) {
	var l models.Lock
	err := c.post("/locks/"+lockID+"/renew", map[string]any{
		"agent_id":  agent,
		"extra_sec": int(extra.Seconds()),
	}, &l)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// SubmitTask creates a task over the given resources.
func (c *Client) SubmitTask(taskType, description string, resources []string) (*models.Task, error) {
	var t models.Task
	err := c.post("/tasks", map[string]any{
		"task_type":   taskType,
		"description": description,
		"resources":   resources,
	}, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// AssignTask assigns a task to agents.
func (c *Client) AssignTask(taskID string, agentIDs []string) (*models.Task, error) {
	var t models.Task
	if err := c.post("/tasks/"+taskID+"/assign", map[string]any{"agent_ids": agentIDs}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// StartTask acquires the task's locks and starts it.
func (c *Client) StartTask(taskID string) (*tasks.StartResult, error) {
	var res tasks.StartResult
	if err := c.post("/tasks/"+taskID+"/start", struct{}{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CompleteTask finishes a task with the given status.
func (c *Client) CompleteTask(taskID string, status models.TaskStatus, message string) (*models.Task, error) {
	var t models.Task
	err := c.post("/tasks/"+taskID+"/complete", tasks.Outcome{Status: status, Message: message}, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Dispatch starts every pending task that can run.
func (c *Client) Dispatch() ([]tasks.StartResult, error) {
	var out []tasks.StartResult
	err := c.post("/dispatch", struct{}{}, &out)
	return out, err
}

// ResolveConflict applies a manual decision to a conflict.
func (c *Client) ResolveConflict(id, decision, note string) (*models.Conflict, error) {
	var cf models.Conflict
	err := c.post("/conflicts/"+id+"/resolve", map[string]any{
		"decision": decision,
		"note":     note,
	}, &cf)
	if err != nil {
		return nil, err
	}
	return &cf, nil
}

// CheckHealth checks if the daemon is healthy.
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health controlplane.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) post(path string, data, out any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e controlplane.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return &APIError{Status: resp.StatusCode, Message: e.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
