package leadlinesdk

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
)

// Client is a minimal Leadline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID            string  `json:"id"`
	TenantID      string  `json:"tenant_id"`
	ApplicationID string  `json:"application_id"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	DueAt         string  `json:"due_at"`
	CreatedAt     string  `json:"created_at"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

// CreateTaskResult carries the creation acknowledgement.
type CreateTaskResult struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id"`
	Task    Task   `json:"task"`
}

// Lead represents a prospect.
type Lead struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	Name      string  `json:"name"`
	Email     string  `json:"email,omitempty"`
	Phone     string  `json:"phone,omitempty"`
	OwnerID   string  `json:"owner_id"`
	TeamID    *string `json:"team_id,omitempty"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	UserID     string `json:"user_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateTask creates a follow-up task against an application.
func (c *Client) CreateTask(ctx context.Context, applicationID, taskType, dueAt string) (CreateTaskResult, error) {
	body := map[string]any{
		"application_id": applicationID,
		"task_type":      taskType,
		"due_at":         dueAt,
	}
	var resp CreateTaskResult
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CompleteTask marks a task completed. Safe to call more than once.
func (c *Client) CompleteTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/complete", nil, &resp)
	return resp, err
}

// TasksDueToday lists open tasks due on the server's reference day.
func (c *Client) TasksDueToday(ctx context.Context, limit int, cursor string) (PaginatedTasks, error) {
	endpoint := "v0/tasks/due-today"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateLead creates a lead owned by the caller unless ownerID is set.
func (c *Client) CreateLead(ctx context.Context, name, email, phone, ownerID string) (Lead, error) {
	body := map[string]any{
		"name":  name,
		"email": email,
		"phone": phone,
	}
	if ownerID != "" {
		body["owner_id"] = ownerID
	}
	var resp Lead
	err := c.do(ctx, http.MethodPost, "v0/leads", body, &resp)
	return resp, err
}

// GetLead fetches a lead by id.
func (c *Client) GetLead(ctx context.Context, id string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodGet, "v0/leads/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Leads lists the leads visible to the caller.
func (c *Client) Leads(ctx context.Context, status string, limit int) ([]Lead, error) {
	endpoint := "v0/leads"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []Lead `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent audit events for the caller's tenant.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
