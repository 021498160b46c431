package queuelinesdk

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

// Client is a minimal Queueline admin API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Ticket represents the API ticket model (partial).
type Ticket struct {
	ID              string   `json:"id"`
	TenantID        string   `json:"tenant_id"`
	QueueID         string   `json:"queue_id,omitempty"`
	AgentID         string   `json:"agent_id,omitempty"`
	Status          string   `json:"status"`
	Priority        int      `json:"priority"`
	RequiredSkills  []string `json:"required_skills,omitempty"`
	AssignedAt      string   `json:"assigned_at,omitempty"`
	FirstResponseAt string   `json:"first_response_at,omitempty"`
}

// Assignment is one assignment log entry.
type Assignment struct {
	ID                 int64  `json:"id"`
	TicketID           string `json:"ticket_id"`
	AgentID            string `json:"agent_id"`
	QueueID            string `json:"queue_id"`
	Strategy           string `json:"strategy"`
	Reason             string `json:"reason"`
	AgentLoad          int    `json:"agent_load"`
	Reassignment       bool   `json:"reassignment"`
	ReassignmentReason string `json:"reassignment_reason,omitempty"`
	CreatedAt          string `json:"created_at"`
}

// SummaryRow counts a queue's assignments for one agent and strategy.
type SummaryRow struct {
	AgentID       string `json:"agent_id"`
	Strategy      string `json:"strategy"`
	Assignments   int    `json:"assignments"`
	Reassignments int    `json:"reassignments"`
	LastAt        string `json:"last_at"`
}

type RedistributeResult struct {
	QueueID     string `json:"queue_id"`
	Distributed int    `json:"distributed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
}

type SweepResult struct {
	Checked     int `json:"checked"`
	Reallocated int `json:"reallocated"`
	Failed      int `json:"failed"`
}

type CacheStats struct {
	Name   string `json:"name"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// Metrics mirrors the engine metrics snapshot.
type Metrics struct {
	Totals struct {
		Attempts      uint64 `json:"attempts"`
		Assigned      uint64 `json:"assigned"`
		Overflow      uint64 `json:"overflow"`
		Unchanged     uint64 `json:"unchanged"`
		NoAgent       uint64 `json:"no_agent"`
		Failed        uint64 `json:"failed"`
		Reassignments uint64 `json:"reassignments"`
		LogFailures   uint64 `json:"log_failures"`
	} `json:"totals"`
	ByStrategy   map[string]uint64 `json:"by_strategy"`
	SuccessRate  float64           `json:"success_rate"`
	AvgLatencyMs float64           `json:"avg_latency_ms"`
	CacheHitRate float64           `json:"cache_hit_rate"`
	Caches       []CacheStats      `json:"caches"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// NotFound reports 404 responses, including the no-eligible-agent outcome.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// Distribute assigns a ticket to an agent of its queue.
func (c *Client) Distribute(ctx context.Context, ticketID string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tickets/%s/distribute", url.PathEscape(ticketID)), nil, &resp)
	return resp, err
}

// RedistributeQueue distributes every queued ticket of a queue.
func (c *Client) RedistributeQueue(ctx context.Context, queueID string) (RedistributeResult, error) {
	var resp RedistributeResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("queues/%s/redistribute", url.PathEscape(queueID)), nil, &resp)
	return resp, err
}

// Reallocate moves a ticket to agentID. An empty reason lets the server name the caller.
func (c *Client) Reallocate(ctx context.Context, ticketID, agentID, reason string) (Ticket, error) {
	body := map[string]any{"agent_id": agentID}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tickets/%s/reallocate", url.PathEscape(ticketID)), body, &resp)
	return resp, err
}

// Sweep reallocates tickets whose agent missed the response timeout.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, "sweep", nil, &resp)
	return resp, err
}

func (c *Client) InvalidateConfigCache(ctx context.Context, queueID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("cache/configs/%s", url.PathEscape(queueID)), nil, nil)
}

func (c *Client) InvalidateSkillCache(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("cache/skills/%s", url.PathEscape(agentID)), nil, nil)
}

func (c *Client) FlushAllCaches(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "cache", nil, nil)
}

// Metrics returns the engine counters.
func (c *Client) Metrics(ctx context.Context) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, "metrics/snapshot", nil, &resp)
	return resp, err
}

// Assignments returns a queue's log entries, newest first. Zero limit uses the server default.
func (c *Client) Assignments(ctx context.Context, queueID string, limit int) ([]Assignment, error) {
	endpoint := fmt.Sprintf("queues/%s/assignments", url.PathEscape(queueID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Assignment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// AssignmentSummary returns per-agent counts for a queue.
func (c *Client) AssignmentSummary(ctx context.Context, queueID string) ([]SummaryRow, error) {
	var resp struct {
		Items []SummaryRow `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("queues/%s/assignments/summary", url.PathEscape(queueID)), nil, &resp)
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
