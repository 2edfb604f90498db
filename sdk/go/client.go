package pmteamsdk

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

// Client is a minimal pmteam HTTP API client.
type Client struct {
	BaseURL     string
	Project     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, project string) *Client {
	return &Client{
		BaseURL: baseURL,
		Project: project,
		Timeout: 30 * time.Second,
	}
}

type Project struct {
	Name      string         `json:"name"`
	Slug      string         `json:"slug"`
	CreatedAt string         `json:"created_at"`
	Runs      int            `json:"runs"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Task struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Type           string   `json:"type"`
	EstimatePoints int      `json:"estimate_points"`
	Risk           string   `json:"risk"`
	RiskScore      int      `json:"risk_score"`
	Priority       int      `json:"priority"`
	Status         string   `json:"status,omitempty"`
	DependsOn      []string `json:"depends_on"`
}

type Plan struct {
	Initiative         string   `json:"initiative"`
	SprintGoal         string   `json:"sprint_goal"`
	Tasks              []Task   `json:"tasks"`
	Blockers           []string `json:"blockers"`
	AggregateRiskScore int      `json:"aggregate_risk_score"`
}

type Release struct {
	Window        string   `json:"window"`
	NextMilestone string   `json:"next_milestone"`
	Notes         []string `json:"notes"`
}

type Run struct {
	ID         string `json:"id"`
	Initiative string `json:"initiative,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

type RunResult struct {
	RunID              string         `json:"run_id"`
	Plan               Plan           `json:"plan"`
	Release            Release        `json:"release"`
	StakeholderSummary string         `json:"stakeholder_summary"`
	Metrics            map[string]int `json:"metrics"`
	AggregateRiskScore int            `json:"aggregate_risk_score"`
}

type StartedRun struct {
	Project string    `json:"project"`
	RunID   string    `json:"run_id"`
	Result  RunResult `json:"result"`
}

type PlanUpdate struct {
	Plan    Plan `json:"plan"`
	Changed int  `json:"changed"`
}

type Message struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type ChatReply struct {
	Reply   *Message  `json:"reply,omitempty"`
	Source  string    `json:"source,omitempty"`
	History []Message `json:"history"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Items []Project `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateProject(ctx context.Context, name string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", map[string]any{"name": name}, &resp)
	return resp, err
}

// StartRun runs the planning pipeline for an initiative in the client's project.
func (c *Client) StartRun(ctx context.Context, initiative string, blockers ...string) (StartedRun, error) {
	body := map[string]any{"initiative": initiative}
	if len(blockers) > 0 {
		body["blockers"] = blockers
	}
	var resp StartedRun
	err := c.do(ctx, http.MethodPost, c.projectPath("runs"), body, &resp)
	return resp, err
}

// Runs lists runs, newest first.
func (c *Client) Runs(ctx context.Context) ([]Run, error) {
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("runs"), nil, &resp)
	return resp.Items, err
}

func (c *Client) AddBlocker(ctx context.Context, runID, blocker string) (PlanUpdate, error) {
	var resp PlanUpdate
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "plan/blockers"), map[string]any{"blocker": blocker}, &resp)
	return resp, err
}

func (c *Client) Reprioritize(ctx context.Context, runID string, order []string) (PlanUpdate, error) {
	var resp PlanUpdate
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "plan/reprioritize"), map[string]any{"order": order}, &resp)
	return resp, err
}

func (c *Client) UpdateStatuses(ctx context.Context, runID string, statuses map[string]string) (PlanUpdate, error) {
	var resp PlanUpdate
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "plan/statuses"), map[string]any{"statuses": statuses}, &resp)
	return resp, err
}

// Chat sends a message or slash command to a run's conversation.
func (c *Client) Chat(ctx context.Context, runID, message string) (ChatReply, error) {
	var resp ChatReply
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "conversation"), map[string]any{"message": message}, &resp)
	return resp, err
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.Project)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) runPath(runID, p string) string {
	return c.projectPath(fmt.Sprintf("runs/%s/%s", url.PathEscape(runID), p))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
