// Package llm talks to an OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"pmteam/internal/domain"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"

	historyWindow = 10
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Client is a minimal chat completions client. The zero value is not usable;
// build one with New.
type Client struct {
	BaseURL string
	Model   string
	APIKey  string
	HTTP    *http.Client
}

func New(baseURL, model, apiKey string, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Chat sends messages and returns the first choice's content.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	if c == nil {
		return "", errors.New("llm client is nil")
	}
	if len(messages) == 0 {
		return "", errors.New("llm chat requires at least one message")
	}
	payload, err := json.Marshal(chatRequest{Model: c.Model, Messages: messages, Temperature: 0.3})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("response missing choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("response empty")
	}
	return content, nil
}

const replySystemPrompt = "You are an expert agile / program planning assistant. Provide concise, actionable answers. " +
	"Reference task IDs where relevant. If user asks for status, summarize task count, high risk tasks, blockers, points and estimated sprints. " +
	"Never invent tasks not in the plan. If clarification is needed, ask a short follow-up question."

// Reply answers a chat message grounded on the plan summary. The last ten
// messages of history are folded into the prompt.
func (c *Client) Reply(ctx context.Context, domainSummary string, history []domain.Message, text string) (string, error) {
	recent := history
	if len(recent) > historyWindow {
		recent = recent[len(recent)-historyWindow:]
	}
	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		lines = append(lines, fmt.Sprintf("[%s] %s", m.Sender, m.Content))
	}
	prompt := text
	if len(lines) > 0 {
		prompt = "RECENT_MESSAGES:\n" + strings.Join(lines, "\n") + "\n\nUSER_QUERY:\n" + text + "\n\nRespond now."
	}
	return c.Chat(ctx, []Message{
		{Role: "system", Content: replySystemPrompt + "\n\nPLAN_CONTEXT:\n" + domainSummary},
		{Role: "user", Content: prompt},
	})
}

const (
	RolePlanner     = "planner"
	RoleRelease     = "release"
	RoleStakeholder = "stakeholder"
)

var rolePrompts = map[string]string{
	RolePlanner:     "Break the initiative into sprint-sized, estimable tasks with risks and dependencies. Answer with a JSON object {\"tasks\":[{\"title\",\"estimate_points\",\"risk\"}]} only.",
	RoleRelease:     "Draft a release schedule, notes and a rollback checklist for the plan. Answer with a JSON object {\"window\",\"notes\",\"rollback\"} only.",
	RoleStakeholder: "Translate the sprint data into a concise, risk-aware business update in plain prose.",
}

// Roles lists the draft roles in the order they are requested.
var Roles = []string{RolePlanner, RoleRelease, RoleStakeholder}

// Draft asks the model to write the artifact for role from input. Roles
// that answer in JSON get their output repaired when it does not parse.
func (c *Client) Draft(ctx context.Context, role, input string) (string, error) {
	system, ok := rolePrompts[role]
	if !ok {
		return "", fmt.Errorf("unknown draft role %q", role)
	}
	out, err := c.Chat(ctx, []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: input},
	})
	if err != nil {
		return "", err
	}
	if role == RoleStakeholder {
		return out, nil
	}
	return RepairJSON(out), nil
}

// RepairJSON strips code fences and fixes malformed JSON. Text that cannot be
// repaired is returned as is.
func RepairJSON(s string) string {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}
	fixed, err := jsonrepair.JSONRepair(trimmed)
	if err != nil || !json.Valid([]byte(fixed)) {
		return s
	}
	return fixed
}

// DraftAll requests every role and returns the raw drafts that succeeded,
// keyed by role, plus the first error seen.
func (c *Client) DraftAll(ctx context.Context, input string) (map[string]string, error) {
	out := map[string]string{}
	var firstErr error
	for _, role := range Roles {
		text, err := c.Draft(ctx, role, input)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("draft %s: %w", role, err)
			}
			continue
		}
		out[role] = text
	}
	return out, firstErr
}
