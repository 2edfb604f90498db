package server

import (
	"pmteam/internal/app"
	"pmteam/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Name     string         `json:"name" minLength:"1"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type StartRunRequest struct {
	Initiative string   `json:"initiative" minLength:"1"`
	Blocker    string   `json:"blocker,omitempty"`
	Blockers   []string `json:"blockers,omitempty"`
}

type AddBlockerRequest struct {
	Blocker string `json:"blocker"`
}

type ReprioritizeRequest struct {
	Order []string `json:"order"`
}

type StatusesRequest struct {
	Statuses map[string]string `json:"statuses"`
}

type MessageRequest struct {
	Message string `json:"message" minLength:"1"`
}

// Response payloads

type RunList struct {
	Items []domain.Run `json:"items"`
}

type ProjectList struct {
	Items []domain.Project `json:"items"`
}

type RunStarted struct {
	Project string           `json:"project"`
	RunID   string           `json:"run_id"`
	Result  domain.RunResult `json:"result"`
}

type RunDetail struct {
	ID                 string             `json:"id"`
	Manifest           domain.Manifest    `json:"manifest"`
	Plan               domain.Plan        `json:"plan"`
	Release            domain.ReleaseView `json:"release"`
	StakeholderSummary string             `json:"stakeholder_summary"`
}

type PlanUpdate struct {
	Plan    domain.Plan `json:"plan"`
	Changed int         `json:"changed"`
}

type DiffResponse = app.RunDiff

type ConversationResponse struct {
	Reply   *domain.Message  `json:"reply,omitempty"`
	Source  string           `json:"source,omitempty"`
	History []domain.Message `json:"history"`
}

type EventList struct {
	Items []domain.Event `json:"items"`
}
