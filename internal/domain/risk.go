package domain

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"

	TypeMitigation = "mitigation"
)

var riskWeights = map[string]int{RiskLow: 1, RiskMedium: 3, RiskHigh: 6}

// RiskWeight returns the multiplier for a risk level; unknown levels weigh 0.
func RiskWeight(risk string) int {
	return riskWeights[risk]
}

// Recompute refreshes the derived risk score and exposure from risk and estimate.
func (t *Task) Recompute() {
	t.RiskScore = RiskWeight(t.Risk) * t.EstimatePoints
	t.RiskExposure = t.RiskProbability * t.RiskImpact * float64(t.EstimatePoints)
}

// RecomputeAggregate sets AggregateRiskScore to the sum of task risk scores.
func (p *Plan) RecomputeAggregate() int {
	total := 0
	for _, t := range p.Tasks {
		total += t.RiskScore
	}
	p.AggregateRiskScore = total
	return total
}

func (p Plan) TotalPoints() int {
	total := 0
	for _, t := range p.Tasks {
		total += t.EstimatePoints
	}
	return total
}

func (p Plan) HasTask(id string) bool {
	for _, t := range p.Tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

// AddMitigation appends a mitigation task for blocker and records the blocker.
// Existing tasks are never renumbered; the new id is M<n> where n starts at
// len(tasks)+1 and skips ids already taken.
func (p *Plan) AddMitigation(blocker string) Task {
	n := len(p.Tasks) + 1
	id := fmt.Sprintf("M%d", n)
	for p.HasTask(id) {
		n++
		id = fmt.Sprintf("M%d", n)
	}
	t := Task{
		ID:              id,
		Title:           "Mitigate blocker: " + Truncate(blocker, 40),
		Type:            TypeMitigation,
		EstimatePoints:  2,
		Risk:            RiskHigh,
		RiskProbability: 0.5,
		RiskImpact:      5,
		WSJF:            7.5,
		Priority:        len(p.Tasks) + 1,
		Acceptance:      "Mitigation effective",
		DependsOn:       []string{},
	}
	t.Recompute()
	p.Tasks = append(p.Tasks, t)
	p.Blockers = append(p.Blockers, blocker)
	p.RecomputeAggregate()
	return t
}

var slugSanitizer = regexp.MustCompile(`[^a-z0-9_\-]+`)

// Slug lowercases s, turns whitespace into underscores and strips anything
// outside [a-z0-9_-]. maxLen <= 0 means no limit. Empty results yield fallback.
func Slug(s string, maxLen int, fallback string) string {
	lower := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
	cleaned := slugSanitizer.ReplaceAllString(lower, "")
	if maxLen > 0 && len(cleaned) > maxLen {
		cleaned = cleaned[:maxLen]
	}
	if cleaned == "" {
		return fallback
	}
	return cleaned
}

// ProjectSlug is the directory name for a project.
func ProjectSlug(name string) string {
	return Slug(name, 0, "default")
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
