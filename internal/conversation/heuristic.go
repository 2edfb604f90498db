package conversation

import (
	"fmt"
	"strings"

	"pmteam/internal/domain"
)

var statusMarkers = []string{"INITIATIVE:", "TASK_COUNT:", "HIGH_RISK_TASKS:", "BLOCKERS:", "TOTAL_POINTS:", "AGG_RISK:"}

// Heuristic answers from the marker lines of summary by keyword intent. It
// is deterministic and needs no network.
func Heuristic(summary string, history []domain.Message, text string) string {
	lower := strings.ToLower(text)
	lines := strings.Split(summary, "\n")
	var content string
	switch {
	case containsAny(lower, "what is happening", "status", "summary", "progress", "update"):
		var found []string
		for _, marker := range statusMarkers {
			if ln, ok := firstWithPrefix(lines, marker); ok {
				found = append(found, ln)
			}
		}
		content = "Project status -> " + strings.Join(found, "; ")
	case strings.Contains(lower, "risk"):
		var risks []string
		for _, ln := range lines {
			if strings.HasPrefix(ln, "HIGH_RISK_TASKS:") || strings.HasPrefix(ln, "AGG_RISK:") {
				risks = append(risks, ln)
			}
		}
		if len(risks) == 0 {
			content = "Risk overview: No significant risks identified"
		} else {
			content = "Risk overview: " + strings.Join(risks, "; ")
		}
	case containsAny(lower, "blocker", "blocked"):
		if ln, ok := firstWithPrefix(lines, "BLOCKERS:"); ok {
			content = ln
		} else {
			content = "No blockers recorded in the current plan."
		}
	case containsAny(lower, "tasks", "plan"):
		var tasks []string
		in := false
		for _, ln := range lines {
			if strings.HasPrefix(ln, "TOP_TASKS:") {
				in = true
				continue
			}
			if in {
				if !strings.HasPrefix(ln, "  - ") {
					break
				}
				tasks = append(tasks, strings.TrimSpace(ln))
			}
		}
		if len(tasks) > 6 {
			tasks = tasks[:6]
		}
		content = "Planned tasks (priority order): " + strings.Join(tasks, ", ")
	default:
		content = "Answer (heuristic): I considered recent context and artifacts. Your request: " + domain.Truncate(text, 160)
	}
	if tail := contextTail(history, 4); tail != "" {
		content += "\nContext: " + domain.Truncate(tail, 240)
	}
	return content
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstWithPrefix(lines []string, prefix string) (string, bool) {
	for _, ln := range lines {
		if strings.HasPrefix(ln, prefix) {
			return ln, true
		}
	}
	return "", false
}

// contextTail renders the last n messages before the current one.
func contextTail(history []domain.Message, n int) string {
	if len(history) <= 1 {
		return ""
	}
	prior := history[:len(history)-1]
	if len(prior) > n {
		prior = prior[len(prior)-n:]
	}
	parts := make([]string, 0, len(prior))
	for _, m := range prior {
		parts = append(parts, fmt.Sprintf("[%s] %s", m.Sender, m.Content))
	}
	return strings.Join(parts, " | ")
}
