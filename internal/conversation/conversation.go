// Package conversation keeps the chat history of a run and produces replies,
// either from a configured backend or from a local rule-based responder.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pmteam/internal/domain"
	"pmteam/internal/fsutil"
	"pmteam/internal/logging"
	"pmteam/internal/planstore"
)

const (
	FileName    = "conversation.json"
	MaxMessages = 500

	SenderUser  = "user"
	SenderAgent = "agent"

	SourceBackend   = "backend"
	SourceHeuristic = "heuristic"
	SourceCommand   = "command"
)

var ErrBackend = errors.New("conversation backend failed")

// Backend produces a reply grounded on the plan summary and recent history.
type Backend interface {
	Reply(ctx context.Context, domainSummary string, history []domain.Message, text string) (string, error)
}

// Load returns the stored history. A missing or corrupt file reads as empty.
func Load(runDir string) []domain.Message {
	data, err := os.ReadFile(filepath.Join(runDir, FileName))
	if err != nil {
		return []domain.Message{}
	}
	var raw []domain.Message
	if err := json.Unmarshal(data, &raw); err != nil {
		return []domain.Message{}
	}
	out := make([]domain.Message, 0, len(raw))
	for _, m := range raw {
		if m.Sender != "" {
			out = append(out, m)
		}
	}
	return out
}

// Append adds msgs to the history, keeps the newest MaxMessages and writes it back.
func Append(runDir string, msgs ...domain.Message) ([]domain.Message, error) {
	history := append(Load(runDir), msgs...)
	if len(history) > MaxMessages {
		history = history[len(history)-MaxMessages:]
	}
	if err := fsutil.WriteJSON(filepath.Join(runDir, FileName), history); err != nil {
		return nil, fmt.Errorf("write conversation: %w", err)
	}
	return history, nil
}

type Service struct {
	Backend Backend
	Plans   planstore.Store
	Logger  *slog.Logger
	Now     func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) message(sender, content string) domain.Message {
	return domain.Message{Sender: sender, Content: content, Timestamp: s.now().UTC().Format(time.RFC3339Nano)}
}

// Reply is the outcome of one exchange. Fallback is set, wrapping ErrBackend,
// when the backend failed and the rule-based responder answered instead.
type Reply struct {
	Message  domain.Message   `json:"message"`
	History  []domain.Message `json:"history"`
	Source   string           `json:"source" enum:"backend,heuristic,command"`
	Fallback error            `json:"-"`
}

// Reply records text from the user and answers it. Slash commands mutate the
// run's plan; anything else goes to the backend, falling back to the
// rule-based responder when none is configured or it fails.
func (s Service) Reply(ctx context.Context, runDir, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, fmt.Errorf("%w: message is empty", planstore.ErrInvalid)
	}
	user := s.message(SenderUser, text)

	var out Reply
	if strings.HasPrefix(text, "/") {
		content, err := s.command(runDir, text)
		if err != nil {
			return Reply{}, err
		}
		out.Source = SourceCommand
		out.Message = s.message(SenderAgent, content)
	} else {
		summary := ""
		if plan, err := s.Plans.Load(runDir); err == nil {
			summary = DomainSummary(plan)
		} else if !errors.Is(err, planstore.ErrNotFound) {
			logging.OrDiscard(s.Logger).Warn("plan context unavailable", "run", runDir, "err", err)
		}
		history := append(Load(runDir), user)
		content, source, fallback := s.answer(ctx, summary, history, text)
		out.Source, out.Fallback = source, fallback
		out.Message = s.message(SenderAgent, content)
	}
	// A failed reply records nothing.
	history, err := Append(runDir, user, out.Message)
	if err != nil {
		return Reply{}, err
	}
	out.History = history
	return out, nil
}

func (s Service) answer(ctx context.Context, summary string, history []domain.Message, text string) (string, string, error) {
	if s.Backend == nil {
		return Heuristic(summary, history, text), SourceHeuristic, nil
	}
	content, err := s.Backend.Reply(ctx, summary, history, text)
	if err == nil && strings.TrimSpace(content) != "" {
		return strings.TrimSpace(content), SourceBackend, nil
	}
	if err == nil {
		err = errors.New("empty reply")
	}
	fallback := fmt.Errorf("%w: %w", ErrBackend, err)
	logging.OrDiscard(s.Logger).Warn("backend reply failed, using heuristic", "err", err)
	return Heuristic(summary, history, text), SourceHeuristic, fallback
}

// DomainSummary renders the marker lines the responders read.
func DomainSummary(plan domain.Plan) string {
	var high []string
	for _, t := range plan.Tasks {
		if t.Risk == domain.RiskHigh {
			high = append(high, t.ID)
		}
	}
	highLine := strings.Join(high, ", ")
	if highLine == "" {
		highLine = "None"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INITIATIVE: %s\n", plan.Initiative)
	fmt.Fprintf(&b, "TASK_COUNT: %d\n", len(plan.Tasks))
	fmt.Fprintf(&b, "HIGH_RISK_TASKS: %s\n", highLine)
	if len(plan.Blockers) > 0 {
		fmt.Fprintf(&b, "BLOCKERS: %s\n", strings.Join(plan.Blockers, "; "))
	}
	fmt.Fprintf(&b, "TOTAL_POINTS: %d\n", plan.TotalPoints())
	fmt.Fprintf(&b, "AGG_RISK: %d\n", plan.AggregateRiskScore)
	b.WriteString("TOP_TASKS:\n")
	for i, t := range plan.Tasks {
		if i == 6 {
			break
		}
		fmt.Fprintf(&b, "  - %s (p%d) %s\n", t.ID, t.Priority, t.Title)
	}
	return b.String()
}
