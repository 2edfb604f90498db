package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"pmteam/internal/config"
	"pmteam/internal/domain"
	"pmteam/internal/engine"
	"pmteam/internal/events"
	"pmteam/internal/logging"
	"pmteam/internal/metrics"
	"pmteam/internal/planner"
	"pmteam/internal/repo"
)

// Drafter produces raw role drafts that are stored next to a run.
type Drafter interface {
	DraftAll(ctx context.Context, input string) (map[string]string, error)
}

// Pipeline runs the orchestrator for a project and persists the outcome.
type Pipeline struct {
	Config     *config.Config
	Repo       *repo.Repo
	Index      *events.Index
	Collectors *metrics.Collectors
	Drafter    Drafter
	Logger     *slog.Logger
	Now        func() time.Time
}

type Outcome struct {
	Project domain.Project   `json:"project"`
	RunDir  string           `json:"-"`
	RunID   string           `json:"run_id"`
	Result  domain.RunResult `json:"result"`
}

// Engine builds an orchestrator that audits into the project's log.
func (p Pipeline) Engine(project domain.Project) *engine.Engine {
	log := logging.OrDiscard(p.Logger)
	audit := events.NewAuditLogger(p.Repo.AuditPath(project.Slug, p.Config.Audit.FileName), p.Config.Audit.MaxBytes, log)
	if p.Now != nil {
		audit.Now = p.Now
	}
	return engine.New(engine.Options{
		Planner: planner.SprintPlanner{Now: p.Now},
		Release: planner.ReleaseCoordinator{Now: p.Now},
		Comm:    planner.StakeholderCommunicator{},
		Audit:   audit,
		Index:   p.Index,
		Metrics: metrics.NewAccumulator(p.Collectors),
		Project: project.Slug,
		Logger:  log,
		Now:     p.Now,
	})
}

// Execute runs one initiative and writes its run directory. Draft failures
// are logged; the run is persisted with whatever drafts succeeded.
func (p Pipeline) Execute(ctx context.Context, project domain.Project, initiative string, opts engine.RunOptions) (Outcome, error) {
	initiative = strings.TrimSpace(initiative)
	if initiative == "" {
		return Outcome{}, fmt.Errorf("%w: initiative is required", repo.ErrInvalid)
	}
	log := logging.OrDiscard(p.Logger)
	res, err := p.Engine(project).Run(ctx, initiative, opts)
	if err != nil {
		return Outcome{}, fmt.Errorf("run: %w", err)
	}
	var raw map[string]string
	if p.Drafter != nil {
		raw, err = p.Drafter.DraftAll(ctx, draftInput(res))
		if err != nil {
			log.Warn("role drafts incomplete", "err", err)
		}
	}
	dir, err := p.Repo.PersistRun(res, raw, initiative, project.Name, p.Config.Retention.MaxRuns)
	if err != nil {
		return Outcome{}, fmt.Errorf("persist run: %w", err)
	}
	return Outcome{Project: project, RunDir: dir, RunID: filepath.Base(dir), Result: res}, nil
}

func draftInput(res domain.RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Initiative: %s\nSprint goal: %s\n", res.Plan.Initiative, res.Plan.SprintGoal)
	for _, t := range res.Plan.Tasks {
		fmt.Fprintf(&b, "- %s %s [%s, %d pts]\n", t.ID, t.Title, t.Risk, t.EstimatePoints)
	}
	if len(res.Plan.Blockers) > 0 {
		fmt.Fprintf(&b, "Blockers: %s\n", strings.Join(res.Plan.Blockers, "; "))
	}
	fmt.Fprintf(&b, "Release window: %s\n", res.Release.Window)
	return b.String()
}
