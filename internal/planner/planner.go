// Package planner holds the template-driven collaborators used by the
// orchestrator: the sprint planner, the release coordinator and the
// stakeholder communicator.
package planner

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"pmteam/internal/domain"
)

const (
	DefaultVelocity = 30

	businessValue   = 8
	timeCriticality = 5
	riskReduction   = 3
)

type baseTask struct {
	name     string
	taskType string
}

var baseTasks = []baseTask{
	{"Requirements Clarification", "analysis"},
	{"Architecture Draft", "design"},
	{"Data Model Design", "design"},
	{"Implementation", "feature"},
	{"Testing & QA", "quality"},
	{"Deployment Prep", "ops"},
}

// BaseTaskCount is the number of tasks every fresh plan starts with.
var BaseTaskCount = len(baseTasks)

// SprintPlanner expands an initiative into the fixed six-task template.
type SprintPlanner struct {
	Now func() time.Time
}

func (p SprintPlanner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p SprintPlanner) Plan(_ context.Context, initiative string) (domain.Plan, error) {
	tasks := make([]domain.Task, 0, len(baseTasks))
	for i, bt := range baseTasks {
		n := i + 1
		risk := domain.RiskLow
		if n == 4 || n == 5 {
			risk = domain.RiskMedium
		}
		estimate := 3
		if bt.name == "Implementation" {
			estimate = 8
		}
		prob, impact := 0.2, 2.0
		if risk != domain.RiskLow {
			prob, impact = 0.4, 4.0
		}
		deps := []string{}
		if n > 1 {
			deps = []string{fmt.Sprintf("T%d", n-1)}
		}
		t := domain.Task{
			ID:              fmt.Sprintf("T%d", n),
			Title:           fmt.Sprintf("%s (%s)", bt.name, domain.Truncate(initiative, 30)),
			Type:            bt.taskType,
			EstimatePoints:  estimate,
			Risk:            risk,
			RiskProbability: prob,
			RiskImpact:      impact,
			WSJF:            round2(float64(businessValue+timeCriticality+riskReduction) / float64(max(estimate, 1))),
			Priority:        n,
			Acceptance:      "TBD",
			DependsOn:       deps,
		}
		t.Recompute()
		tasks = append(tasks, t)
	}
	plan := domain.Plan{
		Initiative:         initiative,
		GeneratedAt:        p.now().UTC().Format(time.RFC3339),
		SprintGoal:         "Deliver foundation for: " + domain.Truncate(initiative, 60),
		VelocityAssumption: DefaultVelocity,
		Tasks:              tasks,
		Blockers:           []string{},
	}
	plan.RecomputeAggregate()
	return plan, nil
}

// RefineForBlocker appends one mitigation task. Prior tasks are left as is.
func (p SprintPlanner) RefineForBlocker(_ context.Context, plan domain.Plan, blocker string) (domain.Plan, error) {
	plan.Tasks = append([]domain.Task(nil), plan.Tasks...)
	plan.Blockers = append([]string(nil), plan.Blockers...)
	plan.AddMitigation(blocker)
	return plan, nil
}

const RollbackStub = "If critical failure: 1) Notify stakeholders 2) Revert infra changes 3) Restore DB snapshot 4) Post-mortem"

const maxReleaseNotes = 6

// ReleaseCoordinator derives the release view from a finished plan. The
// window opens three days after now, lasts two days, and the milestone is a
// week after the window opens.
type ReleaseCoordinator struct {
	Now func() time.Time
}

func (r ReleaseCoordinator) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r ReleaseCoordinator) DraftRelease(_ context.Context, plan domain.Plan) (domain.ReleaseView, error) {
	now := r.now().UTC()
	start := now.AddDate(0, 0, 3)
	notes := make([]string, 0, maxReleaseNotes)
	for _, t := range plan.Tasks {
		if len(notes) == maxReleaseNotes {
			break
		}
		notes = append(notes, t.ID+": "+t.Title)
	}
	return domain.ReleaseView{
		GeneratedAt:   now.Format(time.RFC3339),
		Window:        start.Format(time.DateOnly) + " -> " + start.AddDate(0, 0, 2).Format(time.DateOnly),
		NextMilestone: start.AddDate(0, 0, 7).Format(time.DateOnly),
		Notes:         notes,
		RollbackStub:  RollbackStub,
	}, nil
}

// StakeholderCommunicator renders the one-paragraph business update.
type StakeholderCommunicator struct{}

func (StakeholderCommunicator) Summarize(_ context.Context, plan domain.Plan, release domain.ReleaseView) (string, error) {
	var risks []string
	for _, t := range plan.Tasks {
		if t.Risk != domain.RiskLow {
			risks = append(risks, fmt.Sprintf("%s(%s)", t.ID, t.Risk))
		}
	}
	riskLine := strings.Join(risks, ", ")
	if riskLine == "" {
		riskLine = "None"
	}
	return fmt.Sprintf("Initiative: %s. Total tasks: %d, Total points: %d. Planned Release Window: %s | Risks: %s. Next milestone: %s",
		plan.Initiative, len(plan.Tasks), plan.TotalPoints(), release.Window, riskLine, release.NextMilestone), nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
