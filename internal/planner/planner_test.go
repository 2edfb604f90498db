package planner

import (
	"context"
	"strings"
	"testing"
	"time"
)

var fixed = func() time.Time { return time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC) }

func TestPlanBuildsBaseTemplate(t *testing.T) {
	plan, err := SprintPlanner{Now: fixed}.Plan(context.Background(), "Reduce churn")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Tasks) != BaseTaskCount {
		t.Fatalf("tasks = %d", len(plan.Tasks))
	}
	impl := plan.Tasks[3]
	if impl.ID != "T4" || impl.EstimatePoints != 8 || impl.Risk != "medium" || impl.RiskScore != 24 {
		t.Fatalf("implementation task = %+v", impl)
	}
	if impl.WSJF != 2 || impl.RiskExposure != 0.4*4*8 {
		t.Fatalf("derived fields = %+v", impl)
	}
	if plan.Tasks[0].WSJF != 5.33 || len(plan.Tasks[0].DependsOn) != 0 {
		t.Fatalf("first task = %+v", plan.Tasks[0])
	}
	if plan.Tasks[1].DependsOn[0] != "T1" {
		t.Fatalf("depends_on = %v", plan.Tasks[1].DependsOn)
	}
	// 3+3+3 low, 24+9 medium, 3 low
	if plan.AggregateRiskScore != 45 || plan.TotalPoints() != 23 {
		t.Fatalf("aggregate = %d points = %d", plan.AggregateRiskScore, plan.TotalPoints())
	}
	if plan.SprintGoal != "Deliver foundation for: Reduce churn" || plan.GeneratedAt != "2024-03-10T09:30:00Z" {
		t.Fatalf("plan header = %+v", plan)
	}
}

func TestRefineForBlockerDoesNotAliasInput(t *testing.T) {
	sp := SprintPlanner{Now: fixed}
	base, _ := sp.Plan(context.Background(), "x")
	refined, err := sp.RefineForBlocker(context.Background(), base, "vendor API limits")
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	if len(base.Tasks) != BaseTaskCount || len(base.Blockers) != 0 {
		t.Fatalf("input plan mutated")
	}
	m := refined.Tasks[len(refined.Tasks)-1]
	if m.ID != "M7" || m.RiskScore != 12 || refined.AggregateRiskScore != base.AggregateRiskScore+12 {
		t.Fatalf("mitigation = %+v agg=%d", m, refined.AggregateRiskScore)
	}
}

func TestReleaseAndSummary(t *testing.T) {
	ctx := context.Background()
	plan, _ := SprintPlanner{Now: fixed}.Plan(ctx, "Reduce churn")
	plan, _ = SprintPlanner{}.RefineForBlocker(ctx, plan, "db")
	rel, err := ReleaseCoordinator{Now: fixed}.DraftRelease(ctx, plan)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rel.Window != "2024-03-13 -> 2024-03-15" || rel.NextMilestone != "2024-03-20" {
		t.Fatalf("release = %+v", rel)
	}
	if len(rel.Notes) != 6 || rel.Notes[0] != "T1: Requirements Clarification (Reduce churn)" {
		t.Fatalf("notes = %v", rel.Notes)
	}
	sum, _ := StakeholderCommunicator{}.Summarize(ctx, plan, rel)
	want := "Initiative: Reduce churn. Total tasks: 7, Total points: 25. Planned Release Window: 2024-03-13 -> 2024-03-15 | Risks: T4(medium), T5(medium), M7(high). Next milestone: 2024-03-20"
	if sum != want {
		t.Fatalf("summary =\n%s\nwant\n%s", sum, want)
	}
	if !strings.Contains(rel.RollbackStub, "Restore DB snapshot") {
		t.Fatalf("rollback = %q", rel.RollbackStub)
	}
}
