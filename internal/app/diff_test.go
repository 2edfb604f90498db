package app

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"pmteam/internal/config"
	"pmteam/internal/engine"
	"pmteam/internal/planstore"
	"pmteam/internal/repo"
)

func TestDiffRunsAgainstRunWithoutPlan(t *testing.T) {
	r := repo.New(t.TempDir(), nil)
	clock := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	r.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	p := Pipeline{Config: config.Default(), Repo: r, Now: r.Now}
	proj, err := r.EnsureProject("default")
	if err != nil {
		t.Fatal(err)
	}
	a, err := p.Execute(context.Background(), proj, "Reduce churn", engine.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Execute(context.Background(), proj, "Reduce churn", engine.RunOptions{Blocker: "legal"})
	if err != nil {
		t.Fatal(err)
	}

	d, err := DiffRuns(r, planstore.Store{}, proj.Slug, a.RunID, b.RunID)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(d.Plan.Added) != 1 || d.Plan.Added[0].ID != "M7" {
		t.Fatalf("added = %+v", d.Plan.Added)
	}

	if err := os.Remove(planstore.Path(a.RunDir)); err != nil {
		t.Fatal(err)
	}
	d, err = DiffRuns(r, planstore.Store{}, proj.Slug, a.RunID, b.RunID)
	if err != nil {
		t.Fatalf("diff without old plan: %v", err)
	}
	if len(d.Plan.Added) != len(b.Result.Plan.Tasks) || d.Plan.AggregateDelta != nil {
		t.Fatalf("diff = %+v", d.Plan)
	}

	if _, err := DiffRuns(r, planstore.Store{}, proj.Slug, "20000101_000000_gone", b.RunID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing run err = %v", err)
	}
}
