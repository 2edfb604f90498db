package planstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pmteam/internal/domain"
	"pmteam/internal/fsutil"
	"pmteam/internal/planner"
)

func newRunDir(t *testing.T) (string, Store) {
	t.Helper()
	dir := t.TempDir()
	plan, err := planner.SprintPlanner{}.Plan(context.Background(), "Reduce churn")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := fsutil.WriteJSON(Path(dir), plan); err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	return dir, Store{Now: func() time.Time { return time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC) }}
}

func ids(p domain.Plan) []string {
	out := make([]string, len(p.Tasks))
	for i, t := range p.Tasks {
		out[i] = t.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAddBlockerTaskMissingPlan(t *testing.T) {
	dir := t.TempDir()
	_, err := Store{}.AddBlockerTask(dir, "vendor outage")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("nothing should be written, found %d entries", len(entries))
	}
}

func TestAddBlockerTaskPersists(t *testing.T) {
	dir, s := newRunDir(t)
	plan, err := s.AddBlockerTask(dir, "vendor outage")
	if err != nil {
		t.Fatalf("add blocker: %v", err)
	}
	if len(plan.Tasks) != 7 || plan.Tasks[6].ID != "M7" || plan.Blockers[0] != "vendor outage" {
		t.Fatalf("plan = %+v", plan)
	}
	reloaded, err := s.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.AggregateRiskScore != 45+12 || reloaded.UpdatedAt != "2024-02-02T00:00:00Z" {
		t.Fatalf("reloaded = agg %d updated %q", reloaded.AggregateRiskScore, reloaded.UpdatedAt)
	}
	if _, err := s.AddBlockerTask(dir, "   "); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty blocker err = %v", err)
	}
}

func TestLoadCorruptPlan(t *testing.T) {
	for _, body := range []string{"{not json", "null", "{}", `{"initiative":"x"}`, "[]"} {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := Store{}.AddBlockerTask(dir, "x")
		if !errors.Is(err, ErrCorrupt) || errors.Is(err, ErrNotFound) {
			t.Fatalf("%q: err = %v, want ErrCorrupt", body, err)
		}
		data, _ := os.ReadFile(filepath.Join(dir, FileName))
		if string(data) != body {
			t.Fatalf("%q: corrupt plan must not be reset, got %q", body, data)
		}
	}
}

func TestReprioritizeDropsUnknownAndDuplicates(t *testing.T) {
	dir, s := newRunDir(t)
	plan, err := s.ReprioritizeTasks(dir, []string{"T3", "X9", "T1", "T3", "T5"})
	if err != nil {
		t.Fatalf("reprioritize: %v", err)
	}
	want := []string{"T3", "T1", "T5", "T2", "T4", "T6"}
	if !equal(ids(plan), want) {
		t.Fatalf("order = %v, want %v", ids(plan), want)
	}
	for i, task := range plan.Tasks {
		if task.Priority != i+1 {
			t.Fatalf("priority of %s = %d", task.ID, task.Priority)
		}
	}
	reloaded, _ := s.Load(dir)
	if !equal(ids(reloaded), want) {
		t.Fatalf("persisted order = %v", ids(reloaded))
	}
}

func TestReprioritizeIdempotent(t *testing.T) {
	dir, s := newRunDir(t)
	first, err := s.ReprioritizeTasks(dir, []string{"T6", "T2"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := s.ReprioritizeTasks(dir, ids(first))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !equal(ids(first), ids(second)) {
		t.Fatalf("order changed: %v -> %v", ids(first), ids(second))
	}
	for i := range first.Tasks {
		if first.Tasks[i].Priority != second.Tasks[i].Priority {
			t.Fatalf("priorities changed at %d", i)
		}
	}
	if _, err := s.ReprioritizeTasks(dir, nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty order err = %v", err)
	}
	if _, err := s.ReprioritizeTasks(t.TempDir(), []string{"T1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing plan err = %v", err)
	}
}

func TestUpdateTaskStatusesWritesOnlyOnChange(t *testing.T) {
	dir, s := newRunDir(t)
	plan, n, err := s.UpdateTaskStatuses(dir, map[string]string{" T1 ": " Done ", "T99": "done"})
	if err != nil || n != 1 {
		t.Fatalf("update: n=%d err=%v", n, err)
	}
	if plan.Tasks[0].Status != "done" {
		t.Fatalf("status = %q", plan.Tasks[0].Status)
	}
	info1, _ := os.Stat(Path(dir))

	s.Now = func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) }
	_, n, err = s.UpdateTaskStatuses(dir, map[string]string{"T1": "done"})
	if err != nil || n != 0 {
		t.Fatalf("repeat update: n=%d err=%v", n, err)
	}
	reloaded, _ := s.Load(dir)
	if reloaded.UpdatedAt != "2024-02-02T00:00:00Z" {
		t.Fatalf("no-op update touched updated_at: %q", reloaded.UpdatedAt)
	}
	info2, _ := os.Stat(Path(dir))
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Fatalf("no-op update rewrote plan.json")
	}
}
