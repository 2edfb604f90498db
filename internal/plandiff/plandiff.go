// Package plandiff compares two plans task by task.
package plandiff

import (
	"reflect"

	"github.com/sergi/go-diff/diffmatchpatch"

	"pmteam/internal/domain"
)

// Fields lists the task fields compared by Diff, in reporting order.
var Fields = []string{
	"title", "priority", "estimate_points", "risk", "risk_score", "wsjf",
	"risk_probability", "risk_impact", "risk_exposure", "type", "depends_on",
}

type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

type Modified struct {
	ID      string            `json:"id"`
	Changes map[string]Change `json:"changes"`
}

// Result is the task-level difference between two plans. The aggregate risk
// fields are nil when the corresponding plan is absent; Delta needs both.
type Result struct {
	Added            []domain.Task `json:"added"`
	Removed          []domain.Task `json:"removed"`
	Modified         []Modified    `json:"modified"`
	AggregateRiskOld *int          `json:"aggregate_risk_old"`
	AggregateRiskNew *int          `json:"aggregate_risk_new"`
	AggregateDelta   *int          `json:"aggregate_risk_delta"`
}

// Empty reports whether no task was added, removed or modified.
func (r Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Modified) == 0
}

// Diff compares old and new. Either may be nil. Added follows the order of
// new, Removed and Modified follow the order of old.
func Diff(old, new *domain.Plan) Result {
	res := Result{Added: []domain.Task{}, Removed: []domain.Task{}, Modified: []Modified{}}
	var oldTasks, newTasks []domain.Task
	if old != nil {
		oldTasks = old.Tasks
		v := old.AggregateRiskScore
		res.AggregateRiskOld = &v
	}
	if new != nil {
		newTasks = new.Tasks
		v := new.AggregateRiskScore
		res.AggregateRiskNew = &v
	}
	if res.AggregateRiskOld != nil && res.AggregateRiskNew != nil {
		d := *res.AggregateRiskNew - *res.AggregateRiskOld
		res.AggregateDelta = &d
	}
	oldIdx, newIdx := index(oldTasks), index(newTasks)
	for _, t := range newTasks {
		if _, ok := oldIdx[t.ID]; !ok && t.ID != "" {
			res.Added = append(res.Added, t)
		}
	}
	seen := map[string]bool{}
	for _, t := range oldTasks {
		if t.ID == "" || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		n, ok := newIdx[t.ID]
		if !ok {
			res.Removed = append(res.Removed, t)
			continue
		}
		if changes := compare(oldIdx[t.ID], n); len(changes) > 0 {
			res.Modified = append(res.Modified, Modified{ID: t.ID, Changes: changes})
		}
	}
	return res
}

// index keeps the last task for a repeated id.
func index(tasks []domain.Task) map[string]domain.Task {
	out := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		if t.ID != "" {
			out[t.ID] = t
		}
	}
	return out
}

func fieldValues(t domain.Task) map[string]any {
	deps := t.DependsOn
	if deps == nil {
		deps = []string{}
	}
	return map[string]any{
		"title":            t.Title,
		"priority":         t.Priority,
		"estimate_points":  t.EstimatePoints,
		"risk":             t.Risk,
		"risk_score":       t.RiskScore,
		"wsjf":             t.WSJF,
		"risk_probability": t.RiskProbability,
		"risk_impact":      t.RiskImpact,
		"risk_exposure":    t.RiskExposure,
		"type":             t.Type,
		"depends_on":       deps,
	}
}

func compare(o, n domain.Task) map[string]Change {
	ov, nv := fieldValues(o), fieldValues(n)
	changes := map[string]Change{}
	for _, f := range Fields {
		if !reflect.DeepEqual(ov[f], nv[f]) {
			changes[f] = Change{Old: ov[f], New: nv[f]}
		}
	}
	return changes
}

// ChangedFields returns the changed field names of m in Fields order.
func (m Modified) ChangedFields() []string {
	out := make([]string, 0, len(m.Changes))
	for _, f := range Fields {
		if _, ok := m.Changes[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Segment is one run of a text diff.
type Segment struct {
	Op   string `json:"op" enum:"equal,insert,delete"`
	Text string `json:"text"`
}

// SummaryDiff returns a word-friendly character diff of two stakeholder
// summaries, cleaned up for human reading.
func SummaryDiff(old, new string) []Segment {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(old, new, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	out := make([]Segment, 0, len(diffs))
	for _, d := range diffs {
		op := "equal"
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = "insert"
		case diffmatchpatch.DiffDelete:
			op = "delete"
		}
		out = append(out, Segment{Op: op, Text: d.Text})
	}
	return out
}
