package app

import (
	"errors"

	"pmteam/internal/domain"
	"pmteam/internal/plandiff"
	"pmteam/internal/planstore"
	"pmteam/internal/repo"
)

// RunDiff compares the plans and stakeholder summaries of two runs.
type RunDiff struct {
	From        string             `json:"from"`
	To          string             `json:"to"`
	Plan        plandiff.Result    `json:"plan"`
	SummaryDiff []plandiff.Segment `json:"summary_diff"`
}

// DiffRuns compares two runs of a project. A run without plan.json compares
// as an absent plan; a missing summary compares as empty text.
func DiffRuns(r *repo.Repo, plans planstore.Store, slug, from, to string) (RunDiff, error) {
	oldPlan, oldSummary, err := loadRunPlan(r, plans, slug, from)
	if err != nil {
		return RunDiff{}, err
	}
	newPlan, newSummary, err := loadRunPlan(r, plans, slug, to)
	if err != nil {
		return RunDiff{}, err
	}
	return RunDiff{
		From:        from,
		To:          to,
		Plan:        plandiff.Diff(oldPlan, newPlan),
		SummaryDiff: plandiff.SummaryDiff(oldSummary, newSummary),
	}, nil
}

func loadRunPlan(r *repo.Repo, plans planstore.Store, slug, id string) (*domain.Plan, string, error) {
	dir, err := r.RunDir(slug, id)
	if err != nil {
		return nil, "", err
	}
	summary := ""
	if data, err := r.ReadArtifact(slug, id, repo.SummaryFile); err == nil {
		summary = string(data)
	}
	plan, err := plans.Load(dir)
	if errors.Is(err, planstore.ErrNotFound) {
		return nil, summary, nil
	}
	if err != nil {
		return nil, "", err
	}
	return &plan, summary, nil
}
