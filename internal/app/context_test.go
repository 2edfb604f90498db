package app

import (
	"errors"
	"testing"

	"pmteam/internal/repo"
)

type scriptedPrompter struct {
	pick     int
	name     string
	selected []string
}

func (s *scriptedPrompter) Select(_ string, items []string) (int, error) {
	s.selected = items
	return s.pick, nil
}

func (s *scriptedPrompter) Input(string) (string, error) { return s.name, nil }

func TestResolveProjectNonInteractiveUsesDefault(t *testing.T) {
	r := repo.New(t.TempDir(), nil)
	p, err := ResolveProject(r, "", true, &scriptedPrompter{name: "ignored"})
	if err != nil || p.Slug != "default" {
		t.Fatalf("project = %+v, %v", p, err)
	}
	p, err = ResolveProject(r, "Growth", true, nil)
	if err != nil || p.Slug != "growth" {
		t.Fatalf("explicit project = %+v, %v", p, err)
	}
}

func TestResolveProjectInteractive(t *testing.T) {
	r := repo.New(t.TempDir(), nil)
	if _, err := r.CreateProject("alpha", nil); err != nil {
		t.Fatal(err)
	}
	pr := &scriptedPrompter{pick: 0}
	p, err := ResolveProject(r, "", false, pr)
	if err != nil || p.Name != "alpha" {
		t.Fatalf("picked = %+v, %v", p, err)
	}
	if len(pr.selected) != 2 || pr.selected[1] != newProjectOption {
		t.Fatalf("items = %v", pr.selected)
	}

	p, err = ResolveProject(r, "", false, &scriptedPrompter{pick: 1, name: "Beta Team"})
	if err != nil || p.Slug != "beta_team" {
		t.Fatalf("created = %+v, %v", p, err)
	}
	p, err = ResolveProject(r, "", false, &scriptedPrompter{pick: 2, name: "  "})
	if err != nil || p.Slug != "default" {
		t.Fatalf("blank name = %+v, %v", p, err)
	}
	if _, err := ResolveProject(r, "", false, &scriptedPrompter{pick: 3, name: "beta team"}); !errors.Is(err, repo.ErrSlugCollision) {
		t.Fatalf("collision err = %v", err)
	}
}

func TestResolveProjectAcceptsSlug(t *testing.T) {
	r := repo.New(t.TempDir(), nil)
	created, err := r.CreateProject("Growth Team", nil)
	if err != nil {
		t.Fatal(err)
	}
	p, err := ResolveProject(r, "growth_team", true, nil)
	if err != nil || p.Name != created.Name {
		t.Fatalf("by slug = %+v, %v", p, err)
	}
}
