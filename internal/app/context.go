package app

import (
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"

	"pmteam/internal/config"
	"pmteam/internal/domain"
	"pmteam/internal/repo"
)

const newProjectOption = "+ Create new project"

// Prompter asks the user to pick or name a project.
type Prompter interface {
	Select(label string, items []string) (int, error)
	Input(label string) (string, error)
}

// ResolveProject picks the active project. An explicit name or slug wins; in
// non-interactive mode, or without a prompter, the default project is used.
// Otherwise the user chooses an existing project or names a new one, and a
// blank name means the default project.
func ResolveProject(r *repo.Repo, requested string, nonInteractive bool, p Prompter) (domain.Project, error) {
	if name := strings.TrimSpace(requested); name != "" {
		if p, err := r.GetProject(name); err == nil {
			return p, nil
		}
		return r.EnsureProject(name)
	}
	if nonInteractive || p == nil {
		return r.EnsureProject(config.DefaultProject)
	}
	projects, err := r.ListProjects()
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) > 0 {
		items := make([]string, 0, len(projects)+1)
		for _, pr := range projects {
			items = append(items, pr.Name)
		}
		items = append(items, newProjectOption)
		idx, err := p.Select("Select project", items)
		if err != nil {
			return domain.Project{}, fmt.Errorf("select project: %w", err)
		}
		if idx >= 0 && idx < len(projects) {
			return projects[idx], nil
		}
	}
	name, err := p.Input("New project name (blank for default)")
	if err != nil {
		return domain.Project{}, fmt.Errorf("project name: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return r.EnsureProject(config.DefaultProject)
	}
	return r.CreateProject(name, nil)
}

// TerminalPrompter prompts on the terminal.
type TerminalPrompter struct{}

func (TerminalPrompter) Select(label string, items []string) (int, error) {
	sel := promptui.Select{Label: label, Items: items, Size: 10}
	idx, _, err := sel.Run()
	return idx, err
}

func (TerminalPrompter) Input(label string) (string, error) {
	prompt := promptui.Prompt{Label: label}
	return prompt.Run()
}
