package conversation

import (
	"errors"
	"fmt"
	"strings"

	"pmteam/internal/planstore"
)

const commandHelp = "Available commands: /blocker <text>, /prioritize <id> [id...], /status <id>=<status> [...]"

// command runs a slash command against the run's plan. Plan errors that a
// user can act on become the reply; anything else is returned.
func (s Service) command(runDir, text string) (string, error) {
	name, args, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	args = strings.TrimSpace(args)
	var (
		reply string
		err   error
	)
	switch strings.ToLower(name) {
	case "blocker":
		plan, e := s.Plans.AddBlockerTask(runDir, args)
		if err = e; err == nil {
			m := plan.Tasks[len(plan.Tasks)-1]
			reply = fmt.Sprintf("Added %s (%s). Aggregate risk is now %d.", m.ID, m.Title, plan.AggregateRiskScore)
		}
	case "prioritize":
		plan, e := s.Plans.ReprioritizeTasks(runDir, strings.Fields(args))
		if err = e; err == nil {
			ids := make([]string, len(plan.Tasks))
			for i, t := range plan.Tasks {
				ids[i] = t.ID
			}
			reply = "New priority order: " + strings.Join(ids, ", ")
		}
	case "status":
		statuses := map[string]string{}
		for _, pair := range strings.Fields(args) {
			if id, st, ok := strings.Cut(pair, "="); ok {
				statuses[id] = st
			}
		}
		_, n, e := s.Plans.UpdateTaskStatuses(runDir, statuses)
		if err = e; err == nil {
			if n == 0 {
				reply = "No status changes."
			} else {
				reply = fmt.Sprintf("Updated %d task status(es).", n)
			}
		}
	default:
		return fmt.Sprintf("Unknown command /%s. %s", name, commandHelp), nil
	}
	switch {
	case err == nil:
		return reply, nil
	case errors.Is(err, planstore.ErrNotFound):
		return "No plan found for this run; nothing was changed.", nil
	case errors.Is(err, planstore.ErrCorrupt):
		return "The plan file is unreadable; nothing was changed.", nil
	case errors.Is(err, planstore.ErrInvalid):
		return fmt.Sprintf("Invalid command: %v. %s", err, commandHelp), nil
	default:
		return "", err
	}
}
