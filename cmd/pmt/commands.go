package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pmteam/internal/app"
	"pmteam/internal/engine"
	"pmteam/internal/events"
	"pmteam/internal/server"
)

func runCmd() *cobra.Command {
	var blocker string
	var blockers []string
	cmd := &cobra.Command{
		Use:   "run <initiative>",
		Short: "Plan an initiative and persist the run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				proj, err := e.project()
				if err != nil {
					return err
				}
				out, err := e.pipeline().Execute(ctx, proj, strings.Join(args, " "), engine.RunOptions{Blocker: blocker, Blockers: blockers})
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(out)
				}
				res := out.Result
				fmt.Printf("Run %s (project %s)\n", out.RunID, proj.Name)
				fmt.Printf("Sprint goal: %s\n", res.Plan.SprintGoal)
				printTasks(res.Plan.Tasks)
				fmt.Printf("Aggregate risk: %d\n", res.AggregateRiskScore)
				fmt.Printf("Release window: %s (next milestone %s)\n", res.Release.Window, res.Release.NextMilestone)
				fmt.Println()
				fmt.Println(res.StakeholderSummary)
				fmt.Println()
				fmt.Println("Artifacts:", out.RunDir)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&blocker, "blocker", "", "single blocker, processed before --blockers")
	cmd.Flags().StringSliceVar(&blockers, "blockers", nil, "blockers to plan around (repeatable or comma separated)")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				items, err := e.Repo.ListProjects()
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Name", "Slug", "Runs", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.Name, p.Slug, p.Runs, shortTS(p.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var meta []string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create project",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata := map[string]any{}
			for _, kv := range meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || strings.TrimSpace(k) == "" {
					return fmt.Errorf("metadata must be key=value, got %q", kv)
				}
				metadata[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				p, err := e.Repo.CreateProject(strings.Join(args, " "), metadata)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(p)
				}
				fmt.Printf("Created project %s (%s)\n", p.Name, p.Slug)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&meta, "meta", nil, "metadata key=value")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect persisted runs"}
	runs.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				proj, err := e.project()
				if err != nil {
					return err
				}
				items, err := e.Repo.ListRuns(proj.Slug)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Run", "Initiative", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Initiative, shortTS(r.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return runs
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Change the plan of a persisted run",
		Long:  "Plan ops act on plan.json of a run; pass --run <id> or omit it for the newest run.",
	}
	plan.PersistentFlags().String("run", "latest", "run id")
	plan.AddCommand(planAddBlockerCmd())
	plan.AddCommand(planReprioritizeCmd())
	plan.AddCommand(planStatusCmd())
	return plan
}

// withRun resolves the project and the --run flag before calling fn.
func withRun(cmd *cobra.Command, fn func(ctx context.Context, e *env, runDir string) error) error {
	id, _ := cmd.Flags().GetString("run")
	return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
		proj, err := e.project()
		if err != nil {
			return err
		}
		dir, _, err := e.runDir(proj.Slug, id)
		if err != nil {
			return err
		}
		return fn(ctx, e, dir)
	})
}

func planAddBlockerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-blocker <text>",
		Short: "Record a blocker and add its mitigation task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRun(cmd, func(ctx context.Context, e *env, runDir string) error {
				plan, err := e.Plans.AddBlockerTask(runDir, strings.Join(args, " "))
				if err != nil {
					return err
				}
				last := plan.Tasks[len(plan.Tasks)-1]
				return printPlanUpdate(plan, fmt.Sprintf("Added %s (%s)", last.ID, last.Title))
			})
		},
	}
}

func planReprioritizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprioritize <id>...",
		Short: "Move the given tasks to the front in this order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRun(cmd, func(ctx context.Context, e *env, runDir string) error {
				plan, err := e.Plans.ReprioritizeTasks(runDir, args)
				if err != nil {
					return err
				}
				return printPlanUpdate(plan, "Priorities updated")
			})
		},
	}
}

func planStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id=status>...",
		Short: "Set task statuses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := make(map[string]string, len(args))
			for _, a := range args {
				id, st, ok := strings.Cut(a, "=")
				if !ok {
					return fmt.Errorf("expected id=status, got %q", a)
				}
				statuses[id] = st
			}
			return withRun(cmd, func(ctx context.Context, e *env, runDir string) error {
				plan, n, err := e.Plans.UpdateTaskStatuses(runDir, statuses)
				if err != nil {
					return err
				}
				return printPlanUpdate(plan, fmt.Sprintf("Updated %d task status(es)", n))
			})
		},
	}
}

func diffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <from-run> <to-run>",
		Short: "Compare the plans of two runs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				proj, err := e.project()
				if err != nil {
					return err
				}
				d, err := app.DiffRuns(e.Repo, e.Plans, proj.Slug, args[0], args[1])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(d)
				}
				printDiff(d)
				return nil
			})
		},
	}
}

func printDiff(d app.RunDiff) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	changed := color.New(color.FgYellow)
	fmt.Printf("%s -> %s\n", d.From, d.To)
	if d.Plan.Empty() {
		fmt.Println("No task changes.")
	}
	for _, t := range d.Plan.Added {
		added.Printf("+ %s %s\n", t.ID, t.Title)
	}
	for _, t := range d.Plan.Removed {
		removed.Printf("- %s %s\n", t.ID, t.Title)
	}
	for _, m := range d.Plan.Modified {
		for _, f := range m.ChangedFields() {
			c := m.Changes[f]
			changed.Printf("~ %s %s: %v -> %v\n", m.ID, f, c.Old, c.New)
		}
	}
	if d.Plan.AggregateDelta != nil {
		fmt.Printf("Aggregate risk: %d -> %d (%+d)\n", *d.Plan.AggregateRiskOld, *d.Plan.AggregateRiskNew, *d.Plan.AggregateDelta)
	}
	fmt.Println()
	fmt.Println("Stakeholder summary:")
	ins := color.New(color.FgGreen, color.Underline).SprintFunc()
	del := color.New(color.FgRed, color.CrossedOut).SprintFunc()
	for _, s := range d.SummaryDiff {
		switch s.Op {
		case "insert":
			fmt.Print(ins(s.Text))
		case "delete":
			fmt.Print(del(s.Text))
		default:
			fmt.Print(s.Text)
		}
	}
	fmt.Println()
}

func chatCmd() *cobra.Command {
	var runID, message string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk about a run; /blocker, /prioritize and /status change its plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				proj, err := e.project()
				if err != nil {
					return err
				}
				dir, id, err := e.runDir(proj.Slug, runID)
				if err != nil {
					return err
				}
				svc := e.chat()
				send := func(text string) error {
					reply, err := svc.Reply(ctx, dir, text)
					if err != nil {
						return err
					}
					if reply.Fallback != nil {
						e.Logger.Warn("chat backend unavailable, answered heuristically", "err", reply.Fallback)
					}
					if jsonOutput() {
						return printJSON(reply.Message)
					}
					fmt.Printf("agent: %s\n", reply.Message.Content)
					return nil
				}
				if strings.TrimSpace(message) != "" {
					return send(message)
				}
				fmt.Printf("Chatting about run %s. Type exit to quit.\n", id)
				scanner := bufio.NewScanner(os.Stdin)
				for {
					fmt.Print("> ")
					if !scanner.Scan() {
						fmt.Println()
						return scanner.Err()
					}
					text := strings.TrimSpace(scanner.Text())
					switch text {
					case "":
						continue
					case "exit", "quit":
						return nil
					}
					if err := send(text); err != nil {
						fmt.Fprintln(os.Stderr, "error:", err)
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "latest", "run id")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Pipeline events",
		Long:  "Events come from the SQLite index when enabled, otherwise from the project audit log.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var fromAudit bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				proj, err := e.project()
				if err != nil {
					return err
				}
				if e.Index == nil || fromAudit {
					return tailAudit(e.Repo.AuditPath(proj.Slug, e.Config.Audit.FileName), n, evtType)
				}
				items, err := e.Index.Latest(ctx, n, proj.Slug, evtType)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Run", "Payload"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, shortTS(ev.TS), ev.Type, ev.RunID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVar(&fromAudit, "audit", false, "read the audit log instead of the index")
	return cmd
}

func tailAudit(path string, n int, evtType string) error {
	entries, err := events.ReadEntries(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			entries = nil
		} else {
			return err
		}
	}
	var filtered []map[string]any
	for _, en := range entries {
		if evtType == "" || en["event"] == evtType {
			filtered = append(filtered, en)
		}
	}
	if n > 0 && len(filtered) > n {
		filtered = filtered[len(filtered)-n:]
	}
	if jsonOutput() {
		return printJSON(filtered)
	}
	tw := newTable(table.Row{"Time", "Event", "Run", "Fields"})
	for _, en := range filtered {
		at, _ := en["at"].(string)
		ev, _ := en["event"].(string)
		run, _ := en["run_id"].(string)
		tw.AppendRow(table.Row{shortTS(at), ev, run, auditFields(en)})
	}
	tw.Render()
	return nil
}

func auditFields(en map[string]any) string {
	keys := make([]string, 0, len(en))
	for k := range en {
		switch k {
		case "event", "at", "run_id":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, en[k]))
	}
	return strings.Join(parts, " ")
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(c)
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate pmteam.yml and environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("Config OK")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt_secret")}
				if authCfg.JWTSecret == "" {
					e.Logger.Warn("PM_TEAM_JWT_SECRET is not set; the API is unauthenticated")
				}
				handler, err := server.New(server.Config{
					Pipeline: e.pipeline(),
					Repo:     e.Repo,
					Plans:    e.Plans,
					Chat:     e.chat(),
					Index:    e.Index,
					BasePath: basePath,
					Auth:     authCfg,
					Gatherer: prometheus.DefaultGatherer,
					Logger:   e.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving pmteam API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}
