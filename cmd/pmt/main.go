package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pmteam/internal/app"
	"pmteam/internal/config"
	"pmteam/internal/conversation"
	"pmteam/internal/db"
	"pmteam/internal/domain"
	"pmteam/internal/events"
	"pmteam/internal/llm"
	"pmteam/internal/logging"
	"pmteam/internal/metrics"
	"pmteam/internal/migrate"
	"pmteam/internal/planstore"
	"pmteam/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "pmt",
	Short: "PM team planning orchestrator",
	Long: `pmt turns an initiative into a sprint plan, release view and stakeholder summary.
- Run: one pass of the pipeline (plan, blockers, release, summary), persisted as a run directory.
- Project: a folder under the output root that owns runs and the audit log.
- Blocker: an impediment; each one adds a high-risk mitigation task to the plan.
- Plan ops: add blockers, reprioritize and set task statuses on a persisted run.
- Chat: ask questions about a run or drive plan ops with /blocker, /prioritize, /status.
- Audit log: JSON lines per project, rotated by size; the event index mirrors it in SQLite.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PM_TEAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("output_root", "PM_TEAM_OUTPUT_ROOT")
	_ = viper.BindEnv("audit_max_bytes", "PM_TEAM_AUDIT_MAX_BYTES")
	_ = viper.BindEnv("max_runs", "PM_TEAM_MAX_RUNS")
	_ = viper.BindEnv("noninteractive", "PM_TEAM_NONINTERACTIVE")
	_ = viper.BindEnv("jwt_secret", "PM_TEAM_JWT_SECRET")
	_ = viper.BindEnv("openai_api_key", "OPENAI_API_KEY")
	_ = viper.BindEnv("openai_model", "OPENAI_MODEL_NAME")
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "directory holding pmteam.yml")
	flags.Bool("json", false, "output JSON")
	flags.StringP("project", "p", "", "project name (prompted or default when empty)")
	flags.String("output-root", "", "output directory (overrides config)")
	flags.Bool("non-interactive", false, "never prompt; use the default project")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("project", flags.Lookup("project"))
	_ = viper.BindPFlag("output_root", flags.Lookup("output-root"))
	_ = viper.BindPFlag("noninteractive", flags.Lookup("non-interactive"))
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(diffCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- environment ---

// env bundles what a command needs. Everything below cmd/ receives its
// configuration from here.
type env struct {
	Config  *config.Config
	Logger  *slog.Logger
	Repo    *repo.Repo
	Index   *events.Index
	Plans   planstore.Store
	Backend *llm.Client
	close   func()
}

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if viper.IsSet("output_root") && viper.GetString("output_root") != "" {
		cfg.OutputRoot = viper.GetString("output_root")
	}
	if viper.IsSet("audit_max_bytes") {
		cfg.Audit.MaxBytes = viper.GetInt64("audit_max_bytes")
	}
	if viper.IsSet("max_runs") {
		cfg.Retention.MaxRuns = viper.GetInt("max_runs")
	}
	if viper.IsSet("noninteractive") {
		cfg.NonInteractive = viper.GetBool("noninteractive")
	}
	if lvl := viper.GetString("log_level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if !filepath.IsAbs(cfg.OutputRoot) {
		cfg.OutputRoot = filepath.Join(workspace, cfg.OutputRoot)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	e := &env{
		Config: cfg,
		Logger: logger,
		Repo:   repo.New(cfg.OutputRoot, logger),
		close:  func() {},
	}
	if cfg.Index.Enabled {
		conn, err := db.Open(cfg.IndexPath())
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
		e.Index = &events.Index{DB: conn}
		e.close = func() { conn.Close() }
	}
	if cfg.LLM.Enabled {
		key := viper.GetString("openai_api_key")
		if key == "" {
			logger.Warn("llm enabled but OPENAI_API_KEY is not set; using the heuristic responder")
		} else {
			model := cfg.LLM.Model
			if m := viper.GetString("openai_model"); m != "" {
				model = m
			}
			e.Backend = llm.New(cfg.LLM.BaseURL, model, key, time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)
		}
	}
	return e, nil
}

func withEnv(ctx context.Context, fn func(context.Context, *env) error) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()
	return fn(ctx, e)
}

func (e *env) pipeline() app.Pipeline {
	p := app.Pipeline{
		Config:     e.Config,
		Repo:       e.Repo,
		Index:      e.Index,
		Collectors: metrics.MustNewCollectors(prometheus.DefaultRegisterer),
		Logger:     e.Logger,
	}
	if e.Backend != nil {
		p.Drafter = e.Backend
	}
	return p
}

func (e *env) chat() conversation.Service {
	s := conversation.Service{Plans: e.Plans, Logger: e.Logger}
	if e.Backend != nil {
		s.Backend = e.Backend
	}
	return s
}

func (e *env) project() (domain.Project, error) {
	var prompter app.Prompter
	if !e.Config.NonInteractive {
		prompter = app.TerminalPrompter{}
	}
	return app.ResolveProject(e.Repo, viper.GetString("project"), e.Config.NonInteractive, prompter)
}

// runDir resolves a run id, or the newest run when id is empty or "latest".
func (e *env) runDir(slug, id string) (string, string, error) {
	if id == "" || id == "latest" {
		dir, err := e.Repo.LatestRun(slug)
		if err != nil {
			return "", "", err
		}
		return dir, filepath.Base(dir), nil
	}
	dir, err := e.Repo.RunDir(slug, id)
	return dir, id, err
}

// --- output helpers ---

func jsonOutput() bool { return viper.GetBool("json") }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

func printTasks(tasks []domain.Task) {
	tw := newTable(table.Row{"ID", "Title", "Type", "Pts", "Risk", "Score", "WSJF", "Prio", "Status"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Type, t.EstimatePoints, t.Risk, t.RiskScore, t.WSJF, t.Priority, t.Status})
	}
	tw.Render()
}

func printPlanUpdate(plan domain.Plan, msg string) error {
	if jsonOutput() {
		return printJSON(plan)
	}
	fmt.Println(msg)
	printTasks(plan.Tasks)
	fmt.Printf("Aggregate risk: %d\n", plan.AggregateRiskScore)
	return nil
}

func shortTS(ts string) string {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.Local().Format("2006-01-02 15:04:05")
	}
	return ts
}
