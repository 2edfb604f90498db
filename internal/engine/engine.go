package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pmteam/internal/domain"
	"pmteam/internal/events"
	"pmteam/internal/logging"
	"pmteam/internal/metrics"
)

type Planner interface {
	Plan(ctx context.Context, initiative string) (domain.Plan, error)
	RefineForBlocker(ctx context.Context, plan domain.Plan, blocker string) (domain.Plan, error)
}

type ReleaseDrafter interface {
	DraftRelease(ctx context.Context, plan domain.Plan) (domain.ReleaseView, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, plan domain.Plan, release domain.ReleaseView) (string, error)
}

// Options wires an Engine. Planner, Release and Comm are required; Audit and
// Index are optional sinks.
type Options struct {
	Planner Planner
	Release ReleaseDrafter
	Comm    Summarizer
	Audit   *events.AuditLogger
	Index   *events.Index
	Metrics *metrics.Accumulator
	Project string
	Logger  *slog.Logger
	Now     func() time.Time
}

// Engine runs the planning pipeline:
// PLAN_CREATED, BLOCKER_ADDED per blocker, RELEASE_DRAFTED, STAKEHOLDER_SUMMARY.
// The event history and metrics live as long as the Engine. An Engine is not
// safe for concurrent Run calls.
type Engine struct {
	Planner Planner
	Release ReleaseDrafter
	Comm    Summarizer
	Audit   *events.AuditLogger
	Metrics *metrics.Accumulator
	Project string
	Logger  *slog.Logger
	Now     func() time.Time

	bus    *events.Bus
	index  *events.Index
	runID  string
	runCtx context.Context
}

func New(opts Options) *Engine {
	e := &Engine{
		Planner: opts.Planner,
		Release: opts.Release,
		Comm:    opts.Comm,
		Audit:   opts.Audit,
		Metrics: opts.Metrics,
		Project: opts.Project,
		Logger:  logging.OrDiscard(opts.Logger),
		Now:     opts.Now,
		bus:     events.NewBus(),
	}
	if e.Metrics == nil {
		e.Metrics = metrics.NewAccumulator(nil)
	}
	if e.Now != nil {
		e.bus.Now = e.Now
	}
	if e.Audit != nil {
		e.subscribeAudit()
	}
	if opts.Index != nil {
		e.bus.Subscribe(events.Wildcard, opts.Index.Subscriber(e.ctx, e.Project, e.RunID))
		e.index = opts.Index
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ctx is the context of the run in progress, for bus handlers that need one.
func (e *Engine) ctx() context.Context {
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// Subscribe adds a handler to the engine's bus. A failing handler aborts Run.
func (e *Engine) Subscribe(event string, h events.Handler) {
	e.bus.Subscribe(event, h)
}

// History returns every event emitted by this engine so far.
func (e *Engine) History() []events.Record {
	return e.bus.History()
}

// RunID is the id of the run in progress or the last completed one.
func (e *Engine) RunID() string {
	return e.runID
}

func (e *Engine) subscribeAudit() {
	e.bus.Subscribe(events.PlanCreated, func(r events.Record) error {
		return e.audit(r.Event, map[string]any{"task_count": r.Payload["task_count"]})
	})
	e.bus.Subscribe(events.BlockerAdded, func(r events.Record) error {
		return e.audit(r.Event, map[string]any{"blocker": r.Payload["blocker"]})
	})
	e.bus.Subscribe(events.ReleaseDrafted, func(r events.Record) error {
		return e.audit(r.Event, map[string]any{"window": r.Payload["window"]})
	})
	e.bus.Subscribe(events.StakeholderSummary, func(r events.Record) error {
		return e.audit(r.Event, map[string]any{"length": r.Payload["length"]})
	})
}

func (e *Engine) audit(event string, fields map[string]any) error {
	if e.Audit == nil {
		return nil
	}
	fields["run_id"] = e.runID
	return e.Audit.Log(event, fields)
}

// RunOptions carries blockers. Blocker, when set, is processed before Blockers.
type RunOptions struct {
	Blocker  string
	Blockers []string
}

func (o RunOptions) normalized() []string {
	var out []string
	if o.Blocker != "" {
		out = append(out, o.Blocker)
	}
	for _, b := range o.Blockers {
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Run executes one pipeline pass. Any failure, including a failing event
// handler, aborts the run without a result; audit lines already written stay.
func (e *Engine) Run(ctx context.Context, initiative string, opts RunOptions) (domain.RunResult, error) {
	if e.Planner == nil || e.Release == nil || e.Comm == nil {
		return domain.RunResult{}, errors.New("engine collaborators not configured")
	}
	e.runID = uuid.NewString()
	e.runCtx = ctx
	defer func() { e.runCtx = nil }()
	log := e.Logger.With("run_id", e.runID, "project", e.Project)
	log.Debug("run started", "initiative", initiative)

	plan, err := e.Planner.Plan(ctx, initiative)
	if err != nil {
		return domain.RunResult{}, fmt.Errorf("plan: %w", err)
	}
	e.Metrics.Incr(metrics.PlansCreated, 1)
	if err := e.bus.Emit(events.PlanCreated, events.Payload{
		"initiative": initiative,
		"tasks":      plan.Tasks,
		"task_count": len(plan.Tasks),
	}); err != nil {
		return domain.RunResult{}, err
	}

	for _, blocker := range opts.normalized() {
		plan, err = e.Planner.RefineForBlocker(ctx, plan, blocker)
		if err != nil {
			return domain.RunResult{}, fmt.Errorf("refine for blocker %q: %w", blocker, err)
		}
		e.Metrics.Incr(metrics.BlockersRecorded, 1)
		if err := e.bus.Emit(events.BlockerAdded, events.Payload{
			"blocker":    blocker,
			"task_count": len(plan.Tasks),
		}); err != nil {
			return domain.RunResult{}, err
		}
	}
	aggregate := plan.RecomputeAggregate()

	release, err := e.Release.DraftRelease(ctx, plan)
	if err != nil {
		return domain.RunResult{}, fmt.Errorf("draft release: %w", err)
	}
	if err := e.bus.Emit(events.ReleaseDrafted, events.Payload{
		"window":         release.Window,
		"next_milestone": release.NextMilestone,
	}); err != nil {
		return domain.RunResult{}, err
	}

	summary, err := e.Comm.Summarize(ctx, plan, release)
	if err != nil {
		return domain.RunResult{}, fmt.Errorf("summarize: %w", err)
	}
	if err := e.bus.Emit(events.StakeholderSummary, events.Payload{
		"summary": summary,
		"length":  len(summary),
	}); err != nil {
		return domain.RunResult{}, err
	}

	points := plan.TotalPoints()
	e.Metrics.SetLastPoints(points)
	if err := e.audit(events.RunCompleted, map[string]any{"initiative": initiative, "points": points}); err != nil {
		return domain.RunResult{}, err
	}
	if e.index != nil {
		rec := events.Record{
			Event:     events.RunCompleted,
			Timestamp: e.now().UTC().Format(time.RFC3339Nano),
			Payload:   events.Payload{"initiative": initiative, "points": points},
		}
		if err := e.index.Append(ctx, e.Project, e.runID, rec); err != nil {
			log.Warn("index run completion", "err", err)
		}
	}
	log.Info("run completed", "tasks", len(plan.Tasks), "points", points, "aggregate_risk", aggregate)

	return domain.RunResult{
		RunID:              e.runID,
		Plan:               plan,
		Release:            release,
		StakeholderSummary: summary,
		Metrics:            e.Metrics.Snapshot(),
		AggregateRiskScore: aggregate,
	}, nil
}
