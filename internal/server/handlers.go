package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"

	"github.com/danielgtaylor/huma/v2"

	"pmteam/internal/app"
	"pmteam/internal/conversation"
	"pmteam/internal/domain"
	"pmteam/internal/engine"
	"pmteam/internal/repo"
)

func registerProjects(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectList `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListProjects()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectList `json:"body"`
		}{Body: ProjectList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := cfg.Repo.CreateProject(input.Body.Name, input.Body.Metadata)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{slug}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := cfg.Repo.GetProject(input.Slug)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerRuns(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/projects/{slug}/runs",
		Summary:     "List runs, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
	}) (*struct {
		Body RunList `json:"body"`
	}, error) {
		runs, err := cfg.Repo.ListRuns(input.Slug)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunList `json:"body"`
		}{Body: RunList{Items: runs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/projects/{slug}/runs",
		Summary:       "Run the planning pipeline",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
		Body StartRunRequest
	}) (*struct {
		Body RunStarted `json:"body"`
	}, error) {
		p, err := cfg.Repo.GetProject(input.Slug)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := cfg.Pipeline.Execute(ctx, p, input.Body.Initiative, engine.RunOptions{
			Blocker:  input.Body.Blocker,
			Blockers: input.Body.Blockers,
		})
		if err != nil {
			return nil, handleError(err)
		}
		attrs := append([]any{"project", p.Slug, "run", out.RunID}, callerAttrs(ctx)...)
		cfg.Logger.Info("run started via api", attrs...)
		return &struct {
			Body RunStarted `json:"body"`
		}{Body: RunStarted{Project: p.Slug, RunID: out.RunID, Result: out.Result}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/projects/{slug}/runs/{run_id}",
		Summary:     "Get run artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug  string `path:"slug"`
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunDetail `json:"body"`
	}, error) {
		dir, err := runDir(cfg, input.Slug, input.RunID)
		if err != nil {
			return nil, err
		}
		detail := RunDetail{ID: input.RunID}
		if detail.Manifest, err = cfg.Repo.Manifest(dir); err != nil {
			return nil, handleError(err)
		}
		if detail.Plan, err = cfg.Plans.Load(dir); err != nil {
			return nil, handleError(err)
		}
		if data, err := cfg.Repo.ReadArtifact(input.Slug, input.RunID, repo.ReleaseFile); err == nil {
			_ = json.Unmarshal(data, &detail.Release)
		}
		if data, err := cfg.Repo.ReadArtifact(input.Slug, input.RunID, repo.SummaryFile); err == nil {
			detail.StakeholderSummary = string(data)
		}
		return &struct {
			Body RunDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/projects/{slug}/runs/{run_id}/artifacts/{name}",
		Summary:     "Download a raw run artifact",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug  string `path:"slug"`
		RunID string `path:"run_id"`
		Name  string `path:"name"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		data, err := cfg.Repo.ReadArtifact(input.Slug, input.RunID, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		ct := "text/plain; charset=utf-8"
		if filepath.Ext(input.Name) == ".json" {
			ct = "application/json"
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: ct, Body: data}, nil
	})
}

func registerPlan(api huma.API, cfg Config) {
	planResp := func(plan domain.Plan, changed int) *struct {
		Body PlanUpdate `json:"body"`
	} {
		return &struct {
			Body PlanUpdate `json:"body"`
		}{Body: PlanUpdate{Plan: plan, Changed: changed}}
	}

	huma.Register(api, huma.Operation{
		OperationID: "add-blocker",
		Method:      http.MethodPost,
		Path:        "/projects/{slug}/runs/{run_id}/plan/blockers",
		Summary:     "Record a blocker and add its mitigation task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Slug  string `path:"slug"`
		RunID string `path:"run_id"`
		Body  AddBlockerRequest
	}) (*struct {
		Body PlanUpdate `json:"body"`
	}, error) {
		dir, err := runDir(cfg, input.Slug, input.RunID)
		if err != nil {
			return nil, err
		}
		plan, err := cfg.Plans.AddBlockerTask(dir, input.Body.Blocker)
		if err != nil {
			return nil, handleError(err)
		}
		return planResp(plan, 1), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reprioritize",
		Method:      http.MethodPost,
		Path:        "/projects/{slug}/runs/{run_id}/plan/reprioritize",
		Summary:     "Reorder tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Slug  string `path:"slug"`
		RunID string `path:"run_id"`
		Body  ReprioritizeRequest
	}) (*struct {
		Body PlanUpdate `json:"body"`
	}, error) {
		dir, err := runDir(cfg, input.Slug, input.RunID)
		if err != nil {
			return nil, err
		}
		plan, err := cfg.Plans.ReprioritizeTasks(dir, input.Body.Order)
		if err != nil {
			return nil, handleError(err)
		}
		return planResp(plan, len(plan.Tasks)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-statuses",
		Method:      http.MethodPost,
		Path:        "/projects/{slug}/runs/{run_id}/plan/statuses",
		Summary:     "Set task statuses",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Slug  string `path:"slug"`
		RunID string `path:"run_id"`
		Body  StatusesRequest
	}) (*struct {
		Body PlanUpdate `json:"body"`
	}, error) {
		dir, err := runDir(cfg, input.Slug, input.RunID)
		if err != nil {
			return nil, err
		}
		plan, n, err := cfg.Plans.UpdateTaskStatuses(dir, input.Body.Statuses)
		if err != nil {
			return nil, handleError(err)
		}
		return planResp(plan, n), nil
	})
}

func registerDiff(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "diff-runs",
		Method:      http.MethodGet,
		Path:        "/projects/{slug}/diff",
		Summary:     "Compare the plans of two runs",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
		From string `query:"from" required:"true"`
		To   string `query:"to" required:"true"`
	}) (*struct {
		Body DiffResponse `json:"body"`
	}, error) {
		res, err := app.DiffRuns(cfg.Repo, cfg.Plans, input.Slug, input.From, input.To)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DiffResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerConversation(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-conversation",
		Method:      http.MethodGet,
		Path:        "/projects/{slug}/runs/{run_id}/conversation",
		Summary:     "Conversation history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug  string `path:"slug"`
		RunID string `path:"run_id"`
	}) (*struct {
		Body ConversationResponse `json:"body"`
	}, error) {
		dir, err := runDir(cfg, input.Slug, input.RunID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body ConversationResponse `json:"body"`
		}{Body: ConversationResponse{History: conversation.Load(dir)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "post-message",
		Method:      http.MethodPost,
		Path:        "/projects/{slug}/runs/{run_id}/conversation",
		Summary:     "Send a chat message or slash command",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug  string `path:"slug"`
		RunID string `path:"run_id"`
		Body  MessageRequest
	}) (*struct {
		Body ConversationResponse `json:"body"`
	}, error) {
		dir, err := runDir(cfg, input.Slug, input.RunID)
		if err != nil {
			return nil, err
		}
		reply, err := cfg.Chat.Reply(ctx, dir, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConversationResponse `json:"body"`
		}{Body: ConversationResponse{Reply: &reply.Message, Source: reply.Source, History: reply.History}}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{slug}/events",
		Summary:     "List recent pipeline events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug  string `path:"slug"`
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		if cfg.Index == nil {
			return nil, notFound("event index is disabled")
		}
		if _, err := cfg.Repo.GetProject(input.Slug); err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Index.Latest(ctx, input.Limit, input.Slug, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Items: items}}, nil
	})
}
