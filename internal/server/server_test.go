package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"pmteam/internal/app"
	"pmteam/internal/config"
	"pmteam/internal/conversation"
	"pmteam/internal/domain"
	"pmteam/internal/metrics"
	"pmteam/internal/planstore"
	"pmteam/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	clock := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	cfg := config.Default()
	r := repo.New(t.TempDir(), nil)
	r.Now = now
	reg := prometheus.NewRegistry()
	plans := planstore.Store{Now: now}
	handler, err := New(Config{
		Pipeline: app.Pipeline{Config: cfg, Repo: r, Collectors: metrics.MustNewCollectors(reg), Now: now},
		Repo:     r,
		Plans:    plans,
		Chat:     conversation.Service{Plans: plans, Now: now},
		BasePath: "/v0",
		Auth:     auth,
		Gatherer: reg,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	env := decode[struct {
		Error apiErrorBody `json:"error"`
	}](t, data)
	return env.Error.Code
}

func startRun(t *testing.T, srv *testServer, slug string, body StartRunRequest) RunStarted {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+slug+"/runs", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start run status %d: %s", res.StatusCode, string(data))
	}
	return decode[RunStarted](t, data)
}

func createProject(t *testing.T, srv *testServer, name string) domain.Project {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", CreateProjectRequest{Name: name}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	return decode[domain.Project](t, data)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"ok"`) {
		t.Fatalf("health %d: %s", res.StatusCode, string(data))
	}
}

func TestProjectLifecycle(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	p := createProject(t, srv, "Growth Team")
	if p.Slug != "growth_team" {
		t.Fatalf("slug = %q", p.Slug)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", CreateProjectRequest{Name: "Growth Team"}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflict" {
		t.Fatalf("duplicate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing project status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	list := decode[ProjectList](t, data)
	if res.StatusCode != http.StatusOK || len(list.Items) != 1 {
		t.Fatalf("list %d: %s", res.StatusCode, string(data))
	}
}

func TestStartRunAndReadArtifacts(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	createProject(t, srv, "alpha")
	run := startRun(t, srv, "alpha", StartRunRequest{Initiative: "Reduce churn", Blockers: []string{"vendor API limits"}})
	if len(run.Result.Plan.Tasks) != 7 || run.RunID == "" {
		t.Fatalf("run = %+v", run)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/alpha/runs", nil, nil)
	runs := decode[RunList](t, data)
	if res.StatusCode != http.StatusOK || len(runs.Items) != 1 || runs.Items[0].ID != run.RunID {
		t.Fatalf("runs %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/alpha/runs/"+run.RunID, nil, nil)
	detail := decode[RunDetail](t, data)
	if res.StatusCode != http.StatusOK || detail.Manifest.Initiative != "Reduce churn" || detail.StakeholderSummary == "" {
		t.Fatalf("detail %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/alpha/runs/"+run.RunID+"/artifacts/"+repo.RiskFile, nil, nil)
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) == "" {
		t.Fatalf("artifact %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/alpha/runs", StartRunRequest{Initiative: "   "}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank initiative status %d: %s", res.StatusCode, string(data))
	}
}

func TestPlanMutations(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	createProject(t, srv, "alpha")
	run := startRun(t, srv, "alpha", StartRunRequest{Initiative: "Reduce churn"})
	base := srv.URL + "/v0/projects/alpha/runs/" + run.RunID + "/plan"

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/blockers", AddBlockerRequest{Blocker: "legal review"}, nil)
	upd := decode[PlanUpdate](t, data)
	if res.StatusCode != http.StatusOK || len(upd.Plan.Tasks) != 7 {
		t.Fatalf("add blocker %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/reprioritize", ReprioritizeRequest{Order: []string{"M7", "T1"}}, nil)
	upd = decode[PlanUpdate](t, data)
	if res.StatusCode != http.StatusOK || upd.Plan.Tasks[0].ID != "M7" || upd.Plan.Tasks[0].Priority != 1 {
		t.Fatalf("reprioritize %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/statuses", StatusesRequest{Statuses: map[string]string{"T1": "Done"}}, nil)
	upd = decode[PlanUpdate](t, data)
	if res.StatusCode != http.StatusOK || upd.Changed != 1 {
		t.Fatalf("statuses %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/blockers", AddBlockerRequest{Blocker: "  "}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank blocker status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/alpha/runs/20990101_000000_nope/plan/blockers", AddBlockerRequest{Blocker: "x"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run status %d: %s", res.StatusCode, string(data))
	}
}

func TestDiffRuns(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	createProject(t, srv, "alpha")
	first := startRun(t, srv, "alpha", StartRunRequest{Initiative: "Reduce churn"})
	second := startRun(t, srv, "alpha", StartRunRequest{Initiative: "Reduce churn", Blocker: "data quality"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/alpha/diff?from="+first.RunID+"&to="+second.RunID, nil, nil)
	diff := decode[DiffResponse](t, data)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("diff %d: %s", res.StatusCode, string(data))
	}
	if len(diff.Plan.Added) != 1 || len(diff.Plan.Removed) != 0 || diff.Plan.AggregateDelta == nil || *diff.Plan.AggregateDelta <= 0 {
		t.Fatalf("diff = %+v", diff.Plan)
	}
	if len(diff.SummaryDiff) == 0 {
		t.Fatalf("summary diff missing")
	}
}

func TestConversation(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	createProject(t, srv, "alpha")
	run := startRun(t, srv, "alpha", StartRunRequest{Initiative: "Reduce churn"})
	url := srv.URL + "/v0/projects/alpha/runs/" + run.RunID + "/conversation"

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, MessageRequest{Message: "/blocker vendor outage"}, nil)
	conv := decode[ConversationResponse](t, data)
	if res.StatusCode != http.StatusOK || conv.Reply == nil || !strings.HasPrefix(conv.Reply.Content, "Added M7") {
		t.Fatalf("command %d: %s", res.StatusCode, string(data))
	}
	if conv.Source != conversation.SourceCommand || len(conv.History) != 2 {
		t.Fatalf("conversation = %+v", conv)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
	conv = decode[ConversationResponse](t, data)
	if res.StatusCode != http.StatusOK || len(conv.History) != 2 || conv.Reply != nil {
		t.Fatalf("history %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsDisabledWithoutIndex(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	createProject(t, srv, "alpha")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/alpha/events", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAuth(t *testing.T) {
	secret := "s3cret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open, got %d", res.StatusCode)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("anonymous status %d: %s", res.StatusCode, string(data))
	}

	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "pm"}).SignedString([]byte("other"))
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("bad token status %d: %s", res.StatusCode, string(data))
	}

	good, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "pm"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer " + good})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid token status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, map[string]string{"Authorization": "Bearer " + good})
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("openapi %d", res.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	createProject(t, srv, "alpha")
	startRun(t, srv, "alpha", StartRunRequest{Initiative: "Reduce churn", Blocker: "b"})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	body := string(data)
	if !strings.Contains(body, `pmteam_orchestrator_counter_total{counter="blockers_recorded"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
}

func TestHandleErrorCorruptMetadata(t *testing.T) {
	err := handleError(fmt.Errorf("ensure project: %w", repo.ErrCorrupt))
	if err.GetStatus() != http.StatusConflict {
		t.Fatalf("status = %d", err.GetStatus())
	}
	if ae, ok := err.(*apiError); !ok || ae.Body.Code != "corrupt_state" {
		t.Fatalf("error = %#v", err)
	}
}

func TestCallerAttrsCarryRoles(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := withPrincipal(context.Background(), Principal{Subject: "pm", Roles: []string{"planner", "admin"}})
	logger.Info("run started via api", callerAttrs(ctx)...)
	line := decode[map[string]any](t, buf.Bytes())
	roles, _ := line["roles"].([]any)
	if line["by"] != "pm" || len(roles) != 2 || roles[0] != "planner" {
		t.Fatalf("log line = %s", buf.String())
	}

	anon := callerAttrs(context.Background())
	if len(anon) != 2 || anon[1] != "anonymous" {
		t.Fatalf("anonymous attrs = %v", anon)
	}
}
