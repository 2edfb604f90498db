package pmteamsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStartRunSendsBlockersAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/projects/alpha/runs" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["initiative"] != "Reduce churn" || len(body["blockers"].([]any)) != 1 {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"project":"alpha","run_id":"20240601_080000_reduce_churn","result":{"plan":{"tasks":[{"id":"T1"}]}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "alpha")
	c.BearerToken = "tok"
	run, err := c.StartRun(context.Background(), "Reduce churn", "vendor API limits")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.RunID != "20240601_080000_reduce_churn" || len(run.Result.Plan.Tasks) != 1 {
		t.Fatalf("run = %+v", run)
	}
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"run not found"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "alpha").AddBlocker(context.Background(), "missing", "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
}
