package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fathom-run/fathom/internal/model"
)

func TestGetExecution(t *testing.T) {
	srv := newTestServer(t)
	id := recordFinished(t, srv, model.StatusCompleted, model.LanguagePython, 50)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/" + id)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var rec model.ExecutionRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ID != id {
		t.Errorf("id = %q, want %q", rec.ID, id)
	}
	if rec.Status != model.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListExecutionsPagination(t *testing.T) {
	srv := newTestServer(t)
	for range 5 {
		recordFinished(t, srv, model.StatusCompleted, model.LanguagePython, 50)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions?limit=3")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body listExecutionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 5 {
		t.Errorf("total = %d, want 5", body.Total)
	}
	if len(body.Executions) != 3 {
		t.Errorf("page size = %d, want 3", len(body.Executions))
	}
	if body.Limit != 3 {
		t.Errorf("limit = %d, want 3", body.Limit)
	}
}

func TestListExecutionsBadLimitFallsBack(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions?limit=garbage")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body listExecutionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Limit != defaultListLimit {
		t.Errorf("limit = %d, want default %d", body.Limit, defaultListLimit)
	}
}
