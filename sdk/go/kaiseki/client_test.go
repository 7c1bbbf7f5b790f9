package kaiseki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// mockServer creates an httptest server that mimics the Kaiseki API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestStartAnalysisAccepted(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/projects/{project_id}/analyses": func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("project_id") != "demo" {
				t.Errorf("unexpected project id %q", r.PathValue("project_id"))
			}
			var req AnalyzeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if req.Path != "/repos/demo" {
				t.Errorf("expected path '/repos/demo', got %q", req.Path)
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": AnalysisAccepted{
					Run: Run{
						ID:        "11111111-1111-1111-1111-111111111111",
						ProjectID: "demo",
						Status:    RunAnalyzing,
						StartedAt: time.Now().UTC(),
					},
					Started: true,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.StartAnalysis(context.Background(), "demo", AnalyzeRequest{Path: "/repos/demo"})
	if err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}
	if !resp.Started {
		t.Error("expected Started to be true")
	}
	if resp.Run.Status != RunAnalyzing {
		t.Errorf("expected status %q, got %q", RunAnalyzing, resp.Run.Status)
	}
}

func TestStartAnalysisAttachesToExistingRun(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/projects/{project_id}/analyses": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": AnalysisAccepted{
					Run:     Run{ID: "run-1", ProjectID: "demo", Status: RunAnalyzing},
					Started: false,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.StartAnalysis(context.Background(), "demo", AnalyzeRequest{Path: "/repos/demo"})
	if err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}
	if resp.Started {
		t.Error("expected Started to be false for an already-running project")
	}
}

func TestRunWithResult(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": RunStatusResponse{
					Run: Run{ID: r.PathValue("run_id"), ProjectID: "demo", Status: RunAnalyzed, Partial: true},
					Result: &RunResult{
						ProjectID: "demo",
						RunID:     r.PathValue("run_id"),
						Stages: []StageStatus{
							{Name: "ingestion_resolve", OK: true, DurationMs: 12.5},
							{Name: "llm_analysis", OK: false, DurationMs: 300, Error: "model chain exhausted"},
						},
						Sections: []Section{
							{Kind: SectionSystemOverview, Title: "System Overview", Content: "# System Overview\n...", Confidence: 0.9},
						},
						Partial: true,
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Run(context.Background(), "run-42")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Run.ID != "run-42" {
		t.Errorf("expected run id 'run-42', got %q", resp.Run.ID)
	}
	if resp.Result == nil {
		t.Fatal("expected a result for an analyzed run")
	}
	if !resp.Result.Partial {
		t.Error("expected the result to be partial")
	}
	if len(resp.Result.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(resp.Result.Stages))
	}
	if resp.Result.Stages[1].Error != "model chain exhausted" {
		t.Errorf("unexpected stage error %q", resp.Result.Stages[1].Error)
	}
}

func TestRunStillAnalyzing(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": RunStatusResponse{
					Run: Run{ID: r.PathValue("run_id"), Status: RunAnalyzing},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Run(context.Background(), "run-7")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Result != nil {
		t.Error("expected no result while analyzing")
	}
}

func TestListRunsPagination(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/projects/{project_id}/runs": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("limit"); got != "2" {
				t.Errorf("expected limit=2, got %q", got)
			}
			if got := r.URL.Query().Get("offset"); got != "4" {
				t.Errorf("expected offset=4, got %q", got)
			}
			// List endpoints carry pagination as siblings of data.
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []Run{
					{ID: "run-5", ProjectID: "demo", Status: RunAnalyzed},
					{ID: "run-4", ProjectID: "demo", Status: RunError},
				},
				"total":    9,
				"has_more": true,
				"limit":    2,
				"offset":   4,
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	list, err := client.ListRuns(context.Background(), "demo", &ListRunsOptions{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(list.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(list.Runs))
	}
	if list.Total != 9 || !list.HasMore {
		t.Errorf("unexpected page metadata: total=%d has_more=%v", list.Total, list.HasMore)
	}
}

func TestListRunsEmptyProject(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/projects/{project_id}/runs": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data":     []Run{},
				"total":    0,
				"has_more": false,
				"limit":    50,
				"offset":   0,
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	list, err := client.ListRuns(context.Background(), "demo", nil)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if list.Runs == nil {
		t.Error("expected a non-nil empty slice")
	}
	if len(list.Runs) != 0 {
		t.Errorf("expected no runs, got %d", len(list.Runs))
	}
}

func TestCosts(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/projects/{project_id}/costs": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": ProjectCosts{
					ProjectID: "demo",
					Totals:    TraceCost{InputTokens: 1000, OutputTokens: 400, TotalCost: 0.0123, CallCount: 7},
					ByModel: []CostSummary{
						{Model: "gemini-2.0-flash", InputTokens: 1000, OutputTokens: 400, TotalCost: 0.0123, CallCount: 7},
					},
					AsOf: time.Now().UTC(),
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	costs, err := client.Costs(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Costs failed: %v", err)
	}
	if costs.Totals.CallCount != 7 {
		t.Errorf("expected 7 calls, got %d", costs.Totals.CallCount)
	}
	if len(costs.ByModel) != 1 || costs.ByModel[0].Model != "gemini-2.0-flash" {
		t.Errorf("unexpected per-model breakdown: %+v", costs.ByModel)
	}
}

func TestHealth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /healthz": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": HealthResponse{
					Status:       "healthy",
					Version:      "1.2.3",
					Postgres:     "connected",
					Qdrant:       "connected",
					BufferStatus: "ok",
					ActiveRuns:   1,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected healthy, got %q", health.Status)
	}
	if health.ActiveRuns != 1 {
		t.Errorf("expected 1 active run, got %d", health.ActiveRuns)
	}
}

func TestErrorTypesMapCorrectly(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   string
		check  func(error) bool
	}{
		{"not found", http.StatusNotFound, "NOT_FOUND", IsNotFound},
		{"invalid input", http.StatusBadRequest, "INVALID_INPUT", IsInvalidInput},
		{"rate limited", http.StatusTooManyRequests, "RATE_LIMITED", IsRateLimited},
		{"unavailable", http.StatusServiceUnavailable, "INTERNAL_ERROR", IsUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tc.status, map[string]any{
						"error": map[string]any{"code": tc.code, "message": tc.name},
					})
				},
			})
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			_, err := client.Run(context.Background(), "run-1")
			if err == nil {
				t.Fatal("expected an error")
			}
			if !tc.check(err) {
				t.Errorf("predicate rejected %v", err)
			}
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if apiErr.Code != tc.code {
				t.Errorf("expected code %q, got %q", tc.code, apiErr.Code)
			}
		})
	}
}

func TestErrorWithoutEnvelope(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream exploded"))
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Run(context.Background(), "run-1")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "upstream exploded" {
		t.Errorf("expected raw body as message, got %q", apiErr.Message)
	}
}

func TestTimeoutHandling(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /healthz": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			writeJSON(w, http.StatusOK, map[string]any{"data": HealthResponse{Status: "healthy"}})
		},
	})
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := client.Health(context.Background()); err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("expected an error for empty BaseURL")
	}
	c, err := NewClient(Config{BaseURL: "http://localhost:8080/"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if strings.HasSuffix(c.baseURL, "/") {
		t.Errorf("expected trailing slash to be trimmed, got %q", c.baseURL)
	}
}

func sseFrame(event string, data any) string {
	encoded, _ := json.Marshal(data)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, encoded)
}

func TestEventsReplayAndComplete(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/projects/{project_id}/events": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			// A keepalive comment between frames must be transparent.
			_, _ = io.WriteString(w, sseFrame("stage", StageEvent{Name: "ingestion_resolve", Status: "running"}))
			_, _ = io.WriteString(w, ":keepalive\n\n")
			_, _ = io.WriteString(w, sseFrame("stage", StageEvent{Name: "ingestion_resolve", Status: "done", DurationMs: 10}))
			_, _ = io.WriteString(w, sseFrame("complete", RunResult{
				ProjectID: "demo",
				RunID:     "run-1",
				Stages:    []StageStatus{{Name: "ingestion_resolve", OK: true, DurationMs: 10}},
			}))
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	stream, err := client.Events(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	defer func() { _ = stream.Close() }()

	first, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	ev, err := first.Stage()
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if ev.Name != "ingestion_resolve" || ev.Status != "running" {
		t.Errorf("unexpected first event: %+v", ev)
	}

	second, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	ev, err = second.Stage()
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if ev.Status != "done" || ev.DurationMs != 10 {
		t.Errorf("unexpected second event: %+v", ev)
	}

	terminal, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if terminal.Event != EventComplete {
		t.Fatalf("expected complete, got %q", terminal.Event)
	}
	summary, err := terminal.Summary()
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.RunID != "run-1" || len(summary.Stages) != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after the server closed the stream, got %v", err)
	}
}

func TestEventsNotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/projects/{project_id}/events": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "no analysis in progress for project"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Events(context.Background(), "demo")
	if !IsNotFound(err) {
		t.Errorf("expected a not-found error, got %v", err)
	}
}

func TestEventsOutliveClientTimeout(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/projects/{project_id}/events": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			time.Sleep(150 * time.Millisecond)
			_, _ = io.WriteString(w, sseFrame("stage", StageEvent{Name: "llm_analysis", Status: "running"}))
		},
	})
	defer srv.Close()

	// 50ms client timeout must not apply to the stream.
	client, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	stream, err := client.Events(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	defer func() { _ = stream.Close() }()

	ev, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.Event != EventStage {
		t.Errorf("expected a stage event, got %q", ev.Event)
	}
}

func TestWrongPayloadAccessors(t *testing.T) {
	ev := ProgressEvent{Event: EventError, Data: json.RawMessage(`{"error":"boom"}`)}
	if _, err := ev.Stage(); err == nil {
		t.Error("expected Stage to reject an error event")
	}
	if _, err := ev.Summary(); err == nil {
		t.Error("expected Summary to reject an error event")
	}
}
