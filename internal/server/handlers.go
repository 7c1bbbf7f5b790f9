package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kaiseki/internal/ctxutil"
	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/search"
	"github.com/ashita-ai/kaiseki/internal/service/analysis"
	"github.com/ashita-ai/kaiseki/internal/storage"
	"github.com/ashita-ai/kaiseki/internal/trace"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	analysisSvc         *analysis.Service
	buffer              *trace.Buffer
	searcher            search.Searcher
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): DB, Buffer, Searcher, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	AnalysisSvc         *analysis.Service
	Buffer              *trace.Buffer
	Searcher            search.Searcher
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		analysisSvc:         d.AnalysisSvc,
		buffer:              d.Buffer,
		searcher:            d.Searcher,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleStartAnalysis handles POST /v1/projects/{project_id}/analyses.
// Launches a pipeline run for the project and returns 202 with the run
// row. If a run is already executing for the project, that run is
// returned instead with started=false; callers attach to its event
// stream rather than racing it.
func (h *Handlers) HandleStartAnalysis(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if len(projectID) > model.MaxProjectIDLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("project id exceeds maximum length of %d characters", model.MaxProjectIDLen))
		return
	}

	var req model.AnalyzeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, started, err := h.analysisSvc.Start(r.Context(), analysis.Request{
		ProjectID: projectID,
		Path:      req.Path,
		Branch:    req.Branch,
		Sections:  req.Sections,
	})
	if err != nil {
		if errors.Is(err, analysis.ErrNoProject) || errors.Is(err, analysis.ErrNoPath) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.writeInternalError(w, r, "failed to start analysis", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.AnalysisAccepted{
		Run:     run,
		Started: started,
	})
}

// HandleGetRun handles GET /v1/runs/{run_id}. The assembled result is
// attached once the run has finished; while it is still analyzing only
// the run row is returned.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "storage not configured")
		return
	}

	runID := r.PathValue("run_id")
	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to load run", err)
		return
	}

	resp := model.RunStatusResponse{Run: run}
	if run.Status == model.RunAnalyzed {
		result, err := h.db.RunResultByID(r.Context(), runID)
		if err != nil {
			h.writeInternalError(w, r, "failed to load run result", err)
			return
		}
		resp.Result = &result
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListRuns handles GET /v1/projects/{project_id}/runs.
// Runs are returned most recent first.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "storage not configured")
		return
	}

	projectID := r.PathValue("project_id")
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	runs, total, err := h.db.ListRunsByProject(r.Context(), projectID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}

	writeListJSON(w, r, http.StatusOK, model.ListResponse{
		Data:    runs,
		Total:   total,
		HasMore: offset+len(runs) < total,
		Limit:   limit,
		Offset:  offset,
	})
}

// HandleEvents handles GET /v1/projects/{project_id}/events.
// Streams the project's run progress as server-sent events. Subscribers
// first replay everything the run has published so far, then follow
// live events until the run completes. Returns 404 when no run has a
// progress log for the project.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	ctx := r.Context()

	events, ok := h.analysisSvc.Hub().Subscribe(ctx, projectID)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no analysis in progress for project")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		h.logger.Error("server: sse streaming unsupported", "error", err)
		return
	}
	// Streaming responses must outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case env, open := <-events:
			if !open {
				if ctx.Err() == nil {
					// Run finished and its log was fully delivered;
					// drop the retained history.
					h.analysisSvc.Hub().Release(projectID)
				}
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, env.Data); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// ProjectCosts aggregates model spend for one project's pipeline trace.
type ProjectCosts struct {
	ProjectID string                `json:"project_id"`
	Totals    model.TraceCost       `json:"totals"`
	ByModel   []storage.CostSummary `json:"by_model"`
	AsOf      time.Time             `json:"as_of"`
}

// HandleCosts handles GET /v1/projects/{project_id}/costs.
// Projects that never ran report zero spend rather than 404: the trace
// aggregation cannot distinguish an unknown project from one with no
// recorded calls.
func (h *Handlers) HandleCosts(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "storage not configured")
		return
	}

	projectID := r.PathValue("project_id")
	traceID := analysis.TraceID(projectID)

	totals, err := h.db.TraceCosts(r.Context(), traceID)
	if err != nil {
		h.writeInternalError(w, r, "failed to aggregate costs", err)
		return
	}
	byModel, err := h.db.TraceCostsByModel(r.Context(), traceID)
	if err != nil {
		h.writeInternalError(w, r, "failed to aggregate costs by model", err)
		return
	}
	if byModel == nil {
		byModel = []storage.CostSummary{}
	}

	writeJSON(w, r, http.StatusOK, ProjectCosts{
		ProjectID: projectID,
		Totals:    totals,
		ByModel:   byModel,
		AsOf:      time.Now().UTC(),
	})
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			pgStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	} else {
		pgStatus = "disabled"
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	if h.buffer != nil {
		bufDepth = h.buffer.Len()
		cap := h.buffer.Capacity()
		if bufDepth > cap*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > cap/2 {
			bufStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Postgres:     pgStatus,
		BufferDepth:  bufDepth,
		BufferStatus: bufStatus,
		ActiveRuns:   h.analysisSvc.ActiveRuns(),
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

// writeInternalError logs the real failure and returns a sanitized 500.
// Clients never see internal error details.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error("server: "+msg,
		"error", err, "request_id", ctxutil.RequestID(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
