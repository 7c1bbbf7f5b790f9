// Package analysis provides the shared business logic for running the
// documentation pipeline.
//
// Both the HTTP API and MCP server delegate to this service, eliminating
// duplicated logic and ensuring consistent behavior (run deduplication,
// progress streaming, persistence, trace emission) across all interfaces.
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	llmanalysis "github.com/ashita-ai/kaiseki/internal/analysis/llm"
	"github.com/ashita-ai/kaiseki/internal/embedding"
	"github.com/ashita-ai/kaiseki/internal/inflight"
	"github.com/ashita-ai/kaiseki/internal/ingest"
	"github.com/ashita-ai/kaiseki/internal/llm"
	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/progress"
	"github.com/ashita-ai/kaiseki/internal/resilience"
	"github.com/ashita-ai/kaiseki/internal/search"
	"github.com/ashita-ai/kaiseki/internal/sections"
	"github.com/ashita-ai/kaiseki/internal/storage"
	"github.com/ashita-ai/kaiseki/internal/telemetry"
	"github.com/ashita-ai/kaiseki/internal/trace"
)

// Request validation errors.
var (
	ErrNoProject = errors.New("analysis: project id required")
	ErrNoPath    = errors.New("analysis: repository path required")
)

// Deps carries the service's collaborators.
type Deps struct {
	// Required dependencies.
	Transport resilience.Transport
	Models    llm.Config
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	DB         *storage.DB       // persistence, checkpoints, retrieval
	Hub        *progress.Hub     // created internally when nil
	Dispatcher *trace.Dispatcher // created internally when nil
	Embedder   *embedding.Embedder
	Searcher   search.Searcher // vector index; pgvector fallback when nil
}

// Config tunes pipeline execution. Zero values take the defaults.
type Config struct {
	// SectionConcurrency bounds simultaneously generated sections.
	SectionConcurrency int
	// SectionTimeout bounds one section's generate-and-gate loop.
	SectionTimeout time.Duration
	// RetrievalLimit caps code excerpts attached to synthesis context.
	RetrievalLimit int

	Analysis llmanalysis.Config
	Ingest   ingest.Options
}

// Default tuning, applied where Config is zero.
const (
	DefaultSectionConcurrency = 3
	DefaultSectionTimeout     = 2 * time.Minute
	DefaultRetrievalLimit     = 5
)

func (c Config) withDefaults() Config {
	if c.SectionConcurrency <= 0 {
		c.SectionConcurrency = DefaultSectionConcurrency
	}
	if c.SectionTimeout <= 0 {
		c.SectionTimeout = DefaultSectionTimeout
	}
	if c.RetrievalLimit <= 0 {
		c.RetrievalLimit = DefaultRetrievalLimit
	}
	return c
}

// Service owns the lifecycle of analysis runs: one run per project at a
// time, executed detached from the requesting call, with progress
// streamed through the hub and results persisted when storage is wired.
type Service struct {
	db         *storage.DB
	hub        *progress.Hub
	dispatcher *trace.Dispatcher
	analyzer   *llmanalysis.Analyzer
	generator  *sections.Generator
	embedder   *embedding.Embedder
	searcher   search.Searcher
	guard      *inflight.Guard[model.RunResult]
	cfg        Config
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]model.Run

	runDuration   metric.Float64Histogram
	stageDuration metric.Float64Histogram
}

// New creates the analysis Service. A nil Transport disables model
// calls: semantic analysis is skipped and every section falls back to
// its template.
func New(deps Deps, cfg Config) *Service {
	cfg = cfg.withDefaults()

	hub := deps.Hub
	if hub == nil {
		hub = progress.NewHub(deps.Logger)
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = trace.NewDispatcher(deps.Logger)
	}

	transport := deps.Transport
	if transport == nil {
		transport = unavailableTransport{}
	}
	breakers := resilience.NewRegistry(resilience.LLMFailureThreshold, resilience.LLMRecoveryTimeout)

	var analyzer *llmanalysis.Analyzer
	if deps.Transport != nil {
		caller := resilience.NewCaller(transport, deps.Models.Chain(llm.TierStandard), breakers, nil, deps.Logger)
		var checkpoints llmanalysis.Checkpoints
		if deps.DB != nil {
			checkpoints = dbCheckpoints{db: deps.DB}
		}
		analyzer = llmanalysis.NewAnalyzer(caller, checkpoints, cfg.Analysis, deps.Logger)
	}

	synthCaller := resilience.NewCaller(transport, deps.Models.Chain(llm.TierAdvanced), breakers, sections.ValidateMarkdown, deps.Logger)

	s := &Service{
		db:         deps.DB,
		hub:        hub,
		dispatcher: dispatcher,
		analyzer:   analyzer,
		generator:  sections.NewGenerator(synthCaller, deps.Logger),
		embedder:   deps.Embedder,
		searcher:   deps.Searcher,
		guard:      inflight.New[model.RunResult](),
		cfg:        cfg,
		logger:     deps.Logger,
		active:     make(map[string]model.Run),
	}

	meter := telemetry.Meter("kaiseki/analysis")
	s.runDuration, _ = meter.Float64Histogram("kaiseki.run.duration",
		metric.WithDescription("End-to-end pipeline run duration (ms)"),
		metric.WithUnit("ms"),
	)
	s.stageDuration, _ = meter.Float64Histogram("kaiseki.stage.duration",
		metric.WithDescription("Per-stage pipeline duration (ms)"),
		metric.WithUnit("ms"),
	)
	_, _ = meter.Int64ObservableGauge("kaiseki.runs.active",
		metric.WithDescription("Number of runs currently executing"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			n := len(s.active)
			s.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
	return s
}

// Hub exposes the progress hub so transports can subscribe to run events.
func (s *Service) Hub() *progress.Hub { return s.hub }

// Dispatcher exposes the trace dispatcher for handler registration.
func (s *Service) Dispatcher() *trace.Dispatcher { return s.dispatcher }

// Request describes one analysis run.
type Request struct {
	ProjectID string
	Path      string
	Branch    string
	// Sections restricts generation to the named kinds; empty means all.
	Sections []model.SectionKind
}

func (r Request) validate() error {
	if r.ProjectID == "" {
		return ErrNoProject
	}
	if r.Path == "" {
		return ErrNoPath
	}
	return nil
}

// Start launches a run for the request's project. If a run is already
// executing for that project the existing run is returned with
// started=false, and the caller should attach to its progress channel
// instead. The run row is created before the method returns, so the
// returned ID is immediately resolvable.
func (s *Service) Start(ctx context.Context, req Request) (model.Run, bool, error) {
	if err := req.validate(); err != nil {
		return model.Run{}, false, err
	}

	// The claim check and the run insert stay under one lock so two
	// concurrent requests for the same project cannot both create rows.
	s.mu.Lock()
	if run, ok := s.active[req.ProjectID]; ok {
		s.mu.Unlock()
		return run, false, nil
	}
	run, err := s.createRun(ctx, req)
	if err != nil {
		s.mu.Unlock()
		return model.Run{}, false, err
	}
	s.active[req.ProjectID] = run
	s.mu.Unlock()

	s.hub.CreateChannel(req.ProjectID)
	go s.runDetached(run, req)

	s.logger.Info("analysis: run started",
		"project_id", req.ProjectID, "run_id", run.ID, "path", req.Path)
	return run, true, nil
}

// ActiveRun reports the in-flight run for a project, if any.
func (s *Service) ActiveRun(projectID string) (model.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.active[projectID]
	return run, ok
}

// ActiveRuns reports how many runs are currently executing.
func (s *Service) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// createRun inserts the run row, or fabricates an in-memory run when
// storage is not wired. The commit is recorded later, once ingestion
// has resolved the repository.
func (s *Service) createRun(ctx context.Context, req Request) (model.Run, error) {
	if s.db == nil {
		return model.Run{
			ID:        model.NewID(),
			ProjectID: req.ProjectID,
			Status:    model.RunAnalyzing,
			Branch:    req.Branch,
			StartedAt: time.Now().UTC(),
		}, nil
	}
	return s.db.CreateRun(ctx, req.ProjectID, "", req.Branch)
}

// runDetached executes the pipeline outside the requesting call. The
// terminal envelope is published before the channel completes so
// subscribers always observe an outcome, and the project claim is
// released only after completion so a racing Start cannot reset the
// channel while this run still writes to it.
func (s *Service) runDetached(run model.Run, req Request) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("analysis: run panicked",
				"project_id", run.ProjectID, "run_id", run.ID, "panic", r)
			s.hub.Publish(run.ProjectID, progress.ErrorEnvelope("analysis failed, check server logs"))
		}
		s.hub.Complete(run.ProjectID)
		s.mu.Lock()
		delete(s.active, run.ProjectID)
		s.mu.Unlock()
	}()

	res, err := s.guard.Execute(ctx, guardKey(run.ProjectID), func(ctx context.Context) (model.RunResult, error) {
		return s.execute(ctx, run, req), nil
	})
	if err != nil {
		s.hub.Publish(run.ProjectID, progress.ErrorEnvelope(model.TruncateError(err.Error())))
		return
	}

	env, err := progress.CompleteEnvelope(res)
	if err != nil {
		s.logger.Error("analysis: marshal run summary", "run_id", run.ID, "error", err)
		s.hub.Publish(run.ProjectID, progress.ErrorEnvelope("run summary unavailable"))
		return
	}
	s.hub.Publish(run.ProjectID, env)
}

func guardKey(projectID string) string { return "analyze:" + projectID }

// TraceID returns the trace key under which a project's pipeline events
// are recorded. Cost queries aggregate by this key.
func TraceID(projectID string) string { return "pipeline_" + projectID }

// publishStage wraps a stage event and appends it to the project's
// progress log.
func (s *Service) publishStage(projectID string, ev model.StageEvent) {
	env, err := progress.StageEnvelope(ev)
	if err != nil {
		s.logger.Error("analysis: marshal stage event", "stage", ev.Name, "error", err)
		return
	}
	s.hub.Publish(projectID, env)
}

// terminalEvent converts a settled stage status to its closing event.
func terminalEvent(st model.StageStatus) model.StageEvent {
	ev := model.StageEvent{Name: st.Name, Status: model.StageDone, DurationMs: st.DurationMs}
	if !st.OK {
		ev.Status = model.StageError
		ev.Message = st.Error
	}
	return ev
}

// dbCheckpoints adapts storage to the analyzer's checkpoint interface.
type dbCheckpoints struct {
	db *storage.DB
}

func (c dbCheckpoints) Get(ctx context.Context, projectID, chunkHash string) (model.Checkpoint, bool, error) {
	return c.db.GetCheckpoint(ctx, projectID, chunkHash)
}

func (c dbCheckpoints) Put(ctx context.Context, cp model.Checkpoint) error {
	return c.db.PutCheckpoint(ctx, cp)
}

// unavailableTransport stands in when no model transport is configured.
// Every call fails immediately, so chains exhaust without retries and
// callers land on their template fallbacks.
type unavailableTransport struct{}

func (unavailableTransport) Call(context.Context, string, resilience.Request) (resilience.Response, error) {
	return resilience.Response{}, errors.New("analysis: no model transport configured")
}
