// Package kaiseki is the public API for embedding the Kaiseki analysis server.
//
// Consumers import this package to construct and run the server in-process
// without forking it:
//
//	app, err := kaiseki.New(
//	    kaiseki.WithVersion(version),
//	    kaiseki.WithLogger(logger),
//	    kaiseki.WithModelTransport(myTransport),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kaiseki (root) imports
// internal/*, but internal/* never imports kaiseki (root). Public types
// (SearchMatch, ModelRequest, etc.) are standalone structs with no internal
// imports; the adapters that bridge them live here because this is the only
// file that sees both sides of the boundary.
package kaiseki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kaiseki/api"
	llmanalysis "github.com/ashita-ai/kaiseki/internal/analysis/llm"
	"github.com/ashita-ai/kaiseki/internal/config"
	"github.com/ashita-ai/kaiseki/internal/embedding"
	"github.com/ashita-ai/kaiseki/internal/ingest"
	"github.com/ashita-ai/kaiseki/internal/llm"
	"github.com/ashita-ai/kaiseki/internal/mcp"
	"github.com/ashita-ai/kaiseki/internal/ratelimit"
	"github.com/ashita-ai/kaiseki/internal/resilience"
	"github.com/ashita-ai/kaiseki/internal/search"
	"github.com/ashita-ai/kaiseki/internal/server"
	"github.com/ashita-ai/kaiseki/internal/service/analysis"
	"github.com/ashita-ai/kaiseki/internal/service/runhealth"
	"github.com/ashita-ai/kaiseki/internal/storage"
	"github.com/ashita-ai/kaiseki/internal/telemetry"
	"github.com/ashita-ai/kaiseki/internal/trace"
	"github.com/ashita-ai/kaiseki/migrations"
)

// App is the Kaiseki server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	buf          *trace.Buffer
	outbox       *search.OutboxWorker
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	sweeper      *runhealth.Sweeper
	llmClient    *llm.Client // nil with a transport override or no API key
	limiter      ratelimit.Limiter
	costs        *trace.CostAggregator
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Kaiseki server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kaiseki starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run embedded migrations, then any extra filesystems.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'runs')`,
	).Scan(&schemaOK); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'runs' does not exist after migration; check that the vector extension can be created")
	}

	// Model transport: external override, then the Gemini client, then none.
	// With no transport the pipeline still runs but semantic stages skip and
	// sections fall back to template output.
	var transport resilience.Transport
	var llmClient *llm.Client
	switch {
	case o.transport != nil:
		transport = &transportAdapter{t: o.transport}
		logger.Info("model transport: external override")
	case cfg.GeminiAPIKey != "":
		llmClient, err = llm.NewClient(context.Background(), cfg.GeminiAPIKey, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("llm: %w", err)
		}
		transport = llmClient
		logger.Info("model transport: gemini",
			"lite", cfg.ModelLite, "standard", cfg.ModelStandard, "advanced", cfg.ModelAdvanced)
	default:
		logger.Warn("model transport: none (no GEMINI_API_KEY); sections degrade to templates")
	}

	models := llm.Config{Models: map[llm.Tier]string{
		llm.TierLite:     cfg.ModelLite,
		llm.TierStandard: cfg.ModelStandard,
		llm.TierAdvanced: cfg.ModelAdvanced,
	}}

	// Embedding provider: external override takes priority over config.
	var provider embedding.Provider
	switch {
	case o.embeddingProvider != nil:
		provider = &embeddingProviderAdapter{p: o.embeddingProvider}
		logger.Info("embedding provider: external override", "dimensions", provider.Dimensions())
	case cfg.OpenAIAPIKey != "":
		provider = embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingBaseURL)
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel)
	default:
		provider = embedding.NewNoopProvider(0)
		logger.Info("embedding provider: noop (no OPENAI_API_KEY; semantic retrieval disabled)")
	}
	embedder := embedding.NewEmbedder(provider, logger)

	// Qdrant search index and outbox worker.
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(provider.Dimensions()), //nolint:gosec // Dimensions() is a small positive count
		}, logger)
		if idxErr != nil {
			closeClient(llmClient)
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", idxErr)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			closeClient(llmClient)
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL); retrieval falls back to pgvector")
	}

	// External Searcher override (replaces Qdrant for retrieval).
	if o.searcher != nil {
		searcher = &searcherAdapter{s: o.searcher}
	}

	// Trace WAL.
	var wal *trace.WAL
	if cfg.WALDir != "" {
		wal, err = trace.OpenWAL(cfg.WALDir, logger, 0, trace.SyncBatch)
		if err != nil {
			if qdrantIndex != nil {
				_ = qdrantIndex.Close()
			}
			closeClient(llmClient)
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("trace wal: %w", err)
		}
		logger.Info("trace wal: enabled", "dir", cfg.WALDir)
	} else {
		logger.Warn("trace wal: disabled (no KAISEKI_WAL_DIR); buffered trace events are lost on crash")
	}

	// Trace buffer and dispatcher sinks.
	buf := trace.NewBuffer(db, wal, logger, cfg.TraceBufferSize, cfg.TraceFlushInterval)
	dispatcher := trace.NewDispatcher(logger)
	dispatcher.Register(trace.NewStoreHandler(buf))
	costs := trace.NewCostAggregator()
	dispatcher.Register(costs)
	if cfg.TraceConsole {
		dispatcher.Register(trace.NewConsoleHandler(logger))
	}
	if cfg.OTELEndpoint != "" {
		otelHandler, err := trace.NewOTELHandler()
		if err != nil {
			if qdrantIndex != nil {
				_ = qdrantIndex.Close()
			}
			closeClient(llmClient)
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("trace otel handler: %w", err)
		}
		dispatcher.Register(otelHandler)
	}

	// Close out runs a previous process left in analyzing; their projects
	// stay claimed until the rows are failed.
	sweeper := runhealth.NewSweeper(db, logger, cfg.RunSweepInterval, cfg.RunMaxAge)
	if n, err := sweeper.RecoverInterrupted(context.Background()); err != nil {
		logger.Warn("run recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered interrupted runs", "count", n)
	}

	// Analysis service.
	analysisSvc := analysis.New(analysis.Deps{
		Transport:  transport,
		Models:     models,
		Logger:     logger,
		DB:         db,
		Dispatcher: dispatcher,
		Embedder:   embedder,
		Searcher:   searcher,
	}, analysis.Config{
		SectionConcurrency: cfg.SectionConcurrency,
		SectionTimeout:     cfg.SectionTimeout,
		RetrievalLimit:     cfg.RetrievalLimit,
		Analysis: llmanalysis.Config{
			Concurrency:  cfg.AnalysisConcurrency,
			CallTimeout:  cfg.LLMCallTimeout,
			StageTimeout: cfg.StageTimeout,
		},
		Ingest: ingest.DefaultOptions(),
	})

	// MCP server.
	mcpSrv := mcp.New(db, analysisSvc, logger, version)

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// HTTP server.
	srv := server.New(server.ServerConfig{
		AnalysisSvc:         analysisSvc,
		Logger:              logger,
		DB:                  db,
		Buffer:              buf,
		Searcher:            searcher,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		buf:          buf,
		outbox:       outboxWorker,
		qdrantIndex:  qdrantIndex,
		sweeper:      sweeper,
		llmClient:    llmClient,
		limiter:      limiter,
		costs:        costs,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background services and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	if err := a.buf.Start(ctx); err != nil {
		return fmt.Errorf("trace buffer: %w", err)
	}
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	a.sweeper.Start(ctx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) flush the trace buffer to Postgres and close the WAL,
// (3) drain remaining outbox entries to Qdrant.
// It then stops the sweeper and closes the remaining clients.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kaiseki shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: buffer drain.
	bufCtx, bufCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	drainErr := a.buf.Drain(bufCtx)
	bufCancel()
	if drainErr != nil {
		a.logger.Error("trace buffer drain incomplete; unflushed events will be lost",
			"error", drainErr,
			"remaining_events", a.buf.Len(),
			"configured_timeout", a.cfg.ShutdownTimeout,
		)
	}

	// Phase 3: outbox drain.
	if a.outbox != nil {
		outboxCtx, outboxCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	a.sweeper.Stop(ctx)

	// Spend summary before the aggregator goes away.
	var spend float64
	var calls int
	for _, c := range a.costs.AllCosts() {
		spend += c.TotalCost
		calls += c.CallCount
	}
	if calls > 0 {
		a.logger.Info("model spend this session", "calls", calls, "cost_usd", spend)
	}

	// Cleanup.
	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	closeClient(a.llmClient)
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("kaiseki stopped")
	if drainErr != nil {
		return fmt.Errorf("buffer drain failed: %w", drainErr)
	}
	return nil
}

// ── Adapters (defined here because this file imports both sides) ──────────────

// embeddingProviderAdapter wraps a kaiseki.EmbeddingProvider to satisfy
// embedding.Provider, converting raw []float32 to pgvector at the boundary.
type embeddingProviderAdapter struct {
	p EmbeddingProvider
}

func (a *embeddingProviderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *embeddingProviderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	raw, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	vecs := make([]pgvector.Vector, len(raw))
	for i, v := range raw {
		vecs[i] = pgvector.NewVector(v)
	}
	return vecs, nil
}

func (a *embeddingProviderAdapter) Dimensions() int { return a.p.Dimensions() }

// searcherAdapter wraps a kaiseki.Searcher to satisfy search.Searcher.
type searcherAdapter struct {
	s Searcher
}

func (a *searcherAdapter) FindSimilar(ctx context.Context, projectID string, embedding []float32, limit int) ([]search.Match, error) {
	matches, err := a.s.FindSimilar(ctx, projectID, embedding, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.Match, len(matches))
	for i, m := range matches {
		out[i] = search.Match{ChunkID: m.ChunkID, Score: m.Score}
	}
	return out, nil
}

func (a *searcherAdapter) Healthy(ctx context.Context) error {
	return a.s.Healthy(ctx)
}

// transportAdapter wraps a kaiseki.ModelTransport to satisfy resilience.Transport.
type transportAdapter struct {
	t ModelTransport
}

func (a *transportAdapter) Call(ctx context.Context, model string, req resilience.Request) (resilience.Response, error) {
	msgs := make([]ModelMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ModelMessage{Role: m.Role, Content: m.Content}
	}
	resp, err := a.t.Call(ctx, model, ModelRequest{
		Messages: msgs,
		Timeout:  req.Timeout,
		JSONMode: req.JSONMode,
	})
	if err != nil {
		return resilience.Response{}, err
	}
	return resilience.Response{
		Content:      resp.Content,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

// ── Helpers ────────────────────────────────────────────────────────────────────

func closeClient(c *llm.Client) {
	if c != nil {
		_ = c.Close()
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
