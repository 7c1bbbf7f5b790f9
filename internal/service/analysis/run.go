package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaiseki/internal/analysis/crossval"
	llmanalysis "github.com/ashita-ai/kaiseki/internal/analysis/llm"
	"github.com/ashita-ai/kaiseki/internal/analysis/static"
	"github.com/ashita-ai/kaiseki/internal/ingest"
	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/pipeline"
	"github.com/ashita-ai/kaiseki/internal/quality"
	"github.com/ashita-ai/kaiseki/internal/search"
	"github.com/ashita-ai/kaiseki/internal/sections"
	"github.com/ashita-ai/kaiseki/internal/storage"
	"github.com/ashita-ai/kaiseki/internal/trace"
)

// pipeCtx is the shared state threaded through one run's stages.
// Parallel stages write disjoint fields.
type pipeCtx struct {
	projectID string
	runID     string
	start     time.Time

	repo       model.RepoPath
	langs      model.LanguageMap
	chunks     model.ChunkSet
	static     model.StaticResult
	semantic   model.SemanticResult
	validation model.ValidationResult
	intel      model.Intelligence
	snippets   []sections.Snippet
}

// execute runs the full pipeline for one run and returns its result.
// Failures never escape: a foundational stage failure ends the run
// early with success=false, everything else degrades in place and is
// reflected in the partial flag.
func (s *Service) execute(ctx context.Context, run model.Run, req Request) model.RunResult {
	pc := &pipeCtx{projectID: run.ProjectID, runID: run.ID, start: time.Now()}
	res := &model.RunResult{ProjectID: run.ProjectID, RunID: run.ID}
	em := trace.NewEmitter(s.dispatcher, TraceID(run.ProjectID))

	em.PipelineStart(ctx, run.ProjectID)

	// 1. Resolve the repository. Nothing downstream can run without it.
	ok := s.runStage(ctx, pc, res, em, "ingestion_resolve", "Resolving repository path...",
		func(ctx context.Context, c *pipeCtx) (string, error) {
			repo, err := ingest.Resolve(ctx, req.Path, req.Branch, s.cfg.Ingest)
			if err != nil {
				return "", err
			}
			c.repo = repo
			return "", nil
		})
	if !ok {
		return s.finishRun(ctx, pc, res, em, false, lastError(res.Stages))
	}
	s.recordCommit(ctx, pc)

	// 2. Detect languages. A failure leaves the map empty and the run
	// continues on template output.
	s.runStage(ctx, pc, res, em, "ingestion_detect", "Detecting languages...",
		func(_ context.Context, c *pipeCtx) (string, error) {
			langs, err := ingest.DetectLanguages(c.repo.Path, s.cfg.Ingest)
			if err != nil {
				return "", err
			}
			c.langs = langs
			return fmt.Sprintf("Detected %d languages across %d files",
				len(langs.Languages), totalFiles(langs)), nil
		})

	// 3. Chunk the source tree.
	s.runStage(ctx, pc, res, em, "ingestion_chunk", "Chunking code...",
		func(_ context.Context, c *pipeCtx) (string, error) {
			chunks, err := ingest.ChunkRepo(c.repo.Path, c.langs, s.cfg.Ingest)
			if err != nil {
				return "", err
			}
			c.chunks = chunks
			return fmt.Sprintf("Created %d chunks from %d files",
				len(chunks.Chunks), chunks.TotalFiles), nil
		})

	// 4. Structural and semantic analysis over the same chunks, in
	// parallel.
	s.runDualAnalysis(ctx, pc, res, em)

	// 5. Cross-validate the two passes against each other.
	s.runStage(ctx, pc, res, em, "quality", "Cross-validating results...",
		func(_ context.Context, c *pipeCtx) (string, error) {
			c.validation = crossval.Validate(c.static, c.semantic)
			return "", nil
		})

	// 6. Assemble the intelligence model. Everything downstream reads it.
	ok = s.runStage(ctx, pc, res, em, "intelligence_model", "Building intelligence model...",
		func(_ context.Context, c *pipeCtx) (string, error) {
			c.intel = crossval.BuildIntelligence(c.projectID, c.static, c.validation, c.langs)
			return "", nil
		})
	if !ok {
		return s.finishRun(ctx, pc, res, em, false, lastError(res.Stages))
	}
	res.Intelligence = &pc.intel

	// 7. Generate the requested sections.
	s.runSectionPhase(ctx, pc, res, em, s.resolveKinds(req.Sections))

	// 8. Verify citations, when any sections carry them.
	if all := collectCitations(res.Sections); len(all) > 0 {
		s.runStage(ctx, pc, res, em, "citation_verification", "Verifying citations...",
			func(_ context.Context, c *pipeCtx) (string, error) {
				results := quality.VerifyCitations(all, c.repo.Path)
				valid := 0
				for _, r := range results {
					if r.Passed {
						valid++
					}
				}
				res.Quality = &model.QualityReport{
					GuardrailResults: results,
					CitationsChecked: len(all),
					CitationsValid:   valid,
					AvgConfidence:    avgConfidence(res.Sections),
				}
				return "", nil
			})
	}

	// 9. Persist everything. The save completes the run row in the same
	// transaction, so the status flip and the content land together.
	if s.db != nil {
		s.runStage(ctx, pc, res, em, "persistence",
			fmt.Sprintf("Persisting %d sections...", len(res.Sections)),
			func(ctx context.Context, c *pipeCtx) (string, error) {
				res.Partial = model.ComputePartial(res.Stages)
				res.TotalDurationMs = elapsedMs(c.start)
				if err := s.saveResults(ctx, res, model.RunAnalyzed, ""); err != nil {
					return "", err
				}
				return fmt.Sprintf("Persisted %d sections", len(res.Sections)), nil
			})
	}

	return s.finishRun(ctx, pc, res, em, true, "")
}

// runStage executes one sequential stage: running event, body, status
// append, trace marks, terminal event. Returns false when the body
// failed.
func (s *Service) runStage(ctx context.Context, pc *pipeCtx, res *model.RunResult, em *trace.Emitter, name, runningMsg string, body func(context.Context, *pipeCtx) (string, error)) bool {
	s.publishStage(pc.projectID, model.StageEvent{Name: name, Status: model.StageRunning, Message: runningMsg})
	em.StageStart(ctx, name)

	var doneMsg string
	st := pipeline.Stage[*pipeCtx]{Name: name, Run: func(ctx context.Context, c *pipeCtx) error {
		msg, err := body(ctx, c)
		doneMsg = msg
		return err
	}}.Execute(ctx, pc)

	res.Stages = append(res.Stages, st.Status())
	em.StageEnd(ctx, name, msDuration(st.DurationMs), st.Err)
	s.stageDuration.Record(ctx, st.DurationMs, metric.WithAttributes(attribute.String("stage", name)))

	if st.Err != nil {
		s.logger.Error("analysis: stage failed",
			"project_id", pc.projectID, "stage", name, "error", st.Err)
		s.publishStage(pc.projectID, model.StageEvent{
			Name: name, Status: model.StageError,
			Message: model.TruncateError(st.Err.Error()), DurationMs: st.DurationMs,
		})
		return false
	}
	s.publishStage(pc.projectID, model.StageEvent{
		Name: name, Status: model.StageDone, Message: doneMsg, DurationMs: st.DurationMs,
	})
	return true
}

// recordCommit pins the run row to the resolved commit and drops
// checkpoints from other commits so stale chunk results never resurface.
func (s *Service) recordCommit(ctx context.Context, pc *pipeCtx) {
	if s.db == nil {
		return
	}
	if err := s.db.SetRunCommit(ctx, pc.runID, pc.repo.CommitSHA, pc.repo.Branch); err != nil {
		s.logger.Warn("analysis: record run commit failed", "run_id", pc.runID, "error", err)
	}
	if pc.repo.CommitSHA == "" {
		return
	}
	n, err := s.db.InvalidateCheckpoints(ctx, pc.projectID, pc.repo.CommitSHA)
	if err != nil {
		s.logger.Warn("analysis: invalidate checkpoints failed", "project_id", pc.projectID, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("analysis: dropped stale checkpoints", "project_id", pc.projectID, "count", n)
	}
}

// runDualAnalysis fans the chunk set out to the structural and semantic
// passes. Both running events go out before either pass starts so
// consumers see the fork.
func (s *Service) runDualAnalysis(ctx context.Context, pc *pipeCtx, res *model.RunResult, em *trace.Emitter) {
	phaseStart := time.Now()
	em.PhaseStart(ctx, "dual_analysis")

	s.publishStage(pc.projectID, model.StageEvent{
		Name: "static_analysis", Status: model.StageRunning,
		Message: fmt.Sprintf("Analyzing %d chunks (AST + call graph + deps)", len(pc.chunks.Chunks)),
	})
	s.publishStage(pc.projectID, model.StageEvent{
		Name: "llm_analysis", Status: model.StageRunning,
		Message: fmt.Sprintf("Analyzing %d code chunks (embedding + narration + rules)", countAnalyzable(pc.chunks)),
	})
	em.StageStart(ctx, "static_analysis")
	em.StageStart(ctx, "llm_analysis")

	group := pipeline.Group[*pipeCtx]{
		Name: "dual_analysis",
		Stages: []pipeline.Stage[*pipeCtx]{
			{Name: "static_analysis", Run: func(_ context.Context, c *pipeCtx) error {
				c.static = static.Analyze(s.logger, c.chunks)
				return nil
			}},
			{Name: "llm_analysis", Run: func(ctx context.Context, c *pipeCtx) error {
				c.semantic = s.semanticPass(ctx, c, em)
				return nil
			}},
		},
		Logger: s.logger,
	}
	for _, r := range group.Execute(ctx, pc) {
		st := r.Status()
		res.Stages = append(res.Stages, st)
		em.StageEnd(ctx, r.Stage, msDuration(r.DurationMs), r.Err)
		s.stageDuration.Record(ctx, r.DurationMs, metric.WithAttributes(attribute.String("stage", r.Stage)))
		s.publishStage(pc.projectID, terminalEvent(st))
	}
	em.PhaseEnd(ctx, "dual_analysis", time.Since(phaseStart))
}

// semanticPass embeds the chunk set for retrieval, then runs the model
// analyzer. Embedding failures only cost retrieval, never the pass.
func (s *Service) semanticPass(ctx context.Context, pc *pipeCtx, em *trace.Emitter) model.SemanticResult {
	s.embedChunks(ctx, pc)
	if s.analyzer == nil {
		return model.SemanticResult{}
	}
	return s.analyzer.AnalyzeChunks(ctx, pc.projectID, pc.repo.CommitSHA, pc.chunks.Chunks, em,
		func(ev model.StageEvent) { s.publishStage(pc.projectID, ev) })
}

// embedChunks reconciles the project's stored vectors with the current
// chunk set so section synthesis can retrieve concrete code excerpts.
// Requires both an embedder and storage; anything less and sections
// simply carry no excerpts.
func (s *Service) embedChunks(ctx context.Context, pc *pipeCtx) {
	if s.embedder == nil || s.db == nil || len(pc.chunks.Chunks) == 0 {
		return
	}
	embs, err := s.embedder.EmbedChunks(ctx, pc.chunks.Chunks)
	if err != nil {
		s.logger.Warn("analysis: chunk embedding failed, continuing without retrieval",
			"project_id", pc.projectID, "error", err)
		return
	}
	rows := make([]storage.ChunkEmbeddingRow, 0, len(embs))
	for _, ce := range embs {
		rows = append(rows, storage.ChunkEmbeddingRow{
			ID:         uuid.New(),
			ProjectID:  pc.projectID,
			CommitSHA:  pc.repo.CommitSHA,
			FilePath:   ce.Chunk.FilePath,
			StartLine:  ce.Chunk.StartLine,
			EndLine:    ce.Chunk.EndLine,
			Language:   ce.Chunk.Language,
			SymbolName: ce.Chunk.SymbolName,
			ChunkHash:  ingest.ChunkHash(ce.Chunk),
			Snippet:    ce.Snippet(),
			Embedding:  ce.Vector,
		})
	}
	if err := s.db.ReplaceChunkEmbeddings(ctx, pc.projectID, rows); err != nil {
		s.logger.Warn("analysis: persist embeddings failed", "project_id", pc.projectID, "error", err)
	}
}

// runSectionPhase generates every requested section with bounded
// concurrency. Failed or timed-out sections become degraded
// placeholders so the document always has its full shape.
func (s *Service) runSectionPhase(ctx context.Context, pc *pipeCtx, res *model.RunResult, em *trace.Emitter, kinds []model.SectionKind) {
	phaseStart := time.Now()
	em.PhaseStart(ctx, "section_generation")
	s.publishStage(pc.projectID, model.StageEvent{
		Name: "section_generation", Status: model.StageRunning,
		Message: fmt.Sprintf("Generating %d documentation sections", len(kinds)),
	})

	pc.snippets = s.retrieveSnippets(ctx, pc)
	in := sections.Input{
		Intelligence: pc.intel,
		Static:       pc.static,
		Semantic:     pc.semantic,
		Snippets:     pc.snippets,
	}

	out := make([]model.Section, len(kinds))
	stages := make([]pipeline.Stage[*pipeCtx], len(kinds))
	for i, kind := range kinds {
		stages[i] = s.sectionStage(i, kind, in, out, em)
	}
	group := pipeline.Group[*pipeCtx]{
		Name:           "section_generation",
		Stages:         stages,
		MaxConcurrency: s.cfg.SectionConcurrency,
		StageTimeout:   s.cfg.SectionTimeout,
		Logger:         s.logger,
	}

	degraded := 0
	for i, r := range group.Execute(ctx, pc) {
		st := r.Status()
		res.Stages = append(res.Stages, st)
		s.stageDuration.Record(ctx, r.DurationMs, metric.WithAttributes(attribute.String("stage", r.Stage)))
		s.publishStage(pc.projectID, terminalEvent(st))
		if r.Outcome != model.OutcomeCompleted {
			reason := "skipped"
			if r.Err != nil {
				reason = model.TruncateError(r.Err.Error())
			}
			out[i] = sections.Degraded(kinds[i], reason)
			degraded++
		}
	}
	res.Sections = out

	s.publishStage(pc.projectID, model.StageEvent{
		Name: "section_generation", Status: model.StageDone,
		Message:    fmt.Sprintf("Generated %d sections (%d degraded)", len(kinds), degraded),
		DurationMs: elapsedMs(phaseStart),
	})
	em.PhaseEnd(ctx, "section_generation", time.Since(phaseStart))
}

// sectionStage wraps one section's generate-and-gate loop as a pipeline
// stage. Each stage writes only its own cell of out.
func (s *Service) sectionStage(i int, kind model.SectionKind, in sections.Input, out []model.Section, em *trace.Emitter) pipeline.Stage[*pipeCtx] {
	name := "generate_" + string(kind)
	return pipeline.Stage[*pipeCtx]{
		Name: name,
		Run: func(ctx context.Context, c *pipeCtx) error {
			s.publishStage(c.projectID, model.StageEvent{
				Name: name, Status: model.StageRunning,
				Message: "Generating " + sections.Title(kind),
			})
			sec, err := s.generateGated(ctx, kind, in, em)
			if err != nil {
				return err
			}
			out[i] = sec
			return nil
		},
	}
}

// generateGated runs the synthesis loop for one section: generate,
// evaluate the gate, retry while attempts remain. Content whose final
// confidence never clears the threshold ships with a visible notice.
func (s *Service) generateGated(ctx context.Context, kind model.SectionKind, in sections.Input, em *trace.Emitter) (model.Section, error) {
	gateCfg := quality.GateFor(kind)
	attempts := gateCfg.MaxIterations
	if attempts < 1 {
		attempts = 1
	}

	var sec model.Section
	for attempt := 1; attempt <= attempts; attempt++ {
		var err error
		sec, err = s.generator.Generate(ctx, kind, in, em)
		if err != nil {
			return model.Section{}, err
		}
		gate := quality.EvaluateGate(kind, sec.Content, gateCfg)
		if gate.Passed || attempt == attempts {
			sec.Confidence = quality.Clamp(sec.Confidence * gate.Score)
			s.logger.Info("analysis: section gate",
				"section", kind, "passed", gate.Passed, "score", gate.Score,
				"confidence", sec.Confidence, "attempt", attempt)
			break
		}
		s.logger.Warn("analysis: section gate retry",
			"section", kind, "score", gate.Score, "failures", len(gate.Failures), "attempt", attempt)
	}

	if content, gated := quality.GateLowConfidence(sec.Content, sec.Confidence, quality.GateThreshold); gated {
		sec.Content = content
		sec.Gated = true
	}
	return sec, nil
}

// retrieveSnippets pulls the stored code excerpts most similar to the
// run's intelligence summary, preferring the vector index and falling
// back to Postgres. No embedder or no storage means no excerpts.
func (s *Service) retrieveSnippets(ctx context.Context, pc *pipeCtx) []sections.Snippet {
	if s.embedder == nil || s.db == nil {
		return nil
	}
	query := retrievalQuery(pc.intel)
	if query == "" {
		return nil
	}
	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		s.logger.Warn("analysis: retrieval query embedding failed",
			"project_id", pc.projectID, "error", err)
		return nil
	}
	if isZeroVector(vec) {
		return nil
	}

	if s.searcher != nil {
		if err := s.searcher.Healthy(ctx); err == nil {
			matches, err := s.searcher.FindSimilar(ctx, pc.projectID, vec.Slice(), s.cfg.RetrievalLimit)
			if err == nil {
				return s.hydrateSnippets(ctx, matches)
			}
			s.logger.Warn("analysis: vector index search failed, using pgvector", "error", err)
		} else {
			s.logger.Debug("analysis: qdrant unhealthy, using pgvector", "error", err)
		}
	}

	rows, err := s.db.SimilarChunks(ctx, pc.projectID, vec, s.cfg.RetrievalLimit)
	if err != nil {
		s.logger.Warn("analysis: similar chunk lookup failed",
			"project_id", pc.projectID, "error", err)
		return nil
	}
	snips := make([]sections.Snippet, 0, len(rows))
	for _, row := range rows {
		snips = append(snips, chunkSnippet(row, row.Score))
	}
	return snips
}

// hydrateSnippets resolves index matches to their stored chunk rows,
// keeping match order and the index's scores.
func (s *Service) hydrateSnippets(ctx context.Context, matches []search.Match) []sections.Snippet {
	if len(matches) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(matches))
	for i, m := range matches {
		ids[i] = m.ChunkID
	}
	rows, err := s.db.ChunksByIDs(ctx, ids)
	if err != nil {
		s.logger.Warn("analysis: hydrate retrieval matches failed", "error", err)
		return nil
	}
	snips := make([]sections.Snippet, 0, len(matches))
	for _, m := range matches {
		row, ok := rows[m.ChunkID]
		if !ok {
			continue
		}
		snips = append(snips, chunkSnippet(row, float64(m.Score)))
	}
	return snips
}

func chunkSnippet(row storage.SimilarChunk, score float64) sections.Snippet {
	return sections.Snippet{
		FilePath:   row.FilePath,
		StartLine:  row.StartLine,
		EndLine:    row.EndLine,
		Language:   row.Language,
		SymbolName: row.SymbolName,
		Content:    row.Snippet,
		Score:      score,
	}
}

// retrievalQuery condenses the run's intelligence into one similarity
// query: the summary plus the first few finding names.
func retrievalQuery(intel model.Intelligence) string {
	parts := make([]string, 0, 9)
	if intel.Summary != "" {
		parts = append(parts, intel.Summary)
	}
	for _, f := range intel.Findings {
		if len(parts) >= 9 {
			break
		}
		parts = append(parts, f.Name)
	}
	return strings.Join(parts, " ")
}

// saveResults persists the full result set, completing the run row in
// the same transaction. A failed save still closes the row out with an
// error status so no run is left analyzing forever.
func (s *Service) saveResults(ctx context.Context, res *model.RunResult, status model.RunStatus, errMsg string) error {
	if s.db == nil {
		return nil
	}
	p := storage.RunResults{
		RunID:      res.RunID,
		ProjectID:  res.ProjectID,
		Status:     status,
		Error:      errMsg,
		Partial:    res.Partial,
		DurationMs: res.TotalDurationMs,
		Stages:     res.Stages,
		Quality:    res.Quality,
		Sections:   res.Sections,
	}
	if res.Intelligence != nil {
		p.Intelligence = res.Intelligence
		p.Findings = res.Intelligence.Findings
	}
	err := storage.WithRetry(ctx, 3, 500*time.Millisecond, func() error {
		return s.db.SaveRunResults(ctx, p)
	})
	if err == nil {
		return nil
	}
	if cerr := s.db.CompleteRun(ctx, res.RunID, model.RunError, "failed to persist results", res.Partial); cerr != nil {
		s.logger.Error("analysis: run row left analyzing",
			"run_id", res.RunID, "save_error", err, "complete_error", cerr)
	}
	return fmt.Errorf("analysis: save run results: %w", err)
}

// finishRun settles the aggregate fields, persists a failed run's
// terminal status, and emits the pipeline end marker.
func (s *Service) finishRun(ctx context.Context, pc *pipeCtx, res *model.RunResult, em *trace.Emitter, success bool, abortErr string) model.RunResult {
	res.Partial = model.ComputePartial(res.Stages)
	res.TotalDurationMs = elapsedMs(pc.start)

	if !success {
		if err := s.saveResults(ctx, res, model.RunError, abortErr); err != nil {
			s.logger.Error("analysis: persist failed run", "run_id", res.RunID, "error", err)
		}
	}

	em.PipelineEnd(ctx, time.Since(pc.start), success)
	s.runDuration.Record(ctx, res.TotalDurationMs)
	s.logger.Info("analysis: pipeline finished",
		"project_id", res.ProjectID, "run_id", res.RunID, "success", success,
		"partial", res.Partial, "stages", len(res.Stages), "duration_ms", res.TotalDurationMs)
	return *res
}

// resolveKinds expands an empty request to every kind and drops
// unknown ones.
func (s *Service) resolveKinds(req []model.SectionKind) []model.SectionKind {
	if len(req) == 0 {
		return model.AllSectionKinds()
	}
	known := make(map[model.SectionKind]bool)
	for _, k := range model.AllSectionKinds() {
		known[k] = true
	}
	kinds := make([]model.SectionKind, 0, len(req))
	for _, k := range req {
		if !known[k] {
			s.logger.Warn("analysis: unknown section kind", "kind", k)
			continue
		}
		kinds = append(kinds, k)
	}
	return kinds
}

// isZeroVector returns true if all elements of the vector are zero
// (noop provider).
func isZeroVector(v pgvector.Vector) bool {
	for _, val := range v.Slice() {
		if val != 0 {
			return false
		}
	}
	return true
}

func lastError(stages []model.StageStatus) string {
	if len(stages) == 0 {
		return ""
	}
	return stages[len(stages)-1].Error
}

func totalFiles(langs model.LanguageMap) int {
	n := 0
	for _, l := range langs.Languages {
		n += l.FileCount
	}
	return n
}

func countAnalyzable(chunks model.ChunkSet) int {
	n := 0
	for _, c := range chunks.Chunks {
		if llmanalysis.Analyzable(c.Language) {
			n++
		}
	}
	return n
}

func collectCitations(secs []model.Section) []model.Citation {
	var all []model.Citation
	for _, sec := range secs {
		all = append(all, sec.Citations...)
	}
	return all
}

// avgConfidence averages over sections that carry a confidence at all.
func avgConfidence(secs []model.Section) float64 {
	sum, n := 0.0, 0
	for _, sec := range secs {
		if sec.Confidence > 0 {
			sum += sec.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func elapsedMs(start time.Time) float64 {
	return time.Since(start).Seconds() * 1000
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
