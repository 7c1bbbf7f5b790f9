// Package llm runs per-chunk semantic analysis through the model chain.
//
// Each analyzable chunk costs one combined model call yielding a
// narrative, business rules, and risk indicators in a single JSON
// response. Results are checkpointed by (project, chunk hash) so a
// re-run after an interrupt or a partial code change only pays for the
// chunks that actually changed. Failures degrade individual chunks to
// low-confidence placeholders instead of failing the stage.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kaiseki/internal/ingest"
	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/resilience"
	"github.com/ashita-ai/kaiseki/internal/trace"

	llmclient "github.com/ashita-ai/kaiseki/internal/llm"
)

// analyzableLanguages warrant full semantic analysis. Data, config, and
// markup languages are embedded for retrieval but skipped here.
var analyzableLanguages = map[string]bool{
	"python":     true,
	"javascript": true,
	"typescript": true,
	"java":       true,
	"go":         true,
	"rust":       true,
	"c":          true,
	"cpp":        true,
	"c_sharp":    true,
	"ruby":       true,
	"php":        true,
	"swift":      true,
	"kotlin":     true,
	"scala":      true,
	"lua":        true,
	"bash":       true,
	"elixir":     true,
	"haskell":    true,
	"ocaml":      true,
	"r":          true,
	"dart":       true,
	"zig":        true,
}

// Analyzable reports whether chunks of language get semantic analysis.
func Analyzable(language string) bool { return analyzableLanguages[language] }

// Checkpoints persists per-chunk results across runs. Implementations
// key uniquely on (project id, chunk hash).
type Checkpoints interface {
	Get(ctx context.Context, projectID, chunkHash string) (model.Checkpoint, bool, error)
	Put(ctx context.Context, cp model.Checkpoint) error
}

// Config tunes a run of the analyzer. Zero values take the defaults.
type Config struct {
	// Concurrency bounds in-flight model calls.
	Concurrency int
	// CallTimeout bounds a single chunk's model call.
	CallTimeout time.Duration
	// StageTimeout bounds the whole pass; chunks not settled by then
	// are dropped from the result.
	StageTimeout time.Duration
}

// Default tuning, applied where Config is zero.
const (
	DefaultConcurrency  = 2
	DefaultCallTimeout  = 60 * time.Second
	DefaultStageTimeout = 15 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	return c
}

// ProgressFunc receives a tick after every chunk settles.
type ProgressFunc func(ev model.StageEvent)

// Analyzer drives combined semantic analysis over code chunks.
type Analyzer struct {
	caller      *resilience.Caller
	checkpoints Checkpoints
	cfg         Config
	logger      *slog.Logger
}

// NewAnalyzer creates an analyzer. checkpoints may be nil to disable
// result reuse.
func NewAnalyzer(caller *resilience.Caller, checkpoints Checkpoints, cfg Config, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		caller:      caller,
		checkpoints: checkpoints,
		cfg:         cfg.withDefaults(),
		logger:      logger,
	}
}

// chunkResult is one settled chunk: its narrative plus any rules and
// risks. failed marks placeholder results that must not be checkpointed.
type chunkResult struct {
	narrative      model.ModuleNarrative
	rules          []model.BusinessRule
	risks          []model.RiskIndicator
	fromCheckpoint bool
	failed         bool
}

// AnalyzeChunks analyzes every analyzable chunk with bounded
// concurrency and returns whatever settled within the stage budget.
// commitSHA gates checkpoint writes: without a stable commit there is
// nothing durable to key reuse on.
func (a *Analyzer) AnalyzeChunks(ctx context.Context, projectID, commitSHA string, chunks []model.CodeChunk, emitter *trace.Emitter, onProgress ProgressFunc) model.SemanticResult {
	code := make([]model.CodeChunk, 0, len(chunks))
	for _, c := range chunks {
		if analyzableLanguages[c.Language] {
			code = append(code, c)
		}
	}
	if skipped := len(chunks) - len(code); skipped > 0 {
		a.logger.Info("llm: skipping non-code chunks", "skipped", skipped, "code", len(code))
	}
	total := len(code)
	if total == 0 {
		return model.SemanticResult{}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.StageTimeout)
	defer cancel()

	var (
		mu        sync.Mutex
		result    model.SemanticResult
		completed int
	)
	settle := func(res chunkResult) {
		mu.Lock()
		result.Narratives = append(result.Narratives, res.narrative)
		result.Rules = append(result.Rules, res.rules...)
		result.Risks = append(result.Risks, res.risks...)
		if res.fromCheckpoint {
			result.ChunksFromCheckpoint++
		} else {
			result.ChunksAnalyzed++
		}
		if res.narrative.Confidence == model.ConfidenceLow {
			result.ChunksDegraded++
		}
		completed++
		done := completed
		mu.Unlock()
		emitProgress(onProgress, done, total)
	}

	g := new(errgroup.Group)
	g.SetLimit(a.cfg.Concurrency)
	for _, chunk := range code {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			settle(a.processChunk(ctx, projectID, commitSHA, chunk, emitter))
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		a.logger.Warn("llm: analysis budget expired", "settled", completed, "total", total)
	}
	if result.ChunksFromCheckpoint > 0 {
		a.logger.Info("llm: resumed from checkpoints",
			"resumed", result.ChunksFromCheckpoint, "total", total)
	}
	if result.ChunksDegraded > 0 {
		pct := float64(result.ChunksDegraded) / float64(len(result.Narratives)) * 100
		a.logger.Warn("llm: degraded results",
			"degraded", result.ChunksDegraded, "total", len(result.Narratives), "pct", math.Round(pct))
	}
	return result
}

// processChunk settles one chunk: checkpoint lookup, model call,
// checkpoint write.
func (a *Analyzer) processChunk(ctx context.Context, projectID, commitSHA string, chunk model.CodeChunk, emitter *trace.Emitter) chunkResult {
	hash := ingest.ChunkHash(chunk)

	if a.checkpoints != nil {
		if res, ok := a.lookupCheckpoint(ctx, projectID, hash); ok {
			a.logger.Debug("llm: checkpoint hit", "file", chunk.FilePath)
			return res
		}
	}

	res := a.analyzeChunk(ctx, chunk, emitter)

	if a.checkpoints != nil && commitSHA != "" && !res.failed {
		a.putCheckpoint(ctx, projectID, commitSHA, hash, chunk.FilePath, res)
	}
	return res
}

func (a *Analyzer) lookupCheckpoint(ctx context.Context, projectID, hash string) (chunkResult, bool) {
	cp, ok, err := a.checkpoints.Get(ctx, projectID, hash)
	if err != nil {
		a.logger.Warn("llm: checkpoint lookup failed", "hash", hash, "error", err)
		return chunkResult{}, false
	}
	if !ok {
		return chunkResult{}, false
	}

	var rec checkpointRecord
	if err := json.Unmarshal([]byte(cp.ResultJSON), &rec); err != nil {
		// A corrupt record is a miss: re-analyze and overwrite it.
		a.logger.Warn("llm: checkpoint deserialize failed", "hash", hash, "error", err)
		return chunkResult{}, false
	}
	res := rec.toResult()
	res.fromCheckpoint = true
	return res, true
}

func (a *Analyzer) putCheckpoint(ctx context.Context, projectID, commitSHA, hash, filePath string, res chunkResult) {
	data, err := json.Marshal(newCheckpointRecord(res, filePath))
	if err != nil {
		a.logger.Warn("llm: checkpoint serialize failed", "file", filePath, "error", err)
		return
	}
	err = a.checkpoints.Put(ctx, model.Checkpoint{
		ProjectID:  projectID,
		CommitSHA:  commitSHA,
		ChunkHash:  hash,
		FilePath:   filePath,
		ResultJSON: string(data),
	})
	if err != nil {
		a.logger.Warn("llm: checkpoint write failed", "file", filePath, "error", err)
	}
}

// analyzeChunk runs the combined model call for one chunk. It never
// returns an error: total failure produces a low-confidence placeholder
// narrative so downstream stages see a uniform shape.
func (a *Analyzer) analyzeChunk(ctx context.Context, chunk model.CodeChunk, emitter *trace.Emitter) chunkResult {
	req := resilience.Request{
		Messages: []resilience.Message{
			{Role: "system", Content: combinedAnalysisPrompt},
			{Role: "user", Content: buildAnalysisPrompt(chunk)},
		},
		Timeout:  a.cfg.CallTimeout,
		JSONMode: true,
	}

	start := time.Now()
	resp, err := a.caller.CallWithFallback(ctx, req)
	if err != nil {
		a.logger.Warn("llm: chunk analysis failed", "file", chunk.FilePath, "error", err)
		return failedResult(chunk.FilePath, "Analysis unavailable")
	}
	if emitter != nil {
		cost := llmclient.EstimateCost(resp.Model, resp.InputTokens, resp.OutputTokens)
		emitter.ModelCall(ctx, resp.Model, resp.InputTokens, resp.OutputTokens, time.Since(start), cost)
	}

	res, err := parseChunkAnalysis(resp.Content, chunk.FilePath)
	if err != nil {
		a.logger.Warn("llm: response parse failed",
			"file", chunk.FilePath, "response_len", len(resp.Content), "error", err)
		return failedResult(chunk.FilePath, "Failed to parse response")
	}
	return res
}

func failedResult(filePath, reason string) chunkResult {
	return chunkResult{
		narrative: model.ModuleNarrative{
			FilePath:   filePath,
			Purpose:    reason,
			Confidence: model.ConfidenceLow,
		},
		failed: true,
	}
}

func emitProgress(onProgress ProgressFunc, completed, total int) {
	if onProgress == nil || total == 0 {
		return
	}
	percent := math.Round(float64(completed)/float64(total)*1000) / 10
	c, t := completed, total
	onProgress(model.StageEvent{
		Name:      "llm_analysis",
		Status:    model.StageRunning,
		Message:   fmt.Sprintf("Analyzed %d/%d code chunks", completed, total),
		Completed: &c,
		Total:     &t,
		Percent:   &percent,
	})
}

// checkpointRecord is the stored JSON shape for one chunk's result:
// narrative fields at the top level plus the rule and risk arrays.
type checkpointRecord struct {
	FilePath       string                `json:"file_path"`
	Purpose        string                `json:"purpose"`
	Confidence     model.ConfidenceLevel `json:"confidence"`
	Behaviors      []model.Behavior      `json:"behaviors,omitempty"`
	DomainConcepts []model.DomainConcept `json:"domain_concepts,omitempty"`
	Citations      []string              `json:"citations,omitempty"`
	Rules          []model.BusinessRule  `json:"rules,omitempty"`
	Risks          []model.RiskIndicator `json:"risks,omitempty"`
}

func newCheckpointRecord(res chunkResult, filePath string) checkpointRecord {
	return checkpointRecord{
		FilePath:       filePath,
		Purpose:        res.narrative.Purpose,
		Confidence:     res.narrative.Confidence,
		Behaviors:      res.narrative.Behaviors,
		DomainConcepts: res.narrative.DomainConcepts,
		Citations:      res.narrative.Citations,
		Rules:          res.rules,
		Risks:          res.risks,
	}
}

func (r checkpointRecord) toResult() chunkResult {
	return chunkResult{
		narrative: model.ModuleNarrative{
			FilePath:       r.FilePath,
			Purpose:        r.Purpose,
			Confidence:     r.Confidence,
			Behaviors:      r.Behaviors,
			DomainConcepts: r.DomainConcepts,
			Citations:      r.Citations,
		},
		rules: r.Rules,
		risks: r.Risks,
	}
}
