// Package pipeline provides typed stages with parallel fan-out.
//
// A Stage wraps one unit of pipeline work; Execute captures its timing
// and converts errors and panics into a terminal StageResult instead of
// propagating them. A Group runs stages concurrently on a shared
// context value with optional concurrency and per-stage time bounds.
// Failures are isolated: one stage failing never cancels its siblings.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// Stage is a named unit of pipeline work operating on a shared context
// value C. Parallel stages must write to disjoint fields of C.
type Stage[C any] struct {
	Name string
	Run  func(ctx context.Context, c C) error
}

// StageResult is the terminal record of one stage execution.
type StageResult struct {
	Stage      string
	Outcome    model.StageOutcome
	DurationMs float64
	Err        error
}

// Status converts the result to its persisted StageStatus form.
func (r StageResult) Status() model.StageStatus {
	s := model.StageStatus{
		Name:       r.Stage,
		OK:         r.Outcome == model.OutcomeCompleted,
		DurationMs: r.DurationMs,
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

// Execute runs the stage body, capturing elapsed time and converting
// an error or panic into a failed result.
func (s Stage[C]) Execute(ctx context.Context, c C) StageResult {
	start := time.Now()
	err := runGuarded(ctx, s, c)
	res := StageResult{Stage: s.Name, DurationMs: elapsedMs(start)}
	if err != nil {
		res.Outcome = model.OutcomeFailed
		res.Err = err
		return res
	}
	res.Outcome = model.OutcomeCompleted
	return res
}

func runGuarded[C any](ctx context.Context, s Stage[C], c C) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: stage %s panicked: %v", s.Name, r)
		}
	}()
	return s.Run(ctx, c)
}

// Group runs multiple stages concurrently on the same context value.
type Group[C any] struct {
	Name   string
	Stages []Stage[C]
	// MaxConcurrency bounds simultaneously running stages; 0 means
	// unbounded.
	MaxConcurrency int
	// StageTimeout bounds each stage's execution; 0 means none.
	StageTimeout time.Duration
	Logger       *slog.Logger
}

// Execute runs every stage on c and returns results in stage order.
// Each stage runs to completion or failure independently. A stage that
// never started because the context ended first is reported skipped.
func (g Group[C]) Execute(ctx context.Context, c C) []StageResult {
	results := make([]StageResult, len(g.Stages))
	for i, s := range g.Stages {
		results[i] = StageResult{Stage: s.Name, Outcome: model.OutcomeSkipped}
	}
	if len(g.Stages) == 0 {
		return results
	}

	var sem *semaphore.Weighted
	if g.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(g.MaxConcurrency))
	}

	var eg errgroup.Group
	for i, stage := range g.Stages {
		eg.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					return nil
				}
				defer sem.Release(1)
			}

			stageCtx := ctx
			if g.StageTimeout > 0 {
				var cancel context.CancelFunc
				stageCtx, cancel = context.WithTimeout(ctx, g.StageTimeout)
				defer cancel()
			}

			res := stage.Execute(stageCtx, c)
			if res.Err != nil && g.Logger != nil {
				g.Logger.Warn("pipeline: stage failed",
					"group", g.Name, "stage", stage.Name, "error", res.Err)
			}
			results[i] = res
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func elapsedMs(start time.Time) float64 {
	return time.Since(start).Seconds() * 1000
}
