// Package runhealth fails runs that can no longer make progress. A run row
// stuck in analyzing either belonged to a process that no longer exists
// (boot recovery) or to a pipeline goroutine that died without completing
// the row (periodic sweep). Either way the row must be closed or its
// project stays claimed forever.
package runhealth

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaiseki/internal/telemetry"
)

// Failure reasons written to the run row's error column.
const (
	ReasonInterrupted = "interrupted by restart"
	ReasonStale       = "exceeded max runtime"
)

const (
	// DefaultSweepInterval is how often the stale sweep runs.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultMaxRunAge is the age past which an analyzing run is presumed
	// dead. It must exceed the longest legitimate pipeline runtime, which
	// is dominated by the LLM stage timeout.
	DefaultMaxRunAge = 30 * time.Minute

	sweepTimeout = 30 * time.Second
)

// Store is the slice of storage the sweeper needs.
type Store interface {
	MarkInterruptedRuns(ctx context.Context, reason string) (int64, error)
	MarkStaleRuns(ctx context.Context, maxAge time.Duration, reason string) (int64, error)
}

// Sweeper closes out dead run rows so their projects can be analyzed again.
type Sweeper struct {
	store    Store
	logger   *slog.Logger
	interval time.Duration
	maxAge   time.Duration

	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	recovered metric.Int64Counter
}

// NewSweeper creates a sweeper. Non-positive interval and maxAge take the
// defaults.
func NewSweeper(store Store, logger *slog.Logger, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxRunAge
	}
	meter := telemetry.Meter("kaiseki/runhealth")
	recovered, _ := meter.Int64Counter("kaiseki.runs.recovered",
		metric.WithDescription("Runs force-failed by boot recovery or the stale sweep"),
	)
	return &Sweeper{
		store:     store,
		logger:    logger,
		interval:  interval,
		maxAge:    maxAge,
		done:      make(chan struct{}),
		recovered: recovered,
	}
}

// RecoverInterrupted fails every run still marked analyzing. Call once on
// boot before the server accepts requests: runs do not survive a restart,
// so any analyzing row belongs to a process that no longer exists.
func (s *Sweeper) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := s.store.MarkInterruptedRuns(ctx, ReasonInterrupted)
	if err != nil {
		return 0, fmt.Errorf("runhealth: recover interrupted runs: %w", err)
	}
	if n > 0 {
		s.recovered.Add(ctx, n, metric.WithAttributes(attribute.String("reason", "restart")))
		s.logger.Warn("runhealth: recovered interrupted runs", "count", n)
	}
	return n, nil
}

// Start begins the periodic stale-run sweep. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("runhealth: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.sweepLoop(loopCtx)
}

// Stop halts the sweep loop and blocks until it exits or ctx expires.
// A no-op when the sweeper was never started.
func (s *Sweeper) Stop(ctx context.Context) {
	if !s.started.Load() {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("runhealth: stop timed out")
	}
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep is one pass. Errors are logged, never fatal: the next tick retries.
func (s *Sweeper) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	n, err := s.store.MarkStaleRuns(sweepCtx, s.maxAge, ReasonStale)
	if err != nil {
		s.logger.Error("runhealth: stale run sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.recovered.Add(ctx, n, metric.WithAttributes(attribute.String("reason", "stale")))
		s.logger.Warn("runhealth: swept stale runs", "count", n, "max_age", s.maxAge)
	}
}
