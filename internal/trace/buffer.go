package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/telemetry"
)

// maxBufferCapacity bounds memory when the store is down. Past it, new
// events are dropped and counted rather than growing without limit.
const maxBufferCapacity = 100_000

// Store persists flushed trace events.
type Store interface {
	InsertTraceEvents(ctx context.Context, events []model.TraceEvent) (int64, error)
}

// Buffer batches trace events in memory and flushes them to the store
// when the batch fills or the flush interval elapses. With a WAL attached
// every buffered event is durable before it is acknowledged, and pending
// events survive a restart via Recover.
type Buffer struct {
	store        Store
	wal          *WAL
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu      sync.Mutex
	pending []Record
	started bool

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc

	drainMu  sync.Mutex
	drainCtx context.Context
}

// NewBuffer creates a buffer flushing to store. A nil wal disables
// durability; events then live only in memory until flushed.
func NewBuffer(store Store, wal *WAL, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushTimeout <= 0 {
		flushTimeout = 2 * time.Second
	}
	return &Buffer{
		store:        store,
		wal:          wal,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start recovers any WAL backlog into the buffer and launches the flush
// loop. Calling Start twice is a no-op.
func (b *Buffer) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	if err := b.registerMetrics(); err != nil {
		return err
	}

	if b.wal != nil {
		records, err := b.wal.Recover()
		if err != nil {
			return fmt.Errorf("trace: recover wal backlog: %w", err)
		}
		if len(records) > 0 {
			b.mu.Lock()
			b.pending = append(records, b.pending...)
			b.mu.Unlock()
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
	return nil
}

// Append queues events for the next flush. Events past the capacity
// bound are dropped and counted; appending never blocks on the store.
func (b *Buffer) Append(events ...model.TraceEvent) {
	if len(events) == 0 {
		return
	}

	b.mu.Lock()
	if len(b.pending)+len(events) > maxBufferCapacity {
		b.mu.Unlock()
		b.dropped.Add(int64(len(events)))
		b.logger.Warn("trace: buffer at capacity, dropping events", "dropped", len(events))
		return
	}

	// The WAL write happens under the buffer lock so WAL order matches
	// buffer order and recovered seqs line up with checkpoints.
	var firstSeq uint64
	if b.wal != nil {
		seq, err := b.wal.Append(events)
		if err != nil {
			b.logger.Error("trace: wal append failed, continuing without durability", "error", err)
		} else {
			firstSeq = seq
		}
	}
	for i, ev := range events {
		rec := Record{Event: ev}
		if firstSeq > 0 {
			rec.Seq = firstSeq + uint64(i)
		}
		b.pending = append(b.pending, rec)
	}
	depth := len(b.pending)
	b.mu.Unlock()

	if depth >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush. Drain supplies its own deadline; a plain
			// shutdown gets a bounded one so we never hang here.
			b.drainMu.Lock()
			fctx := b.drainCtx
			b.drainMu.Unlock()
			if fctx == nil {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			b.flush(fctx)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// flush swaps the pending batch out under the lock, writes it to the
// store, and on success checkpoints the WAL past it. A failed write puts
// the batch back at the front so order is preserved for the next try.
func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	events := make([]model.TraceEvent, len(batch))
	for i, rec := range batch {
		events[i] = rec.Event
	}

	if _, err := b.store.InsertTraceEvents(ctx, events); err != nil {
		b.logger.Error("trace: flush failed, re-buffering batch",
			"events", len(batch), "error", err)
		b.mu.Lock()
		if space := maxBufferCapacity - len(b.pending); space < len(batch) {
			overflow := len(batch) - space
			b.dropped.Add(int64(overflow))
			b.logger.Warn("trace: re-buffer overflow, dropping oldest", "dropped", overflow)
			batch = batch[overflow:]
		}
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return
	}

	if b.wal != nil {
		var maxSeq uint64
		for _, rec := range batch {
			if rec.Seq > maxSeq {
				maxSeq = rec.Seq
			}
		}
		if maxSeq > 0 {
			if err := b.wal.Checkpoint(maxSeq); err != nil {
				b.logger.Warn("trace: wal checkpoint failed", "seq", maxSeq, "error", err)
			}
		}
	}
}

// Drain stops the flush loop, performs a final flush bounded by ctx, and
// closes the WAL. Call during shutdown after emitters have stopped.
func (b *Buffer) Drain(ctx context.Context) error {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return nil
	}

	b.drainMu.Lock()
	b.drainCtx = ctx
	b.drainMu.Unlock()

	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		return fmt.Errorf("trace: drain: %w", ctx.Err())
	}

	if b.wal != nil {
		if err := b.wal.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Len reports how many events are waiting to flush.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Capacity reports the configured flush threshold.
func (b *Buffer) Capacity() int {
	return b.maxSize
}

// DroppedEvents reports how many events backpressure has discarded.
func (b *Buffer) DroppedEvents() int64 {
	return b.dropped.Load()
}

func (b *Buffer) registerMetrics() error {
	meter := telemetry.Meter("kaiseki/trace")
	_, err := meter.Int64ObservableGauge("kaiseki.trace.buffer_depth",
		metric.WithDescription("Trace events waiting to be flushed to the store."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("trace: register buffer depth gauge: %w", err)
	}
	_, err = meter.Int64ObservableCounter("kaiseki.trace.dropped_total",
		metric.WithDescription("Trace events dropped under buffer backpressure."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.dropped.Load())
			return nil
		}))
	if err != nil {
		return fmt.Errorf("trace: register dropped counter: %w", err)
	}
	return nil
}

// StoreHandler feeds dispatched events into a buffer, making the buffer
// a sink like any other.
type StoreHandler struct {
	buffer *Buffer
}

// NewStoreHandler wraps buffer as a dispatcher handler.
func NewStoreHandler(buffer *Buffer) *StoreHandler {
	return &StoreHandler{buffer: buffer}
}

func (h *StoreHandler) Name() string { return "store" }

func (h *StoreHandler) Handle(_ context.Context, ev model.TraceEvent) error {
	h.buffer.Append(ev)
	return nil
}
