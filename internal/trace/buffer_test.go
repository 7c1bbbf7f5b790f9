package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// fakeStore counts inserted events and can fail the first N calls to
// exercise the re-buffer path.
type fakeStore struct {
	mu       sync.Mutex
	failN    int
	inserted []model.TraceEvent
}

func (s *fakeStore) InsertTraceEvents(_ context.Context, events []model.TraceEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return 0, errors.New("store unavailable")
	}
	s.inserted = append(s.inserted, events...)
	return int64(len(events)), nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func drainBuffer(t *testing.T, buf *Buffer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := buf.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestBufferFlushesWhenBatchFills(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store, nil, testLogger(), 3, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := buf.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		buf.Append(walEvent(model.TraceStageStart, "run_a"))
	}

	waitFor(t, 2*time.Second, func() bool { return store.count() == 3 })
	drainBuffer(t, buf)
}

func TestBufferFlushesOnInterval(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store, nil, testLogger(), 100, 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := buf.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	buf.Append(walEvent(model.TracePipelineStart, "run_a"))

	waitFor(t, 2*time.Second, func() bool { return store.count() == 1 })
	drainBuffer(t, buf)
}

func TestBufferDrainFlushesRemainder(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store, nil, testLogger(), 100, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := buf.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	buf.Append(walEvent(model.TraceStageStart, "run_a"), walEvent(model.TraceStageEnd, "run_a"))
	drainBuffer(t, buf)

	if got := store.count(); got != 2 {
		t.Fatalf("store received %d events after drain, want 2", got)
	}
	if got := buf.Len(); got != 0 {
		t.Fatalf("buffer depth after drain = %d, want 0", got)
	}
}

func TestBufferRetriesFailedFlush(t *testing.T) {
	store := &fakeStore{failN: 1}
	buf := NewBuffer(store, nil, testLogger(), 1, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := buf.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	buf.Append(walEvent(model.TraceStageStart, "run_a"))

	// First flush fails and re-buffers; the ticker retries until the
	// store accepts the batch.
	waitFor(t, 2*time.Second, func() bool { return store.count() == 1 })
	if got := buf.DroppedEvents(); got != 0 {
		t.Fatalf("DroppedEvents = %d, want 0", got)
	}
	drainBuffer(t, buf)
}

func TestBufferDropsAtCapacity(t *testing.T) {
	buf := NewBuffer(&fakeStore{}, nil, testLogger(), maxBufferCapacity*2, time.Minute)

	// No Start: the flush loop must not shrink the buffer mid-test.
	batch := make([]model.TraceEvent, maxBufferCapacity)
	for i := range batch {
		batch[i] = model.TraceEvent{Type: model.TraceStageStart, TraceID: "run_a"}
	}
	buf.Append(batch...)
	if got := buf.Len(); got != maxBufferCapacity {
		t.Fatalf("Len = %d, want %d", got, maxBufferCapacity)
	}

	buf.Append(model.TraceEvent{Type: model.TraceStageEnd, TraceID: "run_a"})
	if got := buf.DroppedEvents(); got != 1 {
		t.Fatalf("DroppedEvents = %d, want 1", got)
	}
	if got := buf.Len(); got != maxBufferCapacity {
		t.Fatalf("Len after drop = %d, want unchanged", got)
	}
}

func TestBufferDoubleStartIsNoop(t *testing.T) {
	buf := NewBuffer(&fakeStore{}, nil, testLogger(), 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := buf.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := buf.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	drainBuffer(t, buf)
}

func TestBufferRecoversWALBacklogAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	// First life: the store is down, so nothing flushes, but every
	// append lands in the WAL.
	wal1, err := OpenWAL(dir, testLogger(), 0, SyncBatch)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	down := &fakeStore{failN: 1 << 30}
	buf1 := NewBuffer(down, wal1, testLogger(), 100, time.Minute)

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	if err := buf1.Start(ctx1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	buf1.Append(
		walEvent(model.TracePipelineStart, "run_a"),
		walEvent(model.TraceStageStart, "run_a"),
	)
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	buf1.Drain(drainCtx)
	drainCancel()

	// Second life: recovery replays the backlog into a working store.
	wal2, err := OpenWAL(dir, testLogger(), 0, SyncBatch)
	if err != nil {
		t.Fatalf("reopen WAL: %v", err)
	}
	store := &fakeStore{}
	buf2 := NewBuffer(store, wal2, testLogger(), 100, 20*time.Millisecond)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	if err := buf2.Start(ctx2); err != nil {
		t.Fatalf("Start after restart: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return store.count() == 2 })

	store.mu.Lock()
	types := []model.TraceEventType{store.inserted[0].Type, store.inserted[1].Type}
	store.mu.Unlock()
	if types[0] != model.TracePipelineStart || types[1] != model.TraceStageStart {
		t.Fatalf("recovered order = %v", types)
	}
	drainBuffer(t, buf2)

	// Third life: the flush checkpointed the WAL, so nothing replays.
	wal3, err := OpenWAL(dir, testLogger(), 0, SyncBatch)
	if err != nil {
		t.Fatalf("third open: %v", err)
	}
	records, err := wal3.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("recovered %d records after checkpoint, want 0", len(records))
	}
	wal3.Close()
}
