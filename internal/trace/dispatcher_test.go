package trace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashita-ai/kaiseki/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingHandler captures delivered events and can be told to fail or
// panic to exercise dispatcher isolation.
type recordingHandler struct {
	name    string
	failErr error
	panics  bool

	mu     sync.Mutex
	events []model.TraceEvent
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(_ context.Context, ev model.TraceEvent) error {
	if h.panics {
		panic("handler exploded")
	}
	if h.failErr != nil {
		return h.failErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHandler) recorded() []model.TraceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.TraceEvent, len(h.events))
	copy(out, h.events)
	return out
}

func TestDispatcherRegisterDedupesByName(t *testing.T) {
	d := NewDispatcher(testLogger())

	d.Register(&recordingHandler{name: "console"})
	d.Register(&recordingHandler{name: "console"})
	if got := d.HandlerCount(); got != 1 {
		t.Fatalf("HandlerCount after duplicate register = %d, want 1", got)
	}

	d.Register(&recordingHandler{name: "cost_aggregator"})
	if got := d.HandlerCount(); got != 2 {
		t.Fatalf("HandlerCount = %d, want 2", got)
	}
}

func TestDispatcherDeliversToAllHandlers(t *testing.T) {
	d := NewDispatcher(testLogger())
	h1 := &recordingHandler{name: "a"}
	h2 := &recordingHandler{name: "b"}
	d.Register(h1)
	d.Register(h2)

	for i := 0; i < 3; i++ {
		d.Emit(context.Background(), model.TraceEvent{
			Type:    model.TraceStageStart,
			TraceID: "pipeline_x",
		})
	}

	for _, h := range []*recordingHandler{h1, h2} {
		if got := len(h.recorded()); got != 3 {
			t.Fatalf("handler %q received %d events, want 3", h.name, got)
		}
	}
}

func TestDispatcherIsolatesFailingHandler(t *testing.T) {
	d := NewDispatcher(testLogger())
	failing := &recordingHandler{name: "broken", failErr: errors.New("sink down")}
	healthy := &recordingHandler{name: "healthy"}
	d.Register(failing)
	d.Register(healthy)

	d.Emit(context.Background(), model.TraceEvent{Type: model.TraceError, TraceID: "t"})

	if got := len(healthy.recorded()); got != 1 {
		t.Fatalf("healthy handler received %d events, want 1", got)
	}
}

func TestDispatcherIsolatesPanickingHandler(t *testing.T) {
	d := NewDispatcher(testLogger())
	d.Register(&recordingHandler{name: "bomb", panics: true})
	healthy := &recordingHandler{name: "healthy"}
	d.Register(healthy)

	// Must not propagate the panic to the emitter.
	d.Emit(context.Background(), model.TraceEvent{Type: model.TracePipelineStart, TraceID: "t"})

	if got := len(healthy.recorded()); got != 1 {
		t.Fatalf("healthy handler received %d events, want 1", got)
	}
}

func TestDispatcherFillsZeroTimestamp(t *testing.T) {
	d := NewDispatcher(testLogger())
	h := &recordingHandler{name: "h"}
	d.Register(h)

	d.Emit(context.Background(), model.TraceEvent{Type: model.TraceError, TraceID: "t"})

	events := h.recorded()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	if events[0].Timestamp.IsZero() {
		t.Fatal("dispatcher left Timestamp zero")
	}
}

func TestEmitterStageEndPayload(t *testing.T) {
	d := NewDispatcher(testLogger())
	h := &recordingHandler{name: "h"}
	d.Register(h)
	em := NewEmitter(d, "pipeline_abc123")

	em.StageEnd(context.Background(), "static_analysis", 1500*time.Millisecond, nil)
	em.StageEnd(context.Background(), "llm_analysis", 2*time.Second, errors.New("model timeout"))

	events := h.recorded()
	if len(events) != 2 {
		t.Fatalf("received %d events, want 2", len(events))
	}

	ok := events[0]
	if ok.Type != model.TraceStageEnd || ok.Category != model.CategoryPipeline {
		t.Fatalf("event 0 type/category = %s/%s", ok.Type, ok.Category)
	}
	if ok.TraceID != "pipeline_abc123" {
		t.Fatalf("TraceID = %q", ok.TraceID)
	}
	if ok.Data["stage"] != "static_analysis" || ok.Data["ok"] != true {
		t.Fatalf("ok payload = %v", ok.Data)
	}
	if ok.Data["duration_ms"] != int64(1500) {
		t.Fatalf("duration_ms = %v", ok.Data["duration_ms"])
	}
	if _, present := ok.Data["error"]; present {
		t.Fatal("successful stage_end must not carry an error key")
	}

	failed := events[1]
	if failed.Data["ok"] != false {
		t.Fatalf("failed payload ok = %v", failed.Data["ok"])
	}
	if failed.Data["error"] != "model timeout" {
		t.Fatalf("failed payload error = %v", failed.Data["error"])
	}
}

func TestEmitterModelCallPayload(t *testing.T) {
	d := NewDispatcher(testLogger())
	h := &recordingHandler{name: "h"}
	d.Register(h)
	em := NewEmitter(d, "pipeline_abc123")

	em.ModelCall(context.Background(), "gemini-2.0-flash", 1200, 340, 800*time.Millisecond, 0.0042)

	events := h.recorded()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != model.TraceModelCall || ev.Category != model.CategoryLLM {
		t.Fatalf("type/category = %s/%s", ev.Type, ev.Category)
	}
	want := map[string]any{
		"model":         "gemini-2.0-flash",
		"input_tokens":  1200,
		"output_tokens": 340,
		"duration_ms":   int64(800),
		"cost":          0.0042,
	}
	for key, val := range want {
		if ev.Data[key] != val {
			t.Errorf("Data[%q] = %v, want %v", key, ev.Data[key], val)
		}
	}
}

func TestEmitterErrorTruncatesMessage(t *testing.T) {
	d := NewDispatcher(testLogger())
	h := &recordingHandler{name: "h"}
	d.Register(h)
	em := NewEmitter(d, "t")

	em.Error(context.Background(), "embedding", errors.New(strings.Repeat("x", 500)))

	events := h.recorded()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	msg, _ := events[0].Data["message"].(string)
	if len(msg) != model.ErrorTruncationChars {
		t.Fatalf("message length = %d, want %d", len(msg), model.ErrorTruncationChars)
	}
	if events[0].Data["component"] != "embedding" {
		t.Fatalf("component = %v", events[0].Data["component"])
	}
}
