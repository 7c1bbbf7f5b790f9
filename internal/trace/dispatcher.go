// Package trace fans out structured trace events to pluggable sinks and
// provides the buffered, WAL-backed ingestion path that persists them.
//
// Delivery is best-effort: a sink that fails is logged and skipped so
// observability problems never surface into the pipeline that produced
// the event.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// Handler consumes trace events. Implementations must be safe for
// concurrent use; Handle is called from whatever goroutine emits.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev model.TraceEvent) error
}

// Dispatcher delivers every emitted event to all registered handlers.
type Dispatcher struct {
	mu       sync.Mutex
	handlers []Handler
	names    map[string]bool
	logger   *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		names:  make(map[string]bool),
		logger: logger,
	}
}

// Register adds a handler. Re-registering a name is a no-op, so wiring
// code can call it unconditionally without duplicating delivery.
func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.names[h.Name()] {
		d.logger.Debug("trace: handler already registered", "handler", h.Name())
		return
	}
	d.names[h.Name()] = true
	d.handlers = append(d.handlers, h)
}

// Emit delivers ev to every handler. A handler error or panic is logged
// and skipped; remaining handlers still receive the event and the caller
// never sees a failure.
func (d *Dispatcher) Emit(ctx context.Context, ev model.TraceEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	d.mu.Lock()
	snapshot := make([]Handler, len(d.handlers))
	copy(snapshot, d.handlers)
	d.mu.Unlock()

	for _, h := range snapshot {
		d.deliver(ctx, h, ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, h Handler, ev model.TraceEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("trace: handler panicked",
				"handler", h.Name(), "event_type", ev.Type, "panic", r)
		}
	}()
	if err := h.Handle(ctx, ev); err != nil {
		d.logger.Warn("trace: handler failed",
			"handler", h.Name(), "event_type", ev.Type, "error", err)
	}
}

// HandlerCount reports the current registration count.
func (d *Dispatcher) HandlerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}
