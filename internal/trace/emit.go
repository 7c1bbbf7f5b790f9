package trace

import (
	"context"
	"time"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// Emitter binds a dispatcher to a single trace so call sites emit
// events without threading the trace ID through every signature.
type Emitter struct {
	d       *Dispatcher
	traceID string
}

// NewEmitter creates an emitter for one trace.
func NewEmitter(d *Dispatcher, traceID string) *Emitter {
	return &Emitter{d: d, traceID: traceID}
}

// TraceID returns the trace this emitter is bound to.
func (e *Emitter) TraceID() string { return e.traceID }

func (e *Emitter) emit(ctx context.Context, typ model.TraceEventType, cat model.TraceCategory, data map[string]any) {
	e.d.Emit(ctx, model.TraceEvent{
		Type:      typ,
		TraceID:   e.traceID,
		Timestamp: time.Now().UTC(),
		Category:  cat,
		Data:      data,
	})
}

// PipelineStart marks the beginning of a run.
func (e *Emitter) PipelineStart(ctx context.Context, projectID string) {
	e.emit(ctx, model.TracePipelineStart, model.CategoryPipeline, map[string]any{
		"project_id": projectID,
	})
}

// PipelineEnd marks run completion, successful or not.
func (e *Emitter) PipelineEnd(ctx context.Context, duration time.Duration, success bool) {
	e.emit(ctx, model.TracePipelineEnd, model.CategoryPipeline, map[string]any{
		"duration_ms": duration.Milliseconds(),
		"success":     success,
	})
}

// PhaseStart marks entry into a named phase of the run.
func (e *Emitter) PhaseStart(ctx context.Context, phase string) {
	e.emit(ctx, model.TracePhaseStart, model.CategoryPipeline, map[string]any{
		"phase": phase,
	})
}

// PhaseEnd marks exit from a named phase.
func (e *Emitter) PhaseEnd(ctx context.Context, phase string, duration time.Duration) {
	e.emit(ctx, model.TracePhaseEnd, model.CategoryPipeline, map[string]any{
		"phase":       phase,
		"duration_ms": duration.Milliseconds(),
	})
}

// StageStart marks the beginning of a pipeline stage.
func (e *Emitter) StageStart(ctx context.Context, stage string) {
	e.emit(ctx, model.TraceStageStart, model.CategoryPipeline, map[string]any{
		"stage": stage,
	})
}

// StageEnd marks stage completion. A non-nil err records the truncated
// failure message alongside ok=false.
func (e *Emitter) StageEnd(ctx context.Context, stage string, duration time.Duration, err error) {
	data := map[string]any{
		"stage":       stage,
		"duration_ms": duration.Milliseconds(),
		"ok":          err == nil,
	}
	if err != nil {
		data["error"] = model.TruncateError(err.Error())
	}
	e.emit(ctx, model.TraceStageEnd, model.CategoryPipeline, data)
}

// ModelCall records a single model invocation with its token usage and
// estimated cost in dollars.
func (e *Emitter) ModelCall(ctx context.Context, modelName string, inputTokens, outputTokens int, duration time.Duration, cost float64) {
	e.emit(ctx, model.TraceModelCall, model.CategoryLLM, map[string]any{
		"model":         modelName,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"duration_ms":   duration.Milliseconds(),
		"cost":          cost,
	})
}

// Error records a component failure that did not end the run.
func (e *Emitter) Error(ctx context.Context, component string, err error) {
	e.emit(ctx, model.TraceError, model.CategoryPipeline, map[string]any{
		"component": component,
		"message":   model.TruncateError(err.Error()),
	})
}
