package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/telemetry"
)

// OTELHandler mirrors trace events into OpenTelemetry counters so
// dashboards see event volume and model spend without querying the store.
type OTELHandler struct {
	events metric.Int64Counter
	tokens metric.Int64Counter
	spend  metric.Float64Counter
}

// NewOTELHandler registers the trace instruments on the global meter.
func NewOTELHandler() (*OTELHandler, error) {
	meter := telemetry.Meter("kaiseki/trace")

	events, err := meter.Int64Counter("kaiseki.trace.events",
		metric.WithDescription("Trace events emitted, by type and category."))
	if err != nil {
		return nil, fmt.Errorf("trace: register events counter: %w", err)
	}
	tokens, err := meter.Int64Counter("kaiseki.llm.tokens",
		metric.WithDescription("Model tokens consumed, by model and direction."))
	if err != nil {
		return nil, fmt.Errorf("trace: register tokens counter: %w", err)
	}
	spend, err := meter.Float64Counter("kaiseki.llm.cost_dollars",
		metric.WithDescription("Estimated model spend in dollars, by model."))
	if err != nil {
		return nil, fmt.Errorf("trace: register spend counter: %w", err)
	}

	return &OTELHandler{events: events, tokens: tokens, spend: spend}, nil
}

func (h *OTELHandler) Name() string { return "otel" }

func (h *OTELHandler) Handle(ctx context.Context, ev model.TraceEvent) error {
	h.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(ev.Type)),
		attribute.String("category", string(ev.Category)),
	))

	if ev.Type != model.TraceModelCall {
		return nil
	}
	modelName, _ := ev.Data["model"].(string)
	modelAttr := attribute.String("model", modelName)
	h.tokens.Add(ctx, int64(dataInt(ev.Data, "input_tokens")), metric.WithAttributes(
		modelAttr, attribute.String("direction", "input")))
	h.tokens.Add(ctx, int64(dataInt(ev.Data, "output_tokens")), metric.WithAttributes(
		modelAttr, attribute.String("direction", "output")))
	h.spend.Add(ctx, dataFloat(ev.Data, "cost"), metric.WithAttributes(modelAttr))
	return nil
}
