package trace

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// ConsoleHandler writes every event to the structured log. Intended for
// development; production deployments rely on the store and OTEL sinks.
type ConsoleHandler struct {
	logger *slog.Logger
}

// NewConsoleHandler creates a console sink over logger.
func NewConsoleHandler(logger *slog.Logger) *ConsoleHandler {
	return &ConsoleHandler{logger: logger}
}

func (h *ConsoleHandler) Name() string { return "console" }

func (h *ConsoleHandler) Handle(_ context.Context, ev model.TraceEvent) error {
	h.logger.Info("trace: event",
		"type", ev.Type,
		"trace_id", ev.TraceID,
		"category", ev.Category,
		"data", ev.Data,
	)
	return nil
}

// CostAggregator accumulates model token usage and spend per trace. It
// only reacts to llm_call events and ignores everything else.
type CostAggregator struct {
	mu    sync.Mutex
	costs map[string]*model.TraceCost
}

// NewCostAggregator creates an empty aggregator.
func NewCostAggregator() *CostAggregator {
	return &CostAggregator{costs: make(map[string]*model.TraceCost)}
}

func (c *CostAggregator) Name() string { return "cost_aggregator" }

func (c *CostAggregator) Handle(_ context.Context, ev model.TraceEvent) error {
	if ev.Type != model.TraceModelCall {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cost, ok := c.costs[ev.TraceID]
	if !ok {
		cost = &model.TraceCost{}
		c.costs[ev.TraceID] = cost
	}
	cost.InputTokens += dataInt(ev.Data, "input_tokens")
	cost.OutputTokens += dataInt(ev.Data, "output_tokens")
	cost.TotalCost += dataFloat(ev.Data, "cost")
	cost.CallCount++
	return nil
}

// Cost returns the accumulated spend for one trace.
func (c *CostAggregator) Cost(traceID string) (model.TraceCost, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cost, ok := c.costs[traceID]
	if !ok {
		return model.TraceCost{}, false
	}
	return *cost, true
}

// AllCosts returns a copy of every per-trace total.
func (c *CostAggregator) AllCosts() map[string]model.TraceCost {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.TraceCost, len(c.costs))
	for id, cost := range c.costs {
		out[id] = *cost
	}
	return out
}

// Event data is built in process with int values but round-trips through
// JSON as float64 when replayed from the WAL, so both shapes must parse.
func dataInt(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func dataFloat(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
