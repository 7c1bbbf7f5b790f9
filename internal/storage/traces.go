package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// InsertTraceEvents inserts trace events using the COPY protocol for high
// throughput. This is the flush target of the trace buffer, so it favors
// raw insert speed over per-row error granularity.
func (db *DB) InsertTraceEvents(ctx context.Context, events []model.TraceEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"trace_id", "type", "category", "occurred_at", "data"}

	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{
			e.TraceID,
			string(e.Type),
			string(e.Category),
			e.Timestamp,
			e.Data,
		}
	}

	// Dedicated 30s COPY timeout prevents a hung Postgres from blocking
	// the buffer flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"trace_events"},
		columns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy trace events: %w", err)
	}
	return copyCount, nil
}

// TraceEventsByTraceID retrieves a trace's events in occurrence order.
// The limit parameter caps the number of rows returned; if limit <= 0,
// it defaults to 10000.
func (db *DB) TraceEventsByTraceID(ctx context.Context, traceID string, limit int) ([]model.TraceEvent, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT trace_id, type, category, occurred_at, data
		 FROM trace_events WHERE trace_id = $1
		 ORDER BY occurred_at ASC
		 LIMIT $2`, traceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: trace events by trace: %w", err)
	}
	defer rows.Close()

	var events []model.TraceEvent
	for rows.Next() {
		var e model.TraceEvent
		if err := rows.Scan(&e.TraceID, &e.Type, &e.Category, &e.Timestamp, &e.Data); err != nil {
			return nil, fmt.Errorf("storage: scan trace event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// TraceCosts aggregates model spend across every llm_call event in a trace.
// Token counts and cost live in the event data payload, so the aggregation
// casts JSONB fields; events missing a field contribute zero.
func (db *DB) TraceCosts(ctx context.Context, traceID string) (model.TraceCost, error) {
	var c model.TraceCost
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM((data->>'input_tokens')::bigint), 0),
		        COALESCE(SUM((data->>'output_tokens')::bigint), 0),
		        COALESCE(SUM((data->>'cost')::float8), 0),
		        COUNT(*)
		 FROM trace_events
		 WHERE trace_id = $1 AND type = 'llm_call'`, traceID,
	).Scan(&c.InputTokens, &c.OutputTokens, &c.TotalCost, &c.CallCount)
	if err != nil {
		return model.TraceCost{}, fmt.Errorf("storage: trace costs: %w", err)
	}
	return c, nil
}

// CostSummary is a per-model slice of a trace's total spend.
type CostSummary struct {
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
	CallCount    int     `json:"call_count"`
}

// TraceCostsByModel breaks a trace's spend down per model, most expensive
// first.
func (db *DB) TraceCostsByModel(ctx context.Context, traceID string) ([]CostSummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT COALESCE(data->>'model', 'unknown'),
		        COALESCE(SUM((data->>'input_tokens')::bigint), 0),
		        COALESCE(SUM((data->>'output_tokens')::bigint), 0),
		        COALESCE(SUM((data->>'cost')::float8), 0),
		        COUNT(*)
		 FROM trace_events
		 WHERE trace_id = $1 AND type = 'llm_call'
		 GROUP BY data->>'model'
		 ORDER BY SUM((data->>'cost')::float8) DESC`, traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: trace costs by model: %w", err)
	}
	defer rows.Close()

	var summaries []CostSummary
	for rows.Next() {
		var s CostSummary
		if err := rows.Scan(&s.Model, &s.InputTokens, &s.OutputTokens, &s.TotalCost, &s.CallCount); err != nil {
			return nil, fmt.Errorf("storage: scan cost summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}
