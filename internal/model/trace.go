package model

import "time"

// TraceEventType is the kind of a trace event.
type TraceEventType string

const (
	TracePipelineStart TraceEventType = "pipeline_start"
	TracePipelineEnd   TraceEventType = "pipeline_end"
	TracePhaseStart    TraceEventType = "phase_start"
	TracePhaseEnd      TraceEventType = "phase_end"
	TraceStageStart    TraceEventType = "stage_start"
	TraceStageEnd      TraceEventType = "stage_end"
	TraceModelCall     TraceEventType = "llm_call"
	TraceError         TraceEventType = "error"
)

// TraceCategory groups trace events by pipeline concern.
type TraceCategory string

const (
	CategoryPipeline   TraceCategory = "pipeline"
	CategoryAnalysis   TraceCategory = "analysis"
	CategoryLLM        TraceCategory = "llm"
	CategoryQuality    TraceCategory = "quality"
	CategoryGeneration TraceCategory = "generation"
)

// TraceEvent is an immutable, identity-less observability record.
// Many events share a trace_id; ordering within a trace is by timestamp.
type TraceEvent struct {
	Type      TraceEventType `json:"type"`
	TraceID   string         `json:"trace_id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  TraceCategory  `json:"category"`
	Data      map[string]any `json:"data,omitempty"`
}

// TraceCost accumulates model spend for one trace.
type TraceCost struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
	CallCount    int     `json:"call_count"`
}
