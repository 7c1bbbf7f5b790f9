// Package llm calls Gemini models for chunk analysis and section drafting.
//
// Client implements resilience.Transport: one provider call per invocation,
// failures surfaced as resilience.StatusError where an HTTP status is known
// so the caller's retry, breaker, and fallback policy can classify them.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ashita-ai/kaiseki/internal/resilience"
)

// MaxOutputTokens caps generation length so long section drafts fail loudly
// instead of truncating mid-sentence at the provider default.
const MaxOutputTokens = 4096

// callTemperature keeps extraction output stable across retries.
const callTemperature = 0.1

// Client is a Gemini-backed transport shared by all pipeline stages.
type Client struct {
	genai  *genai.Client
	logger *slog.Logger
}

// NewClient dials the Gemini API. The caller owns Close.
func NewClient(ctx context.Context, apiKey string, logger *slog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	gc, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("llm: create client: %w", err)
	}
	return &Client{genai: gc, logger: logger}, nil
}

// Call implements resilience.Transport.
func (c *Client) Call(ctx context.Context, model string, req resilience.Request) (resilience.Response, error) {
	gm := c.genai.GenerativeModel(model)
	gm.SetTemperature(callTemperature)
	gm.SetMaxOutputTokens(MaxOutputTokens)
	if req.JSONMode {
		gm.ResponseMIMEType = "application/json"
	}

	system, parts := splitMessages(req.Messages)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(parts) == 0 {
		return resilience.Response{}, fmt.Errorf("llm: %s: request has no user content", model)
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := gm.GenerateContent(callCtx, parts...)
	if err != nil {
		return resilience.Response{}, wrapCallError(model, err)
	}

	text, err := extractText(resp)
	if err != nil {
		return resilience.Response{}, fmt.Errorf("llm: %s: %w", model, err)
	}

	out := resilience.Response{Content: text, Model: model}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	c.logger.Debug("llm: call completed",
		"model", model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if err := c.genai.Close(); err != nil {
		return fmt.Errorf("llm: close client: %w", err)
	}
	return nil
}

// splitMessages separates the system prompt from user turns. Gemini takes
// the system prompt as a dedicated instruction rather than a message role.
func splitMessages(msgs []resilience.Message) (string, []genai.Part) {
	var system []string
	var parts []genai.Part
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		parts = append(parts, genai.Text(m.Content))
	}
	return strings.Join(system, "\n\n"), parts
}

// wrapCallError attaches the HTTP status when the provider reported one.
func wrapCallError(model string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return fmt.Errorf("llm: %s: %w", model, &resilience.StatusError{Code: gerr.Code, Err: err})
	}
	return fmt.Errorf("llm: %s: call: %w", model, err)
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("response has no candidates")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return "", fmt.Errorf("candidate has no content (finish reason %v)", cand.FinishReason)
	}
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("candidate has no text parts (finish reason %v)", cand.FinishReason)
	}
	return sb.String(), nil
}
