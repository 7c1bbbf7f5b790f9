package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Retry tuning for rate-limited calls: jittered exponential backoff so
// concurrent chunks do not retry in lockstep.
const (
	RetryMaxAttempts = 3
	RetryInitialWait = 2 * time.Second
	RetryMaxWait     = 30 * time.Second
)

// Retry executes fn up to maxAttempts times, sleeping with jittered
// exponential backoff between attempts that fail shouldRetry-positive.
func Retry(ctx context.Context, maxAttempts int, initialWait, maxWait time.Duration, shouldRetry func(error) bool, fn func(context.Context) error) error {
	wait := initialWait
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !shouldRetry(err) || attempt == maxAttempts {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(wait))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait + jitter):
		}
		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
	return err
}

// Message is one chat turn sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one outbound model call.
type Request struct {
	Messages []Message
	Timeout  time.Duration
	JSONMode bool
}

// Response carries the content and token usage of a successful call.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Transport performs the raw model call. Errors may carry a StatusError
// for structured classification.
type Transport interface {
	Call(ctx context.Context, model string, req Request) (Response, error)
}

// ErrNoResult reports an exhausted fallback chain. Callers treat it as
// "produce the non-model default", not as a failure to propagate.
var ErrNoResult = errors.New("resilience: all models in chain failed")

// Caller wraps a transport with per-model circuit breaking, rate-limit
// retry, response validation, and an ordered fallback chain.
type Caller struct {
	transport Transport
	chain     []string
	breakers  *Registry
	validate  func(Response) error
	logger    *slog.Logger

	retryAttempts int
	retryWait     time.Duration
	retryMaxWait  time.Duration
}

// NewCaller creates a caller trying chain's models in order. validate
// may be nil to accept any response.
func NewCaller(transport Transport, chain []string, breakers *Registry, validate func(Response) error, logger *slog.Logger) *Caller {
	return &Caller{
		transport:     transport,
		chain:         chain,
		breakers:      breakers,
		validate:      validate,
		logger:        logger,
		retryAttempts: RetryMaxAttempts,
		retryWait:     RetryInitialWait,
		retryMaxWait:  RetryMaxWait,
	}
}

// Call runs req against one model, guarded by that model's breaker and
// retrying rate limits in place. Rate-limit failures never count toward
// the breaker.
func (c *Caller) Call(ctx context.Context, model string, req Request) (Response, error) {
	br := c.breakers.For(model)
	if err := br.Allow(); err != nil {
		return Response{}, err
	}

	var resp Response
	err := Retry(ctx, c.retryAttempts, c.retryWait, c.retryMaxWait, IsRateLimit, func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.transport.Call(ctx, model, req)
		return callErr
	})
	if err != nil {
		if !IsRateLimit(err) {
			br.RecordFailure()
		}
		return Response{}, err
	}
	br.RecordSuccess()
	return resp, nil
}

// CallWithFallback tries each model in the chain in order. A model whose
// breaker is open, whose call fails, or whose response fails validation
// is logged and skipped. An exhausted chain returns ErrNoResult so the
// caller can fall back to a non-model default instead of failing.
func (c *Caller) CallWithFallback(ctx context.Context, req Request) (Response, error) {
	for _, model := range c.chain {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}

		resp, err := c.Call(ctx, model, req)
		if err != nil {
			if IsBreakerOpen(err) {
				c.logger.Warn("resilience: circuit open, trying next model", "model", model)
			} else {
				c.logger.Warn("resilience: model call failed, trying next model",
					"model", model, "class", Classify(err), "error", err)
			}
			continue
		}

		if c.validate != nil {
			if verr := c.validate(resp); verr != nil {
				c.logger.Warn("resilience: response failed validation, trying next model",
					"model", model, "error", verr)
				continue
			}
		}
		return resp, nil
	}
	return Response{}, ErrNoResult
}
