// Package resilience classifies outbound-call failures and wraps model
// calls with retry, per-model circuit breaking, and an ordered fallback
// chain. Classification decides handling: only transient, server, and
// timeout failures are worth retrying; client and unknown failures
// surface immediately.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Class buckets an outbound-call failure by handling strategy.
type Class string

const (
	// ClassTransient covers rate limiting and flaky network paths.
	ClassTransient Class = "transient"
	// ClassServer covers 5xx responses from the provider.
	ClassServer Class = "server"
	// ClassTimeout covers exceeded deadlines, retryable with backoff.
	ClassTimeout Class = "timeout"
	// ClassClient covers 4xx responses; retrying cannot help.
	ClassClient Class = "client"
	// ClassUnknown covers everything unclassified; not retried.
	ClassUnknown Class = "unknown"
)

// StatusError carries the numeric status code from a provider response.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Classify buckets err. A structured status code wins; otherwise typed
// timeouts, then substring matching for untyped provider errors.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == 429:
			return ClassTransient
		case se.Code >= 400 && se.Code < 500:
			return ClassClient
		case se.Code >= 500 && se.Code < 600:
			return ClassServer
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ClassTimeout
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit"):
		return ClassTransient
	case containsAny(msg, "500", "502", "503", "504"):
		return ClassServer
	case strings.Contains(msg, "econnrefused") || strings.Contains(msg, "connection"):
		return ClassTransient
	case containsAny(msg, "400", "401", "403", "404"):
		return ClassClient
	}

	return ClassUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err's class supports retry.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassServer, ClassTimeout:
		return true
	default:
		return false
	}
}

// IsRateLimit reports provider backpressure. Rate limiting is retried
// in place and never counted as a circuit breaker failure, since it
// signals load rather than a broken provider.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit")
}
