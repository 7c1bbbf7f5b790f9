// Package progress implements per-run progress streaming with replay.
//
// Each run key owns an append-only log of envelopes closed by an explicit
// completion marker. Subscribers attach at any time: each one first
// replays the full log in publish order, then receives live events, and
// its stream ends once the run has completed and the subscriber has
// drained the log. Nothing is ever dropped; the log is retained after
// completion until the producer releases the channel, so a consumer that
// attaches after the run finished still sees the whole history.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/telemetry"
)

// Envelope kinds on the wire.
const (
	EventStage    = "stage"
	EventComplete = "complete"
	EventError    = "error"
	EventPaused   = "paused"
)

// Envelope is one server-sent event: a kind plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// StageEnvelope wraps a StageEvent for the wire.
func StageEnvelope(ev model.StageEvent) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("progress: marshal stage event: %w", err)
	}
	return Envelope{Event: EventStage, Data: data}, nil
}

// CompleteEnvelope wraps the final run summary for the wire.
func CompleteEnvelope(summary any) (Envelope, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return Envelope{}, fmt.Errorf("progress: marshal completion: %w", err)
	}
	return Envelope{Event: EventComplete, Data: data}, nil
}

// ErrorEnvelope wraps a terminal error message for the wire.
func ErrorEnvelope(msg string) Envelope {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return Envelope{Event: EventError, Data: data}
}

// channel is the state for one run key.
type channel struct {
	mu        sync.Mutex
	history   []Envelope
	completed bool
	changed   chan struct{} // closed and replaced on every append/complete
}

func newChannel() *channel {
	return &channel{changed: make(chan struct{})}
}

// Hub manages progress channels for all runs in the process.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel
	logger   *slog.Logger
}

// NewHub creates a Hub and registers its gauge.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		channels: make(map[string]*channel),
		logger:   logger,
	}

	meter := telemetry.Meter("kaiseki/progress")
	_, _ = meter.Int64ObservableGauge("kaiseki.progress.channels",
		metric.WithDescription("Number of live progress channels"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.ChannelCount()))
			return nil
		}),
	)
	return h
}

// CreateChannel opens (or resets) the channel for key. A fresh run
// always starts with an empty log.
func (h *Hub) CreateChannel(key string) {
	h.mu.Lock()
	h.channels[key] = newChannel()
	h.mu.Unlock()
}

// Publish appends an envelope to key's log and wakes subscribers.
// Publishing to a key without a channel is a no-op.
func (h *Hub) Publish(key string, env Envelope) {
	c := h.lookup(key)
	if c == nil {
		h.logger.Debug("progress: publish to missing channel", "key", key, "event", env.Event)
		return
	}
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		h.logger.Warn("progress: publish after complete dropped", "key", key, "event", env.Event)
		return
	}
	c.history = append(c.history, env)
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// Complete closes key's log. Subscribers finish once they drain it.
// The log itself is retained until Release.
func (h *Hub) Complete(key string) {
	c := h.lookup(key)
	if c == nil {
		return
	}
	c.mu.Lock()
	if !c.completed {
		c.completed = true
		close(c.changed)
		c.changed = make(chan struct{})
	}
	c.mu.Unlock()
}

// Release discards key's channel and its history. Channels still in
// flight are left alone, so a consumer that drained an old run cannot
// drop the log of a newer one that reused the key.
func (h *Hub) Release(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[key]
	if !ok {
		return
	}
	c.mu.Lock()
	completed := c.completed
	c.mu.Unlock()
	if completed {
		delete(h.channels, key)
	}
}

// Subscribe attaches to key's channel. The returned channel yields the
// full history from the beginning, then live events, and closes after
// the run completes and all events have been delivered, or when ctx
// ends. Returns false if no channel exists for key.
func (h *Hub) Subscribe(ctx context.Context, key string) (<-chan Envelope, bool) {
	c := h.lookup(key)
	if c == nil {
		return nil, false
	}

	out := make(chan Envelope)
	go func() {
		defer close(out)
		cursor := 0
		for {
			c.mu.Lock()
			pending := c.history[cursor:]
			completed := c.completed
			changed := c.changed
			c.mu.Unlock()

			for _, env := range pending {
				select {
				case out <- env:
					cursor++
				case <-ctx.Done():
					return
				}
			}
			if completed && len(pending) == 0 {
				return
			}
			if completed {
				// Drained this batch; re-check for a race with the
				// final publish before ending the stream.
				continue
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, true
}

// ChannelCount reports the number of live channels.
func (h *Hub) ChannelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

func (h *Hub) lookup(key string) *channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels[key]
}
