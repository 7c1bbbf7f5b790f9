package kaiseki

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Progress event kinds delivered by Events.
const (
	EventStage    = "stage"
	EventComplete = "complete"
	EventError    = "error"
	EventPaused   = "paused"
)

// ProgressEvent is one envelope from a run's event stream.
type ProgressEvent struct {
	// Event is the envelope kind: "stage", "complete", "error" or "paused".
	Event string

	// Data is the event-specific JSON payload.
	Data json.RawMessage
}

// Stage decodes the payload of a "stage" event.
func (e ProgressEvent) Stage() (StageEvent, error) {
	var ev StageEvent
	if e.Event != EventStage {
		return ev, fmt.Errorf("kaiseki: %q event carries no stage payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return ev, fmt.Errorf("kaiseki: decode stage event: %w", err)
	}
	return ev, nil
}

// Summary decodes the payload of a "complete" event.
func (e ProgressEvent) Summary() (RunResult, error) {
	var res RunResult
	if e.Event != EventComplete {
		return res, fmt.Errorf("kaiseki: %q event carries no summary payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, &res); err != nil {
		return res, fmt.Errorf("kaiseki: decode completion summary: %w", err)
	}
	return res, nil
}

// EventStream reads a run's server-sent progress events. Streams replay
// everything the run has published so far, then follow live events; a
// consumer that attaches after the run finished still receives the full
// event log. The stream ends after the terminal "complete" or "error"
// envelope has been delivered.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Events opens the progress stream for a project's active (or just
// finished) run. Returns a NOT_FOUND error when the project has no
// retained event log. The caller must Close the stream; cancelling ctx
// also tears it down.
func (c *Client) Events(ctx context.Context, projectID string) (*EventStream, error) {
	path := "/v1/projects/" + url.PathEscape(projectID) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("kaiseki: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kaiseki: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 400 {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("kaiseki: read response body: %w", readErr)
		}
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &EventStream{body: resp.Body, scanner: scanner}, nil
}

// Next returns the next event. It blocks until an event arrives, the
// server closes the stream (io.EOF), or the request context is
// cancelled. Keepalive comments are consumed transparently.
func (s *EventStream) Next() (ProgressEvent, error) {
	var ev ProgressEvent
	seen := false

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Blank line terminates a frame.
		if line == "" {
			if seen {
				return ev, nil
			}
			continue
		}
		// Comment lines carry the server's keepalive ticks.
		if strings.HasPrefix(line, ":") {
			continue
		}

		if value, ok := strings.CutPrefix(line, "event:"); ok {
			ev.Event = strings.TrimSpace(value)
			seen = true
		} else if value, ok := strings.CutPrefix(line, "data:"); ok {
			ev.Data = json.RawMessage(strings.TrimSpace(value))
			seen = true
		}
	}

	if err := s.scanner.Err(); err != nil {
		return ProgressEvent{}, fmt.Errorf("kaiseki: read event stream: %w", err)
	}
	// A final frame without a trailing blank line still counts.
	if seen {
		return ev, nil
	}
	return ProgressEvent{}, io.EOF
}

// Close releases the underlying connection. Safe to call more than once.
func (s *EventStream) Close() error {
	return s.body.Close()
}
