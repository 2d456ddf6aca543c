// Package stream implements the server-push adapter attached to a route's
// response: event-framed (SSE) and newline-delimited JSON framing, with
// schema-validated payloads and deterministic error termination.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/relaysys/fabric/pkg/schema"
)

// Format selects the wire framing a Stream writes.
type Format string

const (
	FormatEventFramed Format = "event-framed"
	FormatNDJSON       Format = "ndjson"
)

// SendOptions customizes one frame. Only meaningful for FormatEventFramed.
type SendOptions struct {
	Event   string
	ID      string
	RetryMS int
}

// Stream writes framed payloads to an underlying writer and tracks whether
// it has been closed, so a handler can't write after the connection ends.
type Stream struct {
	format Format
	schema schema.Schema
	w      *bufio.Writer

	mu           sync.Mutex
	closed       bool
	disconnected bool
}

// New wraps w for writing frames of format, validating each payload against
// sch if sch is non-zero.
func New(w *bufio.Writer, format Format, sch schema.Schema) *Stream {
	return &Stream{format: format, schema: sch, w: w}
}

// ContentType returns the header value a route should set for format,
// given the declared response schema (object/array schemas get the
// structured content type; everything else gets a plain one).
func ContentType(format Format, sch schema.Schema) string {
	switch format {
	case FormatNDJSON:
		if sch.IsZero() {
			return "text/plain; charset=utf-8"
		}
		return "application/x-ndjson; charset=utf-8"
	default:
		return "text/event-stream"
	}
}

// Send validates payload against the declared schema, serializes it, writes
// one frame, and flushes. Once the stream has been marked disconnected
// (Disconnect, or a prior write that failed), Send is a no-op returning
// nil: the upstream client is already gone, so there is nothing left to
// report the failure to.
func (s *Stream) Send(payload any, opts ...SendOptions) error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("stream: write after close")
	}
	s.mu.Unlock()

	if !s.schema.IsZero() {
		if _, err := s.schema.Validate(payload); err != nil {
			return err
		}
	}

	data, err := serialize(payload)
	if err != nil {
		return err
	}

	if err := s.write(data, opts...); err != nil {
		s.Disconnect()
		return err
	}
	return nil
}

func (s *Stream) write(data []byte, opts ...SendOptions) error {
	if s.format == FormatNDJSON {
		if _, err := s.w.Write(data); err != nil {
			return err
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
		return s.w.Flush()
	}

	var o SendOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", o.Event); err != nil {
			return err
		}
	}
	if o.ID != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", o.ID); err != nil {
			return err
		}
	}
	if o.RetryMS > 0 {
		if _, err := fmt.Fprintf(s.w, "retry: %d\n", o.RetryMS); err != nil {
			return err
		}
	}
	for _, line := range strings.Split(string(data), "\n") {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := s.w.WriteString("\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

// Disconnect marks the stream closed because the upstream client went away
// (spec §4.3: "On upstream client disconnect, the adapter marks itself
// closed so subsequent send calls are no-ops"), as opposed to Close, which
// marks a handler-initiated, clean termination.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
}

// Error writes a terminal error frame (event-framed: an "error" event
// carrying {error}; ndjson: a trailing {error} object) and closes the
// stream. The error frame is not validated against the stream's schema.
func (s *Stream) Error(cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	disconnected := s.disconnected
	s.mu.Unlock()

	if !disconnected {
		data, _ := json.Marshal(map[string]any{"error": cause.Error()})
		var opts []SendOptions
		if s.format == FormatEventFramed {
			opts = append(opts, SendOptions{Event: "error"})
		}
		if err := s.write(data, opts...); err != nil {
			s.Disconnect()
		}
	}
	return s.Close()
}

// Close marks the stream closed; subsequent Send calls fail.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func serialize(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}
