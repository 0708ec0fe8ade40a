package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"ensemble-gateway/internal/models"
)

// sseSink frames events as `data: <json>\n\n` onto the HTTP response and
// flushes after each frame. The event multiplexer serializes all writes, so
// the sink itself needs no locking.
type sseSink struct {
	w        io.Writer
	flusher  http.Flusher
	sawError bool
}

func newSSESink(w io.Writer, flusher http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: flusher}
}

func (s *sseSink) WriteEvent(ev models.StreamEvent) error {
	if ev.Type == models.EventError {
		s.sawError = true
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}
