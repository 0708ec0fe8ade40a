// Package client consumes the gateway's outward event stream and folds it
// into a session mirror. It depends only on the wire contract, never on the
// server's internals; the two session copies synchronize through events
// alone.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"ensemble-gateway/internal/models"
	"ensemble-gateway/internal/sse"
)

// ErrCancelled is returned by Consume when the fold was stopped through
// Cancel rather than by a terminal event.
var ErrCancelled = errors.New("session cancelled")

// Reducer folds stream events into per-model responses and the synthesis
// slot, enforcing forward-only status transitions. Safe for concurrent use:
// Session may be read while Consume runs.
type Reducer struct {
	mu        sync.Mutex
	session   *models.Session
	cancelled bool
	cancel    context.CancelFunc
	logger    *slog.Logger
}

// NewReducer prepares a mirror session with one Pending slot per model id.
func NewReducer(sessionID string, modelIDs []string, logger *slog.Logger) *Reducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reducer{
		session: models.NewSession(sessionID, modelIDs),
		logger:  logger,
	}
}

// Session returns a deep copy of the current mirror state.
func (r *Reducer) Session() models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := models.Session{
		ID:        r.session.ID,
		Order:     append([]string(nil), r.session.Order...),
		Responses: make(map[string]*models.ModelResponse, len(r.session.Responses)),
		Synthesis: r.session.Synthesis,
		Err:       r.session.Err,
	}
	for id, resp := range r.session.Responses {
		clone := *resp
		if resp.Tokens != nil {
			tokens := *resp.Tokens
			clone.Tokens = &tokens
		}
		copied.Responses[id] = &clone
	}
	return copied
}

// Cancel stops the fold: no further events are applied, and the context
// passed to Consume is cancelled so the server side aborts its open
// upstream connections.
func (r *Reducer) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Consume reads framed events from body until the terminal event, an error,
// or cancellation. Malformed frames are logged and skipped; a corrupt frame
// never aborts the whole fold.
func (r *Reducer) Consume(ctx context.Context, body io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.cancel = cancel
	alreadyCancelled := r.cancelled
	r.mu.Unlock()
	if alreadyCancelled {
		return ErrCancelled
	}

	dec := sse.NewDecoder(body)
	for {
		if ctx.Err() != nil {
			if r.isCancelled() {
				return ErrCancelled
			}
			return ctx.Err()
		}

		data, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return errors.New("stream ended without terminal event")
		}
		if err != nil {
			if r.isCancelled() {
				return ErrCancelled
			}
			return fmt.Errorf("read event stream: %w", err)
		}

		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			r.logger.Warn("skipping malformed frame", "err", err)
			continue
		}

		terminal := r.Apply(ev)
		if r.isCancelled() {
			return ErrCancelled
		}
		if terminal {
			return nil
		}
	}
}

// Apply folds one event into the mirror and reports whether the outward
// sequence is terminal. Events that would regress a slot, reference an
// unknown model, or carry an unknown type are logged and skipped.
func (r *Reducer) Apply(ev models.StreamEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled {
		return false
	}

	switch ev.Type {
	case models.EventModelStart:
		if resp := r.slot(ev); resp != nil {
			if resp.Status != models.StatusPending {
				r.skip(ev, "model already started")
				return false
			}
			resp.Status = models.StatusStreaming
		}

	case models.EventModelChunk:
		if resp := r.slot(ev); resp != nil {
			if resp.Status != models.StatusStreaming {
				r.skip(ev, "chunk outside streaming state")
				return false
			}
			resp.Content += ev.Content
		}

	case models.EventModelComplete:
		if resp := r.slot(ev); resp != nil {
			if resp.Status.Terminal() {
				r.skip(ev, "model already terminal")
				return false
			}
			resp.Status = models.StatusComplete
			// The complete event carries the authoritative accumulated
			// content; prefer it over locally concatenated chunks.
			resp.Content = ev.Content
			resp.Tokens = ev.Tokens
		}

	case models.EventModelError:
		if resp := r.slot(ev); resp != nil {
			if resp.Status.Terminal() {
				r.skip(ev, "model already terminal")
				return false
			}
			resp.Status = models.StatusError
			resp.Error = ev.Error
		}

	case models.EventSynthesisStart:
		if r.session.Synthesis.Status != models.SynthesisIdle {
			r.skip(ev, "synthesis already started")
			return false
		}
		r.session.Synthesis.Status = models.SynthesisStreaming

	case models.EventSynthesisChunk:
		if r.session.Synthesis.Status != models.SynthesisStreaming {
			r.skip(ev, "synthesis chunk outside streaming state")
			return false
		}
		r.session.Synthesis.Content += ev.Content

	case models.EventSynthesisComplete:
		if r.session.Synthesis.Status == models.SynthesisComplete {
			r.skip(ev, "synthesis already complete")
			return false
		}
		r.session.Synthesis.Status = models.SynthesisComplete
		r.session.Synthesis.Content = ev.Content

	case models.EventError:
		r.session.Err = ev.Error
		return true

	case models.EventComplete:
		return true

	default:
		r.skip(ev, "unknown event type")
	}

	return false
}

// slot resolves a model-scoped event to its response, logging and returning
// nil for ids outside the session.
func (r *Reducer) slot(ev models.StreamEvent) *models.ModelResponse {
	resp := r.session.Response(ev.ModelID)
	if resp == nil {
		r.skip(ev, "unknown model id")
	}
	return resp
}

func (r *Reducer) skip(ev models.StreamEvent, reason string) {
	r.logger.Warn("skipping event", "type", string(ev.Type), "model", ev.ModelID, "reason", reason)
}

func (r *Reducer) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}
