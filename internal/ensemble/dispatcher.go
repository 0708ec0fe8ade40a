package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ensemble-gateway/internal/models"
)

const adapterBuffer = 16

// Recorder observes per-model outcomes for metrics. Implementations must be
// safe for concurrent use.
type Recorder interface {
	RecordModel(modelID string, elapsed time.Duration, failed bool)
}

// Request carries everything one dispatch run needs. The model list is
// assumed non-empty and unique; the server validates before calling.
type Request struct {
	SessionID       string
	Prompt          string
	Models          []string
	RefinementModel string
	Credential      string
}

// Dispatcher fans one prompt out to every selected model, joins on all of
// them, and optionally runs the synthesis pass over the successful answers.
type Dispatcher struct {
	adapter  *Adapter
	recorder Recorder
	logger   *slog.Logger
}

// NewDispatcher builds a dispatcher. recorder may be nil.
func NewDispatcher(adapter *Adapter, recorder Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{adapter: adapter, recorder: recorder, logger: logger}
}

// Run executes one session against the sink and blocks until the outward
// stream is terminal. Per-model failures are isolated: each model proceeds
// to its own terminal state regardless of the others. The returned error
// reflects sink-level trouble only (client disconnect); upstream failures
// are reported on the wire, not returned.
func (d *Dispatcher) Run(ctx context.Context, req Request, sink Sink) error {
	logger := d.logger.With("session", req.SessionID)
	logger.Info("dispatching ensemble", "models", len(req.Models), "refinement", req.RefinementModel != "")

	mux := NewMux(sink, logger)

	results := make([]Result, len(req.Models))
	var barrier sync.WaitGroup
	for i, modelID := range req.Models {
		ch := make(chan models.StreamEvent, adapterBuffer)
		mux.Attach(ch)

		barrier.Add(1)
		go func(i int, modelID string) {
			defer barrier.Done()
			defer close(ch)
			started := time.Now()
			results[i] = d.adapter.Run(ctx, modelID, req.Prompt, req.Credential, ch)
			if d.recorder != nil {
				d.recorder.RecordModel(modelID, time.Since(started), results[i].Failed())
			}
		}(i, modelID)
	}

	// The barrier: every adapter terminal, every model_* event flushed onto
	// the merged stream. Nothing synthesis-scoped may precede this point.
	barrier.Wait()
	mux.Drain()

	var sessionErr error
	if req.RefinementModel != "" && ctx.Err() == nil {
		sessionErr = d.runSynthesis(ctx, req, results, mux, logger)
		mux.Drain()
	}

	if sessionErr != nil {
		mux.Emit(models.StreamEvent{Type: models.EventError, Error: sessionErr.Error()})
	} else {
		mux.Emit(models.StreamEvent{Type: models.EventComplete})
	}

	return mux.Close()
}

// runSynthesis reuses the per-model adapter for the refinement call,
// renaming its lifecycle events into the synthesis_* scope. A nil return
// means either a successful synthesis or a legitimately skipped one (no
// model succeeded, so there is nothing to merge).
func (d *Dispatcher) runSynthesis(ctx context.Context, req Request, results []Result, mux *Mux, logger *slog.Logger) error {
	succeeded := make([]Result, 0, len(results))
	for _, r := range results {
		if !r.Failed() {
			succeeded = append(succeeded, r)
		}
	}
	if len(succeeded) == 0 {
		logger.Warn("skipping synthesis, no model succeeded")
		return nil
	}

	prompt := synthesisPrompt(req.Prompt, succeeded)

	in := make(chan models.StreamEvent, adapterBuffer)
	out := make(chan models.StreamEvent, adapterBuffer)
	mux.Attach(out)
	go func() {
		defer close(out)
		for ev := range in {
			if renamed, ok := renameSynthesisEvent(ev); ok {
				out <- renamed
			}
		}
	}()

	result := d.adapter.Run(ctx, req.RefinementModel, prompt, req.Credential, in)
	close(in)

	if result.Failed() {
		// No fallback to an individual answer; the failure is scoped to the
		// whole session.
		return fmt.Errorf("synthesis failed: %s", result.Category)
	}
	return nil
}

// renameSynthesisEvent maps adapter lifecycle events into the synthesis
// scope. model_error is dropped here: a synthesis failure surfaces as the
// session-level error event instead.
func renameSynthesisEvent(ev models.StreamEvent) (models.StreamEvent, bool) {
	switch ev.Type {
	case models.EventModelStart:
		ev.Type = models.EventSynthesisStart
	case models.EventModelChunk:
		ev.Type = models.EventSynthesisChunk
	case models.EventModelComplete:
		ev.Type = models.EventSynthesisComplete
	default:
		return models.StreamEvent{}, false
	}
	return ev, true
}

// synthesisPrompt builds the combination request from the successful
// answers. Failed models are excluded entirely.
func synthesisPrompt(prompt string, succeeded []Result) string {
	var b strings.Builder
	b.WriteString("You are given one question and several answers produced independently by different AI models.\n")
	b.WriteString("Synthesize them into a single, accurate, well-structured answer. ")
	b.WriteString("Resolve disagreements by favoring the best-supported claims. Do not mention the individual models.\n\n")
	b.WriteString("Question:\n")
	b.WriteString(prompt)
	b.WriteString("\n")
	for _, r := range succeeded {
		fmt.Fprintf(&b, "\n--- Answer from %s ---\n%s\n", r.ModelID, r.Content)
	}
	return b.String()
}
