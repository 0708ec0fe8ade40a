package ensemble

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"ensemble-gateway/internal/models"
	"ensemble-gateway/internal/upstream"
)

const (
	// DefaultMaxRetries bounds reconnect attempts per model for retryable
	// failures.
	DefaultMaxRetries = 3
	// DefaultBaseDelay seeds the exponential backoff between attempts.
	DefaultBaseDelay = 500 * time.Millisecond
)

// Result summarizes one finished per-model stream.
type Result struct {
	ModelID  string
	Content  string
	Usage    *models.Usage
	Category Category // empty on success
	Err      error    // nil on success
}

// Failed reports whether the stream terminated in an error state.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Adapter owns the streaming lifecycle of one model at a time: it connects,
// forwards content deltas as events, classifies failures, and retries
// retryable ones with jittered exponential backoff.
type Adapter struct {
	streamer   upstream.Streamer
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewAdapter builds an adapter over the given streamer. Non-positive limits
// fall back to the defaults.
func NewAdapter(streamer upstream.Streamer, maxRetries int, baseDelay time.Duration, logger *slog.Logger) *Adapter {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		streamer:   streamer,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Run streams one model to completion, emitting events on out in strict
// order: one model_start, zero or more model_chunk, then exactly one of
// model_complete or model_error. Run blocks until terminal; the caller owns
// closing out afterwards.
//
// A retryable failure re-issues the upstream request. Deltas already emitted
// stand (content is append-only on the wire); the replacement stream's
// output continues to append.
func (a *Adapter) Run(ctx context.Context, modelID, prompt, credential string, out chan<- models.StreamEvent) Result {
	out <- models.StreamEvent{Type: models.EventModelStart, ModelID: modelID}

	var content strings.Builder
	var usage *models.Usage

	attempt := 0
	for {
		err := a.streamOnce(ctx, modelID, prompt, credential, &content, &usage, out)
		if err == nil {
			result := Result{
				ModelID: modelID,
				Content: content.String(),
				Usage:   usage,
			}
			out <- models.StreamEvent{
				Type:    models.EventModelComplete,
				ModelID: modelID,
				Content: result.Content,
				Tokens:  result.Usage,
			}
			return result
		}

		category := Classify(err)
		if category.Retryable() && attempt < a.maxRetries {
			delay := Delay(attempt, a.baseDelay)
			a.logger.Warn("retrying model stream",
				"model", modelID,
				"category", string(category),
				"attempt", attempt+1,
				"delay_ms", delay.Milliseconds(),
				"err", err,
			)
			if sleepErr := a.sleep(ctx, delay); sleepErr != nil {
				return a.fail(modelID, content.String(), CategoryCancelled, sleepErr, out)
			}
			attempt++
			continue
		}

		return a.fail(modelID, content.String(), category, err, out)
	}
}

// streamOnce opens one connection and drains it. The connection is closed on
// every exit path so retries never leak an upstream body.
func (a *Adapter) streamOnce(ctx context.Context, modelID, prompt, credential string, content *strings.Builder, usage **models.Usage, out chan<- models.StreamEvent) error {
	stream, err := a.streamer.Stream(ctx, modelID, prompt, credential)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// A transport abort caused by cancellation must classify as
			// cancelled, not as a generic stream failure.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if chunk.Usage != nil {
			*usage = chunk.Usage
		}
		if chunk.Delta != "" {
			content.WriteString(chunk.Delta)
			out <- models.StreamEvent{
				Type:    models.EventModelChunk,
				ModelID: modelID,
				Content: chunk.Delta,
			}
		}
	}
}

func (a *Adapter) fail(modelID, content string, category Category, err error, out chan<- models.StreamEvent) Result {
	if category != CategoryCancelled {
		a.logger.Error("model stream failed",
			"model", modelID,
			"category", string(category),
			"err", err,
		)
	}
	out <- models.StreamEvent{
		Type:    models.EventModelError,
		ModelID: modelID,
		Error:   string(category),
	}
	return Result{
		ModelID:  modelID,
		Content:  content,
		Category: category,
		Err:      err,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
