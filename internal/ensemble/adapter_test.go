package ensemble

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"ensemble-gateway/internal/models"
	"ensemble-gateway/internal/upstream"
)

// fakeStream replays scripted chunks, then returns err (or io.EOF).
type fakeStream struct {
	chunks []upstream.Chunk
	err    error
	closed bool
}

func (s *fakeStream) Recv() (upstream.Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return upstream.Chunk{}, s.err
		}
		return upstream.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// attempt scripts the outcome of one Stream call.
type attempt struct {
	connectErr error
	stream     *fakeStream
}

// scriptedStreamer consumes one attempt per Stream call for each model.
// The last attempt repeats once the script runs out, so endlessly failing
// upstreams are easy to express.
type scriptedStreamer struct {
	mu      sync.Mutex
	scripts map[string][]attempt
	calls   map[string]int
}

func newScriptedStreamer() *scriptedStreamer {
	return &scriptedStreamer{
		scripts: make(map[string][]attempt),
		calls:   make(map[string]int),
	}
}

func (s *scriptedStreamer) script(modelID string, attempts ...attempt) {
	s.scripts[modelID] = attempts
}

func (s *scriptedStreamer) callCount(modelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[modelID]
}

func (s *scriptedStreamer) Stream(ctx context.Context, modelID, prompt, credential string) (upstream.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[modelID]++
	script := s.scripts[modelID]
	if len(script) == 0 {
		return nil, errors.New("no scripted attempt for " + modelID)
	}
	a := script[0]
	if len(script) > 1 {
		s.scripts[modelID] = script[1:]
	}
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	// Replay a copy so a repeated terminal attempt starts fresh.
	stream := &fakeStream{chunks: append([]upstream.Chunk(nil), a.stream.chunks...), err: a.stream.err}
	return stream, nil
}

func newTestAdapter(streamer upstream.Streamer, maxRetries int) *Adapter {
	a := NewAdapter(streamer, maxRetries, time.Millisecond, nil)
	a.sleep = func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	}
	return a
}

func runAdapter(t *testing.T, a *Adapter, ctx context.Context, modelID string) (Result, []models.StreamEvent) {
	t.Helper()

	out := make(chan models.StreamEvent, 256)
	result := a.Run(ctx, modelID, "prompt", "key", out)
	close(out)

	var events []models.StreamEvent
	for ev := range out {
		events = append(events, ev)
	}
	return result, events
}

func eventTypes(events []models.StreamEvent) []models.EventType {
	out := make([]models.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestAdapterSuccess(t *testing.T) {
	t.Parallel()

	streamer := newScriptedStreamer()
	streamer.script("a/x", attempt{stream: &fakeStream{
		chunks: []upstream.Chunk{
			{Delta: "Hel"},
			{Delta: "lo"},
			{Usage: &models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
		},
	}})

	a := newTestAdapter(streamer, 3)
	result, events := runAdapter(t, a, context.Background(), "a/x")

	if result.Failed() {
		t.Fatalf("unexpected failure: %v", result.Err)
	}
	if result.Content != "Hello" {
		t.Fatalf("content = %q, want Hello", result.Content)
	}
	if result.Usage == nil || result.Usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v, want total 5", result.Usage)
	}

	want := []models.EventType{
		models.EventModelStart,
		models.EventModelChunk,
		models.EventModelChunk,
		models.EventModelComplete,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	final := events[len(events)-1]
	if final.Content != "Hello" || final.Tokens == nil {
		t.Fatalf("model_complete = %+v, want accumulated content and usage", final)
	}
}

func TestAdapterRetryThenSuccess(t *testing.T) {
	t.Parallel()

	streamer := newScriptedStreamer()
	streamer.script("a/x",
		attempt{stream: &fakeStream{
			chunks: []upstream.Chunk{{Delta: "He"}},
			err:    &upstream.StatusError{StatusCode: 503, Message: "service unavailable"},
		}},
		attempt{stream: &fakeStream{
			chunks: []upstream.Chunk{{Delta: "llo"}},
		}},
	)

	a := newTestAdapter(streamer, 3)
	result, events := runAdapter(t, a, context.Background(), "a/x")

	if result.Failed() {
		t.Fatalf("unexpected failure: %v", result.Err)
	}
	if result.Content != "Hello" {
		t.Fatalf("content = %q, want Hello across attempts", result.Content)
	}
	if got := streamer.callCount("a/x"); got != 2 {
		t.Fatalf("upstream calls = %d, want 2", got)
	}
	if events[len(events)-1].Type != models.EventModelComplete {
		t.Fatalf("final event = %q, want model_complete", events[len(events)-1].Type)
	}
}

func TestAdapterRetryBound(t *testing.T) {
	t.Parallel()

	streamer := newScriptedStreamer()
	streamer.script("b/y", attempt{connectErr: &upstream.StatusError{StatusCode: 429, Message: "rate limit"}})

	a := newTestAdapter(streamer, 2)
	result, events := runAdapter(t, a, context.Background(), "b/y")

	if !result.Failed() {
		t.Fatal("expected failure")
	}
	if result.Category != CategoryRateLimit {
		t.Fatalf("category = %q, want rate_limit", result.Category)
	}
	// Initial attempt plus exactly maxRetries reconnects.
	if got := streamer.callCount("b/y"); got != 3 {
		t.Fatalf("upstream calls = %d, want 3", got)
	}

	final := events[len(events)-1]
	if final.Type != models.EventModelError || final.Error != "rate_limit" {
		t.Fatalf("final event = %+v, want model_error rate_limit", final)
	}
}

func TestAdapterNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	streamer := newScriptedStreamer()
	streamer.script("a/x", attempt{connectErr: &upstream.StatusError{StatusCode: 401, Message: "bad api key"}})

	a := newTestAdapter(streamer, 3)
	result, events := runAdapter(t, a, context.Background(), "a/x")

	if result.Category != CategoryAuth {
		t.Fatalf("category = %q, want auth", result.Category)
	}
	if got := streamer.callCount("a/x"); got != 1 {
		t.Fatalf("upstream calls = %d, want 1 (no retries)", got)
	}

	want := []models.EventType{models.EventModelStart, models.EventModelError}
	got := eventTypes(events)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestAdapterCancellation(t *testing.T) {
	t.Parallel()

	streamer := newScriptedStreamer()
	streamer.script("a/x", attempt{connectErr: &upstream.StatusError{StatusCode: 429, Message: "rate limit"}})

	ctx, cancel := context.WithCancel(context.Background())
	a := NewAdapter(streamer, 3, time.Millisecond, nil)
	a.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	result, events := runAdapter(t, a, ctx, "a/x")

	if result.Category != CategoryCancelled {
		t.Fatalf("category = %q, want cancelled", result.Category)
	}
	final := events[len(events)-1]
	if final.Type != models.EventModelError || final.Error != "cancelled" {
		t.Fatalf("final event = %+v, want cancelled terminal", final)
	}
	// Cancellation pre-empts the retry loop: no reconnect happened.
	if got := streamer.callCount("a/x"); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}
}
