package ensemble

import (
	"log/slog"
	"sync"

	"ensemble-gateway/internal/models"
)

const mergedBuffer = 64

// Sink receives framed wire events. Implementations do not need to be
// concurrency-safe: the Mux serializes all writes through one goroutine.
type Sink interface {
	WriteEvent(ev models.StreamEvent) error
}

// Mux merges events from any number of producer channels onto a single
// sink. Events from one producer keep their emission order; events from
// different producers may interleave. Partial frames never interleave
// because only the Mux's writer goroutine touches the sink.
type Mux struct {
	sink      Sink
	merged    chan models.StreamEvent
	producers sync.WaitGroup
	writer    chan struct{}
	logger    *slog.Logger

	mu       sync.Mutex
	writeErr error
}

// NewMux starts the writer goroutine over the given sink.
func NewMux(sink Sink, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mux{
		sink:   sink,
		merged: make(chan models.StreamEvent, mergedBuffer),
		writer: make(chan struct{}),
		logger: logger,
	}
	go m.writeLoop()
	return m
}

// Attach registers one producer channel. The Mux forwards from it until the
// channel closes. Must not be called concurrently with Drain or Close.
func (m *Mux) Attach(src <-chan models.StreamEvent) {
	m.producers.Add(1)
	go func() {
		defer m.producers.Done()
		for ev := range src {
			m.merged <- ev
		}
	}()
}

// Emit enqueues a single event produced by the session lifecycle itself
// rather than by an attached producer.
func (m *Mux) Emit(ev models.StreamEvent) {
	m.merged <- ev
}

// Drain blocks until every producer attached so far has been fully
// forwarded onto the merged stream. Because the merged stream is FIFO,
// any event emitted after Drain returns is ordered after everything the
// drained producers sent. This is the synthesis barrier's ordering edge.
func (m *Mux) Drain() {
	m.producers.Wait()
}

// Close drains remaining producers, stops the writer, and reports the first
// sink write failure, if any. No Attach or Emit may follow.
func (m *Mux) Close() error {
	m.producers.Wait()
	close(m.merged)
	<-m.writer

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeErr
}

// writeLoop is the single serialization point for the outward sink. After
// the first write failure (typically a disconnected client) it keeps
// draining so producers never block on a dead consumer.
func (m *Mux) writeLoop() {
	defer close(m.writer)
	failed := false
	for ev := range m.merged {
		if failed {
			continue
		}
		if err := m.sink.WriteEvent(ev); err != nil {
			failed = true
			m.mu.Lock()
			m.writeErr = err
			m.mu.Unlock()
			m.logger.Debug("outward sink write failed, draining", "err", err)
		}
	}
}
