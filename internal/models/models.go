package models

// ResponseStatus tracks the lifecycle of a single model's answer. Transitions
// are strictly forward: Pending -> Streaming -> (Complete | Error).
type ResponseStatus string

const (
	StatusPending   ResponseStatus = "pending"
	StatusStreaming ResponseStatus = "streaming"
	StatusComplete  ResponseStatus = "complete"
	StatusError     ResponseStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s ResponseStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// SynthesisStatus tracks the lifecycle of the session's synthesis pass.
type SynthesisStatus string

const (
	SynthesisIdle      SynthesisStatus = "idle"
	SynthesisStreaming SynthesisStatus = "streaming"
	SynthesisComplete  SynthesisStatus = "complete"
)

// Usage records token accounting for one completed stream.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ModelResponse is one model's slot within a session. Content is append-only
// while the status is Streaming.
type ModelResponse struct {
	ModelID string         `json:"modelId"`
	Content string         `json:"content"`
	Status  ResponseStatus `json:"status"`
	Tokens  *Usage         `json:"tokens,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// SynthesisState is the single synthesis slot of a session.
type SynthesisState struct {
	Content string          `json:"content"`
	Status  SynthesisStatus `json:"status"`
}

// Session aggregates one dispatch run: one response slot per selected model,
// in selection order, plus the synthesis slot. Not persisted.
type Session struct {
	ID        string
	Order     []string
	Responses map[string]*ModelResponse
	Synthesis SynthesisState
	Err       string
}

// NewSession creates a session with one Pending response per model id.
// Model ids must be unique within a session; callers validate before
// constructing one.
func NewSession(id string, modelIDs []string) *Session {
	s := &Session{
		ID:        id,
		Order:     append([]string(nil), modelIDs...),
		Responses: make(map[string]*ModelResponse, len(modelIDs)),
		Synthesis: SynthesisState{Status: SynthesisIdle},
	}
	for _, modelID := range modelIDs {
		s.Responses[modelID] = &ModelResponse{
			ModelID: modelID,
			Status:  StatusPending,
		}
	}
	return s
}

// Response returns the slot for a model id, or nil when the id was never
// part of the session.
func (s *Session) Response(modelID string) *ModelResponse {
	return s.Responses[modelID]
}

// Completed returns the responses that reached Complete, in selection order.
func (s *Session) Completed() []*ModelResponse {
	var out []*ModelResponse
	for _, modelID := range s.Order {
		if r := s.Responses[modelID]; r != nil && r.Status == StatusComplete {
			out = append(out, r)
		}
	}
	return out
}

// EventType tags a wire event.
type EventType string

const (
	EventModelStart        EventType = "model_start"
	EventModelChunk        EventType = "model_chunk"
	EventModelComplete     EventType = "model_complete"
	EventModelError        EventType = "model_error"
	EventSynthesisStart    EventType = "synthesis_start"
	EventSynthesisChunk    EventType = "synthesis_chunk"
	EventSynthesisComplete EventType = "synthesis_complete"
	EventError             EventType = "error"
	EventComplete          EventType = "complete"
)

// StreamEvent is the wire representation of one state transition. Each
// instance is emitted exactly once and never replayed.
type StreamEvent struct {
	Type    EventType `json:"type"`
	ModelID string    `json:"modelId,omitempty"`
	Content string    `json:"content,omitempty"`
	Tokens  *Usage    `json:"tokens,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// GenerateRequest is the inbound contract of the generate endpoint. Models
// may be omitted, in which case the server substitutes its configured
// defaults before dispatch.
type GenerateRequest struct {
	Prompt          string   `json:"prompt"`
	Models          []string `json:"models"`
	RefinementModel string   `json:"refinementModel,omitempty"`
}
