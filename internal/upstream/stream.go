package upstream

import (
	"encoding/json"
	"fmt"
	"io"

	"ensemble-gateway/internal/models"
	"ensemble-gateway/internal/sse"
)

const sseDoneToken = "[DONE]"

// sseStream adapts an OpenAI-format SSE response body into Chunks.
type sseStream struct {
	body io.ReadCloser
	dec  *sse.Decoder
	done bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{body: body, dec: sse.NewDecoder(body)}
}

type completionChunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *usageBlock   `json:"usage"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Content string `json:"content"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Recv returns the next non-empty chunk. Payloads with neither a content
// delta nor usage (role announcements, keepalives) are skipped.
func (s *sseStream) Recv() (Chunk, error) {
	for {
		if s.done {
			return Chunk{}, io.EOF
		}

		data, err := s.dec.Next()
		if err != nil {
			return Chunk{}, err
		}
		if data == sseDoneToken {
			s.done = true
			return Chunk{}, io.EOF
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Chunk{}, fmt.Errorf("decode stream chunk: %w", err)
		}

		out := Chunk{}
		if len(chunk.Choices) > 0 {
			out.Delta = chunk.Choices[0].Delta.Content
		}
		if chunk.Usage != nil {
			out.Usage = &models.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if out.Delta == "" && out.Usage == nil {
			continue
		}
		return out, nil
	}
}

func (s *sseStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.body.Close()
}
