package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"ensemble-gateway/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "ensemble-gateway/0.1"

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// StatusError reports a non-2xx upstream response. The status code drives
// failure classification, so it is preserved alongside the upstream message.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// Chunk is one normalized increment from a streaming chat completion.
// A chunk may carry a content delta, a usage summary, or both.
type Chunk struct {
	Delta string
	Usage *models.Usage
}

// Stream yields chunks from one open upstream connection. Recv returns
// io.EOF when the upstream signals the end of the stream.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Streamer opens one streaming chat completion per call. Each call owns one
// upstream connection; the caller closes the returned stream on every exit
// path.
type Streamer interface {
	Stream(ctx context.Context, modelID, prompt, credential string) (Stream, error)
}

// Client talks to an OpenRouter-compatible chat completions API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	chatURL    string
}

// NewClient builds a client for the given base URL. A nil httpClient gets a
// default with sane transport timeouts. The per-request timeout is left to
// the caller's context so long streams are not cut off mid-flight.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		chatURL:    baseURL + "/chat/completions",
	}, nil
}

// NewHTTPClient returns an HTTP client tuned for long-lived streaming
// responses: connection-level timeouts only, no overall request deadline.
// responseHeaderTimeout bounds how long the upstream may sit on a request
// before starting its response; zero leaves it unbounded.
func NewHTTPClient(responseHeaderTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
	}
	return &http.Client{Transport: transport}
}

type chatPayload struct {
	Model         string          `json:"model"`
	Messages      []chatMessage   `json:"messages"`
	Stream        bool            `json:"stream"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Stream issues one streaming chat completion for a single-turn user prompt.
func (c *Client) Stream(ctx context.Context, modelID, prompt, credential string) (Stream, error) {
	payload := chatPayload{
		Model:         modelID,
		Messages:      []chatMessage{{Role: "user", Content: prompt}},
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completion request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}

	return newSSEStream(resp.Body), nil
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &StatusError{StatusCode: resp.StatusCode, Message: "failed to read error body"}
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: apiErr.Error.Message}
	}

	return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
