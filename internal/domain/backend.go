package domain

import "context"

// Backend is the interface all LLM backends must implement.
type Backend interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	Healthy(ctx context.Context) error
}

// StreamingBackend is an optional extension for backends that deliver
// incremental tokens. ChatStream sends events on out and closes it before
// returning; the stream is finite and not restartable.
type StreamingBackend interface {
	Backend
	ChatStream(ctx context.Context, req ChatRequest, out chan<- StreamEvent) error
}

// StreamEventType classifies a streaming event.
type StreamEventType string

const (
	StreamToken StreamEventType = "token"
	StreamDone  StreamEventType = "done"
	StreamError StreamEventType = "error"
)

// StreamEvent is a single incremental event from an LLM backend.
type StreamEvent struct {
	Type    StreamEventType
	Content string // token text, full text for done, or error message
	Usage   *Usage // set on the final done event when the backend reports it
}

type ChatRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Content      string
	FinishReason string // stop | length
	Usage        Usage
	LatencyMs    int64
}

type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
