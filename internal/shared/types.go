package shared

import "encoding/json"

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound chat body accepted by /api/chat and /api/chat/stream
type ChatRequest struct {
	Message        string   `json:"message"`
	Model          *string  `json:"model,omitempty"`
	ModelKey       *string  `json:"modelKey,omitempty"`
	System         *string  `json:"system,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
	ConversationID *string  `json:"conversation_id,omitempty"`
}

// EmbeddingsRequest is the inbound body accepted by /api/embeddings. Input is
// forwarded untouched, so it may be a string or an array.
type EmbeddingsRequest struct {
	Input    json.RawMessage `json:"input"`
	Model    *string         `json:"model,omitempty"`
	ModelKey *string         `json:"modelKey,omitempty"`
}

// ChatCompletionRequest is the OpenAI style body sent upstream
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type EmbeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse holds the fields of a unary upstream reply the gateway
// reads; the full body is passed through to the caller as-is
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

// StreamChunk is the delta payload carried by each streamed data line
type StreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta Delta `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

type Delta struct {
	Content *string `json:"content,omitempty"`
}

// ModelList is the envelope returned by an upstream /models call
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ErrorBody is the JSON body of every non-streaming error response
type ErrorBody struct {
	Detail any `json:"detail"`
}

// StreamError is the JSON payload of a terminal `event: error` block
type StreamError struct {
	Error StreamErrorMessage `json:"error"`
}

type StreamErrorMessage struct {
	Message string `json:"message"`
}
