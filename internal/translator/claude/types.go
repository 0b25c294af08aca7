// Package claude implements the Anthropic messages dialect: inbound request
// conversion to the backend envelope, unary response assembly, and the SSE
// stream writer.
package claude

import "encoding/json"

// MessagesRequest is the inbound /v1/messages body. Content fields stay raw
// because the dialect allows either strings or block arrays.
type MessagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []Message       `json:"messages"`
	Tools         []Tool          `json:"tools,omitempty"`
	Thinking      *Thinking       `json:"thinking,omitempty"`

	// Accepted for client compatibility, not forwarded.
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Thinking is the request thinking block. Clients disagree on the budget
// field name, so both spellings parse.
type Thinking struct {
	Type         string `json:"type"`
	Budget       int    `json:"budget,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// MessagesResponse is the unary /v1/messages response.
type MessagesResponse struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Role         string                 `json:"role"`
	Model        string                 `json:"model"`
	Content      []ResponseContentBlock `json:"content"`
	StopReason   string                 `json:"stop_reason"`
	StopSequence *string                `json:"stop_sequence"`
	Usage        Usage                  `json:"usage"`
}

type ResponseContentBlock struct {
	Type      string          `json:"type"`
	Text      *string         `json:"text,omitempty"`
	Thinking  *string         `json:"thinking,omitempty"`
	Signature *string         `json:"signature,omitempty"`
	ID        *string         `json:"id,omitempty"`
	Name      *string         `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func strptr(s string) *string { return &s }
