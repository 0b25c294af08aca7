// Package vertex defines the wire types for the code-assist backend's
// v1internal generate surface, plus the content and tool-schema sanitizers
// every inbound dialect shares.
package vertex

import "encoding/json"

// Request is the outer envelope posted to streamGenerateContent and
// generateContent.
type Request struct {
	Project     string   `json:"project"`
	Model       string   `json:"model"`
	RequestID   string   `json:"requestId"`
	RequestType string   `json:"requestType,omitempty"`
	UserAgent   string   `json:"userAgent,omitempty"`
	Request     InnerReq `json:"request"`
}

type InnerReq struct {
	Contents          []Content          `json:"contents"`
	SystemInstruction *SystemInstruction `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig  `json:"generationConfig,omitempty"`
	Tools             []Tool             `json:"tools,omitempty"`
	ToolConfig        *ToolConfig        `json:"toolConfig,omitempty"`
	SessionID         string             `json:"sessionId"`
}

type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
}

type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// SignatureKey fingerprints the inline payload for the signature store: the
// first 50 bytes of the base64 data.
func (d *InlineData) SignatureKey() string {
	if d == nil || d.Data == "" {
		return ""
	}
	if len(d.Data) > 50 {
		return d.Data[:50]
	}
	return d.Data
}

type SystemInstruction struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type FunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type GenerationConfig struct {
	CandidateCount  int             `json:"candidateCount,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            int             `json:"topK,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
	ImageConfig     *ImageConfig    `json:"imageConfig,omitempty"`
	MediaResolution string          `json:"mediaResolution,omitempty"`
}

type ThinkingConfig struct {
	IncludeThoughts bool   `json:"includeThoughts"`
	ThinkingBudget  int    `json:"thinkingBudget"`
	ThinkingLevel   string `json:"thinkingLevel,omitempty"`
}

// MarshalJSON keeps thinkingBudget=0 on the wire only when no thinkingLevel
// is set (gemini-3-flash relies on the explicit zero).
func (c ThinkingConfig) MarshalJSON() ([]byte, error) {
	type wire struct {
		IncludeThoughts bool   `json:"includeThoughts"`
		ThinkingBudget  *int   `json:"thinkingBudget,omitempty"`
		ThinkingLevel   string `json:"thinkingLevel,omitempty"`
	}
	w := wire{
		IncludeThoughts: c.IncludeThoughts,
		ThinkingLevel:   c.ThinkingLevel,
	}
	if c.ThinkingBudget != 0 || c.ThinkingLevel == "" {
		budget := c.ThinkingBudget
		w.ThinkingBudget = &budget
	}
	return json.Marshal(w)
}

type ImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
}
