package openai

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/ant2api/ant2api/internal/util"
	"github.com/tidwall/gjson"
)

// SSEErrorEvents renders a mid-stream failure as an OpenAI error event
// followed by the terminator.
func SSEErrorEvents(msg string) []string {
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(`""`)
	}
	return []string{
		`{"error":{"message":` + string(encoded) + `,"type":"server_error"}}`,
		"[DONE]",
	}
}

// SignatureSave is a deferred signature store write produced while
// streaming; the handler applies them so the writer stays synchronous.
type SignatureSave struct {
	RequestID  string
	ToolCallID string
	IsImageKey bool
	Signature  string
	Reasoning  string
	Model      string
}

// StreamWriter turns backend SSE parts into chat.completion.chunk events.
// Text and reasoning are re-chunked on UTF-8 boundaries, tool calls are
// staged until the stream finishes, and thought signatures surface as
// SignatureSave records.
type StreamWriter struct {
	id        string
	created   int64
	model     string
	requestID string

	sentRole     bool
	contentBuf   []byte
	reasoningBuf []byte

	pendingReasoning []byte
	toolCalls        []ToolCall

	pendingSig       string
	isClaudeThinking bool
	isGeminiProImage bool

	logEnabled          bool
	logEvents           []json.RawMessage
	logPendingContent   []byte
	logPendingReasoning []byte
}

func NewStreamWriter(id string, created int64, model, requestID string, logEnabled bool) *StreamWriter {
	return &StreamWriter{
		id:               id,
		created:          created,
		model:            model,
		requestID:        requestID,
		isClaudeThinking: util.IsClaudeThinking(model),
		isGeminiProImage: util.IsGeminiProImage(model),
		logEnabled:       logEnabled,
	}
}

// ProcessPart consumes one candidate part from an SSE chunk and returns the
// events to emit plus any signature saves to apply.
func (w *StreamWriter) ProcessPart(part gjson.Result) ([]string, []SignatureSave) {
	var saves []SignatureSave

	thought := part.Get("thought").Bool()
	text := part.Get("text").String()
	partSig := part.Get("thoughtSignature").String()

	// Claude thinking binds the signature to the next tool call.
	if w.isClaudeThinking && thought && partSig != "" {
		w.pendingSig = partSig
	}

	if thought {
		w.pendingReasoning = append(w.pendingReasoning, text...)
		return w.writeReasoning(text), saves
	}

	if text != "" {
		return w.writeContent(text), saves
	}

	if inline := part.Get("inlineData"); inline.Exists() {
		data := inline.Get("data").String()
		imageKey := w.imageSignatureKey(data)
		if partSig != "" && imageKey != "" {
			saves = append(saves, SignatureSave{
				RequestID:  w.requestID,
				ToolCallID: imageKey,
				IsImageKey: true,
				Signature:  partSig,
				Reasoning:  w.takePendingReasoning(),
				Model:      w.model,
			})
		}
		md := "![image](data:" + inline.Get("mimeType").String() + ";base64," + data + ")"
		return w.writeContent(md), saves
	}

	if fc := part.Get("functionCall"); fc.Exists() {
		toolCallID := fc.Get("id").String()
		if toolCallID == "" {
			toolCallID = util.ToolCallID()
		}

		sigToSave := ""
		if w.isClaudeThinking {
			if w.pendingSig != "" {
				sigToSave = w.pendingSig
				w.pendingSig = ""
			} else if partSig != "" {
				sigToSave = partSig
			}
		} else if partSig != "" {
			sigToSave = partSig
		}
		if sigToSave != "" {
			saves = append(saves, SignatureSave{
				RequestID:  w.requestID,
				ToolCallID: toolCallID,
				Signature:  sigToSave,
				Reasoning:  w.takePendingReasoning(),
				Model:      w.model,
			})
		}

		args := fc.Get("args").Raw
		if args == "" {
			args = "{}"
		}
		idx := len(w.toolCalls)
		w.toolCalls = append(w.toolCalls, ToolCall{
			Index: &idx,
			ID:    toolCallID,
			Type:  "function",
			Function: FunctionCall{
				Name:      fc.Get("name").String(),
				Arguments: args,
			},
		})
	}

	return nil, saves
}

// FlushToolCalls emits the staged tool calls as a single delta.
func (w *StreamWriter) FlushToolCalls() []string {
	if len(w.toolCalls) == 0 {
		return nil
	}
	calls := w.toolCalls
	w.toolCalls = nil

	out := w.writeRole()
	return append(out, w.writeChunk(Delta{ToolCalls: calls}, nil, nil)...)
}

// FinishEvents emits the terminal chunk with the finish reason and usage,
// then [DONE].
func (w *StreamWriter) FinishEvents(finishReason string, usage *Usage) []string {
	out := w.writeRole()
	out = append(out, w.writeChunk(Delta{}, &finishReason, usage)...)
	return append(out, "[DONE]")
}

func (w *StreamWriter) imageSignatureKey(data string) string {
	if !w.isGeminiProImage {
		return inlineSignatureKey(data)
	}
	if data == "" {
		return ""
	}
	if len(data) > 100 {
		return data[:100]
	}
	return data
}

func (w *StreamWriter) takePendingReasoning() string {
	s := string(w.pendingReasoning)
	w.pendingReasoning = nil
	return s
}

func (w *StreamWriter) writeRole() []string {
	if w.sentRole {
		return nil
	}
	w.sentRole = true
	return w.writeChunk(Delta{Role: "assistant"}, nil, nil)
}

func (w *StreamWriter) writeContent(s string) []string {
	out := w.writeRole()
	w.contentBuf = append(w.contentBuf, s...)
	if valid, rest := takeValidUTF8(w.contentBuf); valid != "" {
		w.contentBuf = rest
		out = append(out, w.writeChunk(Delta{Content: valid}, nil, nil)...)
	}
	return out
}

func (w *StreamWriter) writeReasoning(s string) []string {
	out := w.writeRole()
	w.reasoningBuf = append(w.reasoningBuf, s...)
	if valid, rest := takeValidUTF8(w.reasoningBuf); valid != "" {
		w.reasoningBuf = rest
		out = append(out, w.writeChunk(Delta{Reasoning: valid}, nil, nil)...)
	}
	return out
}

func (w *StreamWriter) writeChunk(delta Delta, finishReason *string, usage *Usage) []string {
	chunk := &ChatCompletion{
		ID:      w.id,
		Object:  "chat.completion.chunk",
		Created: w.created,
		Model:   w.model,
		Choices: []Choice{{
			Index:        0,
			Delta:        &delta,
			FinishReason: finishReason,
		}},
		Usage: usage,
	}

	if w.logEnabled {
		w.collectChunkForLog(chunk, &delta)
	}

	b, err := json.Marshal(chunk)
	if err != nil {
		return nil
	}
	return []string{string(b)}
}

// TakeMergedEventsForLog returns the chunk log with consecutive content and
// reasoning deltas coalesced, clearing the buffer.
func (w *StreamWriter) TakeMergedEventsForLog() []json.RawMessage {
	if !w.logEnabled {
		return nil
	}
	w.flushPendingLog()
	events := w.logEvents
	w.logEvents = nil
	return events
}

func (w *StreamWriter) flushPendingLog() {
	if len(w.logPendingReasoning) == 0 && len(w.logPendingContent) == 0 {
		return
	}
	// Reasoning flushes before content.
	if len(w.logPendingReasoning) > 0 {
		w.appendLogChunk(Delta{Reasoning: string(w.logPendingReasoning)})
		w.logPendingReasoning = nil
	}
	if len(w.logPendingContent) > 0 {
		w.appendLogChunk(Delta{Content: string(w.logPendingContent)})
		w.logPendingContent = nil
	}
}

func (w *StreamWriter) appendLogChunk(delta Delta) {
	chunk := &ChatCompletion{
		ID:      w.id,
		Object:  "chat.completion.chunk",
		Created: w.created,
		Model:   w.model,
		Choices: []Choice{{Index: 0, Delta: &delta}},
	}
	if b, err := json.Marshal(chunk); err == nil {
		w.logEvents = append(w.logEvents, b)
	}
}

func (w *StreamWriter) collectChunkForLog(chunk *ChatCompletion, delta *Delta) {
	if delta.Content != "" {
		if len(w.logPendingReasoning) > 0 {
			w.flushPendingLog()
		}
		w.logPendingContent = append(w.logPendingContent, delta.Content...)
		return
	}
	if delta.Reasoning != "" {
		if len(w.logPendingContent) > 0 {
			w.flushPendingLog()
		}
		w.logPendingReasoning = append(w.logPendingReasoning, delta.Reasoning...)
		return
	}
	w.flushPendingLog()
	if b, err := json.Marshal(chunk); err == nil {
		w.logEvents = append(w.logEvents, b)
	}
}

// takeValidUTF8 splits buf into its longest decodable prefix and the
// remainder, so multi-byte runes cut by chunk boundaries are never emitted
// half-finished.
func takeValidUTF8(buf []byte) (string, []byte) {
	if len(buf) == 0 {
		return "", nil
	}
	i := 0
	for i < len(buf) {
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size == 1 {
			break
		}
		i += size
	}
	if i == 0 {
		return "", buf
	}
	if i == len(buf) {
		return string(buf), nil
	}
	return string(buf[:i]), buf[i:]
}
