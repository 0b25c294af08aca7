package claude

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ant2api/ant2api/internal/util"
	"github.com/tidwall/gjson"
)

// StreamEvent is one named SSE event with its JSON payload.
type StreamEvent struct {
	Event string
	Data  string
}

// SSEErrorEvents renders a mid-stream failure as a Claude error event
// followed by message_stop. Field order matches the official output; some
// strict clients parse by text.
func SSEErrorEvents(msg string) []StreamEvent {
	return []StreamEvent{
		{Event: "error", Data: `{"type":"error","error":{"type":"api_error","message":` + jstr(msg) + `}}`},
		{Event: "message_stop", Data: `{"type":"message_stop"}`},
	}
}

// SignatureSave is a deferred signature store write produced while
// streaming; the handler applies them so the writer stays synchronous.
type SignatureSave struct {
	RequestID  string
	ToolCallID string
	Signature  string
	Reasoning  string
	Model      string
}

type blockType int

const (
	blockNone blockType = iota
	blockThinking
	blockText
)

// StreamWriter turns backend SSE parts into Claude messages events:
// message_start, content block lifecycle, message_delta, message_stop.
// Thought signatures surface as signature_delta on the thinking block and as
// SignatureSave records bound to the first following tool_use.
type StreamWriter struct {
	requestID   string
	model       string
	inputTokens int

	nextIndex    int
	started      bool
	currentBlock blockType
	currentIndex int

	pendingSignature    string
	pendingThinkingText string
	signatureEmitted    bool
	enableSignature     bool

	logEnabled         bool
	logEvents          []json.RawMessage
	logPendingThinking string
	logPendingText     string
	logPendingIndex    int
	logPendingKind     blockType
}

func NewStreamWriter(requestID, model string) *StreamWriter {
	return &StreamWriter{
		requestID:       requestID,
		model:           model,
		enableSignature: util.IsClaude(model),
	}
}

// SetInputTokens records the prompt token count for message_start. Ignored
// once the stream has started.
func (w *StreamWriter) SetInputTokens(n int) {
	if n <= 0 || w.started {
		return
	}
	w.inputTokens = n
}

func (w *StreamWriter) SetLogEnabled(enabled bool) {
	w.logEnabled = enabled
}

// ProcessPart consumes one candidate part from an SSE chunk and returns the
// events to emit plus any signature saves to apply.
func (w *StreamWriter) ProcessPart(part gjson.Result) ([]StreamEvent, []SignatureSave) {
	var events []StreamEvent
	var saves []SignatureSave

	if !w.started {
		events = append(events, w.emitMessageStart())
		w.started = true
	}

	thought := part.Get("thought").Bool()
	text := part.Get("text").String()
	partSig := strings.TrimSpace(part.Get("thoughtSignature").String())

	// A thinking signature binds to the block it arrived in and to the next
	// tool_use.
	if w.enableSignature && thought && partSig != "" {
		w.pendingSignature = partSig
		w.signatureEmitted = false
	}

	switch {
	case thought:
		if w.currentBlock != blockThinking {
			events = append(events, w.closeCurrentBlock()...)
			events = append(events, w.openBlock(blockThinking))
		}
		if text != "" {
			events = append(events, w.emitThinkingDelta(text))
			w.pendingThinkingText += text
		}

	case text != "":
		if w.currentBlock != blockText {
			events = append(events, w.flushSignatureToCurrentBlock()...)
			events = append(events, w.closeCurrentBlock()...)
			events = append(events, w.openBlock(blockText))
		}
		events = append(events, w.emitTextDelta(text))

	default:
		fc := part.Get("functionCall")
		if !fc.Exists() {
			break
		}
		events = append(events, w.closeCurrentBlock()...)
		toolEvents, save := w.emitToolUse(fc, partSig)
		events = append(events, toolEvents...)
		if save != nil {
			saves = append(saves, *save)
		}
	}

	return events, saves
}

// Finish closes any open block and emits message_delta plus message_stop.
func (w *StreamWriter) Finish(outputTokens int, stopReason string) []StreamEvent {
	var events []StreamEvent

	if w.currentBlock == blockThinking {
		events = append(events, w.flushSignatureToCurrentBlock()...)
	}
	events = append(events, w.closeCurrentBlock()...)
	events = append(events, w.emitMessageDelta(outputTokens, stopReason))
	events = append(events, w.emitMessageStop())

	return events
}

func (w *StreamWriter) openBlock(t blockType) StreamEvent {
	idx := w.nextIndex
	w.nextIndex++
	w.currentBlock = t
	w.currentIndex = idx

	var data string
	if t == blockThinking {
		w.pendingThinkingText = ""
		// A new block may bind the same signature again.
		w.signatureEmitted = false
		data = `{"content_block":{"thinking":"","type":"thinking"},"index":` + strconv.Itoa(idx) + `,"type":"content_block_start"}`
	} else {
		data = `{"content_block":{"text":"","type":"text"},"index":` + strconv.Itoa(idx) + `,"type":"content_block_start"}`
	}

	w.collectPlainEventForLog(data)
	return StreamEvent{Event: "content_block_start", Data: data}
}

func (w *StreamWriter) closeCurrentBlock() []StreamEvent {
	if w.currentBlock == blockNone {
		return nil
	}
	idx := w.currentIndex
	w.currentBlock = blockNone

	data := `{"index":` + strconv.Itoa(idx) + `,"type":"content_block_stop"}`
	w.collectPlainEventForLog(data)
	return []StreamEvent{{Event: "content_block_stop", Data: data}}
}

func (w *StreamWriter) emitMessageStart() StreamEvent {
	data := `{"message":{"content":[],"id":` + jstr("msg_"+w.requestID) + `,"model":` + jstr(w.model) +
		`,"role":"assistant","stop_reason":null,"stop_sequence":null,"type":"message","usage":{"input_tokens":` +
		strconv.Itoa(max(w.inputTokens, 0)) + `,"output_tokens":0}},"type":"message_start"}`
	w.collectPlainEventForLog(data)
	return StreamEvent{Event: "message_start", Data: data}
}

func (w *StreamWriter) emitThinkingDelta(text string) StreamEvent {
	data := `{"delta":{"thinking":` + jstr(text) + `,"type":"thinking_delta"},"index":` +
		strconv.Itoa(w.currentIndex) + `,"type":"content_block_delta"}`
	w.collectDeltaForLog(blockThinking, w.currentIndex, text)
	return StreamEvent{Event: "content_block_delta", Data: data}
}

func (w *StreamWriter) emitTextDelta(text string) StreamEvent {
	data := `{"delta":{"text":` + jstr(text) + `,"type":"text_delta"},"index":` +
		strconv.Itoa(w.currentIndex) + `,"type":"content_block_delta"}`
	w.collectDeltaForLog(blockText, w.currentIndex, text)
	return StreamEvent{Event: "content_block_delta", Data: data}
}

func (w *StreamWriter) emitSignatureDelta(index int, sig string) StreamEvent {
	data := `{"delta":{"signature":` + jstr(sig) + `,"type":"signature_delta"},"index":` +
		strconv.Itoa(index) + `,"type":"content_block_delta"}`
	w.collectPlainEventForLog(data)
	return StreamEvent{Event: "content_block_delta", Data: data}
}

// flushSignatureToCurrentBlock emits at most one signature_delta on the open
// thinking block.
func (w *StreamWriter) flushSignatureToCurrentBlock() []StreamEvent {
	if w.currentBlock != blockThinking || !w.enableSignature {
		return nil
	}
	sig := strings.TrimSpace(w.pendingSignature)
	if sig == "" || w.signatureEmitted {
		return nil
	}

	var events []StreamEvent

	// A signature without thought text cannot be reconstructed later, so a
	// placeholder keeps the block valid.
	if strings.TrimSpace(w.pendingThinkingText) == "" {
		events = append(events, w.emitThinkingDelta(missingThoughtText))
		w.pendingThinkingText += missingThoughtText
	}

	if w.logEnabled {
		w.flushPendingLog()
	}
	events = append(events, w.emitSignatureDelta(w.currentIndex, sig))
	w.signatureEmitted = true
	return events
}

func (w *StreamWriter) emitToolUse(fc gjson.Result, partSig string) ([]StreamEvent, *SignatureSave) {
	idx := w.nextIndex
	w.nextIndex++

	toolID := strings.TrimSpace(fc.Get("id").String())
	if toolID == "" {
		toolID = util.ToolUseID()
	}

	// Per the Claude SSE contract content_block_start carries an empty input
	// object; the real input arrives through input_json_delta.
	inputJSON := fc.Get("args").Raw
	if inputJSON == "" {
		inputJSON = "{}"
	}

	index := strconv.Itoa(idx)
	events := []StreamEvent{
		{Event: "content_block_start", Data: `{"content_block":{"id":` + jstr(toolID) + `,"input":{},"name":` +
			jstr(fc.Get("name").String()) + `,"type":"tool_use"},"index":` + index + `,"type":"content_block_start"}`},
		{Event: "content_block_delta", Data: `{"delta":{"partial_json":` + jstr(inputJSON) +
			`,"type":"input_json_delta"},"index":` + index + `,"type":"content_block_delta"}`},
		{Event: "content_block_stop", Data: `{"index":` + index + `,"type":"content_block_stop"}`},
	}
	for _, e := range events {
		w.collectPlainEventForLog(e.Data)
	}

	sigToSave := ""
	consumedPending := false
	if partSig != "" {
		sigToSave = partSig
	} else if w.enableSignature && strings.TrimSpace(w.pendingSignature) != "" {
		sigToSave = strings.TrimSpace(w.pendingSignature)
		consumedPending = true
	}

	var save *SignatureSave
	if sigToSave != "" {
		reasoning := strings.TrimSpace(w.pendingThinkingText)
		if reasoning == "" {
			reasoning = missingThoughtText
		}
		save = &SignatureSave{
			RequestID:  w.requestID,
			ToolCallID: toolID,
			Signature:  sigToSave,
			Reasoning:  reasoning,
			Model:      w.model,
		}
	}

	// Parallel calls share one thought; only the first tool_use takes the
	// pending signature.
	if consumedPending {
		w.pendingSignature = ""
	}

	return events, save
}

func (w *StreamWriter) emitMessageDelta(outputTokens int, stopReason string) StreamEvent {
	data := `{"delta":{"stop_reason":` + jstr(stopReason) + `,"stop_sequence":null},"type":"message_delta","usage":{"output_tokens":` +
		strconv.Itoa(max(outputTokens, 0)) + `}}`
	w.collectPlainEventForLog(data)
	return StreamEvent{Event: "message_delta", Data: data}
}

func (w *StreamWriter) emitMessageStop() StreamEvent {
	data := `{"type":"message_stop"}`
	w.collectPlainEventForLog(data)
	return StreamEvent{Event: "message_stop", Data: data}
}

// TakeMergedEventsForLog returns the event log with consecutive thinking and
// text deltas coalesced, clearing the buffer.
func (w *StreamWriter) TakeMergedEventsForLog() []json.RawMessage {
	if !w.logEnabled {
		return nil
	}
	w.flushPendingLog()
	events := w.logEvents
	w.logEvents = nil
	return events
}

func (w *StreamWriter) collectDeltaForLog(kind blockType, index int, text string) {
	if !w.logEnabled || text == "" {
		return
	}
	if w.logPendingKind != kind || w.logPendingIndex != index {
		w.flushPendingLog()
		w.logPendingKind = kind
		w.logPendingIndex = index
	}
	if kind == blockThinking {
		w.logPendingThinking += text
	} else {
		w.logPendingText += text
	}
}

func (w *StreamWriter) collectPlainEventForLog(data string) {
	if !w.logEnabled {
		return
	}
	w.flushPendingLog()
	w.logEvents = append(w.logEvents, json.RawMessage(data))
}

func (w *StreamWriter) flushPendingLog() {
	if !w.logEnabled || w.logPendingKind == blockNone {
		return
	}

	index := strconv.Itoa(w.logPendingIndex)
	switch w.logPendingKind {
	case blockThinking:
		if w.logPendingThinking != "" {
			w.logEvents = append(w.logEvents, json.RawMessage(
				`{"delta":{"thinking":`+jstr(w.logPendingThinking)+`,"type":"thinking_delta"},"index":`+index+`,"type":"content_block_delta"}`))
			w.logPendingThinking = ""
		}
	case blockText:
		if w.logPendingText != "" {
			w.logEvents = append(w.logEvents, json.RawMessage(
				`{"delta":{"text":`+jstr(w.logPendingText)+`,"type":"text_delta"},"index":`+index+`,"type":"content_block_delta"}`))
			w.logPendingText = ""
		}
	}
	w.logPendingKind = blockNone
}

func jstr(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
