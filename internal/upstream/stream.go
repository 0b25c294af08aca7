package upstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// ToolCallInfo is one function call collected from the stream.
type ToolCallInfo struct {
	ID               string
	Name             string
	Args             string
	ThoughtSignature string
}

// StreamResult aggregates everything observed while consuming one SSE
// response: concatenated text and thinking, tool calls, the last usage
// block, and optionally a merged response document for logging.
type StreamResult struct {
	UsageRaw         []byte
	FinishReason     string
	Text             string
	Thinking         string
	ThoughtSignature string
	ToolCalls        []ToolCallInfo
	MergedResponse   []byte
}

// StreamParseError carries the partial result accumulated before the
// stream failed, so signature saves still happen on broken connections.
type StreamParseError struct {
	Result *StreamResult
	Err    error
}

func (e *StreamParseError) Error() string { return e.Err.Error() }
func (e *StreamParseError) Unwrap() error { return e.Err }

// ParseStream consumes an SSE body line by line. Every `data:` payload is
// handed to receiver; a receiver error aborts the stream. `[DONE]`
// terminates cleanly.
func ParseStream(body io.Reader, receiver func(data gjson.Result, raw []byte) error, buildMerged bool, rawLogger func([]byte)) (*StreamResult, error) {
	result := &StreamResult{}
	var text, thinking bytes.Buffer

	var mergedParts []json.RawMessage
	lastFinishReason := ""
	var lastUsageRaw []byte

	finish := func() {
		result.Text = text.String()
		result.Thinking = thinking.String()
		if buildMerged {
			result.MergedResponse = buildMergedResponse(mergedParts, lastFinishReason, lastUsageRaw)
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if rawLogger != nil {
			rawLogger(line)
		}
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		payload := line[6:]
		if bytes.Equal(payload, []byte("[DONE]")) {
			finish()
			return result, nil
		}

		data := gjson.ParseBytes(payload)
		if !data.IsObject() {
			continue
		}

		if buildMerged {
			if usage := data.Get("response.usageMetadata"); usage.Exists() {
				lastUsageRaw = []byte(usage.Raw)
			}
			if fr := data.Get("response.candidates.0.finishReason").String(); fr != "" {
				lastFinishReason = fr
			}
			for _, p := range data.Get("response.candidates.0.content.parts").Array() {
				mergedParts = append(mergedParts, json.RawMessage(p.Raw))
			}
		}

		if usage := data.Get("response.usageMetadata"); usage.Exists() {
			result.UsageRaw = []byte(usage.Raw)
		}
		candidate := data.Get("response.candidates.0")
		if candidate.Exists() {
			if fr := candidate.Get("finishReason").String(); fr != "" {
				result.FinishReason = fr
			}
			for _, part := range candidate.Get("content.parts").Array() {
				sig := part.Get("thoughtSignature").String()
				if sig != "" {
					result.ThoughtSignature = sig
				}
				if part.Get("thought").Bool() {
					thinking.WriteString(part.Get("text").String())
					continue
				}
				if t := part.Get("text").String(); t != "" {
					text.WriteString(t)
					continue
				}
				if fc := part.Get("functionCall"); fc.Exists() {
					args := fc.Get("args").Raw
					if args == "" {
						args = "{}"
					}
					result.ToolCalls = append(result.ToolCalls, ToolCallInfo{
						ID:               fc.Get("id").String(),
						Name:             fc.Get("name").String(),
						Args:             args,
						ThoughtSignature: sig,
					})
				}
			}
		}

		if err := receiver(data, payload); err != nil {
			result.Text = text.String()
			result.Thinking = thinking.String()
			return result, &StreamParseError{Result: result, Err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		result.Text = text.String()
		result.Thinking = thinking.String()
		return result, &StreamParseError{Result: result, Err: fmt.Errorf("upstream: read stream: %w", err)}
	}

	finish()
	return result, nil
}

// buildMergedResponse folds the streamed parts back into one unary-shaped
// response document. Consecutive text and thought runs collapse into single
// parts; unknown sibling fields survive the merge.
func buildMergedResponse(parts []json.RawMessage, finishReason string, usageRaw []byte) []byte {
	merged := mergeParts(parts)

	content := map[string]any{"role": "model", "parts": merged}
	candidate := map[string]any{"content": content, "finishReason": finishReason}
	response := map[string]any{"candidates": []any{candidate}}
	if len(usageRaw) > 0 {
		response["usageMetadata"] = json.RawMessage(usageRaw)
	}

	out, err := json.Marshal(map[string]any{"response": response})
	if err != nil {
		return nil
	}
	return out
}

func mergeParts(parts []json.RawMessage) []any {
	merged := make([]any, 0, len(parts))
	var text, thinking bytes.Buffer
	textExtra := map[string]any{}
	thinkingExtra := map[string]any{}

	flush := func(buf *bytes.Buffer, thought bool, extra map[string]any) {
		if buf.Len() == 0 {
			return
		}
		obj := map[string]any{"text": buf.String()}
		if thought {
			obj["thought"] = true
		}
		for k, v := range extra {
			obj[k] = v
			delete(extra, k)
		}
		merged = append(merged, obj)
		buf.Reset()
	}

	for _, raw := range parts {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			flush(&text, false, textExtra)
			flush(&thinking, true, thinkingExtra)
			merged = append(merged, raw)
			continue
		}

		txt, _ := obj["text"].(string)
		if txt != "" {
			isThought, _ := obj["thought"].(bool)
			extra := extraFields(obj)
			if isThought {
				flush(&text, false, textExtra)
				thinking.WriteString(txt)
				for k, v := range extra {
					thinkingExtra[k] = v
				}
			} else {
				flush(&thinking, true, thinkingExtra)
				text.WriteString(txt)
				for k, v := range extra {
					textExtra[k] = v
				}
			}
			continue
		}

		flush(&text, false, textExtra)
		flush(&thinking, true, thinkingExtra)
		merged = append(merged, obj)
	}

	flush(&thinking, true, thinkingExtra)
	flush(&text, false, textExtra)
	return merged
}

func extraFields(obj map[string]any) map[string]any {
	extra := map[string]any{}
	for k, v := range obj {
		if k == "text" || k == "thought" {
			continue
		}
		extra[k] = v
	}
	return extra
}
