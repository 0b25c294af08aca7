package claude

import (
	"encoding/json"
	"strings"

	"github.com/ant2api/ant2api/internal/signature"
	"github.com/ant2api/ant2api/internal/util"
	"github.com/tidwall/gjson"
)

// ToMessagesResponse builds the unary messages response from a backend
// generateContent response body, persisting thought signatures as it walks
// the parts.
func ToMessagesResponse(body []byte, model, requestID string, sig *signature.Manager) *MessagesResponse {
	resp := gjson.GetBytes(body, "response")

	out := &MessagesResponse{
		ID:         "msg_" + requestID,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    []ResponseContentBlock{},
		StopReason: "end_turn",
	}
	if v := resp.Get("usageMetadata.promptTokenCount").Int(); v > 0 {
		out.Usage.InputTokens = int(v)
	}

	cand := resp.Get("candidates.0")
	if !cand.Exists() {
		return out
	}

	isClaude := util.IsClaude(model)

	var text, thinking strings.Builder
	thinkingSignature := ""
	var toolUses []ResponseContentBlock

	cand.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
		thought := p.Get("thought").Bool()
		partSig := strings.TrimSpace(p.Get("thoughtSignature").String())

		if isClaude && thought && partSig != "" {
			thinkingSignature = partSig
		}
		if thought {
			thinking.WriteString(p.Get("text").String())
			return true
		}
		if t := p.Get("text").String(); t != "" {
			text.WriteString(t)
			return true
		}

		fc := p.Get("functionCall")
		if !fc.Exists() {
			return true
		}

		toolID := strings.TrimSpace(fc.Get("id").String())
		if toolID == "" {
			toolID = util.ToolUseID()
		}

		// Claude puts the signature on the thinking part rather than the
		// functionCall part.
		sigStr := partSig
		if sigStr == "" && isClaude {
			sigStr = thinkingSignature
		}
		if sigStr != "" {
			reasoning := strings.TrimSpace(thinking.String())
			if reasoning == "" {
				reasoning = missingThoughtText
			}
			sig.Save(requestID, toolID, sigStr, reasoning, model)
		}

		input := fc.Get("args").Raw
		if input == "" {
			input = "{}"
		}
		toolUses = append(toolUses, ResponseContentBlock{
			Type:  "tool_use",
			ID:    strptr(toolID),
			Name:  strptr(fc.Get("name").String()),
			Input: json.RawMessage(input),
		})
		out.StopReason = "tool_use"
		return true
	})

	thinkingText := thinking.String()
	if thinkingSignature != "" && strings.TrimSpace(thinkingText) == "" {
		thinkingText = missingThoughtText
	}

	if thinkingText != "" || thinkingSignature != "" {
		block := ResponseContentBlock{Type: "thinking", Thinking: strptr(thinkingText)}
		if thinkingSignature != "" {
			block.Signature = strptr(thinkingSignature)
		}
		out.Content = append(out.Content, block)
	}
	if s := text.String(); s != "" {
		out.Content = append(out.Content, ResponseContentBlock{Type: "text", Text: strptr(s)})
	}
	out.Content = append(out.Content, toolUses...)

	if v := resp.Get("usageMetadata.candidatesTokenCount").Int(); v > 0 {
		out.Usage.OutputTokens = int(v)
	}

	return out
}
