package openai

import (
	"strings"
	"time"

	"github.com/ant2api/ant2api/internal/signature"
	"github.com/ant2api/ant2api/internal/util"
	"github.com/tidwall/gjson"
)

// ConvertUsage maps a backend usageMetadata object to OpenAI usage.
func ConvertUsage(meta gjson.Result) *Usage {
	if !meta.Exists() || !meta.IsObject() {
		return nil
	}
	return &Usage{
		PromptTokens:     int(meta.Get("promptTokenCount").Int()),
		CompletionTokens: int(meta.Get("candidatesTokenCount").Int()),
		TotalTokens:      int(meta.Get("totalTokenCount").Int()),
	}
}

// ToChatCompletion builds the unary chat completion from a backend
// generateContent response body, persisting thought signatures as it walks
// the parts.
func ToChatCompletion(body []byte, model, requestID string, sig *signature.Manager) *ChatCompletion {
	resp := gjson.GetBytes(body, "response")

	stop := "stop"
	out := &ChatCompletion{
		ID:      util.ChatCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index: 0,
			Message: &Message{
				Role:    "assistant",
				Content: jsonString(""),
			},
			FinishReason: &stop,
		}},
		Usage: ConvertUsage(resp.Get("usageMetadata")),
	}

	cand := resp.Get("candidates.0")
	if !cand.Exists() {
		return out
	}

	var content, reasoning strings.Builder
	var toolCalls []ToolCall

	isClaudeThinking := util.IsClaudeThinking(model)
	pendingSig := ""
	var pendingReasoning strings.Builder

	cand.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
		if p.Get("thought").Bool() {
			text := p.Get("text").String()
			reasoning.WriteString(text)
			pendingReasoning.WriteString(text)
			if s := p.Get("thoughtSignature").String(); isClaudeThinking && s != "" {
				pendingSig = s
			}
			return true
		}
		if text := p.Get("text").String(); text != "" {
			content.WriteString(text)
			return true
		}
		if inline := p.Get("inlineData"); inline.Exists() {
			mimeType := inline.Get("mimeType").String()
			data := inline.Get("data").String()
			imageKey := inlineSignatureKey(data)
			if s := p.Get("thoughtSignature").String(); s != "" {
				sig.SaveImageKey(requestID, imageKey, s, pendingReasoning.String(), model)
				pendingReasoning.Reset()
			}
			content.WriteString("![image](data:")
			content.WriteString(mimeType)
			content.WriteString(";base64,")
			content.WriteString(data)
			content.WriteString(")")
			return true
		}
		if fc := p.Get("functionCall"); fc.Exists() {
			toolCallID := fc.Get("id").String()
			if toolCallID == "" {
				toolCallID = util.ToolCallID()
			}

			saved := false
			partSig := p.Get("thoughtSignature").String()
			if isClaudeThinking {
				if pendingSig != "" {
					sig.Save(requestID, toolCallID, pendingSig, pendingReasoning.String(), model)
					pendingSig = ""
					saved = true
				} else if partSig != "" {
					sig.Save(requestID, toolCallID, partSig, pendingReasoning.String(), model)
					saved = true
				}
			} else if partSig != "" {
				sig.Save(requestID, toolCallID, partSig, pendingReasoning.String(), model)
				saved = true
			}
			if saved {
				pendingReasoning.Reset()
			}

			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   toolCallID,
				Type: "function",
				Function: FunctionCall{
					Name:      fc.Get("name").String(),
					Arguments: args,
				},
			})
		}
		return true
	})

	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}
	out.Choices[0].FinishReason = &finish
	out.Choices[0].Message.Content = jsonString(content.String())
	out.Choices[0].Message.Reasoning = reasoning.String()
	out.Choices[0].Message.ToolCalls = toolCalls

	return out
}

// inlineSignatureKey fingerprints inline image data: the first 50 bytes of
// the base64 payload.
func inlineSignatureKey(data string) string {
	if data == "" {
		return ""
	}
	if len(data) > 50 {
		return data[:50]
	}
	return data
}

// ToModelsResponse renders the model catalogue in OpenAI list form.
func ToModelsResponse(models map[string]struct{}) *ModelsResponse {
	ids := util.BuildSortedModelIDs(models)
	items := make([]ModelItem, 0, len(ids))
	for _, id := range ids {
		ownedBy := "google"
		if strings.HasPrefix(id, "claude-") {
			ownedBy = "anthropic"
		} else if strings.HasPrefix(id, "gpt-") {
			ownedBy = "openai"
		}
		items = append(items, ModelItem{ID: id, Object: "model", OwnedBy: ownedBy})
	}
	return &ModelsResponse{Object: "list", Data: items}
}
