package openai

import (
	"encoding/json"
	"strings"

	"github.com/ant2api/ant2api/internal/config"
	"github.com/ant2api/ant2api/internal/signature"
	"github.com/ant2api/ant2api/internal/translator/common"
	"github.com/ant2api/ant2api/internal/util"
	"github.com/ant2api/ant2api/internal/vertex"
	"github.com/tidwall/gjson"
)

// missingThoughtText stands in for a thought whose signature survived but
// whose text the client dropped; the backend rejects a bare signature.
const missingThoughtText = "[missing thought text]"

// ToVertexRequest converts a chat-completions request into the backend
// envelope. It returns the request plus the generated request id the
// signature store keys on. req may be repaired in place (tool-only
// assistant merge).
func ToVertexRequest(sig *signature.Manager, req *ChatRequest, account *common.AccountContext) (*vertex.Request, string) {
	model := strings.TrimSpace(req.Model)
	isImageModel := util.IsImageModel(model)
	isGemini3Flash := util.IsGemini3Flash(model)

	requestID := util.RequestID()

	vreq := &vertex.Request{
		Project:     account.ProjectID,
		Model:       util.BackendModelID(req.Model),
		RequestID:   requestID,
		RequestType: "agent",
		UserAgent:   "antigravity",
		Request: vertex.InnerReq{
			SessionID: account.SessionID,
		},
	}

	if sys := extractSystemFromMessages(req.Messages); sys != "" {
		vreq.Request.SystemInstruction = &vertex.SystemInstruction{
			Role:  "user",
			Parts: []vertex.Part{{Text: sys}},
		}
	}

	if len(req.Tools) > 0 {
		vreq.Request.Tools = toVertexTools(req.Tools)
		vreq.Request.ToolConfig = &vertex.ToolConfig{
			FunctionCallingConfig: &vertex.FunctionCallingConfig{Mode: "AUTO"},
		}
	}

	vreq.Request.GenerationConfig = buildGenerationConfig(req)
	vreq.Request.Contents = vertex.SanitizeContents(toVertexContents(req, sig))

	if !isImageModel && !isGemini3Flash {
		vreq.Request.SystemInstruction = vertex.InjectAgentSystemPrompt(vreq.Request.SystemInstruction)
	}

	return vreq, requestID
}

func extractSystemFromMessages(messages []Message) string {
	var b strings.Builder
	first := true
	for _, m := range messages {
		if m.Role != "system" {
			continue
		}
		t := common.ExtractTextFromContent(gjson.ParseBytes(m.Content), "\n", false)
		if t == "" {
			continue
		}
		if !first {
			b.WriteString("\n\n")
		}
		b.WriteString(t)
		first = false
	}
	return b.String()
}

func toVertexContents(req *ChatRequest, sig *signature.Manager) []vertex.Content {
	// Rare but real: an assistant turn that is nothing but tool_calls, with
	// no text and no reasoning. The backend requires a thought signature on
	// every tool call, and fabricating one corrupts its state, so such a
	// turn is merged into the previous assistant turn that does carry a
	// signed tool call.
	mergeToolOnlyAssistantMessages(req, sig)

	var out []vertex.Content

	model := strings.TrimSpace(req.Model)
	isClaudeThinking := util.IsClaudeThinking(model)
	isGemini := util.IsGemini(model)

	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system":
			continue
		case "user":
			parts := extractUserParts(m.Content, sig)
			out = append(out, vertex.Content{Role: "user", Parts: parts})
		case "assistant":
			parts := make([]vertex.Part, 0, 2+len(m.ToolCalls))

			thinkingText := strings.TrimSpace(m.Reasoning)
			if thinkingText == "" {
				thinkingText = strings.TrimSpace(m.ReasoningContent)
			}

			firstToolSig, firstToolReasoning := "", ""
			if len(m.ToolCalls) > 0 {
				if e, ok := sig.LookupByToolCallID(m.ToolCalls[0].ID); ok {
					firstToolSig = strings.TrimSpace(e.Signature)
					firstToolReasoning = e.Reasoning
				}
			}

			if isClaudeThinking {
				injectedText := thinkingText
				if injectedText == "" {
					injectedText = strings.TrimSpace(firstToolReasoning)
				}
				injectedSig := firstToolSig

				if injectedSig != "" && injectedText == "" && len(m.ToolCalls) > 0 {
					injectedText = missingThoughtText
				}
				if injectedSig != "" && injectedText != "" {
					parts = append(parts, vertex.Part{
						Text:             injectedText,
						Thought:          true,
						ThoughtSignature: injectedSig,
					})
				}
			} else if thinkingText != "" {
				parts = append(parts, vertex.Part{Text: thinkingText, Thought: true})
			}

			if t := common.ExtractTextFromContent(gjson.ParseBytes(m.Content), "\n", false); t != "" {
				parts = append(parts, textPartsWithImages(t, sig)...)
			}

			for idx, tc := range m.ToolCalls {
				sigStr := ""
				if isGemini {
					if e, ok := sig.LookupByToolCallID(tc.ID); ok {
						sigStr = strings.TrimSpace(e.Signature)
					}
					// Parallel calls share one thought; the backend only
					// takes the signature on the first.
					if idx != 0 {
						sigStr = ""
					}
				}
				parts = append(parts, vertex.Part{
					FunctionCall: &vertex.FunctionCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
						Args: parseArgs(tc.Function.Arguments),
					},
					ThoughtSignature: sigStr,
				})
			}

			if len(parts) > 0 {
				out = append(out, vertex.Content{Role: "model", Parts: parts})
			}
		case "tool":
			funcName := vertex.FindFunctionName(out, m.ToolCallID)
			output := common.ExtractTextFromContent(gjson.ParseBytes(m.Content), "\n", false)

			part := vertex.Part{
				FunctionResponse: &vertex.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     funcName,
					Response: map[string]any{"output": output},
				},
			}
			out = appendFunctionResponse(out, part)
		}
	}

	return out
}

func isToolOnlyAssistantMessage(m *Message) bool {
	if m.Role != "assistant" || len(m.ToolCalls) == 0 {
		return false
	}
	if strings.TrimSpace(m.Reasoning) != "" || strings.TrimSpace(m.ReasoningContent) != "" {
		return false
	}
	content := gjson.ParseBytes(m.Content)
	if content.Type == gjson.String {
		return strings.TrimSpace(content.String()) == ""
	}
	return strings.TrimSpace(common.ExtractTextFromContent(content, "\n", false)) == ""
}

func hasSignatureForFirstToolCall(sig *signature.Manager, m *Message) bool {
	if len(m.ToolCalls) == 0 {
		return false
	}
	id := strings.TrimSpace(m.ToolCalls[0].ID)
	if id == "" {
		return false
	}
	_, ok := sig.Cache().GetByToolCallID(id)
	return ok
}

func mergeToolOnlyAssistantMessages(req *ChatRequest, sig *signature.Manager) {
	i := 0
	for i < len(req.Messages) {
		if !isToolOnlyAssistantMessage(&req.Messages[i]) {
			i++
			continue
		}

		// Only repair completed round-trips where the tool result follows
		// directly; anything else may be a legitimate in-flight turn.
		if i+1 >= len(req.Messages) || req.Messages[i+1].Role != "tool" {
			i++
			continue
		}

		// A cached signature means the turn passes validation on its own.
		if hasSignatureForFirstToolCall(sig, &req.Messages[i]) {
			i++
			continue
		}

		anchor := -1
		for j := i - 1; j >= 0; j-- {
			m := &req.Messages[j]
			if m.Role != "assistant" || len(m.ToolCalls) == 0 {
				continue
			}
			if hasSignatureForFirstToolCall(sig, m) {
				anchor = j
				break
			}
		}
		if anchor < 0 {
			i++
			continue
		}

		req.Messages[anchor].ToolCalls = append(req.Messages[anchor].ToolCalls, req.Messages[i].ToolCalls...)
		req.Messages = append(req.Messages[:i], req.Messages[i+1:]...)
	}
}

func extractUserParts(content json.RawMessage, sig *signature.Manager) []vertex.Part {
	var out []vertex.Part

	parsed := gjson.ParseBytes(content)
	if parsed.Type == gjson.String {
		if s := parsed.String(); s != "" {
			out = append(out, vertex.Part{Text: s})
		}
		return out
	}
	if !parsed.IsArray() {
		return out
	}

	parsed.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		switch item.Get("type").String() {
		case "text":
			if t := item.Get("text").String(); t != "" {
				out = append(out, vertex.Part{Text: t})
			}
		case "image_url":
			inline := parseImageURL(item.Get("image_url.url").String())
			if inline == nil {
				return true
			}
			out = append(out, vertex.Part{
				InlineData:       inline,
				ThoughtSignature: lookupImageSignature(sig, inline.SignatureKey()),
			})
		}
		return true
	})

	return out
}

func lookupImageSignature(sig *signature.Manager, imageKey string) string {
	if imageKey == "" {
		return ""
	}
	if e, ok := sig.LookupByToolCallID(imageKey); ok {
		return e.Signature
	}
	return ""
}

func buildGenerationConfig(req *ChatRequest) *vertex.GenerationConfig {
	model := strings.TrimSpace(req.Model)
	isClaude := util.IsClaude(model)
	isGemini := util.IsGemini(model)
	isImageModel := util.IsImageModel(model)

	out := &vertex.GenerationConfig{CandidateCount: 1}

	// Gemini always runs with the fixed output ceiling.
	if isGemini {
		out.MaxOutputTokens = util.GeminiMaxOutputTokens
	} else if req.MaxTokens > 0 && !isClaude {
		out.MaxOutputTokens = req.MaxTokens
	}

	out.Temperature = req.Temperature
	out.TopP = req.TopP

	if tc := util.ThinkingConfigFromOpenAI(model, req.ReasoningEffort); tc != nil {
		out.ThinkingConfig = &vertex.ThinkingConfig{
			IncludeThoughts: tc.IncludeThoughts,
			ThinkingBudget:  tc.ThinkingBudget,
			ThinkingLevel:   tc.ThinkingLevel,
		}
	}

	if isClaude {
		out.MaxOutputTokens = util.ClaudeMaxOutputTokens
	}

	common.ReconcileThinkingBudget(out, isClaude, isGemini)

	if size, _, ok := util.GeminiProImageSizeConfig(model); ok {
		out.ImageConfig = &vertex.ImageConfig{ImageSize: size}
	}

	if util.IsGemini3(model) && !isImageModel {
		if v, ok := util.ToAPIMediaResolution(config.Runtime().Gemini3MediaResolution); ok && v != "" {
			out.MediaResolution = v
		}
	}

	return out
}

func toVertexTools(tools []Tool) []vertex.Tool {
	out := make([]vertex.Tool, 0, len(tools))
	for _, t := range tools {
		params := vertex.SanitizeFunctionParametersSchema(t.Function.Parameters)
		if len(params) == 0 {
			// Some clients omit parameters entirely; an absent schema makes
			// the model emit malformed calls, so declare a bare OBJECT.
			params["type"] = "OBJECT"
		}
		out = append(out, vertex.Tool{
			FunctionDeclarations: []vertex.FunctionDeclaration{{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  params,
			}},
		})
	}
	return out
}

type markdownImage struct {
	inline    *vertex.InlineData
	signature string
	start     int
	end       int
}

// textPartsWithImages splits assistant text around inline markdown images,
// lifting each `![image](data:MIME;base64,DATA)` into inlineData with its
// cached signature.
func textPartsWithImages(t string, sig *signature.Manager) []vertex.Part {
	images := parseMarkdownImages(t, sig)
	if len(images) == 0 {
		return []vertex.Part{{Text: t}}
	}

	var parts []vertex.Part
	last := 0
	for _, img := range images {
		if img.start > last {
			if seg := t[last:img.start]; seg != "" {
				parts = append(parts, vertex.Part{Text: seg})
			}
		}
		parts = append(parts, vertex.Part{
			InlineData:       img.inline,
			ThoughtSignature: img.signature,
		})
		last = img.end
	}
	if last < len(t) {
		if seg := t[last:]; seg != "" {
			parts = append(parts, vertex.Part{Text: seg})
		}
	}
	return parts
}

func parseMarkdownImages(content string, sig *signature.Manager) []markdownImage {
	matches := parseMarkdownImageMatches(content)
	if len(matches) == 0 {
		return nil
	}

	out := make([]markdownImage, 0, len(matches))
	for _, m := range matches {
		inline := &vertex.InlineData{MimeType: m.mimeType, Data: m.data}
		out = append(out, markdownImage{
			inline:    inline,
			signature: lookupImageSignature(sig, inline.SignatureKey()),
			start:     m.start,
			end:       m.end,
		})
	}
	return out
}

type markdownImageMatch struct {
	mimeType string
	data     string
	start    int
	end      int
}

func parseMarkdownImageMatches(content string) []markdownImageMatch {
	const prefix = "![image](data:"
	const base64Mark = ";base64,"

	var out []markdownImageMatch
	i := 0
	for {
		pos := strings.Index(content[i:], prefix)
		if pos < 0 {
			break
		}
		start := i + pos
		j := start + len(prefix)
		markRel := strings.Index(content[j:], base64Mark)
		if markRel < 0 {
			break
		}
		mark := j + markRel
		mimeType := content[j:mark]
		if mimeType == "" {
			i = j
			continue
		}
		j = mark + len(base64Mark)
		endRel := strings.IndexByte(content[j:], ')')
		if endRel < 0 {
			break
		}
		end := j + endRel + 1
		data := content[j : end-1]
		if data == "" {
			i = end
			continue
		}
		out = append(out, markdownImageMatch{
			mimeType: mimeType,
			data:     data,
			start:    start,
			end:      end,
		})
		i = end
	}
	return out
}

func parseImageURL(url string) *vertex.InlineData {
	const dataPrefix = "data:"
	const base64Mark = ";base64,"
	if !strings.HasPrefix(url, "data:image/") {
		return nil
	}
	marker := strings.Index(url, base64Mark)
	if marker < len(dataPrefix) {
		return nil
	}
	mimeType := url[len(dataPrefix):marker]
	data := url[marker+len(base64Mark):]
	if mimeType == "" || data == "" {
		return nil
	}
	return &vertex.InlineData{MimeType: mimeType, Data: data}
}

func parseArgs(args string) map[string]any {
	out := map[string]any{}
	if args == "" {
		return out
	}
	if err := json.Unmarshal([]byte(args), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// appendFunctionResponse attaches a tool result to the trailing user turn,
// or opens a new one after a model turn.
func appendFunctionResponse(contents []vertex.Content, part vertex.Part) []vertex.Content {
	if n := len(contents); n > 0 {
		switch contents[n-1].Role {
		case "model":
			return append(contents, vertex.Content{Role: "user", Parts: []vertex.Part{part}})
		case "user":
			contents[n-1].Parts = append(contents[n-1].Parts, part)
			return contents
		}
	}
	return append(contents, vertex.Content{Role: "user", Parts: []vertex.Part{part}})
}
