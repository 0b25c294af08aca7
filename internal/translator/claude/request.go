package claude

import (
	"encoding/json"
	"errors"
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

// ErrMissingMessages rejects a request without any messages.
var ErrMissingMessages = errors.New("messages 是必填字段")

// ToVertexRequest converts a messages request into the backend envelope. It
// returns the request plus the generated request id the signature store keys
// on.
func ToVertexRequest(sig *signature.Manager, req *MessagesRequest, account *common.AccountContext) (*vertex.Request, string, error) {
	if len(req.Messages) == 0 {
		return nil, "", ErrMissingMessages
	}

	model := strings.TrimSpace(req.Model)
	isClaudeModel := util.IsClaude(model)
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

	if sys := common.ExtractClaudeSystemText(gjson.ParseBytes(req.System)); sys != "" {
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
	vreq.Request.Contents = vertex.SanitizeContents(toVertexContents(req.Messages, sig, isClaudeModel))

	if !isImageModel && !isGemini3Flash {
		vreq.Request.SystemInstruction = vertex.InjectAgentSystemPrompt(vreq.Request.SystemInstruction)
	}

	return vreq, requestID, nil
}

func buildGenerationConfig(req *MessagesRequest) *vertex.GenerationConfig {
	model := strings.TrimSpace(req.Model)
	isClaude := util.IsClaude(model)
	isGemini := util.IsGemini(model)
	isImageModel := util.IsImageModel(model)

	out := &vertex.GenerationConfig{CandidateCount: 1}

	switch {
	case isClaude:
		out.MaxOutputTokens = util.ClaudeMaxOutputTokens
	case isGemini:
		out.MaxOutputTokens = util.GeminiMaxOutputTokens
	case req.MaxTokens > 0:
		out.MaxOutputTokens = req.MaxTokens
	default:
		out.MaxOutputTokens = 8192
	}

	out.Temperature = req.Temperature
	out.TopP = req.TopP
	if len(req.StopSequences) > 0 {
		out.StopSequences = req.StopSequences
	}

	var tc *util.ThinkingConfig
	if req.Thinking != nil {
		tc = util.ThinkingConfigFromClaude(model, req.Thinking.Type, req.Thinking.Budget, req.Thinking.BudgetTokens)
	} else {
		tc = util.ForcedThinkingConfig(model)
	}
	if tc != nil {
		out.ThinkingConfig = &vertex.ThinkingConfig{
			IncludeThoughts: tc.IncludeThoughts,
			ThinkingBudget:  tc.ThinkingBudget,
			ThinkingLevel:   tc.ThinkingLevel,
		}
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
		params := vertex.SanitizeFunctionParametersSchema(t.InputSchema)
		if len(params) == 0 {
			// Some clients omit input_schema entirely; an absent schema makes
			// the model emit malformed calls, so declare a bare OBJECT.
			params["type"] = "OBJECT"
		}
		out = append(out, vertex.Tool{
			FunctionDeclarations: []vertex.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			}},
		})
	}
	return out
}

func toVertexContents(messages []Message, sig *signature.Manager, isClaudeModel bool) []vertex.Content {
	var out []vertex.Content

	for _, m := range messages {
		var role string
		switch m.Role {
		case "user":
			role = "user"
		case "assistant":
			role = "model"
		default:
			continue
		}

		content := gjson.ParseBytes(m.Content)

		var parts []vertex.Part
		if content.Type == gjson.String {
			if s := content.String(); s != "" {
				parts = append(parts, vertex.Part{Text: s})
			}
		} else if content.IsArray() {
			parts = blocksToParts(content.Array(), out, sig, isClaudeModel)
		}

		if len(parts) == 0 {
			continue
		}
		out = append(out, vertex.Content{Role: role, Parts: parts})
	}

	return out
}

func blocksToParts(blocks []gjson.Result, prior []vertex.Content, sig *signature.Manager, isClaudeModel bool) []vertex.Part {
	var parts []vertex.Part

	for i, block := range blocks {
		switch block.Get("type").String() {
		case "text":
			if t := block.Get("text").String(); t != "" {
				parts = append(parts, vertex.Part{Text: t})
			}

		case "thinking":
			text := block.Get("thinking").String()
			if !isClaudeModel {
				if text != "" {
					parts = append(parts, vertex.Part{Text: text, Thought: true})
				}
				continue
			}
			sigStr := resolveThoughtSignature(sig, blocks, i, block.Get("signature").String())
			if sigStr == "" {
				// Without a signature the backend rejects the thought; the
				// turn still works because the text is advisory.
				continue
			}
			if strings.TrimSpace(text) == "" {
				text = missingThoughtText
			}
			parts = append(parts, vertex.Part{Text: text, Thought: true, ThoughtSignature: sigStr})

		case "redacted_thinking":
			if !isClaudeModel {
				parts = append(parts, vertex.Part{Thought: true})
				continue
			}
			data := resolveThoughtSignature(sig, blocks, i, block.Get("data").String())
			if data == "" {
				continue
			}
			parts = append(parts, vertex.Part{Thought: true, ThoughtSignature: data})

		case "tool_use":
			id := strings.TrimSpace(block.Get("id").String())
			if id == "" {
				id = util.ToolCallID()
			}
			args := map[string]any{}
			if input := block.Get("input"); input.IsObject() {
				if err := json.Unmarshal([]byte(input.Raw), &args); err != nil {
					args = map[string]any{}
				}
			}
			sigStr := ""
			if !isClaudeModel {
				// Gemini expects the thought signature on the call itself;
				// Claude carries it inside the thinking block instead.
				if e, ok := sig.LookupByToolCallID(id); ok {
					sigStr = strings.TrimSpace(e.Signature)
				}
			}
			parts = append(parts, vertex.Part{
				FunctionCall: &vertex.FunctionCall{
					ID:   id,
					Name: block.Get("name").String(),
					Args: args,
				},
				ThoughtSignature: sigStr,
			})

		case "tool_result":
			id := strings.TrimSpace(block.Get("tool_use_id").String())
			if id == "" {
				continue
			}
			name := strings.TrimSpace(vertex.FindFunctionName(prior, id))
			if name == "" {
				continue
			}
			output := common.ExtractTextFromContent(block.Get("content"), "", false)
			parts = append(parts, vertex.Part{
				FunctionResponse: &vertex.FunctionResponse{
					ID:       id,
					Name:     name,
					Response: map[string]any{"output": output},
				},
			})
		}
	}

	return parts
}

// resolveThoughtSignature recovers the full signature for a thinking or
// redacted_thinking block. Clients may drop or truncate it, so the cache is
// consulted via the tool call the thought precedes.
func resolveThoughtSignature(sig *signature.Manager, blocks []gjson.Result, i int, raw string) string {
	out := strings.TrimSpace(raw)
	toolUseID := lookaheadToolUseID(blocks, i+1)

	if out == "" {
		if e, ok := sig.LookupByToolCallID(toolUseID); ok {
			out = strings.TrimSpace(e.Signature)
		}
		return out
	}
	if len(out) <= 50 {
		if e, ok := sig.LookupByToolCallIDAndSignaturePrefix(toolUseID, out); ok {
			out = strings.TrimSpace(e.Signature)
		}
	}
	return out
}

// lookaheadToolUseID returns the id of the first tool_use block at or after
// from.
func lookaheadToolUseID(blocks []gjson.Result, from int) string {
	for j := from; j < len(blocks); j++ {
		if blocks[j].Get("type").String() != "tool_use" {
			continue
		}
		if id := strings.TrimSpace(blocks[j].Get("id").String()); id != "" {
			return id
		}
	}
	return ""
}
