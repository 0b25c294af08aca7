package openai

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ant2api/ant2api/internal/signature"
	"github.com/ant2api/ant2api/internal/translator/common"
	"github.com/ant2api/ant2api/internal/util"
	"github.com/ant2api/ant2api/internal/vertex"
)

func newTestSignatureManager(t *testing.T) *signature.Manager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return signature.NewManager(ctx, t.TempDir(), 3)
}

func testAccount() *common.AccountContext {
	return &common.AccountContext{ProjectID: "proj-1", SessionID: "-42"}
}

func parseRequest(t *testing.T, raw string) *ChatRequest {
	t.Helper()
	var req ChatRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("parse request: %v", err)
	}
	return &req
}

func TestToVertexRequestEnvelope(t *testing.T) {
	sig := newTestSignatureManager(t)
	req := parseRequest(t, `{
		"model": "claude-sonnet-4-5",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hello"}
		],
		"tools": [{"type": "function", "function": {"name": "search", "description": "find things"}}]
	}`)

	vreq, requestID := ToVertexRequest(sig, req, testAccount())

	if vreq.Project != "proj-1" || vreq.Request.SessionID != "-42" {
		t.Errorf("account context not threaded: %+v", vreq)
	}
	if vreq.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", vreq.Model)
	}
	if !strings.HasPrefix(requestID, "agent-") || vreq.RequestID != requestID {
		t.Errorf("request id = %q / %q", requestID, vreq.RequestID)
	}
	if vreq.RequestType != "agent" || vreq.UserAgent != "antigravity" {
		t.Errorf("envelope = %+v", vreq)
	}

	si := vreq.Request.SystemInstruction
	if si == nil || si.Role != "user" {
		t.Fatalf("system instruction = %+v", si)
	}
	if !strings.HasPrefix(si.Parts[0].Text, vertex.AgentSystemPrompt) ||
		!strings.HasSuffix(si.Parts[0].Text, "be terse") {
		t.Errorf("agent prompt not prepended: %q", si.Parts[0].Text)
	}

	if len(vreq.Request.Tools) != 1 {
		t.Fatalf("tools = %+v", vreq.Request.Tools)
	}
	decl := vreq.Request.Tools[0].FunctionDeclarations[0]
	if decl.Name != "search" || decl.Parameters["type"] != "OBJECT" {
		t.Errorf("declaration = %+v", decl)
	}
	tc := vreq.Request.ToolConfig
	if tc == nil || tc.FunctionCallingConfig.Mode != "AUTO" {
		t.Errorf("tool config = %+v", tc)
	}

	if len(vreq.Request.Contents) != 1 || vreq.Request.Contents[0].Parts[0].Text != "hello" {
		t.Errorf("contents = %+v", vreq.Request.Contents)
	}
}

func TestToVertexRequestSkipsAgentPromptForFlashAndImage(t *testing.T) {
	sig := newTestSignatureManager(t)
	for _, model := range []string{"gemini-3-flash", "gemini-3-pro-image"} {
		req := parseRequest(t, `{"model": "`+model+`", "messages": [{"role": "user", "content": "hi"}]}`)
		vreq, _ := ToVertexRequest(sig, req, testAccount())
		if vreq.Request.SystemInstruction != nil {
			t.Errorf("%s: agent prompt injected: %+v", model, vreq.Request.SystemInstruction)
		}
	}
}

func TestToVertexContentsAssistantThinking(t *testing.T) {
	sig := newTestSignatureManager(t)
	sig.Save("agent-r1", "call_1", "sig-abc", "earlier thought", "claude-sonnet-4-5-thinking")

	req := parseRequest(t, `{
		"model": "claude-sonnet-4-5-thinking",
		"messages": [
			{"role": "user", "content": "go"},
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "run", "arguments": "{\"cmd\":\"ls\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "ok"}
		]
	}`)

	contents := toVertexContents(req, sig)
	if len(contents) != 3 {
		t.Fatalf("contents = %d: %+v", len(contents), contents)
	}

	model := contents[1]
	if model.Role != "model" || len(model.Parts) != 2 {
		t.Fatalf("model turn = %+v", model)
	}
	thoughtPart := model.Parts[0]
	if !thoughtPart.Thought || thoughtPart.ThoughtSignature != "sig-abc" || thoughtPart.Text != "earlier thought" {
		t.Errorf("thought part = %+v", thoughtPart)
	}
	callPart := model.Parts[1]
	if callPart.FunctionCall == nil || callPart.FunctionCall.Name != "run" {
		t.Fatalf("call part = %+v", callPart)
	}
	if callPart.FunctionCall.Args["cmd"] != "ls" {
		t.Errorf("args = %+v", callPart.FunctionCall.Args)
	}

	toolTurn := contents[2]
	fr := toolTurn.Parts[0].FunctionResponse
	if toolTurn.Role != "user" || fr == nil || fr.Name != "run" || fr.Response["output"] != "ok" {
		t.Errorf("tool turn = %+v", toolTurn)
	}
}

func TestToVertexContentsMissingThoughtPlaceholder(t *testing.T) {
	sig := newTestSignatureManager(t)
	sig.Save("agent-r1", "call_1", "sig-abc", "", "claude-sonnet-4-5-thinking")

	req := parseRequest(t, `{
		"model": "claude-sonnet-4-5-thinking",
		"messages": [
			{"role": "assistant", "content": "did it", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "run", "arguments": "{}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "ok"}
		]
	}`)

	contents := toVertexContents(req, sig)
	part := contents[0].Parts[0]
	if !part.Thought || part.Text != missingThoughtText || part.ThoughtSignature != "sig-abc" {
		t.Errorf("placeholder part = %+v", part)
	}
}

func TestGeminiSignatureOnFirstCallOnly(t *testing.T) {
	sig := newTestSignatureManager(t)
	sig.Save("agent-r1", "call_a", "sig-a", "", "gemini-3-pro-high")
	sig.Save("agent-r1", "call_b", "sig-b", "", "gemini-3-pro-high")

	req := parseRequest(t, `{
		"model": "gemini-3-pro-high",
		"messages": [
			{"role": "assistant", "content": "running tools", "tool_calls": [
				{"id": "call_a", "type": "function", "function": {"name": "a", "arguments": "{}"}},
				{"id": "call_b", "type": "function", "function": {"name": "b", "arguments": "{}"}}
			]}
		]
	}`)

	contents := toVertexContents(req, sig)
	parts := contents[0].Parts
	if parts[1].ThoughtSignature != "sig-a" {
		t.Errorf("first call signature = %q", parts[1].ThoughtSignature)
	}
	if parts[2].ThoughtSignature != "" {
		t.Errorf("second call should not carry a signature: %q", parts[2].ThoughtSignature)
	}
}

func TestMergeToolOnlyAssistantMessages(t *testing.T) {
	sig := newTestSignatureManager(t)
	sig.Save("agent-r1", "call_signed", "sig-real", "thinking", "claude-sonnet-4-5-thinking")

	req := parseRequest(t, `{
		"model": "claude-sonnet-4-5-thinking",
		"messages": [
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_signed", "type": "function", "function": {"name": "a", "arguments": "{}"}}
			]},
			{"role": "tool", "tool_call_id": "call_signed", "content": "ok"},
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_orphan", "type": "function", "function": {"name": "b", "arguments": "{}"}}
			]},
			{"role": "tool", "tool_call_id": "call_orphan", "content": "ok2"}
		]
	}`)

	mergeToolOnlyAssistantMessages(req, sig)

	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d: %+v", len(req.Messages), req.Messages)
	}
	if got := len(req.Messages[0].ToolCalls); got != 2 {
		t.Fatalf("anchor tool calls = %d", got)
	}
	if req.Messages[0].ToolCalls[1].ID != "call_orphan" {
		t.Errorf("merged call = %+v", req.Messages[0].ToolCalls[1])
	}
}

func TestMergeKeepsUnrelatedToolOnlyTurns(t *testing.T) {
	sig := newTestSignatureManager(t)

	// No signed anchor exists, and no tool result follows: nothing moves.
	req := parseRequest(t, `{
		"model": "claude-sonnet-4-5-thinking",
		"messages": [
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_x", "type": "function", "function": {"name": "x", "arguments": "{}"}}
			]}
		]
	}`)
	mergeToolOnlyAssistantMessages(req, sig)
	if len(req.Messages) != 1 {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestBuildGenerationConfigClaude(t *testing.T) {
	req := parseRequest(t, `{"model": "claude-sonnet-4-5-thinking", "max_tokens": 8000, "temperature": 0.3}`)
	gc := buildGenerationConfig(req)

	if gc.MaxOutputTokens != util.ClaudeMaxOutputTokens {
		t.Errorf("maxOutputTokens = %d", gc.MaxOutputTokens)
	}
	if gc.Temperature == nil || *gc.Temperature != 0.3 {
		t.Errorf("temperature = %v", gc.Temperature)
	}
	if gc.ThinkingConfig == nil || gc.ThinkingConfig.ThinkingBudget != util.DefaultClaudeThinkingBudgetTokens {
		t.Errorf("thinking config = %+v", gc.ThinkingConfig)
	}
}

func TestBuildGenerationConfigGemini(t *testing.T) {
	req := parseRequest(t, `{"model": "gemini-3-pro-high", "max_tokens": 123}`)
	gc := buildGenerationConfig(req)
	if gc.MaxOutputTokens != util.GeminiMaxOutputTokens {
		t.Errorf("maxOutputTokens = %d", gc.MaxOutputTokens)
	}
	if gc.ThinkingConfig == nil || gc.ThinkingConfig.ThinkingLevel != "high" {
		t.Errorf("thinking config = %+v", gc.ThinkingConfig)
	}
}

func TestBuildGenerationConfigBudgetClamp(t *testing.T) {
	req := parseRequest(t, `{"model": "claude-sonnet-4-5-thinking", "reasoning_effort": "100000"}`)
	gc := buildGenerationConfig(req)
	wantMax := util.ClaudeMaxOutputTokens - util.ThinkingBudgetHeadroomTokens
	if gc.ThinkingConfig.ThinkingBudget != wantMax {
		t.Errorf("budget = %d, want %d", gc.ThinkingConfig.ThinkingBudget, wantMax)
	}
}

func TestBuildGenerationConfigImageSize(t *testing.T) {
	req := parseRequest(t, `{"model": "gemini-3-pro-image-2k"}`)
	gc := buildGenerationConfig(req)
	if gc.ImageConfig == nil || gc.ImageConfig.ImageSize != "2K" {
		t.Errorf("image config = %+v", gc.ImageConfig)
	}
}

func TestParseMarkdownImageMatches(t *testing.T) {
	content := "before ![image](data:image/png;base64,AAAA) after"
	matches := parseMarkdownImageMatches(content)
	if len(matches) != 1 {
		t.Fatalf("matches = %+v", matches)
	}
	m := matches[0]
	if m.mimeType != "image/png" || m.data != "AAAA" {
		t.Errorf("match = %+v", m)
	}
	if content[m.start:m.end] != "![image](data:image/png;base64,AAAA)" {
		t.Errorf("span = %q", content[m.start:m.end])
	}
}

func TestTextPartsWithImagesSplitsSegments(t *testing.T) {
	sig := newTestSignatureManager(t)
	parts := textPartsWithImages("a ![image](data:image/png;base64,BBBB) b", sig)
	if len(parts) != 3 {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[0].Text != "a " || parts[2].Text != " b" {
		t.Errorf("segments = %+v", parts)
	}
	if parts[1].InlineData == nil || parts[1].InlineData.Data != "BBBB" {
		t.Errorf("inline = %+v", parts[1])
	}
}

func TestParseImageURL(t *testing.T) {
	if got := parseImageURL("data:image/jpeg;base64,Zm9v"); got == nil || got.MimeType != "image/jpeg" || got.Data != "Zm9v" {
		t.Errorf("inline = %+v", got)
	}
	for _, bad := range []string{"https://example.com/a.png", "data:text/plain;base64,Zm9v", "data:image/png;base64,"} {
		if got := parseImageURL(bad); got != nil {
			t.Errorf("parseImageURL(%q) = %+v, want nil", bad, got)
		}
	}
}

func TestParseArgs(t *testing.T) {
	if got := parseArgs(""); len(got) != 0 || got == nil {
		t.Errorf("empty args = %v", got)
	}
	if got := parseArgs("not json"); len(got) != 0 {
		t.Errorf("bad args = %v", got)
	}
	if got := parseArgs(`{"a":1}`); got["a"] != 1.0 {
		t.Errorf("args = %v", got)
	}
}
