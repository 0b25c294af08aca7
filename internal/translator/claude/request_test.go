package claude

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ant2api/ant2api/internal/signature"
	"github.com/ant2api/ant2api/internal/translator/common"
	"github.com/ant2api/ant2api/internal/util"
	"github.com/ant2api/ant2api/internal/vertex"
	"github.com/tidwall/gjson"
)

func parseBlocks(t *testing.T, raw string) []gjson.Result {
	t.Helper()
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		t.Fatalf("not an array: %s", raw)
	}
	return parsed.Array()
}

func newTestSignatureManager(t *testing.T) *signature.Manager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return signature.NewManager(ctx, t.TempDir(), 3)
}

func testAccount() *common.AccountContext {
	return &common.AccountContext{ProjectID: "proj-1", SessionID: "-42"}
}

func parseRequest(t *testing.T, raw string) *MessagesRequest {
	t.Helper()
	var req MessagesRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("parse request: %v", err)
	}
	return &req
}

func TestToVertexRequestRequiresMessages(t *testing.T) {
	sig := newTestSignatureManager(t)
	req := parseRequest(t, `{"model": "claude-sonnet-4-5", "messages": []}`)
	if _, _, err := ToVertexRequest(sig, req, testAccount()); err != ErrMissingMessages {
		t.Errorf("err = %v", err)
	}
}

func TestToVertexRequestEnvelope(t *testing.T) {
	sig := newTestSignatureManager(t)
	req := parseRequest(t, `{
		"model": "claude-sonnet-4-5",
		"system": "be terse",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	vreq, requestID, err := ToVertexRequest(sig, req, testAccount())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !strings.HasPrefix(requestID, "agent-") {
		t.Errorf("request id = %q", requestID)
	}
	if vreq.Project != "proj-1" || vreq.RequestType != "agent" || vreq.UserAgent != "antigravity" {
		t.Errorf("envelope = %+v", vreq)
	}
	if vreq.Request.SessionID != "-42" {
		t.Errorf("session id = %q", vreq.Request.SessionID)
	}

	si := vreq.Request.SystemInstruction
	if si == nil || si.Role != "user" || len(si.Parts) == 0 {
		t.Fatalf("system instruction = %+v", si)
	}
	want := vertex.AgentSystemPrompt + "\n\nbe terse"
	if si.Parts[0].Text != want {
		t.Errorf("system text = %q", si.Parts[0].Text)
	}

	if len(vreq.Request.Contents) != 1 || vreq.Request.Contents[0].Parts[0].Text != "hi" {
		t.Errorf("contents = %+v", vreq.Request.Contents)
	}
}

func TestBuildGenerationConfig(t *testing.T) {
	defaults := parseRequest(t, `{"model": "gpt-oss-120b", "messages": [{"role":"user","content":"x"}], "stop_sequences": ["END"]}`)
	gc := buildGenerationConfig(defaults)
	if gc.MaxOutputTokens != 8192 {
		t.Errorf("default ceiling = %d", gc.MaxOutputTokens)
	}
	if len(gc.StopSequences) != 1 || gc.StopSequences[0] != "END" {
		t.Errorf("stop sequences = %v", gc.StopSequences)
	}

	claude := parseRequest(t, `{"model": "claude-sonnet-4-5", "max_tokens": 1000, "messages": []}`)
	if gc := buildGenerationConfig(claude); gc.MaxOutputTokens != util.ClaudeMaxOutputTokens {
		t.Errorf("claude ceiling = %d", gc.MaxOutputTokens)
	}

	gemini := parseRequest(t, `{"model": "gemini-3-pro-high", "messages": []}`)
	if gc := buildGenerationConfig(gemini); gc.MaxOutputTokens != util.GeminiMaxOutputTokens {
		t.Errorf("gemini ceiling = %d", gc.MaxOutputTokens)
	}
}

func TestBuildGenerationConfigBudgetClamp(t *testing.T) {
	req := parseRequest(t, `{
		"model": "claude-haiku-4-5-thinking",
		"messages": [],
		"thinking": {"type": "enabled", "budget_tokens": 100000}
	}`)
	gc := buildGenerationConfig(req)
	if gc.ThinkingConfig == nil {
		t.Fatal("thinking config missing")
	}
	want := util.ClaudeMaxOutputTokens - util.ThinkingBudgetHeadroomTokens
	if gc.ThinkingConfig.ThinkingBudget != want {
		t.Errorf("budget = %d, want %d", gc.ThinkingConfig.ThinkingBudget, want)
	}
}

func TestThinkingSignatureRecoveredFromCache(t *testing.T) {
	sig := newTestSignatureManager(t)
	sig.Save("prev-req", "toolu_1", "sig-full", "plan", "claude-sonnet-4-5-thinking")

	req := parseRequest(t, `{
		"model": "claude-sonnet-4-5-thinking",
		"messages": [
			{"role": "user", "content": "go"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "plan", "signature": ""},
				{"type": "tool_use", "id": "toolu_1", "name": "run", "input": {"x": 1}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": [{"type":"text","text":"ok"}]}
			]}
		]
	}`)

	vreq, _, err := ToVertexRequest(sig, req, testAccount())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	contents := vreq.Request.Contents
	if len(contents) != 3 {
		t.Fatalf("contents = %+v", contents)
	}

	model := contents[1]
	if model.Role != "model" || len(model.Parts) != 2 {
		t.Fatalf("model turn = %+v", model)
	}
	if !model.Parts[0].Thought || model.Parts[0].Text != "plan" || model.Parts[0].ThoughtSignature != "sig-full" {
		t.Errorf("thought part = %+v", model.Parts[0])
	}
	if model.Parts[1].FunctionCall == nil || model.Parts[1].ThoughtSignature != "" {
		t.Errorf("call part = %+v", model.Parts[1])
	}

	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "run" || fr.Response["output"] != "ok" {
		t.Errorf("function response = %+v", fr)
	}
}

func TestThinkingBlockDroppedWithoutSignature(t *testing.T) {
	sig := newTestSignatureManager(t)
	req := parseRequest(t, `{
		"model": "claude-sonnet-4-5-thinking",
		"messages": [
			{"role": "assistant", "content": [{"type": "thinking", "thinking": "lost", "signature": ""}]},
			{"role": "user", "content": "next"}
		]
	}`)

	vreq, _, err := ToVertexRequest(sig, req, testAccount())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(vreq.Request.Contents) != 1 || vreq.Request.Contents[0].Role != "user" {
		t.Errorf("contents = %+v", vreq.Request.Contents)
	}
}

func TestTruncatedSignatureExpanded(t *testing.T) {
	sig := newTestSignatureManager(t)
	full := "short-sig" + strings.Repeat("X", 80)
	sig.Save("prev-req", "toolu_9", full, "plan", "claude-sonnet-4-5-thinking")

	blocks := parseBlocks(t, `[
		{"type": "thinking", "thinking": "plan", "signature": "short-sig"},
		{"type": "tool_use", "id": "toolu_9", "name": "run", "input": {}}
	]`)
	parts := blocksToParts(blocks, nil, sig, true)
	if len(parts) != 2 {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[0].ThoughtSignature != full {
		t.Errorf("signature = %q", parts[0].ThoughtSignature)
	}
}

func TestMissingThoughtTextPlaceholder(t *testing.T) {
	sig := newTestSignatureManager(t)
	blocks := parseBlocks(t, `[
		{"type": "thinking", "thinking": "  ", "signature": "sig-direct-long-enough-to-not-be-a-prefix-lookup-xxxxxxxxxxx"}
	]`)
	parts := blocksToParts(blocks, nil, sig, true)
	if len(parts) != 1 || parts[0].Text != missingThoughtText {
		t.Errorf("parts = %+v", parts)
	}
}

func TestRedactedThinkingCarriesData(t *testing.T) {
	sig := newTestSignatureManager(t)
	blocks := parseBlocks(t, `[
		{"type": "redacted_thinking", "data": "opaque-signature-data-opaque-signature-data-opaque-sig-data"}
	]`)
	parts := blocksToParts(blocks, nil, sig, true)
	if len(parts) != 1 || !parts[0].Thought || parts[0].ThoughtSignature == "" {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[0].Text != "" {
		t.Errorf("text = %q", parts[0].Text)
	}
}

func TestNonClaudeToolUseCarriesSignature(t *testing.T) {
	sig := newTestSignatureManager(t)
	sig.Save("prev-req", "call_7", "gem-sig", "", "gemini-3-pro-high")

	blocks := parseBlocks(t, `[
		{"type": "tool_use", "id": "call_7", "name": "run", "input": {"a": true}}
	]`)
	parts := blocksToParts(blocks, nil, sig, false)
	if len(parts) != 1 || parts[0].ThoughtSignature != "gem-sig" {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[0].FunctionCall.Args["a"] != true {
		t.Errorf("args = %+v", parts[0].FunctionCall.Args)
	}
}

func TestToolResultWithoutKnownCallSkipped(t *testing.T) {
	sig := newTestSignatureManager(t)
	blocks := parseBlocks(t, `[
		{"type": "tool_result", "tool_use_id": "toolu_unknown", "content": "ok"}
	]`)
	if parts := blocksToParts(blocks, nil, sig, true); len(parts) != 0 {
		t.Errorf("parts = %+v", parts)
	}
}

func TestToVertexToolsEmptySchemaFallback(t *testing.T) {
	tools := toVertexTools([]Tool{{Name: "bare"}})
	params := tools[0].FunctionDeclarations[0].Parameters
	if params["type"] != "OBJECT" {
		t.Errorf("params = %+v", params)
	}
}
