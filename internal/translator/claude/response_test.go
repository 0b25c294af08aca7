package claude

import (
	"strings"
	"testing"
)

func TestToMessagesResponseAggregatesParts(t *testing.T) {
	sig := newTestSignatureManager(t)

	body := []byte(`{"response":{
		"candidates":[{"content":{"role":"model","parts":[
			{"text":"let me think","thought":true,"thoughtSignature":"sig-1"},
			{"text":"the answer is 4"},
			{"functionCall":{"id":"toolu_9","name":"verify","args":{"n":4}}}
		]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}
	}}`)

	out := ToMessagesResponse(body, "claude-sonnet-4-5-thinking", "agent-r1", sig)

	if out.ID != "msg_agent-r1" || out.Type != "message" || out.Role != "assistant" {
		t.Errorf("envelope = %+v", out)
	}
	if out.StopReason != "tool_use" {
		t.Errorf("stop reason = %q", out.StopReason)
	}
	if out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", out.Usage)
	}

	if len(out.Content) != 3 {
		t.Fatalf("content = %+v", out.Content)
	}
	thinking := out.Content[0]
	if thinking.Type != "thinking" || *thinking.Thinking != "let me think" || *thinking.Signature != "sig-1" {
		t.Errorf("thinking block = %+v", thinking)
	}
	text := out.Content[1]
	if text.Type != "text" || *text.Text != "the answer is 4" {
		t.Errorf("text block = %+v", text)
	}
	toolUse := out.Content[2]
	if toolUse.Type != "tool_use" || *toolUse.ID != "toolu_9" || *toolUse.Name != "verify" {
		t.Errorf("tool_use block = %+v", toolUse)
	}
	if string(toolUse.Input) != `{"n":4}` {
		t.Errorf("input = %s", toolUse.Input)
	}

	e, ok := sig.LookupByToolCallID("toolu_9")
	if !ok || e.Signature != "sig-1" || e.Reasoning != "let me think" {
		t.Errorf("saved signature = %+v (%v)", e, ok)
	}
}

func TestToMessagesResponseSignatureOnlyPlaceholder(t *testing.T) {
	sig := newTestSignatureManager(t)
	body := []byte(`{"response":{"candidates":[{"content":{"role":"model","parts":[
		{"text":"","thought":true,"thoughtSignature":"sig-only"}
	]}}]}}`)

	out := ToMessagesResponse(body, "claude-sonnet-4-5-thinking", "agent-r2", sig)
	if len(out.Content) != 1 {
		t.Fatalf("content = %+v", out.Content)
	}
	if *out.Content[0].Thinking != missingThoughtText || *out.Content[0].Signature != "sig-only" {
		t.Errorf("thinking block = %+v", out.Content[0])
	}
}

func TestToMessagesResponseEmptyCandidates(t *testing.T) {
	sig := newTestSignatureManager(t)
	out := ToMessagesResponse([]byte(`{"response":{"candidates":[]}}`), "claude-sonnet-4-5", "agent-r3", sig)
	if out.StopReason != "end_turn" || len(out.Content) != 0 {
		t.Errorf("response = %+v", out)
	}
}

func TestToMessagesResponseToolUseIDFallback(t *testing.T) {
	sig := newTestSignatureManager(t)
	body := []byte(`{"response":{"candidates":[{"content":{"role":"model","parts":[
		{"functionCall":{"name":"run","args":{}}}
	]}}]}}`)
	out := ToMessagesResponse(body, "gemini-3-pro-high", "agent-r4", sig)
	if len(out.Content) != 1 {
		t.Fatalf("content = %+v", out.Content)
	}
	if !strings.HasPrefix(*out.Content[0].ID, "toolu_") {
		t.Errorf("tool id = %q", *out.Content[0].ID)
	}
}
