package util

import (
	"strings"
	"testing"
)

func TestCanonicalModelID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"models/gemini-2.5-flash", "gemini-2.5-flash"},
		{"  models/claude-opus-4-5  ", "claude-opus-4-5"},
		{"gpt-4o", "gpt-4o"},
		{"", ""},
	}
	for _, c := range cases {
		if got := CanonicalModelID(c.in); got != c.want {
			t.Errorf("CanonicalModelID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBackendModelID_VirtualModels(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"gemini-3-flash-thinking", "gemini-3-flash"},
		{"gemini-3-flash", "gemini-3-flash"},
		{"claude-opus-4-5", "claude-opus-4-5-thinking"},
		{"claude-opus-4-5-thinking", "claude-opus-4-5-thinking"},
		{"gemini-3-pro-image-2k", "gemini-3-pro-image"},
		{"gemini-2.5-pro", "gemini-2.5-pro"},
	}
	for _, c := range cases {
		if got := BackendModelID(c.in); got != c.want {
			t.Errorf("BackendModelID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestForcedThinkingConfig(t *testing.T) {
	tc := ForcedThinkingConfig("gemini-3-flash-thinking")
	if tc == nil || tc.ThinkingLevel != "high" || tc.ThinkingBudget != 0 {
		t.Fatalf("gemini-3-flash-thinking: got %+v", tc)
	}

	tc = ForcedThinkingConfig("gemini-3-flash")
	if tc == nil || tc.ThinkingLevel != "" || tc.ThinkingBudget != 0 {
		t.Fatalf("gemini-3-flash: got %+v", tc)
	}

	tc = ForcedThinkingConfig("claude-opus-4-5")
	if tc == nil || tc.ThinkingBudget != 0 {
		t.Fatalf("claude-opus-4-5: got %+v", tc)
	}

	tc = ForcedThinkingConfig("claude-opus-4-5-thinking")
	if tc == nil || tc.ThinkingBudget != DefaultClaudeThinkingBudgetTokens {
		t.Fatalf("claude-opus-4-5-thinking: got %+v", tc)
	}

	tc = ForcedThinkingConfig("claude-sonnet-4-5-thinking")
	if tc == nil || tc.ThinkingBudget != 32000 {
		t.Fatalf("claude-sonnet-4-5-thinking: got %+v", tc)
	}

	if tc = ForcedThinkingConfig("gemini-2.5-pro"); tc != nil {
		t.Fatalf("gemini-2.5-pro should have no forced config, got %+v", tc)
	}
}

func TestThinkingConfigFromOpenAI_EffortTable(t *testing.T) {
	cases := []struct {
		effort string
		budget int
	}{
		{"low", ClaudeThinkingEffortLowTokens},
		{"medium", ClaudeThinkingEffortMediumTokens},
		{"high", ClaudeThinkingEffortHighTokens},
		{"max", ClaudeThinkingEffortHighTokens},
		{"12345", 12345},
	}
	for _, c := range cases {
		tc := ThinkingConfigFromOpenAI("claude-sonnet-4-7-thinking", c.effort)
		if tc == nil || tc.ThinkingBudget != c.budget {
			t.Errorf("effort %q: got %+v, want budget %d", c.effort, tc, c.budget)
		}
	}
}

func TestBuildSortedModelIDs_VirtualInjection(t *testing.T) {
	models := map[string]struct{}{
		"gemini-3-flash":           {},
		"gemini-3-pro-image":       {},
		"claude-opus-4-5-thinking": {},
		"gemini-2.5-flash":         {},
	}
	ids := BuildSortedModelIDs(models)

	want := []string{
		"claude-opus-4-5",
		"gemini-3-flash-thinking",
		"gemini-3-pro-image-1k",
		"gemini-3-pro-image-2k",
		"gemini-3-pro-image-4k",
	}
	joined := strings.Join(ids, ",")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("missing virtual id %q in %v", w, ids)
		}
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] > ids[i] {
			t.Fatalf("ids not sorted: %v", ids)
		}
	}
}

func TestSessionIDShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := SessionID()
		if !strings.HasPrefix(id, "-") || len(id) < 2 {
			t.Fatalf("bad session id %q", id)
		}
	}
}

func TestIDPrefixes(t *testing.T) {
	if got := RequestID(); !strings.HasPrefix(got, "agent-") {
		t.Errorf("RequestID() = %q", got)
	}
	if got := ToolCallID(); !strings.HasPrefix(got, "call_") || strings.Contains(got, "-") {
		t.Errorf("ToolCallID() = %q", got)
	}
	if got := ChatCompletionID(); !strings.HasPrefix(got, "chatcmpl-") || len(got) != len("chatcmpl-")+8 {
		t.Errorf("ChatCompletionID() = %q", got)
	}
	if parts := strings.Split(ProjectID(), "-"); len(parts) != 3 || len(parts[2]) != 5 {
		t.Errorf("ProjectID() = %q", ProjectID())
	}
}
