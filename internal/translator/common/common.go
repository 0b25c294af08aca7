// Package common holds the pieces both inbound dialects share: the account
// context threaded through a forwarded request and content text extraction.
package common

import (
	"strings"

	"github.com/ant2api/ant2api/internal/util"
	"github.com/ant2api/ant2api/internal/vertex"
	"github.com/tidwall/gjson"
)

// AccountContext carries the backend identity one forwarded request runs
// under. Handlers fill it per retry attempt.
type AccountContext struct {
	ProjectID   string
	SessionID   string
	AccessToken string
	Email       string
}

// ExtractTextFromContent pulls plain text out of an OpenAI/Claude content
// value: strings come back as-is, arrays contribute their
// {"type":"text","text":...} elements joined by sep.
func ExtractTextFromContent(content gjson.Result, sep string, skipEmpty bool) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}

	var b strings.Builder
	first := true
	content.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		if item.Get("type").String() != "text" {
			return true
		}
		t := item.Get("text").String()
		if skipEmpty && t == "" {
			return true
		}
		if !first {
			b.WriteString(sep)
		}
		b.WriteString(t)
		first = false
		return true
	})
	return b.String()
}

// ExtractClaudeSystemText flattens a Claude request's system field, which
// may be a string or a content array.
func ExtractClaudeSystemText(system gjson.Result) string {
	return ExtractTextFromContent(system, "\n\n", true)
}

// ReconcileThinkingBudget keeps thinkingBudget and maxOutputTokens mutually
// consistent; the backend rejects budgets at or above the output ceiling.
func ReconcileThinkingBudget(gc *vertex.GenerationConfig, isClaude, isGemini bool) {
	tc := gc.ThinkingConfig
	if tc == nil || tc.ThinkingBudget <= 0 {
		return
	}

	if gc.MaxOutputTokens <= 0 {
		gc.MaxOutputTokens = tc.ThinkingBudget + util.ThinkingMaxOutputOverheadTokens
	}
	switch {
	case isClaude:
		maxBudget := gc.MaxOutputTokens - util.ThinkingBudgetHeadroomTokens
		if maxBudget < util.ThinkingBudgetMinTokens {
			maxBudget = util.ThinkingBudgetMinTokens
		}
		if tc.ThinkingBudget > maxBudget {
			tc.ThinkingBudget = maxBudget
		}
	case isGemini && gc.MaxOutputTokens <= tc.ThinkingBudget:
		maxBudget := gc.MaxOutputTokens - util.ThinkingBudgetHeadroomTokens
		if maxBudget < util.ThinkingBudgetMinTokens {
			maxBudget = util.ThinkingBudgetMinTokens
		}
		tc.ThinkingBudget = maxBudget
	case gc.MaxOutputTokens <= tc.ThinkingBudget:
		gc.MaxOutputTokens = tc.ThinkingBudget + util.ThinkingMaxOutputOverheadTokens
	}
}
