package util

import (
	"sort"
	"strconv"
	"strings"
)

const (
	ClaudeMaxOutputTokens = 64_000
	GeminiMaxOutputTokens = 65_535

	DefaultClaudeThinkingBudgetTokens = 32_000
	ThinkingBudgetHeadroomTokens      = 1_024
	ThinkingBudgetMinTokens           = 1_024
	ThinkingMaxOutputOverheadTokens   = 4_096

	ClaudeThinkingEffortLowTokens    = 1_024
	ClaudeThinkingEffortMediumTokens = 4_096
	ClaudeThinkingEffortHighTokens   = DefaultClaudeThinkingBudgetTokens
)

// ThinkingConfig mirrors the upstream generationConfig.thinkingConfig object.
// ThinkingBudget is serialized when non-zero or when no level is set.
type ThinkingConfig struct {
	IncludeThoughts bool
	ThinkingLevel   string
	ThinkingBudget  int
}

// CanonicalModelID strips the optional models/ prefix and surrounding space.
func CanonicalModelID(model string) string {
	m := strings.TrimSpace(model)
	m = strings.TrimPrefix(m, "models/")
	return strings.TrimSpace(m)
}

func canonicalLower(model string) string {
	return strings.ToLower(CanonicalModelID(model))
}

// BackendModelID maps virtual model ids to the id the upstream actually serves.
func BackendModelID(model string) string {
	if _, backend, ok := Gemini3FlashThinkingConfig(model); ok {
		return backend
	}
	if _, backend, ok := ClaudeOpus45ThinkingConfig(model); ok {
		return backend
	}
	if _, backend, ok := GeminiProImageSizeConfig(model); ok {
		return backend
	}
	return CanonicalModelID(model)
}

func IsClaude(model string) bool {
	return strings.HasPrefix(canonicalLower(model), "claude-")
}

func IsGemini(model string) bool {
	return strings.HasPrefix(canonicalLower(model), "gemini-")
}

func IsGemini3(model string) bool {
	return strings.HasPrefix(canonicalLower(model), "gemini-3")
}

func IsGemini25(model string) bool {
	return strings.HasPrefix(canonicalLower(model), "gemini-2.5")
}

func IsClaudeThinking(model string) bool {
	m := canonicalLower(model)
	if !strings.HasPrefix(m, "claude-") {
		return false
	}
	return strings.HasSuffix(m, "-thinking") || strings.Contains(m, "-thinking-")
}

func IsImageModel(model string) bool {
	return strings.Contains(canonicalLower(model), "image")
}

func IsGemini3Flash(model string) bool {
	_, _, ok := Gemini3FlashThinkingConfig(model)
	return ok
}

func IsGeminiProImage(model string) bool {
	return strings.Contains(canonicalLower(model), "gemini-3-pro-image")
}

// ValidateMediaResolution normalizes a configured media resolution value,
// returning false for unknown values.
func ValidateMediaResolution(value string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return "", true
	case "low", "media_resolution_low":
		return "low", true
	case "medium", "media_resolution_medium":
		return "medium", true
	case "high", "media_resolution_high":
		return "high", true
	}
	return "", false
}

// ToAPIMediaResolution converts a normalized resolution to the upstream enum.
func ToAPIMediaResolution(value string) (string, bool) {
	v, ok := ValidateMediaResolution(value)
	if !ok {
		return "", false
	}
	switch v {
	case "low":
		return "MEDIA_RESOLUTION_LOW", true
	case "medium":
		return "MEDIA_RESOLUTION_MEDIUM", true
	case "high":
		return "MEDIA_RESOLUTION_HIGH", true
	}
	return "", true
}

// Gemini3FlashThinkingConfig recognizes the gemini-3-flash family. The
// -thinking virtual id forces thinking level "high" on the plain backend id.
func Gemini3FlashThinkingConfig(model string) (level, backend string, ok bool) {
	m := canonicalLower(model)
	if m == "" {
		return "", "", false
	}
	const base = "gemini-3-flash"
	const thinking = "gemini-3-flash-thinking"
	if strings.HasPrefix(m, thinking) {
		return "high", base + m[len(thinking):], true
	}
	if strings.HasPrefix(m, base) {
		return "", m, true
	}
	return "", "", false
}

// ClaudeOpus45ThinkingConfig maps claude-opus-4-5 to its -thinking backend id
// with budget 0; the explicit -thinking id keeps the default budget.
func ClaudeOpus45ThinkingConfig(model string) (budget int, backend string, ok bool) {
	m := canonicalLower(model)
	if m == "" {
		return 0, "", false
	}
	const base = "claude-opus-4-5"
	const thinking = "claude-opus-4-5-thinking"
	if strings.HasPrefix(m, thinking) {
		return DefaultClaudeThinkingBudgetTokens, m, true
	}
	if strings.HasPrefix(m, base) {
		return 0, thinking + m[len(base):], true
	}
	return 0, "", false
}

// ClaudeSonnet45ThinkingBudget returns the forced budget for the
// claude-sonnet-4-5 family, if the model belongs to it.
func ClaudeSonnet45ThinkingBudget(model string) (int, bool) {
	m := canonicalLower(model)
	if m == "" {
		return 0, false
	}
	const base = "claude-sonnet-4-5"
	const thinking = "claude-sonnet-4-5-thinking"
	if strings.HasPrefix(m, thinking) {
		return DefaultClaudeThinkingBudgetTokens, true
	}
	if strings.HasPrefix(m, base) {
		return 0, true
	}
	return 0, false
}

// GeminiProImageSizeConfig maps the -1k/-2k/-4k virtual image models to an
// imageConfig.imageSize value plus the real backend id.
func GeminiProImageSizeConfig(model string) (imageSize, backend string, ok bool) {
	const base = "gemini-3-pro-image"
	switch canonicalLower(model) {
	case base + "-1k":
		return "1K", base, true
	case base + "-2k":
		return "2K", base, true
	case base + "-4k":
		return "4K", base, true
	}
	return "", "", false
}

// ForcedThinkingConfig returns the thinking configuration that a virtual or
// always-thinking model id mandates regardless of request hints.
func ForcedThinkingConfig(model string) *ThinkingConfig {
	if level, _, ok := Gemini3FlashThinkingConfig(model); ok {
		if level == "high" {
			return &ThinkingConfig{IncludeThoughts: true, ThinkingLevel: "high"}
		}
		return &ThinkingConfig{IncludeThoughts: true}
	}
	if budget, ok := ClaudeSonnet45ThinkingBudget(model); ok {
		return &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
	}
	if budget, _, ok := ClaudeOpus45ThinkingConfig(model); ok {
		return &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
	}
	return nil
}

// ThinkingConfigFromOpenAI derives the thinking configuration from an OpenAI
// dialect reasoning_effort value.
func ThinkingConfigFromOpenAI(model, reasoningEffort string) *ThinkingConfig {
	if tc := ForcedThinkingConfig(model); tc != nil {
		return tc
	}

	effort := strings.ToLower(strings.TrimSpace(reasoningEffort))

	if effort == "" && IsClaudeThinking(model) {
		return &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: DefaultClaudeThinkingBudgetTokens}
	}

	if IsGemini3(model) && !IsGemini3Flash(model) {
		return &ThinkingConfig{IncludeThoughts: true, ThinkingLevel: "high"}
	}

	if effort == "" {
		return nil
	}

	if IsClaudeThinking(model) || IsGemini25(model) {
		if n, err := strconv.Atoi(effort); err == nil && n > 0 {
			return &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: n}
		}
		if IsClaudeThinking(model) {
			return &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: mapEffortToBudget(effort)}
		}
		return &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: ClaudeThinkingEffortLowTokens}
	}

	return &ThinkingConfig{IncludeThoughts: true, ThinkingLevel: effort}
}

// ThinkingConfigFromClaude derives the thinking configuration from an
// Anthropic dialect thinking block.
func ThinkingConfigFromClaude(model, thinkingType string, budget, budgetTokens int) *ThinkingConfig {
	if tc := ForcedThinkingConfig(model); tc != nil {
		return tc
	}
	if strings.ToLower(strings.TrimSpace(thinkingType)) != "enabled" {
		return nil
	}

	tc := &ThinkingConfig{IncludeThoughts: true}

	if IsClaude(model) {
		// Claude thinking models need a non-zero budget to emit thoughts.
		b := budget
		if b <= 0 {
			b = budgetTokens
		}
		if b <= 0 {
			b = DefaultClaudeThinkingBudgetTokens
		}
		tc.ThinkingBudget = b
		return tc
	}

	if IsGemini3(model) {
		tc.ThinkingLevel = "high"
		return tc
	}

	b := budget
	if b <= 0 {
		b = budgetTokens
	}
	if b > 0 {
		tc.ThinkingBudget = b
	}
	return tc
}

// BuildSortedModelIDs returns the upstream model ids plus virtual ids whose
// base model is present, deduplicated and sorted.
func BuildSortedModelIDs(models map[string]struct{}) []string {
	ids := make([]string, 0, len(models)+5)
	seen := make(map[string]struct{}, len(models)+5)

	hasGemini3Flash := false
	hasGemini3ProImage := false
	hasClaudeOpus45 := false
	hasClaudeOpus45Thinking := false

	for k := range models {
		id := strings.TrimSpace(k)
		if id == "" {
			continue
		}
		if strings.EqualFold(id, "gemini-3-flash") {
			hasGemini3Flash = true
		}
		if strings.EqualFold(id, "gemini-3-pro-image") {
			hasGemini3ProImage = true
		}
		lower := strings.ToLower(id)
		if strings.HasPrefix(lower, "claude-opus-4-5-thinking") {
			hasClaudeOpus45Thinking = true
		} else if strings.HasPrefix(lower, "claude-opus-4-5") {
			hasClaudeOpus45 = true
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	appendVirtual := func(id string) {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	if hasGemini3Flash {
		appendVirtual("gemini-3-flash-thinking")
	}
	if hasGemini3ProImage {
		appendVirtual("gemini-3-pro-image-1k")
		appendVirtual("gemini-3-pro-image-2k")
		appendVirtual("gemini-3-pro-image-4k")
	}
	if hasClaudeOpus45Thinking && !hasClaudeOpus45 {
		appendVirtual("claude-opus-4-5")
	}

	sort.Strings(ids)
	return ids
}

func mapEffortToBudget(effort string) int {
	switch strings.ToLower(strings.TrimSpace(effort)) {
	case "minimal", "low":
		return ClaudeThinkingEffortLowTokens
	case "medium":
		return ClaudeThinkingEffortMediumTokens
	case "high", "max":
		return ClaudeThinkingEffortHighTokens
	}
	return ClaudeThinkingEffortHighTokens
}
