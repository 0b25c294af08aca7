// Package quota maintains the per-group view of every account's remaining
// backend quota and picks the best-funded account for each request.
package quota

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ant2api/ant2api/internal/util"
	"github.com/tidwall/gjson"
)

// Quota group keys. Every servable model belongs to exactly one group; the
// backend meters quota per group, not per model.
const (
	GroupClaudeGPT       = "Claude/GPT"
	GroupGemini3Pro      = "Gemini 3 Pro"
	GroupGemini3Flash    = "Gemini 3 Flash"
	GroupGemini3ProImage = "Gemini 3 Pro Image"
	GroupGemini25        = "Gemini 2.5 Pro/Flash/Lite"
)

// groupOrder is the display and serialisation order of the known groups.
var groupOrder = []string{
	GroupClaudeGPT,
	GroupGemini3Pro,
	GroupGemini3Flash,
	GroupGemini3ProImage,
	GroupGemini25,
}

// Group is one quota group's state as reported by fetchAvailableModels.
type Group struct {
	GroupName         string   `json:"groupName"`
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         string   `json:"resetTime,omitempty"`
	ModelList         []string `json:"modelList,omitempty"`
}

// GroupKey maps a model id to its quota group.
func GroupKey(modelID string) string {
	m := strings.ToLower(util.CanonicalModelID(modelID))
	switch {
	case strings.HasPrefix(m, "claude-") || strings.HasPrefix(m, "gpt-"):
		return GroupClaudeGPT
	case strings.HasPrefix(m, "gemini-3-pro-high"):
		return GroupGemini3Pro
	case strings.HasPrefix(m, "gemini-3-flash"):
		return GroupGemini3Flash
	case strings.HasPrefix(m, "gemini-3-pro-image"):
		return GroupGemini3ProImage
	default:
		return GroupGemini25
	}
}

// GroupModels folds the fetchAvailableModels `models` object into ordered
// quota groups. The first model in a group carrying quota data wins.
func GroupModels(models gjson.Result) []Group {
	byName := make(map[string]*Group)

	models.ForEach(func(key, value gjson.Result) bool {
		modelID := strings.TrimSpace(key.String())
		if modelID == "" {
			return true
		}
		name := GroupKey(modelID)
		g, ok := byName[name]
		if !ok {
			g = &Group{GroupName: name}
			byName[name] = g
		}
		g.ModelList = append(g.ModelList, util.CanonicalModelID(modelID))

		fraction, resetTime := parseModelQuota(value)
		if g.RemainingFraction == nil && fraction != nil {
			g.RemainingFraction = fraction
		}
		if g.ResetTime == "" && resetTime != "" {
			g.ResetTime = resetTime
		}
		return true
	})

	var out []Group
	seen := make(map[string]bool)
	for _, name := range groupOrder {
		if g, ok := byName[name]; ok {
			sort.Strings(g.ModelList)
			out = append(out, *g)
			seen[name] = true
		}
	}
	var rest []string
	for name := range byName {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		g := byName[name]
		sort.Strings(g.ModelList)
		out = append(out, *g)
	}
	return out
}

// parseModelQuota digs quota data out of a model entry: top level first,
// then quotaInfo, then quota. A resetTime without a remainingFraction means
// the quota is spent, so the fraction reads as zero.
func parseModelQuota(value gjson.Result) (*float64, string) {
	if !value.IsObject() {
		return nil, ""
	}
	for _, candidate := range []gjson.Result{value, value.Get("quotaInfo"), value.Get("quota")} {
		if !candidate.IsObject() {
			continue
		}
		fraction, resetTime := quotaFields(candidate)
		if fraction != nil || resetTime != "" {
			return fraction, resetTime
		}
	}
	return nil, ""
}

func quotaFields(obj gjson.Result) (*float64, string) {
	resetTime := strings.TrimSpace(obj.Get("resetTime").String())

	raw := obj.Get("remainingFraction")
	var fraction *float64
	if f, ok := toFloat(raw); ok {
		f = clamp01(f)
		fraction = &f
	}
	if fraction == nil && !raw.Exists() && resetTime != "" {
		zero := 0.0
		fraction = &zero
	}
	return fraction, resetTime
}

func toFloat(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Float(), true
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
