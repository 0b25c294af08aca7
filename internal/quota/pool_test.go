package quota

import (
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func fracPtr(v float64) *float64 { return &v }

func TestGroupKey(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-5", GroupClaudeGPT},
		{"claude-sonnet-4-5-thinking", GroupClaudeGPT},
		{"gpt-oss-120b", GroupClaudeGPT},
		{"gemini-3-pro-high", GroupGemini3Pro},
		{"gemini-3-flash", GroupGemini3Flash},
		{"gemini-3-pro-image", GroupGemini3ProImage},
		{"gemini-2.5-flash", GroupGemini25},
		{"gemini-2.5-pro", GroupGemini25},
	}
	for _, tc := range cases {
		if got := GroupKey(tc.model); got != tc.want {
			t.Errorf("GroupKey(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

func TestGroupModelsParsesQuota(t *testing.T) {
	models := gjson.Parse(`{
		"claude-sonnet-4-5": {"quotaInfo": {"remainingFraction": 0.75, "resetTime": "2026-08-25T00:00:00Z"}},
		"claude-opus-4-5-thinking": {},
		"gemini-3-flash": {"quota": {"remainingFraction": "0.5"}},
		"gemini-2.5-flash": {"quotaInfo": {"resetTime": "2026-08-25T06:00:00Z"}}
	}`)

	groups := GroupModels(models)
	byName := map[string]Group{}
	for _, g := range groups {
		byName[g.GroupName] = g
	}

	claude := byName[GroupClaudeGPT]
	if claude.RemainingFraction == nil || *claude.RemainingFraction != 0.75 {
		t.Errorf("claude fraction = %v", claude.RemainingFraction)
	}
	if claude.ResetTime != "2026-08-25T00:00:00Z" {
		t.Errorf("claude reset = %q", claude.ResetTime)
	}
	if len(claude.ModelList) != 2 {
		t.Errorf("claude models = %v", claude.ModelList)
	}

	flash := byName[GroupGemini3Flash]
	if flash.RemainingFraction == nil || *flash.RemainingFraction != 0.5 {
		t.Errorf("string fraction not parsed: %v", flash.RemainingFraction)
	}

	// resetTime without remainingFraction reads as exhausted.
	g25 := byName[GroupGemini25]
	if g25.RemainingFraction == nil || *g25.RemainingFraction != 0 {
		t.Errorf("missing fraction with reset time should be 0, got %v", g25.RemainingFraction)
	}
}

func TestGroupModelsOrder(t *testing.T) {
	models := gjson.Parse(`{
		"gemini-2.5-flash": {},
		"claude-sonnet-4-5": {},
		"gemini-3-flash": {}
	}`)
	groups := GroupModels(models)
	want := []string{GroupClaudeGPT, GroupGemini3Flash, GroupGemini25}
	if len(groups) != len(want) {
		t.Fatalf("groups = %d, want %d", len(groups), len(want))
	}
	for i, g := range groups {
		if g.GroupName != want[i] {
			t.Errorf("group[%d] = %q, want %q", i, g.GroupName, want[i])
		}
	}
}

func TestUpdateFromQuotaClampsFraction(t *testing.T) {
	p := NewPool()
	p.UpdateFromQuota("-1", []Group{{GroupName: GroupClaudeGPT, RemainingFraction: fracPtr(1.7)}})
	snap := p.Snapshot()
	if snap[GroupClaudeGPT]["-1"] != 1.0 {
		t.Errorf("fraction not clamped: %v", snap)
	}
}

func TestUpdateFromQuotaCooldown(t *testing.T) {
	p := NewPool()
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	p.UpdateFromQuota("-1", []Group{{GroupName: GroupClaudeGPT, RemainingFraction: fracPtr(0.5)}})
	if _, ok := p.SessionForGroupExcluding(GroupClaudeGPT, nil); !ok {
		t.Fatal("active session not selectable")
	}

	// Exhausted with a future reset: out of the active set.
	p.UpdateFromQuota("-1", []Group{{GroupName: GroupClaudeGPT, RemainingFraction: fracPtr(0), ResetTime: future}})
	if _, ok := p.SessionForGroupExcluding(GroupClaudeGPT, nil); ok {
		t.Fatal("cooled-down session still selectable")
	}
	if due := p.DueCooldownSessions(); len(due) != 0 {
		t.Errorf("future reset already due: %v", due)
	}

	// Reset in the past: session becomes due.
	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	p.UpdateFromQuota("-1", []Group{{GroupName: GroupClaudeGPT, ResetTime: past}})
	if due := p.DueCooldownSessions(); len(due) != 1 || due[0] != "-1" {
		t.Errorf("due sessions = %v", due)
	}
}

func TestUpdateFromQuotaZeroFractionWithoutResetStaysActive(t *testing.T) {
	p := NewPool()
	p.UpdateFromQuota("-1", []Group{{GroupName: GroupClaudeGPT, RemainingFraction: fracPtr(0)}})
	if _, ok := p.SessionForGroupExcluding(GroupClaudeGPT, nil); !ok {
		t.Error("zero fraction without reset time should remain selectable")
	}
}

func TestSyncValidSessions(t *testing.T) {
	p := NewPool()
	p.UpdateFromQuota("-1", []Group{{GroupName: GroupClaudeGPT, RemainingFraction: fracPtr(0.9)}})
	p.UpdateFromQuota("-2", []Group{{GroupName: GroupClaudeGPT, RemainingFraction: fracPtr(0.9)}})

	p.SyncValidSessions(map[string]struct{}{"-2": {}})
	sid, ok := p.SessionForGroupExcluding(GroupClaudeGPT, nil)
	if !ok || sid != "-2" {
		t.Errorf("expected only -2 to survive, got %q %v", sid, ok)
	}
}

func TestSelectWeightedRespectsExclude(t *testing.T) {
	p := NewPool()
	p.UpdateFromQuota("-1", []Group{{GroupName: GroupClaudeGPT, RemainingFraction: fracPtr(1)}})
	p.UpdateFromQuota("-2", []Group{{GroupName: GroupClaudeGPT, RemainingFraction: fracPtr(1)}})

	exclude := map[string]struct{}{"-1": {}}
	for i := 0; i < 50; i++ {
		sid, ok := p.SessionForGroupExcluding(GroupClaudeGPT, exclude)
		if !ok || sid != "-2" {
			t.Fatalf("excluded session selected: %q %v", sid, ok)
		}
	}

	exclude["-2"] = struct{}{}
	if _, ok := p.SessionForGroupExcluding(GroupClaudeGPT, exclude); ok {
		t.Error("selection succeeded with every session excluded")
	}
}

func TestSelectWeightedPrefersHigherFraction(t *testing.T) {
	p := NewPool()
	p.UpdateFromQuota("-rich", []Group{{GroupName: GroupClaudeGPT, RemainingFraction: fracPtr(0.9)}})
	p.UpdateFromQuota("-poor", []Group{{GroupName: GroupClaudeGPT, RemainingFraction: fracPtr(0.1)}})

	// With two candidates, power-of-two-choices always compares both, so
	// the richer account wins every draw.
	for i := 0; i < 1000; i++ {
		sid, ok := p.SessionForGroupExcluding(GroupClaudeGPT, nil)
		if !ok {
			t.Fatal("no pick")
		}
		if sid != "-rich" {
			t.Fatalf("draw %d picked %q over the better-funded account", i, sid)
		}
	}
}

func TestSessionForModelRoutesToGroup(t *testing.T) {
	p := NewPool()
	p.UpdateFromQuota("-claude", []Group{{GroupName: GroupClaudeGPT, RemainingFraction: fracPtr(1)}})
	p.UpdateFromQuota("-flash", []Group{{GroupName: GroupGemini3Flash, RemainingFraction: fracPtr(1)}})

	if sid, ok := p.SessionForModelExcluding("claude-sonnet-4-5-thinking", nil); !ok || sid != "-claude" {
		t.Errorf("claude model pick = %q %v", sid, ok)
	}
	if sid, ok := p.SessionForModelExcluding("gemini-3-flash", nil); !ok || sid != "-flash" {
		t.Errorf("flash model pick = %q %v", sid, ok)
	}
}

func TestNextUint64VariesAcrossCalls(t *testing.T) {
	p := NewPool()
	seen := make(map[uint64]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		seen[p.nextUint64()] = struct{}{}
	}
	// Per-call derivation must not collapse into a short cycle.
	if len(seen) < 990 {
		t.Errorf("only %d distinct values in 1000 draws", len(seen))
	}
}

func TestConcurrentSelection(t *testing.T) {
	p := NewPool()
	for _, sid := range []string{"-a", "-b", "-c", "-d", "-e"} {
		p.UpdateFromQuota(sid, []Group{{GroupName: GroupClaudeGPT, RemainingFraction: fracPtr(0.5)}})
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if _, ok := p.SessionForGroupExcluding(GroupClaudeGPT, nil); !ok {
					t.Error("no pick from a populated group")
					return
				}
			}
		}()
	}
	wg.Wait()
}
