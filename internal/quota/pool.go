package quota

import (
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type poolEntry struct {
	remainingFraction float64
	resetTime         time.Time
	hasResetTime      bool
	lastUpdated       time.Time
}

type groupPool struct {
	active   map[string]poolEntry
	cooldown map[string]time.Time
}

func newGroupPool() *groupPool {
	return &groupPool{
		active:   make(map[string]poolEntry),
		cooldown: make(map[string]time.Time),
	}
}

// Pool tracks every account's standing in each quota group and selects
// accounts with power-of-two-choices weighted by remaining fraction.
// It satisfies the credential store's ModelSelector interface.
type Pool struct {
	mu    sync.RWMutex
	pools map[string]*groupPool

	rngBase uint64
	rngTick atomic.Uint64
}

func NewPool() *Pool {
	p := &Pool{pools: make(map[string]*groupPool)}
	for _, name := range groupOrder {
		p.pools[name] = newGroupPool()
	}
	p.rngBase = rngSeed()
	return p
}

// UpdateFromQuota applies one account's quota snapshot. A group with a
// fraction joins the active set; a spent group with a future reset time
// moves to cooldown until the reset passes.
func (p *Pool) UpdateFromQuota(sessionID string, groups []Group) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range groups {
		name := strings.TrimSpace(g.GroupName)
		if name == "" {
			continue
		}
		pool, ok := p.pools[name]
		if !ok {
			pool = newGroupPool()
			p.pools[name] = pool
		}

		resetAt, hasReset := parseResetTime(g.ResetTime)

		if g.RemainingFraction == nil {
			if hasReset {
				delete(pool.active, sessionID)
				pool.cooldown[sessionID] = resetAt
			}
			continue
		}

		frac := clamp01(*g.RemainingFraction)
		if frac <= 0 && hasReset && resetAt.After(now) {
			delete(pool.active, sessionID)
			pool.cooldown[sessionID] = resetAt
			continue
		}

		delete(pool.cooldown, sessionID)
		pool.active[sessionID] = poolEntry{
			remainingFraction: frac,
			resetTime:         resetAt,
			hasResetTime:      hasReset,
			lastUpdated:       now,
		}
	}
}

// SessionForModelExcluding picks an account for the model's quota group.
func (p *Pool) SessionForModelExcluding(model string, exclude map[string]struct{}) (string, bool) {
	return p.SessionForGroupExcluding(GroupKey(model), exclude)
}

// SessionForGroupExcluding picks an account from the named group's active
// set, skipping excluded sessions.
func (p *Pool) SessionForGroupExcluding(groupName string, exclude map[string]struct{}) (string, bool) {
	groupName = strings.TrimSpace(groupName)
	if groupName == "" {
		return "", false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	pool, ok := p.pools[groupName]
	if !ok {
		return "", false
	}
	return p.selectWeighted(pool.active, exclude)
}

// DropSession removes the session from every group.
func (p *Pool) DropSession(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pool := range p.pools {
		delete(pool.active, sessionID)
		delete(pool.cooldown, sessionID)
	}
}

// SyncValidSessions drops every session not present in valid. Run after
// account deletion or disable so stale sessions cannot be picked.
func (p *Pool) SyncValidSessions(valid map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pool := range p.pools {
		for sid := range pool.active {
			if _, ok := valid[sid]; !ok {
				delete(pool.active, sid)
			}
		}
		for sid := range pool.cooldown {
			if _, ok := valid[sid]; !ok {
				delete(pool.cooldown, sid)
			}
		}
	}
}

// DueCooldownSessions returns the distinct sessions whose cooldown reset
// time has passed.
func (p *Pool) DueCooldownSessions() []string {
	now := time.Now()
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, pool := range p.pools {
		for sid, resetAt := range pool.cooldown {
			if resetAt.After(now) {
				continue
			}
			if _, dup := seen[sid]; dup {
				continue
			}
			seen[sid] = struct{}{}
			out = append(out, sid)
		}
	}
	return out
}

// Snapshot returns the active fractions and cooldown deadlines per group,
// for the admin surface.
func (p *Pool) Snapshot() map[string]map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]map[string]float64, len(p.pools))
	for name, pool := range p.pools {
		if len(pool.active) == 0 {
			continue
		}
		sessions := make(map[string]float64, len(pool.active))
		for sid, e := range pool.active {
			sessions[sid] = e.remainingFraction
		}
		out[name] = sessions
	}
	return out
}

// selectWeighted is power-of-two-choices: sample two distinct candidates
// and keep the one with more remaining quota. One candidate short-circuits;
// zero means no pick.
func (p *Pool) selectWeighted(active map[string]poolEntry, exclude map[string]struct{}) (string, bool) {
	allowed := func(sid string) bool {
		_, skip := exclude[sid]
		return !skip
	}

	n := 0
	for sid := range active {
		if allowed(sid) {
			n++
		}
	}
	if n == 0 {
		return "", false
	}
	if n == 1 {
		for sid := range active {
			if allowed(sid) {
				return sid, true
			}
		}
	}

	i1, i2 := p.randomPairDistinct(n)
	var sidA, sidB string
	var fracA, fracB float64
	foundA, foundB := false, false

	idx := 0
	for sid, entry := range active {
		if !allowed(sid) {
			continue
		}
		if idx == i1 {
			sidA, fracA, foundA = sid, fractionOrZero(entry), true
		} else if idx == i2 {
			sidB, fracB, foundB = sid, fractionOrZero(entry), true
		}
		if foundA && foundB {
			break
		}
		idx++
	}

	switch {
	case foundA && foundB:
		if fracA >= fracB {
			return sidA, true
		}
		return sidB, true
	case foundA:
		return sidA, true
	case foundB:
		return sidB, true
	}
	for sid := range active {
		if allowed(sid) {
			return sid, true
		}
	}
	return "", false
}

func fractionOrZero(e poolEntry) float64 {
	if math.IsNaN(e.remainingFraction) || math.IsInf(e.remainingFraction, 0) {
		return 0
	}
	return e.remainingFraction
}

func (p *Pool) randomPairDistinct(n int) (int, int) {
	i1 := p.randomIndex(n)
	j := p.randomIndex(n - 1)
	if j >= i1 {
		return i1, j + 1
	}
	return i1, j
}

func (p *Pool) randomIndex(upper int) int {
	if upper <= 1 {
		return 0
	}
	return int(p.nextUint64() % uint64(upper))
}

// nextUint64 derives a fresh xorshift64* value per call from an atomic
// counter over the seed, so concurrent selections never serialise on a
// shared generator state.
func (p *Pool) nextUint64() uint64 {
	x := p.rngBase ^ p.rngTick.Add(0x9E3779B97F4A7C15)
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	return x * 0x2545F4914F6CDD1D
}

func rngSeed() uint64 {
	u := uuid.New()
	s := binary.LittleEndian.Uint64(u[:8]) ^ binary.LittleEndian.Uint64(u[8:])
	if s == 0 {
		s = 0x9E3779B97F4A7C15
	}
	return s
}

func parseResetTime(v string) (time.Time, bool) {
	s := strings.TrimSpace(v)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
