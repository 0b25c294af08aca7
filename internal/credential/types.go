// Package credential owns the persistent account pool: loading and saving
// accounts.json, round-robin and quota-aware selection, and the OAuth token
// lifecycle including the background refresher.
package credential

import (
	"time"
)

// expiry safety margin, milliseconds
const expiryMarginMS = 300_000

// Account is one upstream credential. SessionID is process-local, assigned on
// every load and never persisted; it is the handle the quota pool and
// signature cache key on.
type Account struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int       `json:"expires_in"`
	Timestamp    int64     `json:"timestamp"`
	ProjectID    string    `json:"projectId,omitempty"`
	Email        string    `json:"email,omitempty"`
	Enable       bool      `json:"enable"`
	CreatedAt    time.Time `json:"created_at"`
	SessionID    string    `json:"-"`
}

// IsExpired reports whether the access token is within the 5-minute safety
// margin of its expiry. Zero timestamp or expires_in counts as expired.
func (a *Account) IsExpired(nowMS int64) bool {
	if a.Timestamp == 0 || a.ExpiresIn == 0 {
		return true
	}
	expiresAt := a.Timestamp + int64(a.ExpiresIn)*1000
	return nowMS >= expiresAt-expiryMarginMS
}

// ExpiresAtMS returns the raw expiry instant in unix milliseconds.
func (a *Account) ExpiresAtMS() int64 {
	return a.Timestamp + int64(a.ExpiresIn)*1000
}

// RefreshOutcome describes the result of a refresh attempt.
type RefreshOutcome int

const (
	// Refreshed means the token was exchanged and persisted.
	Refreshed RefreshOutcome = iota
	// SkippedAlreadyRefreshing means another refresh for the same session
	// was in flight; this call piggybacked on it.
	SkippedAlreadyRefreshing
	// SkippedDisabled means the account is disabled and untouched.
	SkippedDisabled
	// DisabledAfterFailures means this failure was the fifth consecutive
	// one and the account has been disabled.
	DisabledAfterFailures
)

func (o RefreshOutcome) String() string {
	switch o {
	case Refreshed:
		return "refreshed"
	case SkippedAlreadyRefreshing:
		return "skipped_already_refreshing"
	case SkippedDisabled:
		return "skipped_disabled"
	case DisabledAfterFailures:
		return "disabled_after_failures"
	}
	return "unknown"
}

// disable threshold for consecutive refresh failures
const maxRefreshFailures = 5
