package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ant2api/ant2api/internal/config"
	"github.com/ant2api/ant2api/internal/util"
	log "github.com/sirupsen/logrus"
)

// ErrNoTokensAvailable is returned when every account is disabled or excluded.
var ErrNoTokensAvailable = errors.New("credential: no tokens available")

// ModelSelector is the quota-pool view the store needs for model-aware picks.
// Implemented by quota.Pool; kept as an interface so the store does not
// depend on the pool package.
type ModelSelector interface {
	SessionForModelExcluding(model string, exclude map[string]struct{}) (string, bool)
	DropSession(sessionID string)
}

// Store holds the account list, the round-robin cursor, and the refresh
// bookkeeping. All account values handed out are copies.
type Store struct {
	cfg *config.Config

	mu       sync.RWMutex
	accounts []Account
	cursor   int

	// failures counts consecutive refresh failures per session. In-memory
	// only: a restart clears it, so a transient upstream outage cannot
	// permanently lock accounts out.
	failMu   sync.Mutex
	failures map[string]int

	// refreshing guards against concurrent refreshes of the same session.
	refreshMu  sync.Mutex
	refreshing map[string]struct{}

	saveMu sync.Mutex

	oauth *OAuthClient

	// refreshFn performs the actual token exchange. Overridable in tests.
	refreshFn func(refreshToken string) (*TokenResponse, error)
}

// NewStore creates an empty store bound to cfg.
func NewStore(cfg *config.Config) *Store {
	oauth := NewOAuthClient(cfg)
	return &Store{
		cfg:        cfg,
		failures:   make(map[string]int),
		refreshing: make(map[string]struct{}),
		oauth:      oauth,
		refreshFn:  oauth.RefreshToken,
	}
}

// OAuth exposes the store's OAuth client for login flows.
func (s *Store) OAuth() *OAuthClient { return s.oauth }

func (s *Store) accountsPath() string {
	return filepath.Join(s.cfg.DataDir, "accounts.json")
}

// Load reads accounts.json. A missing file leaves the store empty; a corrupt
// file clears state and returns the parse error. Every loaded account gets a
// fresh session id.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.accountsPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.accounts = nil
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("credential: read %s: %w", s.accountsPath(), err)
	}

	var accounts []Account
	if errUnmarshal := json.Unmarshal(data, &accounts); errUnmarshal != nil {
		s.mu.Lock()
		s.accounts = nil
		s.mu.Unlock()
		return fmt.Errorf("credential: parse %s: %w", s.accountsPath(), errUnmarshal)
	}

	for i := range accounts {
		accounts[i].SessionID = util.SessionID()
	}

	s.mu.Lock()
	s.accounts = accounts
	s.cursor = 0
	s.mu.Unlock()
	return nil
}

// Save serialises the account list back to accounts.json. Writes are
// serialised through a dedicated mutex so concurrent adds cannot lose
// updates.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	accounts := make([]Account, len(s.accounts))
	copy(accounts, s.accounts)
	s.mu.RUnlock()

	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("credential: create data dir: %w", err)
	}
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: marshal accounts: %w", err)
	}
	if errWrite := os.WriteFile(s.accountsPath(), data, 0o600); errWrite != nil {
		return fmt.Errorf("credential: write %s: %w", s.accountsPath(), errWrite)
	}
	return nil
}

// Add inserts or replaces an account, de-duplicating on email or refresh
// token. A replaced entry keeps its created_at. Persists the full list.
func (s *Store) Add(account Account) error {
	account.SessionID = util.SessionID()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	replaced := false
	for i := range s.accounts {
		sameEmail := account.Email != "" && s.accounts[i].Email == account.Email
		sameRefresh := account.RefreshToken != "" && s.accounts[i].RefreshToken == account.RefreshToken
		if sameEmail || sameRefresh {
			account.CreatedAt = s.accounts[i].CreatedAt
			s.accounts[i] = account
			replaced = true
			break
		}
	}
	if !replaced {
		s.accounts = append(s.accounts, account)
	}
	s.mu.Unlock()

	return s.Save()
}

// GetToken returns the next enabled account in round-robin order.
func (s *Store) GetToken() (Account, error) {
	return s.GetTokenExcluding(nil)
}

// GetTokenExcluding returns the next enabled account whose session is not in
// exclude. The cursor advances exactly once per pick regardless of how many
// entries are skipped. Expired tokens are returned as-is; the background
// refresher owns renewal.
func (s *Store) GetTokenExcluding(exclude map[string]struct{}) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.accounts)
	if n == 0 {
		return Account{}, ErrNoTokensAvailable
	}

	start := s.cursor
	s.cursor++

	nowMS := time.Now().UnixMilli()
	for i := 0; i < n; i++ {
		acc := &s.accounts[(start+i)%n]
		if !acc.Enable {
			continue
		}
		if _, skip := exclude[acc.SessionID]; skip {
			continue
		}
		if acc.IsExpired(nowMS) {
			log.WithFields(log.Fields{"email": acc.Email}).Warn("credential: returning expired access token, awaiting background refresh")
		}
		return *acc, nil
	}
	return Account{}, ErrNoTokensAvailable
}

// GetTokenForModelExcluding prefers the quota pool's pick for the model's
// group, tolerating up to three stale pool sessions before falling back to
// plain round-robin.
func (s *Store) GetTokenForModelExcluding(model string, pool ModelSelector, exclude map[string]struct{}) (Account, error) {
	if pool != nil {
		for attempt := 0; attempt < 3; attempt++ {
			sessionID, ok := pool.SessionForModelExcluding(model, exclude)
			if !ok {
				break
			}
			if acc, found := s.bySessionID(sessionID); found && acc.Enable {
				nowMS := time.Now().UnixMilli()
				if acc.IsExpired(nowMS) {
					log.WithFields(log.Fields{"email": acc.Email}).Warn("credential: returning expired access token, awaiting background refresh")
				}
				return acc, nil
			}
			// Stale pool entry: the session no longer exists in the store.
			pool.DropSession(sessionID)
		}
	}
	return s.GetTokenExcluding(exclude)
}

// GetTokenByProjectID returns the enabled account owning the given project.
func (s *Store) GetTokenByProjectID(projectID string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.accounts {
		if s.accounts[i].Enable && s.accounts[i].ProjectID == projectID {
			return s.accounts[i], nil
		}
	}
	return Account{}, ErrNoTokensAvailable
}

func (s *Store) bySessionID(sessionID string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.accounts {
		if s.accounts[i].SessionID == sessionID {
			return s.accounts[i], true
		}
	}
	return Account{}, false
}

// GetAll returns a copy of the account list.
func (s *Store) GetAll() []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, len(s.accounts))
	copy(out, s.accounts)
	return out
}

// Count returns the number of accounts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// EnabledCount returns the number of enabled accounts.
func (s *Store) EnabledCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := range s.accounts {
		if s.accounts[i].Enable {
			n++
		}
	}
	return n
}

// SessionIDs returns the session ids of all enabled accounts.
func (s *Store) SessionIDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.accounts))
	for i := range s.accounts {
		if s.accounts[i].Enable {
			out[s.accounts[i].SessionID] = struct{}{}
		}
	}
	return out
}

// Delete removes the account at index and persists.
func (s *Store) Delete(index int) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.accounts) {
		s.mu.Unlock()
		return fmt.Errorf("credential: delete index %d out of range", index)
	}
	s.accounts = append(s.accounts[:index], s.accounts[index+1:]...)
	s.mu.Unlock()
	return s.Save()
}

// SetEnable toggles the account at index and persists.
func (s *Store) SetEnable(index int, enable bool) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.accounts) {
		s.mu.Unlock()
		return fmt.Errorf("credential: toggle index %d out of range", index)
	}
	s.accounts[index].Enable = enable
	s.mu.Unlock()
	return s.Save()
}

// DisableBySessionID disables the account owning the session and persists.
func (s *Store) DisableBySessionID(sessionID string) {
	s.mu.Lock()
	found := false
	for i := range s.accounts {
		if s.accounts[i].SessionID == sessionID {
			s.accounts[i].Enable = false
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		if err := s.Save(); err != nil {
			log.Errorf("credential: persist disable: %v", err)
		}
	}
}

// Clear drops every account and persists the empty list.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.accounts = nil
	s.cursor = 0
	s.mu.Unlock()
	return s.Save()
}

// RefreshSession refreshes the access token for one session. A concurrent
// refresh of the same session short-circuits with SkippedAlreadyRefreshing.
func (s *Store) RefreshSession(sessionID string) (RefreshOutcome, error) {
	s.refreshMu.Lock()
	if _, busy := s.refreshing[sessionID]; busy {
		s.refreshMu.Unlock()
		return SkippedAlreadyRefreshing, nil
	}
	s.refreshing[sessionID] = struct{}{}
	s.refreshMu.Unlock()

	defer func() {
		s.refreshMu.Lock()
		delete(s.refreshing, sessionID)
		s.refreshMu.Unlock()
	}()

	return s.refreshOne(sessionID)
}

func (s *Store) refreshOne(sessionID string) (RefreshOutcome, error) {
	acc, found := s.bySessionID(sessionID)
	if !found {
		return SkippedDisabled, fmt.Errorf("credential: unknown session %s", sessionID)
	}
	if !acc.Enable {
		return SkippedDisabled, nil
	}

	token, err := s.refreshFn(acc.RefreshToken)
	if err != nil {
		failures := s.recordFailure(sessionID)
		if failures >= maxRefreshFailures {
			log.WithFields(log.Fields{"email": acc.Email}).Error("credential: refresh failed repeatedly, disabling account")
			s.DisableBySessionID(sessionID)
			s.clearFailures(sessionID)
			return DisabledAfterFailures, nil
		}
		return SkippedDisabled, fmt.Errorf("credential: refresh session %s: %w", sessionID, err)
	}

	s.mu.Lock()
	for i := range s.accounts {
		if s.accounts[i].SessionID != sessionID {
			continue
		}
		s.accounts[i].AccessToken = token.AccessToken
		if token.RefreshToken != "" {
			s.accounts[i].RefreshToken = token.RefreshToken
		}
		s.accounts[i].ExpiresIn = token.ExpiresIn
		s.accounts[i].Timestamp = time.Now().UnixMilli()
		break
	}
	s.mu.Unlock()

	s.clearFailures(sessionID)
	if errSave := s.Save(); errSave != nil {
		log.Errorf("credential: persist refreshed token: %v", errSave)
	}
	return Refreshed, nil
}

func (s *Store) recordFailure(sessionID string) int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures[sessionID]++
	return s.failures[sessionID]
}

func (s *Store) clearFailures(sessionID string) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	delete(s.failures, sessionID)
}

// FailureCount reports the consecutive refresh failures for a session.
func (s *Store) FailureCount(sessionID string) int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures[sessionID]
}

// TriggerBackgroundRefresh starts a refresh for the session without blocking
// the caller. Used from auth-failure paths.
func (s *Store) TriggerBackgroundRefresh(sessionID string) {
	go func() {
		outcome, err := s.RefreshSession(sessionID)
		if err != nil {
			log.WithFields(log.Fields{"session": sessionID}).Warnf("credential: background refresh: %v", err)
			return
		}
		log.WithFields(log.Fields{"session": sessionID}).Debugf("credential: background refresh %s", outcome)
	}()
}

// RefreshAccount refreshes the account at index synchronously.
func (s *Store) RefreshAccount(index int) error {
	s.mu.RLock()
	if index < 0 || index >= len(s.accounts) {
		s.mu.RUnlock()
		return fmt.Errorf("credential: refresh index %d out of range", index)
	}
	sessionID := s.accounts[index].SessionID
	s.mu.RUnlock()

	_, err := s.RefreshSession(sessionID)
	return err
}

// RefreshAll refreshes every enabled account sequentially, returning the
// success and failure counts. Used at startup and from admin flows.
func (s *Store) RefreshAll() (succeeded, failed int) {
	for _, acc := range s.GetAll() {
		if !acc.Enable {
			continue
		}
		if _, err := s.RefreshSession(acc.SessionID); err != nil {
			failed++
			log.WithFields(log.Fields{"email": acc.Email}).Warnf("credential: refresh all: %v", err)
			continue
		}
		succeeded++
	}
	return succeeded, failed
}
