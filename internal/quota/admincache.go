package quota

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ant2api/ant2api/internal/credential"
	"github.com/ant2api/ant2api/internal/upstream"
	"github.com/ant2api/ant2api/internal/util"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	adminCacheTTL      = 2 * time.Minute
	adminErrorCacheTTL = 30 * time.Second
	adminFetchTimeout  = 20 * time.Second
	adminConcurrency   = 4
)

// AccountQuota is one account's quota snapshot for the admin surface.
type AccountQuota struct {
	SessionID string    `json:"sessionId"`
	Groups    []Group   `json:"groups"`
	FetchedAt time.Time `json:"fetchedAt"`
}

type adminCacheEntry struct {
	quota     *AccountQuota
	errMsg    string
	expiresAt time.Time
}

// AdminCache caches quota snapshots for the admin views: successes for two
// minutes, failures for thirty seconds. Concurrent requests for the same
// session collapse into one backend call, and at most four fetches run at
// once.
type AdminCache struct {
	client *upstream.Client

	mu      sync.Mutex
	entries map[string]adminCacheEntry

	flight singleflight.Group
	sem    *semaphore.Weighted
}

func NewAdminCache(client *upstream.Client) *AdminCache {
	return &AdminCache{
		client:  client,
		entries: make(map[string]adminCacheEntry),
		sem:     semaphore.NewWeighted(adminConcurrency),
	}
}

// Invalidate drops the cached snapshot for a session.
func (c *AdminCache) Invalidate(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

// GetQuota returns the account's quota, from cache when fresh. The second
// return reports a cache hit; the third carries the error message when the
// fetch failed.
func (c *AdminCache) GetQuota(ctx context.Context, acc credential.Account, endpoint upstream.Endpoint, force bool) (*AccountQuota, bool, string) {
	sessionID := strings.TrimSpace(acc.SessionID)
	if sessionID == "" {
		quota, errMsg := c.fetchOnce(ctx, acc, endpoint)
		return quota, false, errMsg
	}

	if !force {
		c.mu.Lock()
		entry, ok := c.entries[sessionID]
		c.mu.Unlock()
		if ok && time.Now().Before(entry.expiresAt) {
			return entry.quota, true, entry.errMsg
		}
	}

	type fetched struct {
		quota  *AccountQuota
		errMsg string
	}
	v, _, _ := c.flight.Do(sessionID, func() (any, error) {
		quota, errMsg := c.fetchOnce(ctx, acc, endpoint)
		ttl := adminCacheTTL
		if errMsg != "" {
			ttl = adminErrorCacheTTL
		}
		c.mu.Lock()
		c.entries[sessionID] = adminCacheEntry{
			quota:     quota,
			errMsg:    errMsg,
			expiresAt: time.Now().Add(ttl),
		}
		c.mu.Unlock()
		return fetched{quota: quota, errMsg: errMsg}, nil
	})
	f := v.(fetched)
	return f.quota, false, f.errMsg
}

func (c *AdminCache) fetchOnce(ctx context.Context, acc credential.Account, endpoint upstream.Endpoint) (*AccountQuota, string) {
	acquireCtx, cancel := context.WithTimeout(ctx, adminFetchTimeout)
	defer cancel()
	if err := c.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, "请求超时，无法获取配额"
	}
	defer c.sem.Release(1)

	accessToken := strings.TrimSpace(acc.AccessToken)
	if accessToken == "" {
		return nil, "缺少 access_token"
	}

	projectID := strings.TrimSpace(acc.ProjectID)
	if projectID == "" {
		projectID = util.ProjectID()
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, adminFetchTimeout)
	defer cancelFetch()
	resp, err := c.client.FetchAvailableModels(fetchCtx, endpoint, projectID, accessToken, acc.Email)
	if err != nil {
		return nil, quotaErrorMessage(err)
	}

	return &AccountQuota{
		SessionID: acc.SessionID,
		Groups:    GroupModels(gjson.GetBytes(resp, "models")),
		FetchedAt: time.Now().UTC(),
	}, ""
}

func quotaErrorMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "请求超时，无法获取配额"
	}
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 401:
			return "Token 已失效或无权限，无法获取配额"
		case apiErr.Status == 429:
			return "请求过于频繁，请稍后重试"
		case apiErr.Message != "":
			return "无法获取配额：" + apiErr.Message
		}
	}
	return "无法获取配额：" + err.Error()
}
