package quota

import (
	"context"
	"strings"
	"time"

	"github.com/ant2api/ant2api/internal/credential"
	"github.com/ant2api/ant2api/internal/upstream"
	"github.com/ant2api/ant2api/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	refreshInterval = 10 * time.Minute
	// Pause between per-account quota fetches to stay under backend rate
	// limits.
	perAccountDelay = 200 * time.Millisecond
)

// Refresher polls each enabled account's quota every ten minutes and feeds
// the pool. The first pass runs immediately so selection is quota-aware
// soon after startup.
type Refresher struct {
	store  *credential.Store
	client *upstream.Client
	pool   *Pool
}

func NewRefresher(store *credential.Store, client *upstream.Client, pool *Pool) *Refresher {
	return &Refresher{store: store, client: client, pool: pool}
}

// Run drives the refresh loop until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	for {
		r.refreshOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) {
	endpoint := upstream.CurrentEndpoint()
	accounts := r.store.GetAll()
	if len(accounts) == 0 {
		r.pool.SyncValidSessions(map[string]struct{}{})
		return
	}

	enabled := make(map[string]struct{})
	for _, acc := range accounts {
		if acc.Enable && strings.TrimSpace(acc.SessionID) != "" {
			enabled[acc.SessionID] = struct{}{}
		}
	}
	r.pool.SyncValidSessions(enabled)

	if due := r.pool.DueCooldownSessions(); len(due) > 0 {
		log.Infof("quota: %d account(s) past cooldown reset, refreshing", len(due))
	}

	ok, failed := 0, 0
	for _, acc := range accounts {
		if !acc.Enable {
			continue
		}
		sid := strings.TrimSpace(acc.SessionID)
		if sid == "" {
			continue
		}

		projectID := strings.TrimSpace(acc.ProjectID)
		if projectID == "" {
			projectID = util.ProjectID()
		}

		resp, err := r.client.FetchAvailableModels(ctx, endpoint, projectID, acc.AccessToken, acc.Email)
		if err != nil {
			if upstream.IsAuthFailure(err) {
				r.store.TriggerBackgroundRefresh(acc.SessionID)
			}
			failed++
			log.WithFields(log.Fields{"session": sid, "error": err}).Warn("quota: refresh account failed")
		} else {
			groups := GroupModels(gjson.GetBytes(resp, "models"))
			r.pool.UpdateFromQuota(sid, groups)
			ok++
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(perAccountDelay):
		}
	}
	log.Infof("quota: background refresh done, %d ok, %d failed", ok, failed)
}
