package credential

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	refresherMinSleep     = time.Second
	refresherMaxSleep     = 30 * time.Minute
	refresherIdleSleep    = 5 * time.Minute
	refresherConcurrency  = 3
	refreshAttemptsPerRun = 5
)

// Backoff between refresh attempts within one cycle.
var refreshRetryDelays = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// Refresher proactively refreshes access tokens before they expire so the
// request path never has to. It sleeps until the earliest refresh deadline
// across the pool and wakes early when new accounts are added.
type Refresher struct {
	store *Store
	wake  chan struct{}
}

func NewRefresher(store *Store) *Refresher {
	return &Refresher{store: store, wake: make(chan struct{}, 1)}
}

// Wake nudges the scheduler to recompute its deadline, e.g. after an
// account is added or re-enabled.
func (r *Refresher) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drives the refresh loop until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	for {
		sleep := r.nextSleep()
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
			continue
		case <-time.After(sleep):
		}
		r.refreshDue(ctx)
	}
}

// nextSleep returns how long to wait before the next refresh pass: the time
// until the earliest enabled account crosses its expiry margin, clamped to
// [1s, 30m]. With no enabled accounts the loop idles five minutes.
func (r *Refresher) nextSleep() time.Duration {
	nowMS := time.Now().UnixMilli()
	earliest := int64(0)
	found := false
	for _, acc := range r.store.GetAll() {
		if !acc.Enable {
			continue
		}
		refreshAt := acc.ExpiresAtMS() - expiryMarginMS
		if !found || refreshAt < earliest {
			earliest = refreshAt
			found = true
		}
	}
	if !found {
		return refresherIdleSleep
	}
	sleep := time.Duration(earliest-nowMS) * time.Millisecond
	if sleep < refresherMinSleep {
		return refresherMinSleep
	}
	if sleep > refresherMaxSleep {
		return refresherMaxSleep
	}
	return sleep
}

// refreshDue refreshes every enabled account inside its expiry margin, at
// most three at a time.
func (r *Refresher) refreshDue(ctx context.Context) {
	nowMS := time.Now().UnixMilli()
	var due []Account
	for _, acc := range r.store.GetAll() {
		if acc.Enable && acc.IsExpired(nowMS) {
			due = append(due, acc)
		}
	}
	if len(due) == 0 {
		return
	}
	log.Infof("credential: refreshing %d due account(s)", len(due))

	sem := semaphore.NewWeighted(refresherConcurrency)
	for _, acc := range due {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(acc Account) {
			defer sem.Release(1)
			r.refreshWithRetry(ctx, acc)
		}(acc)
	}
	// Wait for the in-flight refreshes before recomputing the schedule.
	if err := sem.Acquire(ctx, refresherConcurrency); err != nil {
		return
	}
	sem.Release(refresherConcurrency)
}

func (r *Refresher) refreshWithRetry(ctx context.Context, acc Account) {
	for attempt := 0; attempt < refreshAttemptsPerRun; attempt++ {
		outcome, err := r.store.RefreshSession(acc.SessionID)
		if err == nil {
			if outcome == Refreshed {
				log.WithField("email", acc.Email).Info("credential: token refreshed")
			}
			return
		}
		if outcome == DisabledAfterFailures {
			log.WithField("email", acc.Email).Warn("credential: account disabled after repeated refresh failures")
			return
		}
		log.WithField("email", acc.Email).Warnf("credential: refresh attempt %d failed: %v", attempt+1, err)
		if attempt == refreshAttemptsPerRun-1 {
			return
		}
		delay := refreshRetryDelays[attempt]
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
