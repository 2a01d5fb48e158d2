package cache

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flipstash/flipstash-backend/internal/subscriptions"
	"github.com/flipstash/flipstash-backend/pkg/config"
	"github.com/flipstash/flipstash-backend/pkg/db/models"
	"github.com/flipstash/flipstash-backend/pkg/enums"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// State is the cache's own lifecycle, independent of the subscription status
// it holds.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateError         State = "error"
)

// Loader reads the user's subscription and sync status from the store.
type Loader interface {
	FetchSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, *models.SyncStatus, error)
}

// AccessChecker is the authoritative entitlement check. It fails
// independently of the subscription fetch; its failure must not block reads.
type AccessChecker interface {
	CheckAccess(ctx context.Context, userID uuid.UUID) (bool, error)
}

// InventoryLimitChecker resolves the plan's inventory item ceiling.
type InventoryLimitChecker interface {
	InventoryLimit(ctx context.Context, userID uuid.UUID) (int, error)
}

// PortalVisitStore holds the one-shot "user was sent to the billing portal"
// flag that gates the refocus re-sync heuristic.
type PortalVisitStore interface {
	ConsumePortalVisit(ctx context.Context, userID string) (bool, error)
}

// ActivationNotifier receives at most one notification per transition into an
// active subscription. The cache owns the dedup so no second site can double
// up on the user-facing message.
type ActivationNotifier interface {
	SubscriptionActivated(userID uuid.UUID, planID string)
}

// SessionCacheParams wires a per-session cache.
type SessionCacheParams struct {
	UserID         uuid.UUID
	Loader         Loader
	AccessChecker  AccessChecker
	InventoryLimit InventoryLimitChecker
	PortalVisits   PortalVisitStore
	Notifier       ActivationNotifier
	Config         config.EntitlementsConfig
	Logger         *logger.Logger
}

// SessionCache holds one session's view of the user's subscription. It is fed
// by the initial fetch, the change bus, manual reconciliation, and the
// portal-return refocus heuristic. A failed refresh never evicts known-good
// data; the cache degrades to stale, not to empty.
type SessionCache struct {
	userID         uuid.UUID
	loader         Loader
	accessChecker  AccessChecker
	inventoryLimit InventoryLimitChecker
	portalVisits   PortalVisitStore
	notifier       ActivationNotifier
	cfg            config.EntitlementsConfig
	logg           *logger.Logger

	generation atomic.Uint64

	mu             sync.Mutex
	state          State
	subscription   *models.Subscription
	syncStatus     *models.SyncStatus
	accessResult   *bool
	inventoryCeil  *int
	stale          bool
	lastErr        error
	notifiedActive bool
}

func NewSessionCache(params SessionCacheParams) (*SessionCache, error) {
	if params.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if params.Loader == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "loader required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &SessionCache{
		userID:         params.UserID,
		loader:         params.Loader,
		accessChecker:  params.AccessChecker,
		inventoryLimit: params.InventoryLimit,
		portalVisits:   params.PortalVisits,
		notifier:       params.Notifier,
		cfg:            params.Config,
		logg:           params.Logger,
		state:          StateUninitialized,
	}, nil
}

// Start issues the initial fetch. The cache is Loading until it settles.
func (c *SessionCache) Start(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateLoading
	c.mu.Unlock()
	return c.refresh(ctx)
}

// Refresh re-fetches on demand, superseding any in-flight fetch. Stale
// results from superseded fetches are discarded, never applied.
func (c *SessionCache) Refresh(ctx context.Context) error {
	return c.refresh(ctx)
}

// OnChange is the bus handler. Events for other users are ignored.
func (c *SessionCache) OnChange(ctx context.Context, change subscriptions.ChangeEvent) {
	if change.UserID != c.userID {
		return
	}
	if err := c.refresh(ctx); err != nil {
		logCtx := c.logg.WithUserID(ctx, c.userID.String())
		c.logg.Warn(logCtx, "change-triggered refresh failed")
	}
}

// OnRefocus implements the window-refocus heuristic: re-sync only when the
// portal-visit flag is set, and consume the flag so one portal trip triggers
// at most one refocus refresh.
func (c *SessionCache) OnRefocus(ctx context.Context) error {
	if c.portalVisits == nil {
		return nil
	}
	visited, err := c.portalVisits.ConsumePortalVisit(ctx, c.userID.String())
	if err != nil {
		return err
	}
	if !visited {
		return nil
	}
	return c.refresh(ctx)
}

func (c *SessionCache) refresh(ctx context.Context) error {
	gen := c.generation.Add(1)

	var (
		sub        *models.Subscription
		syncStatus *models.SyncStatus
	)
	backoff := retry.WithMaxRetries(1, retry.NewConstant(c.retryDelay()))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout())
		defer cancel()
		fetched, status, err := c.loader.FetchSubscription(fetchCtx, c.userID)
		if err != nil {
			if isNetworkOrTimeout(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		sub, syncStatus = fetched, status
		return nil
	})

	// A superseded or canceled fetch must not write into a cache that has
	// moved on.
	if ctx.Err() != nil || gen != c.generation.Load() {
		return ctx.Err()
	}
	if err != nil {
		c.recordFailure(gen, err)
		return err
	}

	c.apply(gen, sub, syncStatus)
	c.runAccessCheck(ctx, gen)
	c.runInventoryLimit(ctx, gen)
	return nil
}

func (c *SessionCache) apply(gen uint64, sub *models.Subscription, syncStatus *models.SyncStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-checked under the lock: a fetch superseded between the caller's
	// check and here must not overwrite newer data.
	if gen != c.generation.Load() {
		return
	}

	c.state = StateReady
	c.stale = false
	c.lastErr = nil
	if sub != nil {
		c.subscription = sub
	}
	if syncStatus != nil {
		c.syncStatus = syncStatus
	}

	active := sub != nil && sub.Status == enums.SubscriptionStatusActive
	if active && !c.notifiedActive && c.notifier != nil {
		c.notifier.SubscriptionActivated(c.userID, sub.PlanID)
	}
	c.notifiedActive = active
}

func (c *SessionCache) recordFailure(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation.Load() {
		return
	}
	c.lastErr = err
	if c.state == StateReady {
		// Keep serving the last known-good data with a stale marker.
		c.stale = true
		return
	}
	c.state = StateError
}

// runAccessCheck refreshes the authoritative access result. Its failure
// clears the result so HasAccess falls back to the local derivation; it never
// fails the refresh that fetched the subscription.
func (c *SessionCache) runAccessCheck(ctx context.Context, gen uint64) {
	if c.accessChecker == nil {
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, c.accessCheckTimeout())
	defer cancel()
	allowed, err := c.accessChecker.CheckAccess(checkCtx, c.userID)
	if ctx.Err() != nil || gen != c.generation.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation.Load() {
		return
	}
	if err != nil {
		c.accessResult = nil
		return
	}
	c.accessResult = &allowed
}

func (c *SessionCache) runInventoryLimit(ctx context.Context, gen uint64) {
	if c.inventoryLimit == nil {
		return
	}
	limitCtx, cancel := context.WithTimeout(ctx, c.inventoryLimitTimeout())
	defer cancel()
	limit, err := c.inventoryLimit.InventoryLimit(limitCtx, c.userID)
	if ctx.Err() != nil || gen != c.generation.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation.Load() {
		return
	}
	if err != nil {
		return
	}
	c.inventoryCeil = &limit
}

// State returns the cache lifecycle state.
func (c *SessionCache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stale reports whether the held data survived a failed refresh.
func (c *SessionCache) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Subscription returns the last known-good subscription, which may be stale.
func (c *SessionCache) Subscription() *models.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscription
}

// SyncStatus returns the last known sync status row.
func (c *SessionCache) SyncStatus() *models.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncStatus
}

// InventoryLimit returns the cached plan ceiling, if resolved.
func (c *SessionCache) InventoryLimit() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inventoryCeil == nil {
		return 0, false
	}
	return *c.inventoryCeil, true
}

// HasAccess is fail-open while the initial fetch is unsettled: a paying user
// must not see a lockout flash before data is confirmed. Once Ready it
// prefers the authoritative access-check result and otherwise falls back to a
// local derivation from the subscription row.
func (c *SessionCache) HasAccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateUninitialized, StateLoading:
		return true
	case StateError:
		return false
	}
	if c.accessResult != nil {
		return *c.accessResult
	}
	return fallbackAccess(c.subscription, time.Now().UTC())
}

// IsTrialing reports whether the provider status is trialing.
func (c *SessionCache) IsTrialing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscription != nil && c.subscription.Status == enums.SubscriptionStatusTrialing
}

// DaysUntilExpiry counts whole days until the relevant end date: trial end
// while trialing, period end otherwise. Zero when no end date is known or the
// date has passed.
func (c *SessionCache) DaysUntilExpiry() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscription == nil {
		return 0
	}
	end := c.subscription.CurrentPeriodEnd
	if c.subscription.Status == enums.SubscriptionStatusTrialing && c.subscription.TrialEnd != nil {
		end = c.subscription.TrialEnd
	}
	if end == nil {
		return 0
	}
	remaining := time.Until(*end)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + 24*time.Hour - time.Nanosecond) / (24 * time.Hour))
}

// StatusLabel derives the human-readable status string shown in the UI.
func (c *SessionCache) StatusLabel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscription == nil {
		return "Unknown"
	}
	sub := c.subscription
	if sub.Status == enums.SubscriptionStatusActive && sub.CancelAtPeriodEnd {
		return "Expiring"
	}
	switch sub.Status {
	case enums.SubscriptionStatusTrialing:
		return "Trial"
	case enums.SubscriptionStatusActive:
		return "Active"
	case enums.SubscriptionStatusPastDue:
		return "Past due"
	case enums.SubscriptionStatusCanceled:
		return "Canceled"
	case enums.SubscriptionStatusIncomplete:
		return "Payment incomplete"
	case enums.SubscriptionStatusIncompleteExpired:
		return "Payment expired"
	case enums.SubscriptionStatusUnpaid:
		return "Unpaid"
	}
	return "Unknown"
}

// fallbackAccess is the local derivation used when the authoritative access
// check is unavailable: active or trialing grants access, and past_due keeps
// it only while the paid-through period has not ended.
func fallbackAccess(sub *models.Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	if subscriptions.HasAccessStatus(sub.Status) {
		return true
	}
	if sub.Status == enums.SubscriptionStatusPastDue {
		return sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now)
	}
	return false
}

// isNetworkOrTimeout classifies the one error family the cache auto-retries.
// Everything else surfaces immediately.
func isNetworkOrTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func (c *SessionCache) fetchTimeout() time.Duration {
	if c.cfg.FetchTimeout > 0 {
		return c.cfg.FetchTimeout
	}
	return 10 * time.Second
}

func (c *SessionCache) accessCheckTimeout() time.Duration {
	if c.cfg.AccessCheckTimeout > 0 {
		return c.cfg.AccessCheckTimeout
	}
	return 5 * time.Second
}

func (c *SessionCache) inventoryLimitTimeout() time.Duration {
	if c.cfg.InventoryLimitTimeout > 0 {
		return c.cfg.InventoryLimitTimeout
	}
	return 5 * time.Second
}

func (c *SessionCache) retryDelay() time.Duration {
	if c.cfg.RetryDelay > 0 {
		return c.cfg.RetryDelay
	}
	return 2 * time.Second
}
