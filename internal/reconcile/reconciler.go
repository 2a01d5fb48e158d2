package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flipstash/flipstash-backend/internal/subscriptions"
	"github.com/flipstash/flipstash-backend/pkg/db/models"
	"github.com/flipstash/flipstash-backend/pkg/enums"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/flipstash/flipstash-backend/pkg/metrics"
	"github.com/flipstash/flipstash-backend/pkg/plans"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
)

// Reconciliation results reported to the caller.
const (
	ResultNoActiveSubscription = "no_active_subscription"
	ResultUpdated              = "updated"
	ResultSynchronized         = "synchronized"
)

// Outcome is the reconciler's report: what happened plus the sync status row
// written alongside it.
type Outcome struct {
	Result         string
	EnhancedStatus *models.SyncStatus
}

// ReconcilerParams wires the reconciler's collaborators.
type ReconcilerParams struct {
	SubscriptionRepo subscriptions.Repository
	StripeClient     subscriptions.StripeSubscriptionClient
	Notifier         subscriptions.ChangeNotifier
	Metrics          *metrics.BillingMetrics
	Logger           *logger.Logger
}

// Reconciler fetches authoritative subscription state directly from Stripe and
// overwrites local state. It is the recovery path when webhook events are
// lost, delayed, or failed verification.
type Reconciler struct {
	subscriptionRepo subscriptions.Repository
	stripe           subscriptions.StripeSubscriptionClient
	notifier         subscriptions.ChangeNotifier
	metrics          *metrics.BillingMetrics
	logg             *logger.Logger
}

func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	if params.SubscriptionRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription repo required")
	}
	if params.StripeClient == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe client required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Reconciler{
		subscriptionRepo: params.SubscriptionRepo,
		stripe:           params.StripeClient,
		notifier:         params.Notifier,
		metrics:          params.Metrics,
		logg:             params.Logger,
	}, nil
}

// Reconcile re-reads the user's subscription from Stripe and converges local
// state to it. Safe to call concurrently and repeatedly: with no provider-side
// change, repeated calls report synchronized and write nothing new to the
// subscription row. Provider-read failures are recorded on the sync status row
// and propagated so the caller can decide on retry policy.
func (r *Reconciler) Reconcile(ctx context.Context, userID uuid.UUID) (*Outcome, error) {
	start := time.Now()
	outcome, err := r.reconcile(ctx, userID)
	result := "error"
	if err == nil {
		result = outcome.Result
	}
	r.metrics.ObserveReconcile(result, time.Since(start))
	return outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context, userID uuid.UUID) (*Outcome, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	stored, err := r.subscriptionRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	if stored.StripeSubscriptionID == nil || *stored.StripeSubscriptionID == "" {
		// Nothing to reconcile against; the trial defaults are the truth.
		status, err := r.writeSyncStatus(ctx, userID, enums.SyncStatusSynced, enums.PaymentMethodStatusValid, 0, nil)
		if err != nil {
			return nil, err
		}
		return &Outcome{Result: ResultNoActiveSubscription, EnhancedStatus: status}, nil
	}

	stripeSub, err := r.stripe.Get(ctx, *stored.StripeSubscriptionID, &stripe.SubscriptionParams{})
	if err != nil {
		return nil, r.recordFailure(ctx, userID, err)
	}

	paymentIntent, err := r.stripe.LatestInvoicePaymentIntent(ctx, *stored.StripeSubscriptionID)
	if err != nil {
		return nil, r.recordFailure(ctx, userID, err)
	}
	paymentMethodStatus := ClassifyPaymentIntent(paymentIntent)

	result := ResultSynchronized
	if subscriptionDiffers(stored, stripeSub) {
		plan := r.recomputePlan(ctx, stripeSub)
		if err := subscriptions.ApplyStripe(stored, stripeSub, &plan); err != nil {
			return nil, err
		}
		if err := r.subscriptionRepo.Save(ctx, stored); err != nil {
			return nil, err
		}
		r.notifyChange(ctx, stored)
		result = ResultUpdated
	}

	status, err := r.writeSyncStatus(ctx, userID, enums.SyncStatusSynced, paymentMethodStatus, 0, nil)
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: result, EnhancedStatus: status}, nil
}

// recordFailure marks the sync status failed with an incremented retry count
// and returns the original error for the caller to act on.
func (r *Reconciler) recordFailure(ctx context.Context, userID uuid.UUID, cause error) error {
	retryCount := 1
	if existing, err := r.subscriptionRepo.FindSyncStatusByUserID(ctx, userID); err == nil && existing != nil {
		retryCount = existing.RetryCount + 1
	}
	meta := map[string]string{"last_error": cause.Error()}
	if _, err := r.writeSyncStatus(ctx, userID, enums.SyncStatusFailed, enums.PaymentMethodStatusValid, retryCount, meta); err != nil {
		logCtx := r.logg.WithUserID(ctx, userID.String())
		r.logg.Error(logCtx, "failed to record reconciliation failure", err)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "fetch stripe subscription")
}

func (r *Reconciler) writeSyncStatus(
	ctx context.Context,
	userID uuid.UUID,
	status enums.SyncStatus,
	paymentMethodStatus enums.PaymentMethodStatus,
	retryCount int,
	meta map[string]string,
) (*models.SyncStatus, error) {
	row := &models.SyncStatus{
		UserID:              userID,
		Status:              status,
		LastSyncAt:          time.Now().UTC(),
		RetryCount:          retryCount,
		PaymentMethodStatus: paymentMethodStatus,
	}
	if len(meta) > 0 {
		data, err := json.Marshal(meta)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal sync metadata")
		}
		row.Metadata = data
	}
	if err := r.subscriptionRepo.UpsertSyncStatus(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *Reconciler) notifyChange(ctx context.Context, stored *models.Subscription) {
	if r.notifier == nil {
		return
	}
	change := subscriptions.ChangeEvent{
		Kind:      subscriptions.ChangeKindSubscription,
		UserID:    stored.UserID,
		RowID:     stored.ID,
		UpdatedAt: stored.UpdatedAt,
	}
	if err := r.notifier.NotifyChange(ctx, change); err != nil {
		logCtx := r.logg.WithUserID(ctx, stored.UserID.String())
		r.logg.Error(logCtx, "reconcile change notification failed", err)
	}
}

// ClassifyPaymentIntent maps the latest invoice's payment intent onto the
// payment method health the client surfaces. No intent at all means nothing is
// owed, which reads as valid.
func ClassifyPaymentIntent(intent *stripe.PaymentIntent) enums.PaymentMethodStatus {
	if intent == nil {
		return enums.PaymentMethodStatusValid
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		return enums.PaymentMethodStatusRequiresAction
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		return enums.PaymentMethodStatusDeclined
	}
	if intent.LastPaymentError != nil {
		return enums.PaymentMethodStatusDeclined
	}
	return enums.PaymentMethodStatusValid
}

// subscriptionDiffers reports whether the provider's truth disagrees with the
// stored row on any reconciled field.
func subscriptionDiffers(stored *models.Subscription, stripeSub *stripe.Subscription) bool {
	status, err := enums.ParseSubscriptionStatus(string(stripeSub.Status))
	if err != nil || stored.Status != status {
		return true
	}
	if stored.CancelAtPeriodEnd != stripeSub.CancelAtPeriodEnd {
		return true
	}
	if !timePtrEqualsEpoch(stored.CanceledAt, stripeSub.CanceledAt) {
		return true
	}
	startTS, endTS := subscriptions.Period(stripeSub)
	if !timePtrEqualsEpoch(stored.CurrentPeriodStart, startTS) {
		return true
	}
	if !timePtrEqualsEpoch(stored.CurrentPeriodEnd, endTS) {
		return true
	}
	return false
}

// recomputePlan mirrors the reducer's policy: the plan follows the price only
// while the status grants access, otherwise it reverts to trial.
func (r *Reconciler) recomputePlan(ctx context.Context, stripeSub *stripe.Subscription) string {
	status, err := enums.ParseSubscriptionStatus(string(stripeSub.Status))
	if err != nil || !subscriptions.HasAccessStatus(status) {
		return plans.PlanTrial
	}
	priceID := subscriptions.PriceID(stripeSub)
	plan, ok := plans.FromPriceID(priceID)
	if !ok {
		logCtx := r.logg.WithField(ctx, "price_id", priceID)
		r.logg.Warn(logCtx, "unknown price id, defaulting to trial plan")
		return plans.PlanTrial
	}
	return plan
}

func timePtrEqualsEpoch(stored *time.Time, epoch int64) bool {
	if stored == nil {
		return epoch == 0
	}
	if epoch == 0 {
		return false
	}
	return stored.Unix() == epoch
}
