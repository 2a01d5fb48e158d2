package entitlements

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/flipstash/flipstash-backend/internal/subscriptions"
	"github.com/flipstash/flipstash-backend/pkg/db/models"
	"github.com/flipstash/flipstash-backend/pkg/enums"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/flipstash/flipstash-backend/pkg/plans"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
)

// Result is the reducer's verdict on a single event. Status maps directly to
// the event log's terminal statuses; Reason explains a skip or failure.
type Result struct {
	Status enums.EventProcessingStatus
	Reason string
}

func processed() Result {
	return Result{Status: enums.EventStatusProcessed}
}

func skipped(reason string) Result {
	return Result{Status: enums.EventStatusSkipped, Reason: reason}
}

// ReducerParams wires the reducer's collaborators.
type ReducerParams struct {
	SubscriptionRepo subscriptions.Repository
	StripeClient     subscriptions.StripeSubscriptionClient
	Notifier         subscriptions.ChangeNotifier
	Logger           *logger.Logger
}

// Reducer folds provider events into the local subscription state. It never
// invents state: every write reflects a subscription object Stripe supplied.
type Reducer struct {
	subscriptionRepo subscriptions.Repository
	stripe           subscriptions.StripeSubscriptionClient
	notifier         subscriptions.ChangeNotifier
	logg             *logger.Logger
}

func NewReducer(params ReducerParams) (*Reducer, error) {
	if params.SubscriptionRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription repo required")
	}
	if params.StripeClient == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe client required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Reducer{
		subscriptionRepo: params.SubscriptionRepo,
		stripe:           params.StripeClient,
		notifier:         params.Notifier,
		logg:             params.Logger,
	}, nil
}

// HandleEvent routes one verified provider event. Skips are not errors: an
// event the pipeline has no use for resolves to EventStatusSkipped with a
// reason, and the caller records it that way. A non-nil error means the event
// should be retried and resolves to EventStatusFailed.
func (r *Reducer) HandleEvent(ctx context.Context, event *stripe.Event) (Result, error) {
	if event == nil || event.Data == nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return r.handleCheckoutCompleted(ctx, event)
	case stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		return r.handleSubscriptionChanged(ctx, event)
	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentFailed:
		return r.handleInvoiceEvent(ctx, event)
	default:
		return skipped("event type not handled"), nil
	}
}

// handleCheckoutCompleted seeds the subscription row from a completed checkout.
// Owner resolution tries, in order: the session's client_reference_id, the
// session metadata, then the subscription's own metadata. A session with no
// resolvable owner is skipped, not failed, because no retry can resolve it.
func (r *Reducer) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) (Result, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode checkout session")
	}
	if session.Mode != stripe.CheckoutSessionModeSubscription {
		return skipped("checkout session is not subscription mode"), nil
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		return skipped("checkout session carries no subscription"), nil
	}

	stripeSub, err := r.stripe.Get(ctx, session.Subscription.ID, &stripe.SubscriptionParams{})
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch stripe subscription")
	}

	userID, ok := resolveOwner(&session, stripeSub)
	if !ok {
		logCtx := r.logg.WithField(ctx, "checkout_session_id", session.ID)
		r.logg.Warn(logCtx, "checkout session owner unresolvable")
		return skipped("checkout session owner unresolvable"), nil
	}

	if err := r.applySubscription(ctx, userID, stripeSub); err != nil {
		return Result{}, err
	}
	return processed(), nil
}

// handleSubscriptionChanged applies an update or deletion to the stored row
// matched by the provider's subscription id. Events for subscriptions this
// system never created are skipped.
func (r *Reducer) handleSubscriptionChanged(ctx context.Context, event *stripe.Event) (Result, error) {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode subscription event")
	}
	stored, err := r.subscriptionRepo.FindByStripeSubscriptionID(ctx, stripeSub.ID)
	if err != nil {
		return Result{}, err
	}
	if stored == nil {
		return skipped("no local subscription for stripe id"), nil
	}
	if err := r.applyToStored(ctx, stored, &stripeSub); err != nil {
		return Result{}, err
	}
	return processed(), nil
}

// handleInvoiceEvent re-syncs the parent subscription from a fresh provider
// read rather than trusting the invoice's embedded snapshot, which can lag the
// subscription object during proration and retry cycles.
func (r *Reducer) handleInvoiceEvent(ctx context.Context, event *stripe.Event) (Result, error) {
	subscriptionID := invoiceSubscriptionID(event)
	if subscriptionID == "" {
		return skipped("invoice carries no subscription"), nil
	}
	stored, err := r.subscriptionRepo.FindByStripeSubscriptionID(ctx, subscriptionID)
	if err != nil {
		return Result{}, err
	}
	if stored == nil {
		return skipped("no local subscription for invoice"), nil
	}
	stripeSub, err := r.stripe.Get(ctx, subscriptionID, &stripe.SubscriptionParams{})
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch stripe subscription")
	}
	if err := r.applyToStored(ctx, stored, stripeSub); err != nil {
		return Result{}, err
	}
	return processed(), nil
}

func (r *Reducer) applySubscription(ctx context.Context, userID uuid.UUID, stripeSub *stripe.Subscription) error {
	stored, err := r.subscriptionRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	return r.applyToStored(ctx, stored, stripeSub)
}

func (r *Reducer) applyToStored(ctx context.Context, stored *models.Subscription, stripeSub *stripe.Subscription) error {
	plan := r.recomputePlan(ctx, stripeSub)
	if err := subscriptions.ApplyStripe(stored, stripeSub, &plan); err != nil {
		return err
	}
	if err := r.subscriptionRepo.Save(ctx, stored); err != nil {
		return err
	}

	syncStatus := &models.SyncStatus{
		UserID:     stored.UserID,
		Status:     enums.SyncStatusSynced,
		LastSyncAt: time.Now().UTC(),
		RetryCount: 0,
	}
	if err := r.subscriptionRepo.UpsertSyncStatus(ctx, syncStatus); err != nil {
		return err
	}

	r.notifyChange(ctx, stored)
	return nil
}

// notifyChange is best effort. The database row is already the source of
// truth; a lost notification only delays the client cache until its next pull.
func (r *Reducer) notifyChange(ctx context.Context, stored *models.Subscription) {
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
		r.logg.Error(logCtx, "subscription change notification failed", err)
	}
}

// recomputePlan derives the plan from the subscription's price whenever the
// status still grants access. Once access lapses the plan reverts to trial so
// entitlement checks never key off a stale paid plan.
func (r *Reducer) recomputePlan(ctx context.Context, stripeSub *stripe.Subscription) string {
	status, err := enums.ParseSubscriptionStatus(strings.TrimSpace(string(stripeSub.Status)))
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

// resolveOwner maps a checkout session to a local user id. Priority order is
// contractual with the checkout flow: client_reference_id first, then session
// metadata, then subscription metadata.
func resolveOwner(session *stripe.CheckoutSession, stripeSub *stripe.Subscription) (uuid.UUID, bool) {
	candidates := []string{session.ClientReferenceID}
	if session.Metadata != nil {
		candidates = append(candidates, session.Metadata["user_id"])
	}
	if stripeSub != nil && stripeSub.Metadata != nil {
		candidates = append(candidates, stripeSub.Metadata["user_id"])
	}
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if id, err := uuid.Parse(candidate); err == nil && id != uuid.Nil {
			return id, true
		}
	}
	return uuid.Nil, false
}

func invoiceSubscriptionID(event *stripe.Event) string {
	if id := event.GetObjectValue("subscription"); id != "" {
		return id
	}
	// Newer API versions nest the subscription under parent details.
	return event.GetObjectValue("parent", "subscription_details", "subscription")
}
