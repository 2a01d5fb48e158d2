package reconcile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/flipstash/flipstash-backend/internal/subscriptions"
	"github.com/flipstash/flipstash-backend/pkg/db/models"
	"github.com/flipstash/flipstash-backend/pkg/enums"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/flipstash/flipstash-backend/pkg/plans"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
)

func newTestReconciler(t *testing.T, repo *stubSubscriptionRepo, client *stubStripeClient) *Reconciler {
	t.Helper()
	reconciler, err := NewReconciler(ReconcilerParams{
		SubscriptionRepo: repo,
		StripeClient:     client,
		Logger:           logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("setup reconciler: %v", err)
	}
	return reconciler
}

func storedActiveSubscription(userID uuid.UUID, subID string) *models.Subscription {
	start := time.Unix(1700000000, 0).UTC()
	end := time.Unix(1702592000, 0).UTC()
	return &models.Subscription{
		ID:                   uuid.New(),
		UserID:               userID,
		PlanID:               plans.PlanPro,
		Status:               enums.SubscriptionStatusActive,
		StripeSubscriptionID: &subID,
		CurrentPeriodStart:   &start,
		CurrentPeriodEnd:     &end,
	}
}

func providerSubscription(subID string, status stripe.SubscriptionStatus) *stripe.Subscription {
	return &stripe.Subscription{
		ID:     subID,
		Status: status,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				CurrentPeriodStart: 1700000000,
				CurrentPeriodEnd:   1702592000,
				Price:              &stripe.Price{ID: "price_pro_monthly"},
			}},
		},
	}
}

func TestReconciler_NoActiveSubscription(t *testing.T) {
	userID := uuid.New()
	repo := &stubSubscriptionRepo{}
	reconciler := newTestReconciler(t, repo, &stubStripeClient{})

	outcome, err := reconciler.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.Result != ResultNoActiveSubscription {
		t.Fatalf("expected no_active_subscription, got %s", outcome.Result)
	}
	if outcome.EnhancedStatus == nil || outcome.EnhancedStatus.Status != enums.SyncStatusSynced {
		t.Fatalf("expected synced status, got %+v", outcome.EnhancedStatus)
	}
	if len(repo.saved) != 0 {
		t.Fatalf("expected no subscription writes")
	}
}

func TestReconciler_CorrectsDriftedStatus(t *testing.T) {
	userID := uuid.New()
	repo := &stubSubscriptionRepo{existing: storedActiveSubscription(userID, "sub_drift")}
	client := &stubStripeClient{getResp: providerSubscription("sub_drift", stripe.SubscriptionStatusPastDue)}
	reconciler := newTestReconciler(t, repo, client)

	outcome, err := reconciler.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.Result != ResultUpdated {
		t.Fatalf("expected updated, got %s", outcome.Result)
	}
	if len(repo.saved) != 1 {
		t.Fatalf("expected one subscription write, got %d", len(repo.saved))
	}
	if repo.saved[0].Status != enums.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due, got %s", repo.saved[0].Status)
	}
}

func TestReconciler_ConvergesToSynchronized(t *testing.T) {
	userID := uuid.New()
	repo := &stubSubscriptionRepo{existing: storedActiveSubscription(userID, "sub_stable")}
	client := &stubStripeClient{getResp: providerSubscription("sub_stable", stripe.SubscriptionStatusActive)}
	reconciler := newTestReconciler(t, repo, client)

	first, err := reconciler.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	second, err := reconciler.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if first.Result != ResultSynchronized || second.Result != ResultSynchronized {
		t.Fatalf("expected synchronized twice, got %s then %s", first.Result, second.Result)
	}
	if len(repo.saved) != 0 {
		t.Fatalf("expected no subscription writes for identical state, got %d", len(repo.saved))
	}
}

func TestReconciler_ProviderFailureRecordsAndPropagates(t *testing.T) {
	userID := uuid.New()
	repo := &stubSubscriptionRepo{
		existing: storedActiveSubscription(userID, "sub_down"),
		syncStatus: &models.SyncStatus{
			UserID:     userID,
			Status:     enums.SyncStatusSynced,
			RetryCount: 2,
		},
	}
	client := &stubStripeClient{getErr: errors.New("stripe timeout")}
	reconciler := newTestReconciler(t, repo, client)

	_, err := reconciler.Reconcile(context.Background(), userID)
	if err == nil {
		t.Fatal("expected propagated provider error")
	}
	if len(repo.syncStatuses) != 1 {
		t.Fatalf("expected one sync status write, got %d", len(repo.syncStatuses))
	}
	written := repo.syncStatuses[0]
	if written.Status != enums.SyncStatusFailed {
		t.Fatalf("expected failed status, got %s", written.Status)
	}
	if written.RetryCount != 3 {
		t.Fatalf("expected retry count 3, got %d", written.RetryCount)
	}
	if len(written.Metadata) == 0 {
		t.Fatal("expected error detail in metadata")
	}
}

func TestReconciler_UnknownPriceFallsBackToTrialAndWarns(t *testing.T) {
	userID := uuid.New()
	repo := &stubSubscriptionRepo{existing: storedActiveSubscription(userID, "sub_mystery")}
	provider := providerSubscription("sub_mystery", stripe.SubscriptionStatusActive)
	provider.Items.Data[0].Price = &stripe.Price{ID: "price_unmapped"}
	provider.Items.Data[0].CurrentPeriodEnd = 1705184000
	client := &stubStripeClient{getResp: provider}

	buf := &bytes.Buffer{}
	reconciler, err := NewReconciler(ReconcilerParams{
		SubscriptionRepo: repo,
		StripeClient:     client,
		Logger:           logger.New(logger.Options{ServiceName: "test", Output: buf}),
	})
	if err != nil {
		t.Fatalf("setup reconciler: %v", err)
	}

	outcome, err := reconciler.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.Result != ResultUpdated {
		t.Fatalf("expected updated, got %s", outcome.Result)
	}
	if len(repo.saved) != 1 || repo.saved[0].PlanID != plans.PlanTrial {
		t.Fatalf("expected trial plan fallback, got %+v", repo.saved)
	}
	if !strings.Contains(buf.String(), "unknown price id") {
		t.Fatal("expected a warning for the unmapped price")
	}
}

func TestReconciler_PaymentMethodClassification(t *testing.T) {
	cases := []struct {
		name   string
		intent *stripe.PaymentIntent
		want   enums.PaymentMethodStatus
	}{
		{"no intent", nil, enums.PaymentMethodStatusValid},
		{"succeeded", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded}, enums.PaymentMethodStatusValid},
		{"requires action", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresAction}, enums.PaymentMethodStatusRequiresAction},
		{"requires confirmation", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresConfirmation}, enums.PaymentMethodStatusRequiresAction},
		{"requires payment method", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod}, enums.PaymentMethodStatusDeclined},
		{"last error", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusProcessing, LastPaymentError: &stripe.Error{}}, enums.PaymentMethodStatusDeclined},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyPaymentIntent(tc.intent); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestReconciler_SurfacesDeclinedPaymentMethod(t *testing.T) {
	userID := uuid.New()
	repo := &stubSubscriptionRepo{existing: storedActiveSubscription(userID, "sub_card")}
	client := &stubStripeClient{
		getResp: providerSubscription("sub_card", stripe.SubscriptionStatusActive),
		intent:  &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod},
	}
	reconciler := newTestReconciler(t, repo, client)

	outcome, err := reconciler.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.EnhancedStatus.PaymentMethodStatus != enums.PaymentMethodStatusDeclined {
		t.Fatalf("expected declined, got %s", outcome.EnhancedStatus.PaymentMethodStatus)
	}
}

type stubSubscriptionRepo struct {
	existing     *models.Subscription
	syncStatus   *models.SyncStatus
	saved        []*models.Subscription
	syncStatuses []*models.SyncStatus
}

func (s *stubSubscriptionRepo) FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if s.existing != nil && s.existing.UserID == userID {
		return s.existing, nil
	}
	return nil, nil
}

func (s *stubSubscriptionRepo) FindByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	if s.existing != nil && s.existing.StripeSubscriptionID != nil && *s.existing.StripeSubscriptionID == stripeSubscriptionID {
		return s.existing, nil
	}
	return nil, nil
}

func (s *stubSubscriptionRepo) GetOrCreate(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if s.existing != nil && s.existing.UserID == userID {
		return s.existing, nil
	}
	return &models.Subscription{
		ID:     uuid.New(),
		UserID: userID,
		PlanID: plans.PlanTrial,
		Status: enums.SubscriptionStatusTrialing,
	}, nil
}

func (s *stubSubscriptionRepo) Save(ctx context.Context, subscription *models.Subscription) error {
	s.saved = append(s.saved, subscription)
	return nil
}

func (s *stubSubscriptionRepo) UpsertSyncStatus(ctx context.Context, status *models.SyncStatus) error {
	s.syncStatuses = append(s.syncStatuses, status)
	return nil
}

func (s *stubSubscriptionRepo) FindSyncStatusByUserID(ctx context.Context, userID uuid.UUID) (*models.SyncStatus, error) {
	return s.syncStatus, nil
}

type stubStripeClient struct {
	getResp *stripe.Subscription
	getErr  error
	intent  *stripe.PaymentIntent
}

func (s *stubStripeClient) Get(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.getResp, nil
}

func (s *stubStripeClient) LatestInvoicePaymentIntent(ctx context.Context, subscriptionID string) (*stripe.PaymentIntent, error) {
	return s.intent, nil
}

var _ subscriptions.Repository = (*stubSubscriptionRepo)(nil)
var _ subscriptions.StripeSubscriptionClient = (*stubStripeClient)(nil)
