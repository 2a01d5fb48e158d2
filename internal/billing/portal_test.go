package billing

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/flipstash/flipstash-backend/pkg/config"
	"github.com/flipstash/flipstash-backend/pkg/db/models"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/google/uuid"
)

func newTestPortalService(t *testing.T, users *fakeUserStore, client *fakePortalClient, visits *fakeVisitMarker) *PortalService {
	t.Helper()
	var marker portalVisitMarker
	if visits != nil {
		marker = visits
	}
	svc, err := NewPortalService(PortalServiceParams{
		Users:        users,
		Stripe:       client,
		PortalVisits: marker,
		Site:         config.SiteConfig{BaseURL: "https://app.flipstash.io"},
		Logger:       logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("setup portal service: %v", err)
	}
	return svc
}

func TestPortalSession_ExistingCustomer(t *testing.T) {
	userID := uuid.New()
	customerID := "cus_known"
	users := &fakeUserStore{user: &models.User{ID: userID, Email: "a@b.c", StripeCustomerID: &customerID}}
	client := &fakePortalClient{portalURL: "https://billing.stripe.com/p/1"}
	visits := &fakeVisitMarker{}
	svc := newTestPortalService(t, users, client, visits)

	url, err := svc.CreatePortalSession(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("create portal session: %v", err)
	}
	if url != "https://billing.stripe.com/p/1" {
		t.Fatalf("unexpected url %q", url)
	}
	if client.customersCreated != 0 {
		t.Fatal("existing customer must not be recreated")
	}
	if client.lastCustomerID != customerID {
		t.Fatalf("expected session for %s, got %s", customerID, client.lastCustomerID)
	}
	if !visits.marked {
		t.Fatal("portal visit flag must be set")
	}
}

func TestPortalSession_LazyCustomerCreation(t *testing.T) {
	userID := uuid.New()
	users := &fakeUserStore{user: &models.User{ID: userID, Email: "new@b.c"}}
	client := &fakePortalClient{customerID: "cus_new", portalURL: "https://billing.stripe.com/p/2"}
	svc := newTestPortalService(t, users, client, nil)

	if _, err := svc.CreatePortalSession(context.Background(), userID, "https://app.flipstash.io/settings"); err != nil {
		t.Fatalf("create portal session: %v", err)
	}
	if client.customersCreated != 1 {
		t.Fatalf("expected one customer creation, got %d", client.customersCreated)
	}
	if users.storedCustomerID != "cus_new" {
		t.Fatalf("expected customer id persisted, got %q", users.storedCustomerID)
	}
	if client.lastReturnURL != "https://app.flipstash.io/settings" {
		t.Fatalf("caller return url must win, got %q", client.lastReturnURL)
	}
}

func TestPortalSession_DefaultReturnURL(t *testing.T) {
	userID := uuid.New()
	customerID := "cus_1"
	users := &fakeUserStore{user: &models.User{ID: userID, StripeCustomerID: &customerID}}
	client := &fakePortalClient{portalURL: "https://billing.stripe.com/p/3"}
	svc := newTestPortalService(t, users, client, nil)

	if _, err := svc.CreatePortalSession(context.Background(), userID, "  "); err != nil {
		t.Fatalf("create portal session: %v", err)
	}
	if client.lastReturnURL == "" {
		t.Fatal("expected default return url from site config")
	}
}

func TestPortalSession_ProviderFailure(t *testing.T) {
	userID := uuid.New()
	customerID := "cus_1"
	users := &fakeUserStore{user: &models.User{ID: userID, StripeCustomerID: &customerID}}
	client := &fakePortalClient{sessionErr: errors.New("stripe 500")}
	svc := newTestPortalService(t, users, client, nil)

	if _, err := svc.CreatePortalSession(context.Background(), userID, ""); err == nil {
		t.Fatal("expected provider failure to propagate")
	}
}

type fakeUserStore struct {
	user             *models.User
	storedCustomerID string
}

func (f *fakeUserStore) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if f.user == nil || f.user.ID != id {
		return nil, errors.New("user not found")
	}
	return f.user, nil
}

func (f *fakeUserStore) SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	f.storedCustomerID = customerID
	return nil
}

type fakePortalClient struct {
	customerID       string
	portalURL        string
	sessionErr       error
	customersCreated int
	lastCustomerID   string
	lastReturnURL    string
}

func (f *fakePortalClient) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	f.customersCreated++
	return f.customerID, nil
}

func (f *fakePortalClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if f.sessionErr != nil {
		return "", f.sessionErr
	}
	f.lastCustomerID = customerID
	f.lastReturnURL = returnURL
	return f.portalURL, nil
}

type fakeVisitMarker struct {
	marked bool
}

func (f *fakeVisitMarker) MarkPortalVisit(ctx context.Context, userID string, ttl time.Duration) error {
	f.marked = true
	return nil
}
