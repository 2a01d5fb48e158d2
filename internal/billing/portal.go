package billing

import (
	"context"
	"strings"
	"time"

	"github.com/flipstash/flipstash-backend/pkg/config"
	"github.com/flipstash/flipstash-backend/pkg/db/models"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	portalsession "github.com/stripe/stripe-go/v84/billingportal/session"
	"github.com/stripe/stripe-go/v84/customer"
)

const portalVisitTTL = time.Hour

type userStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
}

type portalVisitMarker interface {
	MarkPortalVisit(ctx context.Context, userID string, ttl time.Duration) error
}

// StripePortalClient covers the two Stripe writes the portal flow needs.
type StripePortalClient interface {
	CreateCustomer(ctx context.Context, email, userID string) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// PortalServiceParams wires the billing portal service.
type PortalServiceParams struct {
	Users        userStore
	Stripe       StripePortalClient
	PortalVisits portalVisitMarker
	Site         config.SiteConfig
	Logger       *logger.Logger
}

// PortalService mints Stripe billing portal sessions, creating the provider
// customer lazily on first use.
type PortalService struct {
	users        userStore
	stripe       StripePortalClient
	portalVisits portalVisitMarker
	site         config.SiteConfig
	logg         *logger.Logger
}

func NewPortalService(params PortalServiceParams) (*PortalService, error) {
	if params.Users == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "users repo required")
	}
	if params.Stripe == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe client required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &PortalService{
		users:        params.Users,
		stripe:       params.Stripe,
		portalVisits: params.PortalVisits,
		site:         params.Site,
		logg:         params.Logger,
	}, nil
}

// CreatePortalSession returns a portal URL for the user, creating their
// Stripe customer first if they never checked out. The portal-visit flag is
// set so the client's refocus heuristic re-syncs once the user returns.
func (s *PortalService) CreatePortalSession(ctx context.Context, userID uuid.UUID, returnURL string) (string, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}

	customerID := ""
	if user.StripeCustomerID != nil {
		customerID = strings.TrimSpace(*user.StripeCustomerID)
	}
	if customerID == "" {
		customerID, err = s.stripe.CreateCustomer(ctx, user.Email, userID.String())
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create stripe customer")
		}
		if err := s.users.SetStripeCustomerID(ctx, userID, customerID); err != nil {
			return "", err
		}
	}

	if strings.TrimSpace(returnURL) == "" {
		returnURL = s.site.PortalReturnURL()
	}

	portalURL, err := s.stripe.CreatePortalSession(ctx, customerID, returnURL)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create portal session")
	}

	if s.portalVisits != nil {
		if err := s.portalVisits.MarkPortalVisit(ctx, userID.String(), portalVisitTTL); err != nil {
			logCtx := s.logg.WithUserID(ctx, userID.String())
			s.logg.Error(logCtx, "failed to mark portal visit", err)
		}
	}
	return portalURL, nil
}

type stripePortalClient struct{}

// NewStripePortalClient returns the concrete Stripe-backed portal client.
func NewStripePortalClient() StripePortalClient {
	return &stripePortalClient{}
}

func (c *stripePortalClient) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			"user_id": userID,
		},
	}
	params.Context = ctx
	created, err := customer.New(params)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (c *stripePortalClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	created, err := portalsession.New(params)
	if err != nil {
		return "", err
	}
	return created.URL, nil
}
