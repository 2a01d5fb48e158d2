package entitlements

import (
	"context"
	"time"

	"github.com/flipstash/flipstash-backend/internal/subscriptions"
	"github.com/flipstash/flipstash-backend/pkg/enums"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"github.com/flipstash/flipstash-backend/pkg/plans"
	"github.com/google/uuid"
)

// AccessService answers the authoritative entitlement questions from the
// stored subscription row. It is deliberately separate from the cache's local
// fallback derivation so the two can fail independently.
type AccessService struct {
	subscriptionRepo subscriptions.Repository
}

func NewAccessService(repo subscriptions.Repository) (*AccessService, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription repo required")
	}
	return &AccessService{subscriptionRepo: repo}, nil
}

// CheckAccess reports whether the user is entitled right now. Active and
// trialing grant access; past_due keeps it while the paid-through period has
// not ended.
func (s *AccessService) CheckAccess(ctx context.Context, userID uuid.UUID) (bool, error) {
	sub, err := s.subscriptionRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return false, err
	}
	if subscriptions.HasAccessStatus(sub.Status) {
		return true, nil
	}
	if sub.Status == enums.SubscriptionStatusPastDue {
		return sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(time.Now().UTC()), nil
	}
	return false, nil
}

// InventoryLimit resolves the user's plan ceiling for inventory items.
func (s *AccessService) InventoryLimit(ctx context.Context, userID uuid.UUID) (int, error) {
	sub, err := s.subscriptionRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return 0, err
	}
	return plans.InventoryLimit(sub.PlanID), nil
}
