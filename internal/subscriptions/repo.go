package subscriptions

import (
	"context"
	"time"

	"github.com/flipstash/flipstash-backend/pkg/db/models"
	"github.com/flipstash/flipstash-backend/pkg/enums"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"github.com/flipstash/flipstash-backend/pkg/plans"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository handles subscription and sync status persistence.
type Repository interface {
	FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	FindByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	GetOrCreate(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	Save(ctx context.Context, subscription *models.Subscription) error
	UpsertSyncStatus(ctx context.Context, status *models.SyncStatus) error
	FindSyncStatusByUserID(ctx context.Context, userID uuid.UUID) (*models.SyncStatus, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a subscription repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find subscription by user")
	}
	return &sub, nil
}

func (r *repository) FindByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe subscription id is required")
	}
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find subscription by stripe id")
	}
	return &sub, nil
}

// GetOrCreate returns the user's subscription row, creating it lazily with
// trial defaults on first need. Subscription rows are never deleted.
func (r *repository) GetOrCreate(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	existing, err := r.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	sub := &models.Subscription{
		UserID: userID,
		PlanID: plans.PlanTrial,
		Status: enums.SubscriptionStatusTrialing,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(sub)
	if res.Error != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "create subscription")
	}
	if res.RowsAffected == 0 {
		// Lost the race to a concurrent writer; read back their row.
		return r.FindByUserID(ctx, userID)
	}
	return sub, nil
}

func (r *repository) Save(ctx context.Context, subscription *models.Subscription) error {
	if subscription == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription is required")
	}
	subscription.UpdatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Save(subscription).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
	}
	return nil
}

// UpsertSyncStatus writes the full sync status row keyed by user id. Every
// writer computes a complete replacement value, so a single-row upsert is all
// the coordination needed.
func (r *repository) UpsertSyncStatus(ctx context.Context, status *models.SyncStatus) error {
	if status == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "sync status is required")
	}
	if status.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	status.UpdatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "last_sync_at", "retry_count", "payment_method_status", "metadata", "updated_at",
			}),
		}).
		Create(status).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "upsert sync status")
	}
	return nil
}

func (r *repository) FindSyncStatusByUserID(ctx context.Context, userID uuid.UUID) (*models.SyncStatus, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	var status models.SyncStatus
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&status).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find sync status")
	}
	return &status, nil
}
