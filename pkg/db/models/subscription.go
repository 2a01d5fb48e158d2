package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flipstash/flipstash-backend/pkg/enums"
)

// Subscription is the locally cached mirror of a user's provider subscription.
// One row per user, created lazily with trial defaults and never deleted.
type Subscription struct {
	ID                   uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID               uuid.UUID                `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	StripeCustomerID     *string                  `gorm:"column:stripe_customer_id;index"`
	StripeSubscriptionID *string                  `gorm:"column:stripe_subscription_id;uniqueIndex"`
	PlanID               string                   `gorm:"column:plan_id;not null;default:'trial'"`
	Status               enums.SubscriptionStatus `gorm:"column:status;not null;default:'trialing'"`
	CurrentPeriodStart   *time.Time               `gorm:"column:current_period_start"`
	CurrentPeriodEnd     *time.Time               `gorm:"column:current_period_end"`
	TrialStart           *time.Time               `gorm:"column:trial_start"`
	TrialEnd             *time.Time               `gorm:"column:trial_end"`
	CancelAtPeriodEnd    bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CanceledAt           *time.Time               `gorm:"column:canceled_at"`
	Metadata             json.RawMessage          `gorm:"column:metadata;type:jsonb"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
