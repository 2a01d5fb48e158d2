package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the account owner of a subscription. Only the fields the billing
// core reads are modeled here.
type User struct {
	ID               uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Email            string    `gorm:"column:email;not null;unique"`
	DisplayName      *string   `gorm:"column:display_name"`
	StripeCustomerID *string   `gorm:"column:stripe_customer_id;uniqueIndex"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
