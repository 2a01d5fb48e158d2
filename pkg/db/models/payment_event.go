package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flipstash/flipstash-backend/pkg/enums"
)

// PaymentEvent is the append-only log of provider webhook deliveries. The
// unique stripe_event_id is the deduplication anchor; rows are never deleted.
type PaymentEvent struct {
	ID            uuid.UUID                   `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	StripeEventID string                      `gorm:"column:stripe_event_id;not null;uniqueIndex"`
	EventType     string                      `gorm:"column:event_type;not null;index"`
	Payload       json.RawMessage             `gorm:"column:payload;type:jsonb"`
	Status        enums.EventProcessingStatus `gorm:"column:status;not null;default:'pending';index"`
	ProcessedAt   *time.Time                  `gorm:"column:processed_at"`
	ErrorDetail   *string                     `gorm:"column:error_detail"`
	RetryCount    int                         `gorm:"column:retry_count;not null;default:0"`
	CreatedAt     time.Time                   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
}
