package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flipstash/flipstash-backend/pkg/enums"
)

// SyncStatus records the last reconciliation outcome per user so the client
// can tell fresh truth from stale truth without re-deriving it.
type SyncStatus struct {
	ID                  uuid.UUID                 `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID              uuid.UUID                 `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	Status              enums.SyncStatus          `gorm:"column:status;not null;default:'pending'"`
	LastSyncAt          time.Time                 `gorm:"column:last_sync_at;not null"`
	RetryCount          int                       `gorm:"column:retry_count;not null;default:0"`
	PaymentMethodStatus enums.PaymentMethodStatus `gorm:"column:payment_method_status;not null;default:'valid'"`
	Metadata            json.RawMessage           `gorm:"column:metadata;type:jsonb"`
	CreatedAt           time.Time                 `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time                 `gorm:"column:updated_at;autoUpdateTime"`
}
