package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flipstash/flipstash-backend/pkg/db/models"
	"github.com/flipstash/flipstash-backend/pkg/enums"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the durable payment event log. Entries are keyed by the
// provider event id; the first write wins and later deliveries of the same id
// are reported as duplicates, never re-inserted.
type Repository interface {
	Record(ctx context.Context, eventID, eventType string, payload []byte) (*models.PaymentEvent, bool, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status enums.EventProcessingStatus, errDetail string) error
	IncrementRetry(ctx context.Context, id uuid.UUID) error
	FindByEventID(ctx context.Context, eventID string) (*models.PaymentEvent, error)
	ListRetryable(ctx context.Context, limit, maxRetries int) ([]models.PaymentEvent, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an event log repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Record(ctx context.Context, eventID, eventType string, payload []byte) (*models.PaymentEvent, bool, error) {
	if eventID == "" {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}

	entry := &models.PaymentEvent{
		StripeEventID: eventID,
		EventType:     eventType,
		Payload:       payload,
		Status:        enums.EventStatusPending,
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_event_id"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "record payment event")
	}

	if res.RowsAffected == 0 {
		existing, err := r.FindByEventID(ctx, eventID)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}

	return entry, false, nil
}

func (r *repository) UpdateStatus(ctx context.Context, id uuid.UUID, status enums.EventProcessingStatus, errDetail string) error {
	// Terminal entries never revert; pending is only ever the initial state.
	if !status.IsTerminal() {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "event status must be terminal")
	}

	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if status == enums.EventStatusProcessed {
		now := time.Now().UTC()
		updates["processed_at"] = now
		updates["error_detail"] = nil
	}
	if errDetail != "" {
		updates["error_detail"] = errDetail
	}

	res := r.db.WithContext(ctx).
		Model(&models.PaymentEvent{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update event status")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "payment event not found")
	}
	return nil
}

func (r *repository) IncrementRetry(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&models.PaymentEvent{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "increment event retry count")
	}
	return nil
}

func (r *repository) FindByEventID(ctx context.Context, eventID string) (*models.PaymentEvent, error) {
	if eventID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}
	var entry models.PaymentEvent
	if err := r.db.WithContext(ctx).
		Where("stripe_event_id = ?", eventID).
		First(&entry).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find payment event")
	}
	return &entry, nil
}

func (r *repository) ListRetryable(ctx context.Context, limit, maxRetries int) ([]models.PaymentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	var entries []models.PaymentEvent
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.EventStatusFailed).
		Where("retry_count < ?", maxRetries).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list retryable events")
	}
	return entries, nil
}
