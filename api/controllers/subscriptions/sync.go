package subscriptions

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flipstash/flipstash-backend/internal/reconcile"
	"github.com/flipstash/flipstash-backend/pkg/db/models"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/google/uuid"
)

// Reconciler triggers an on-demand reconciliation for one user.
type Reconciler interface {
	Reconcile(ctx context.Context, userID uuid.UUID) (*reconcile.Outcome, error)
}

type syncRequest struct {
	UserID string `json:"userId"`
}

type enhancedStatusPayload struct {
	SyncStatus          string     `json:"sync_status"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	RetryCount          int        `json:"retry_count"`
	PaymentMethodStatus string     `json:"payment_method_status"`
}

type syncResponse struct {
	Success        bool                   `json:"success"`
	Result         string                 `json:"result"`
	UserID         string                 `json:"userId"`
	EnhancedStatus *enhancedStatusPayload `json:"enhancedStatus,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

type syncErrorResponse struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Sync runs the reconciler for the user named in the request body. The
// response shapes are part of the client contract and bypass the standard
// envelope on purpose.
func Sync(reconciler Reconciler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if reconciler == nil {
			writeSyncError(w, http.StatusInternalServerError, "sync service unavailable")
			return
		}

		var req syncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId is required"})
			return
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId must be a valid id"})
			return
		}

		outcome, err := reconciler.Reconcile(ctx, userID)
		if err != nil {
			if logg != nil {
				logg.Error(logg.WithUserID(ctx, req.UserID), "manual sync failed", err)
			}
			writeSyncError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, syncResponse{
			Success:        true,
			Result:         outcome.Result,
			UserID:         req.UserID,
			EnhancedStatus: toEnhancedStatusPayload(outcome.EnhancedStatus),
			Timestamp:      time.Now().UTC(),
		})
	}
}

func toEnhancedStatusPayload(status *models.SyncStatus) *enhancedStatusPayload {
	if status == nil {
		return nil
	}
	payload := &enhancedStatusPayload{
		SyncStatus:          status.Status.String(),
		RetryCount:          status.RetryCount,
		PaymentMethodStatus: status.PaymentMethodStatus.String(),
	}
	if !status.LastSyncAt.IsZero() {
		at := status.LastSyncAt
		payload.LastSyncAt = &at
	}
	return payload
}

func writeSyncError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, syncErrorResponse{
		Success:   false,
		Error:     message,
		Timestamp: time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
