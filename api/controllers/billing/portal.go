package billing

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/flipstash/flipstash-backend/api/middleware"
	"github.com/flipstash/flipstash-backend/api/responses"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/google/uuid"
)

// PortalSessionService mints billing portal URLs for authenticated users.
type PortalSessionService interface {
	CreatePortalSession(ctx context.Context, userID uuid.UUID, returnURL string) (string, error)
}

type portalSessionRequest struct {
	ReturnURL string `json:"return_url"`
}

type portalSessionResponse struct {
	PortalURL string `json:"portal_url"`
}

// PortalSession sends the authenticated user to the Stripe billing portal.
// Auth middleware runs ahead of this handler; an empty user id here means the
// token was never validated.
func PortalSession(svc PortalSessionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "portal service unavailable"))
			return
		}

		rawUserID := middleware.UserIDFromContext(ctx)
		if rawUserID == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}
		userID, err := uuid.Parse(rawUserID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid user id"))
			return
		}

		var req portalSessionRequest
		if r.Body != nil {
			// An empty or absent body is fine; the default return URL applies.
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		portalURL, err := svc.CreatePortalSession(ctx, userID, req.ReturnURL)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(portalSessionResponse{PortalURL: portalURL})
	}
}
