package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flipstash/flipstash-backend/api/middleware"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"github.com/google/uuid"
)

type fakePortalService struct {
	url       string
	err       error
	returnURL string
}

func (f *fakePortalService) CreatePortalSession(ctx context.Context, userID uuid.UUID, returnURL string) (string, error) {
	f.returnURL = returnURL
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func TestPortalSession_Success(t *testing.T) {
	svc := &fakePortalService{url: "https://billing.stripe.com/p/abc"}
	handler := PortalSession(svc, nil)

	body, _ := json.Marshal(map[string]string{"return_url": "https://app.flipstash.io/settings"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/portal-session", bytes.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), uuid.NewString()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp portalSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PortalURL != svc.url {
		t.Fatalf("unexpected portal url %q", resp.PortalURL)
	}
	if svc.returnURL != "https://app.flipstash.io/settings" {
		t.Fatalf("return url not forwarded, got %q", svc.returnURL)
	}
}

func TestPortalSession_Unauthenticated(t *testing.T) {
	handler := PortalSession(&fakePortalService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/portal-session", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPortalSession_ProviderFailure(t *testing.T) {
	svc := &fakePortalService{err: pkgerrors.New(pkgerrors.CodeDependency, "stripe unavailable")}
	handler := PortalSession(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/portal-session", nil)
	req = req.WithContext(middleware.WithUserID(req.Context(), uuid.NewString()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code < 500 {
		t.Fatalf("expected 5xx, got %d", rec.Code)
	}
}
