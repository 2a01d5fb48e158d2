package stripewebhook

import (
	"context"

	"github.com/flipstash/flipstash-backend/internal/entitlements"
	"github.com/flipstash/flipstash-backend/internal/events"
	"github.com/flipstash/flipstash-backend/pkg/enums"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/flipstash/flipstash-backend/pkg/metrics"
	"github.com/stripe/stripe-go/v84"
)

type eventReducer interface {
	HandleEvent(ctx context.Context, event *stripe.Event) (entitlements.Result, error)
}

type ServiceParams struct {
	EventRepo events.Repository
	Reducer   eventReducer
	Guard     *IdempotencyGuard
	Metrics   *metrics.BillingMetrics
	Logger    *logger.Logger
}

// Service runs a verified Stripe event through the idempotent event log and
// the reducer. The Postgres unique key on the event id is the durable
// deduplication anchor; the Redis guard in front is only a fast path.
type Service struct {
	eventRepo events.Repository
	reducer   eventReducer
	guard     *IdempotencyGuard
	metrics   *metrics.BillingMetrics
	logg      *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.EventRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "event repo required")
	}
	if params.Reducer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reducer required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		eventRepo: params.EventRepo,
		reducer:   params.Reducer,
		guard:     params.Guard,
		metrics:   params.Metrics,
		logg:      params.Logger,
	}, nil
}

// Process durably logs the event, then runs the reducer and records the
// outcome on the log entry. A non-nil return means the event could NOT be
// durably logged and the caller should answer non-2xx so Stripe redelivers.
// Reducer failures are recorded and swallowed: redelivery is requested only
// through the failed-event retry path, never by generic 5xx responses.
func (s *Service) Process(ctx context.Context, event *stripe.Event, payload []byte) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event required")
	}
	logCtx := s.logg.WithEventID(ctx, event.ID)
	logCtx = s.logg.WithField(logCtx, "event_type", string(event.Type))

	if s.duplicateFastPath(logCtx, event.ID) {
		s.metrics.ObserveWebhookEvent(string(event.Type), "duplicate")
		return nil
	}

	entry, duplicate, err := s.eventRepo.Record(ctx, event.ID, string(event.Type), payload)
	if err != nil {
		// The guard mark must not outlive a failed log write, or the
		// provider's redelivery would be misread as a duplicate.
		s.releaseGuard(logCtx, event.ID)
		return err
	}
	if duplicate {
		s.logg.Info(logCtx, "duplicate stripe event ignored")
		s.metrics.ObserveWebhookEvent(string(event.Type), "duplicate")
		return nil
	}

	result, err := s.reducer.HandleEvent(ctx, event)
	if err != nil {
		s.logg.Error(logCtx, "stripe event processing failed", err)
		if updateErr := s.eventRepo.UpdateStatus(ctx, entry.ID, enums.EventStatusFailed, err.Error()); updateErr != nil {
			s.logg.Error(logCtx, "failed to mark event failed", updateErr)
		}
		s.metrics.ObserveWebhookEvent(string(event.Type), "failed")
		return nil
	}

	if err := s.eventRepo.UpdateStatus(ctx, entry.ID, result.Status, result.Reason); err != nil {
		s.logg.Error(logCtx, "failed to record event outcome", err)
	}
	s.metrics.ObserveWebhookEvent(string(event.Type), result.Status.String())
	if result.Status == enums.EventStatusSkipped {
		s.logg.Info(logCtx, "stripe event skipped: "+result.Reason)
	} else {
		s.logg.Info(logCtx, "stripe event processed")
	}
	return nil
}

// releaseGuard clears the fast-path mark for an event that was never durably
// logged. Best effort: if the delete fails the event stays blocked until the
// dedup TTL expires, so the failure is logged loudly.
func (s *Service) releaseGuard(ctx context.Context, eventID string) {
	if s.guard == nil {
		return
	}
	if err := s.guard.Delete(ctx, eventID); err != nil {
		s.logg.Error(ctx, "failed to release webhook idempotency guard", err)
	}
}

// duplicateFastPath consults the Redis guard. Guard errors are ignored; the
// event log's unique key catches what the fast path misses.
func (s *Service) duplicateFastPath(ctx context.Context, eventID string) bool {
	if s.guard == nil {
		return false
	}
	duplicate, err := s.guard.CheckAndMark(ctx, eventID)
	if err != nil {
		s.logg.Error(ctx, "webhook idempotency guard unavailable", err)
		return false
	}
	return duplicate
}
