package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flipstash/flipstash-backend/internal/entitlements"
	"github.com/flipstash/flipstash-backend/pkg/db/models"
	"github.com/flipstash/flipstash-backend/pkg/enums"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/flipstash/flipstash-backend/pkg/metrics"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
)

const (
	jobName             = "event_retry"
	defaultPollInterval = time.Minute
	defaultBatchSize    = 50
	defaultMaxRetries   = 5
)

type eventStore interface {
	ListRetryable(ctx context.Context, limit, maxRetries int) ([]models.PaymentEvent, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status enums.EventProcessingStatus, errDetail string) error
	IncrementRetry(ctx context.Context, id uuid.UUID) error
}

type eventReducer interface {
	HandleEvent(ctx context.Context, event *stripe.Event) (entitlements.Result, error)
}

type ServiceParams struct {
	Logger       *logger.Logger
	Events       eventStore
	Reducer      eventReducer
	Metrics      *metrics.CronJobMetrics
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

// Service re-runs failed webhook events through the reducer. Events whose
// retry budget is exhausted stay failed and drop out of the scan; everything
// the reducer resolves, including skips, leaves the retry queue.
type Service struct {
	logg         *logger.Logger
	events       eventStore
	reducer      eventReducer
	metrics      *metrics.CronJobMetrics
	pollInterval time.Duration
	batchSize    int
	maxRetries   int
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Events == nil {
		return nil, errors.New("event store is required")
	}
	if params.Reducer == nil {
		return nil, errors.New("reducer is required")
	}

	interval := params.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &Service{
		logg:         params.Logger,
		events:       params.Events,
		reducer:      params.Reducer,
		metrics:      params.Metrics,
		pollInterval: interval,
		batchSize:    batch,
		maxRetries:   maxRetries,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "retry worker context canceled")
			return ctx.Err()
		case <-ticker.C:
			if err := s.processBatch(ctx); err != nil {
				s.logg.Error(ctx, "retry batch error", err)
				s.metrics.IncFailure(jobName)
			}
		}
	}
}

func (s *Service) processBatch(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.ObserveDuration(jobName, time.Since(start))
	}()

	entries, err := s.events.ListRetryable(ctx, s.batchSize, s.maxRetries)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		s.processEntry(ctx, entry)
	}
	return nil
}

func (s *Service) processEntry(ctx context.Context, entry models.PaymentEvent) {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"event_id":    entry.StripeEventID,
		"event_type":  entry.EventType,
		"retry_count": entry.RetryCount,
	})

	var event stripe.Event
	if err := json.Unmarshal(entry.Payload, &event); err != nil {
		// A payload that never parses will not parse on the next pass either.
		s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "retry payload malformed, skipping")
		if updateErr := s.events.UpdateStatus(ctx, entry.ID, enums.EventStatusSkipped, "malformed payload"); updateErr != nil {
			s.logg.Error(logCtx, "failed to skip malformed event", updateErr)
		}
		return
	}

	result, err := s.reducer.HandleEvent(ctx, &event)
	if err != nil {
		s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "event retry failed")
		if retryErr := s.events.IncrementRetry(ctx, entry.ID); retryErr != nil {
			s.logg.Error(logCtx, "failed to increment retry count", retryErr)
		}
		s.metrics.IncFailure(jobName)
		return
	}

	if updateErr := s.events.UpdateStatus(ctx, entry.ID, result.Status, result.Reason); updateErr != nil {
		s.logg.Error(logCtx, "failed to record retry outcome", updateErr)
		return
	}
	s.logg.Info(s.logg.WithField(logCtx, "outcome", result.Status.String()), "event retry resolved")
	s.metrics.IncSuccess(jobName)
}
