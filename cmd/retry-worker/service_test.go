package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/flipstash/flipstash-backend/internal/entitlements"
	"github.com/flipstash/flipstash-backend/pkg/db/models"
	"github.com/flipstash/flipstash-backend/pkg/enums"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
)

type fakeEventStore struct {
	entries    []models.PaymentEvent
	statuses   map[uuid.UUID]enums.EventProcessingStatus
	reasons    map[uuid.UUID]string
	retries    map[uuid.UUID]int
	listErr    error
	statusErr  error
	listCalled int
}

func newFakeEventStore(entries ...models.PaymentEvent) *fakeEventStore {
	return &fakeEventStore{
		entries:  entries,
		statuses: map[uuid.UUID]enums.EventProcessingStatus{},
		reasons:  map[uuid.UUID]string{},
		retries:  map[uuid.UUID]int{},
	}
}

func (f *fakeEventStore) ListRetryable(ctx context.Context, limit, maxRetries int) ([]models.PaymentEvent, error) {
	f.listCalled++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entries, nil
}

func (f *fakeEventStore) UpdateStatus(ctx context.Context, id uuid.UUID, status enums.EventProcessingStatus, errDetail string) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses[id] = status
	f.reasons[id] = errDetail
	return nil
}

func (f *fakeEventStore) IncrementRetry(ctx context.Context, id uuid.UUID) error {
	f.retries[id]++
	return nil
}

type fakeReducer struct {
	result entitlements.Result
	err    error
	events []*stripe.Event
}

func (f *fakeReducer) HandleEvent(ctx context.Context, event *stripe.Event) (entitlements.Result, error) {
	f.events = append(f.events, event)
	if f.err != nil {
		return entitlements.Result{}, f.err
	}
	return f.result, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "retry-worker-test", Output: io.Discard})
}

func failedEvent(t *testing.T, eventType string) models.PaymentEvent {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":   "evt_" + uuid.NewString(),
		"type": eventType,
		"data": map[string]any{"object": map[string]any{}},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return models.PaymentEvent{
		ID:            uuid.New(),
		StripeEventID: "evt_" + uuid.NewString(),
		EventType:     eventType,
		Payload:       payload,
		Status:        enums.EventStatusFailed,
		RetryCount:    1,
	}
}

func TestProcessBatch_ResolvesEvent(t *testing.T) {
	entry := failedEvent(t, "customer.subscription.updated")
	store := newFakeEventStore(entry)
	reducer := &fakeReducer{result: entitlements.Result{Status: enums.EventStatusProcessed}}

	svc, err := NewService(ServiceParams{Logger: testLogger(), Events: store, Reducer: reducer})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if err := svc.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(reducer.events) != 1 {
		t.Fatalf("expected 1 reducer call, got %d", len(reducer.events))
	}
	if store.statuses[entry.ID] != enums.EventStatusProcessed {
		t.Fatalf("expected processed, got %s", store.statuses[entry.ID])
	}
	if store.retries[entry.ID] != 0 {
		t.Fatal("retry count should not change on success")
	}
}

func TestProcessBatch_RecordsSkip(t *testing.T) {
	entry := failedEvent(t, "invoice.finalized")
	store := newFakeEventStore(entry)
	reducer := &fakeReducer{result: entitlements.Result{
		Status: enums.EventStatusSkipped,
		Reason: "unhandled event type",
	}}

	svc, err := NewService(ServiceParams{Logger: testLogger(), Events: store, Reducer: reducer})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if err := svc.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if store.statuses[entry.ID] != enums.EventStatusSkipped {
		t.Fatalf("expected skipped, got %s", store.statuses[entry.ID])
	}
	if store.reasons[entry.ID] != "unhandled event type" {
		t.Fatalf("expected reason recorded, got %q", store.reasons[entry.ID])
	}
}

func TestProcessBatch_FailureIncrementsRetry(t *testing.T) {
	entry := failedEvent(t, "customer.subscription.updated")
	store := newFakeEventStore(entry)
	reducer := &fakeReducer{err: errors.New("stripe timeout")}

	svc, err := NewService(ServiceParams{Logger: testLogger(), Events: store, Reducer: reducer})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if err := svc.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if store.retries[entry.ID] != 1 {
		t.Fatalf("expected retry increment, got %d", store.retries[entry.ID])
	}
	if _, ok := store.statuses[entry.ID]; ok {
		t.Fatal("status should stay failed when the reducer errors")
	}
}

func TestProcessBatch_MalformedPayloadSkipped(t *testing.T) {
	entry := models.PaymentEvent{
		ID:            uuid.New(),
		StripeEventID: "evt_malformed",
		EventType:     "customer.subscription.updated",
		Payload:       []byte("not json"),
		Status:        enums.EventStatusFailed,
	}
	store := newFakeEventStore(entry)
	reducer := &fakeReducer{result: entitlements.Result{Status: enums.EventStatusProcessed}}

	svc, err := NewService(ServiceParams{Logger: testLogger(), Events: store, Reducer: reducer})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if err := svc.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(reducer.events) != 0 {
		t.Fatal("reducer should not see malformed payloads")
	}
	if store.statuses[entry.ID] != enums.EventStatusSkipped {
		t.Fatalf("expected skipped, got %s", store.statuses[entry.ID])
	}
}

func TestProcessBatch_ListErrorPropagates(t *testing.T) {
	store := newFakeEventStore()
	store.listErr = errors.New("db down")

	svc, err := NewService(ServiceParams{Logger: testLogger(), Events: store, Reducer: &fakeReducer{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if err := svc.processBatch(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
