package push

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/flipstash/flipstash-backend/internal/subscriptions"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/google/uuid"
)

type recordingSink struct {
	changes []subscriptions.ChangeEvent
}

func (r *recordingSink) Publish(ctx context.Context, change subscriptions.ChangeEvent) {
	r.changes = append(r.changes, change)
}

func testConsumer(t *testing.T, sink ChangeSink) *Consumer {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	consumer, err := NewConsumer(&pubsub.Subscriber{}, sink, logg)
	if err != nil {
		t.Fatalf("setup consumer: %v", err)
	}
	return consumer
}

func TestProcess_ForwardsSubscriptionChange(t *testing.T) {
	sink := &recordingSink{}
	consumer := testConsumer(t, sink)

	change := subscriptions.ChangeEvent{
		Kind:      subscriptions.ChangeKindSubscription,
		UserID:    uuid.New(),
		RowID:     uuid.New(),
		UpdatedAt: time.Unix(1700000000, 0).UTC(),
	}
	data, _ := json.Marshal(change)

	consumer.process(context.Background(), &pubsub.Message{
		ID:         "m1",
		Data:       data,
		Attributes: map[string]string{"kind": change.Kind},
	})

	if len(sink.changes) != 1 {
		t.Fatalf("expected one forwarded change, got %d", len(sink.changes))
	}
	if sink.changes[0].UserID != change.UserID {
		t.Fatalf("user id mismatch: %s", sink.changes[0].UserID)
	}
}

func TestProcess_DropsMalformedPayload(t *testing.T) {
	sink := &recordingSink{}
	consumer := testConsumer(t, sink)

	consumer.process(context.Background(), &pubsub.Message{
		ID:   "m2",
		Data: []byte("{not json"),
	})

	if len(sink.changes) != 0 {
		t.Fatalf("malformed payload must not be forwarded, got %d", len(sink.changes))
	}
}

func TestProcess_DropsUnknownKind(t *testing.T) {
	sink := &recordingSink{}
	consumer := testConsumer(t, sink)

	change := subscriptions.ChangeEvent{Kind: "invoice", UserID: uuid.New()}
	data, _ := json.Marshal(change)

	consumer.process(context.Background(), &pubsub.Message{ID: "m3", Data: data})

	if len(sink.changes) != 0 {
		t.Fatalf("unknown kind must not be forwarded, got %d", len(sink.changes))
	}
}
