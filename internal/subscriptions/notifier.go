package subscriptions

import (
	"context"
	"encoding/json"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"github.com/google/uuid"
)

// ChangeEvent is the envelope pushed on the billing change channel whenever a
// subscription or sync status row is written. The (Kind, RowID, UpdatedAt)
// triple is the client cache's debounce key.
type ChangeEvent struct {
	Kind      string    `json:"kind"`
	UserID    uuid.UUID `json:"user_id"`
	RowID     uuid.UUID `json:"row_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	ChangeKindSubscription = "subscription"
	ChangeKindSyncStatus   = "sync_status"
)

// ChangeNotifier fans subscription changes out to connected clients.
type ChangeNotifier interface {
	NotifyChange(ctx context.Context, change ChangeEvent) error
}

type messagePublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

type pubsubNotifier struct {
	publisher messagePublisher
}

// NewPubSubNotifier builds a notifier backed by the billing Pub/Sub topic.
func NewPubSubNotifier(publisher *pubsub.Publisher) ChangeNotifier {
	if publisher == nil {
		return nil
	}
	return &pubsubNotifier{publisher: publisher}
}

func (n *pubsubNotifier) NotifyChange(ctx context.Context, change ChangeEvent) error {
	data, err := json.Marshal(change)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal change event")
	}
	result := n.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":    change.Kind,
			"user_id": change.UserID.String(),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publish change event")
	}
	return nil
}
