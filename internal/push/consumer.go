package push

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/flipstash/flipstash-backend/internal/subscriptions"
	"github.com/flipstash/flipstash-backend/pkg/logger"
)

// ChangeSink receives decoded change events. The cache bus satisfies this.
type ChangeSink interface {
	Publish(ctx context.Context, change subscriptions.ChangeEvent)
}

// Consumer bridges the billing Pub/Sub channel into the in-process change
// bus. It is one of the bus's two producers; manual re-fetch triggers are the
// other.
type Consumer struct {
	subscription *pubsub.Subscriber
	sink         ChangeSink
	logg         *logger.Logger
}

// NewConsumer builds a billing change consumer.
func NewConsumer(subscription *pubsub.Subscriber, sink ChangeSink, logg *logger.Logger) (*Consumer, error) {
	if subscription == nil {
		return nil, fmt.Errorf("billing subscription required")
	}
	if sink == nil {
		return nil, fmt.Errorf("change sink required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		subscription: subscription,
		sink:         sink,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		c.process(ctx, msg)
		// Undecodable messages are acked too: redelivery cannot fix a
		// malformed payload, and the cache self-heals on its next fetch.
		msg.Ack()
	})
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"kind":       msg.Attributes["kind"],
	})

	var change subscriptions.ChangeEvent
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		c.logg.Error(logCtx, "failed to decode change event", err)
		return
	}
	if change.Kind != subscriptions.ChangeKindSubscription && change.Kind != subscriptions.ChangeKindSyncStatus {
		c.logg.Info(logCtx, "skipping unknown change kind")
		return
	}

	c.sink.Publish(ctx, change)
}
