package subscriptions

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/flipstash/flipstash-backend/pkg/db/models"
	"github.com/flipstash/flipstash-backend/pkg/enums"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"github.com/stripe/stripe-go/v84"
)

// ApplyStripe overwrites the target subscription with the provider's current
// truth. Every write is a full replacement of the provider-owned fields; the
// customer id is only set when the provider supplies one, never cleared.
func ApplyStripe(target *models.Subscription, stripeSub *stripe.Subscription, planID *string) error {
	if target == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "target subscription is nil")
	}
	if stripeSub == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "stripe subscription is nil")
	}
	status, err := mapStripeStatus(stripeSub.Status)
	if err != nil {
		return err
	}

	metadata, err := marshalMetadata(stripeSub.Metadata)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal metadata")
	}

	target.StripeSubscriptionID = trimmedPtr(stripeSub.ID)
	target.Status = status
	if planID != nil {
		target.PlanID = *planID
	}
	if stripeSub.Customer != nil {
		target.StripeCustomerID = trimmedPtr(stripeSub.Customer.ID)
	}
	startTS, endTS := Period(stripeSub)
	target.CurrentPeriodStart = toTimePtr(startTS)
	target.CurrentPeriodEnd = toTimePtr(endTS)
	target.TrialStart = toTimePtr(stripeSub.TrialStart)
	target.TrialEnd = toTimePtr(stripeSub.TrialEnd)
	target.CancelAtPeriodEnd = stripeSub.CancelAtPeriodEnd
	target.CanceledAt = toTimePtr(stripeSub.CanceledAt)
	target.Metadata = metadata
	return nil
}

// PriceID returns the price attached to the subscription's first line item.
func PriceID(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	if sub.Items.Data[0].Price != nil {
		return sub.Items.Data[0].Price.ID
	}
	return ""
}

// HasAccessStatus reports whether the status grants access on its own,
// without consulting the billing period.
func HasAccessStatus(status enums.SubscriptionStatus) bool {
	return status == enums.SubscriptionStatusActive || status == enums.SubscriptionStatusTrialing
}

func marshalMetadata(meta map[string]string) (json.RawMessage, error) {
	if len(meta) == 0 {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func toTimePtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// Period returns the current billing period epochs from the subscription's
// first line item, where the provider reports them.
func Period(sub *stripe.Subscription) (int64, int64) {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return 0, 0
	}
	item := sub.Items.Data[0]
	return item.CurrentPeriodStart, item.CurrentPeriodEnd
}

func trimmedPtr(value string) *string {
	if s := strings.TrimSpace(value); s != "" {
		return &s
	}
	return nil
}

// mapStripeStatus parses the provider status verbatim. Statuses are never
// invented locally; an unknown value is a dependency error.
func mapStripeStatus(raw stripe.SubscriptionStatus) (enums.SubscriptionStatus, error) {
	parsed, err := enums.ParseSubscriptionStatus(strings.ToLower(strings.TrimSpace(string(raw))))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "invalid stripe subscription status")
	}
	return parsed, nil
}
