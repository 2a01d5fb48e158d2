package enums

// EventProcessingStatus tracks a webhook event through the payment event log.
type EventProcessingStatus string

const (
	EventStatusPending   EventProcessingStatus = "pending"
	EventStatusProcessed EventProcessingStatus = "processed"
	EventStatusFailed    EventProcessingStatus = "failed"
	EventStatusSkipped   EventProcessingStatus = "skipped"
)

func (s EventProcessingStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the status can no longer revert to pending.
func (s EventProcessingStatus) IsTerminal() bool {
	switch s {
	case EventStatusProcessed, EventStatusFailed, EventStatusSkipped:
		return true
	}
	return false
}
