package enums

// SyncStatus records the outcome of the most recent reconciliation attempt.
type SyncStatus string

const (
	SyncStatusSynced      SyncStatus = "synced"
	SyncStatusPending     SyncStatus = "pending"
	SyncStatusFailed      SyncStatus = "failed"
	SyncStatusRetryNeeded SyncStatus = "retry_needed"
)

func (s SyncStatus) String() string {
	return string(s)
}

func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncStatusSynced, SyncStatusPending, SyncStatusFailed, SyncStatusRetryNeeded:
		return true
	}
	return false
}
