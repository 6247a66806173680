package models

// SyncStatus is the state of a data source's sync state machine.
//
//	IDLE ───┐
//	ACTIVE ─┼──> SYNCING ──> ACTIVE
//	ERROR ──┘            └─> ERROR
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "IDLE"
	SyncStatusSyncing SyncStatus = "SYNCING"
	SyncStatusActive  SyncStatus = "ACTIVE"
	SyncStatusError   SyncStatus = "ERROR"
)

// IsResting reports whether the status is one a finished sync can rest in.
func (s SyncStatus) IsResting() bool {
	return s == SyncStatusIdle || s == SyncStatusActive || s == SyncStatusError
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
// SYNCING -> SYNCING is allowed so a job re-claimed after its lease expired
// can restart a sync whose previous worker died mid-flight.
func (s SyncStatus) CanTransitionTo(next SyncStatus) bool {
	switch next {
	case SyncStatusSyncing:
		return s.IsResting() || s == SyncStatusSyncing || s == ""
	case SyncStatusActive, SyncStatusError:
		return s == SyncStatusSyncing
	default:
		return false
	}
}
