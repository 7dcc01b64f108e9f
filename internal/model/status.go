package model

// Status is the execution state machine.
//
// INQUEUE -> INPROGRESS -> {SUCCESS, SUCCESS_PARTIAL, ERROR} is the only
// forward path. IDLE exists only on the projection ("never run").
// A stale INPROGRESS may be force-reset back to INQUEUE by claim
// recovery, which swaps in a fresh execution rather than rewinding the
// old one.
type Status string

const (
	StatusIdle           Status = "IDLE"
	StatusInQueue        Status = "INQUEUE"
	StatusInProgress     Status = "INPROGRESS"
	StatusSuccess        Status = "SUCCESS"
	StatusSuccessPartial Status = "SUCCESS_PARTIAL"
	StatusError          Status = "ERROR"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusSuccessPartial, StatusError:
		return true
	}
	return false
}
