package models

// RunStatus represents the terminal (or in-progress) state of a piece run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is still executing movements.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates a rule routed the run to COMPLETE.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusAborted indicates the run was stopped by cancellation,
	// a loop abort, or a fatal resolution failure.
	RunStatusAborted RunStatus = "aborted"
	// RunStatusExceeded indicates the iteration budget was exhausted and
	// the host declined to extend it.
	RunStatusExceeded RunStatus = "exceeded"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusAborted, RunStatusExceeded:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusAborted || s == RunStatusExceeded
}
