// Package engine drives a piece run from its initial movement to
// completion, abort, or exceed: it renders instructions, invokes the agent
// executor, resolves transition rules, detects loops, and enforces the
// iteration budget.
package engine

import (
	"time"
)

// EventType represents the type of engine event.
type EventType string

const (
	// EventMovementStarted indicates a movement has started executing.
	EventMovementStarted EventType = "movement_started"
	// EventMovementCompleted indicates a movement finished and its output
	// was recorded.
	EventMovementCompleted EventType = "movement_completed"
	// EventPhaseStarted indicates a phase of a multi-pass movement began
	// (execution, judgment, planning).
	EventPhaseStarted EventType = "phase_started"
	// EventPhaseCompleted indicates a phase finished.
	EventPhaseCompleted EventType = "phase_completed"
	// EventIterationLimit indicates the iteration budget was reached.
	// It is always emitted before the host's iteration-limit callback runs.
	EventIterationLimit EventType = "iteration_limit"
	// EventLoopWarning indicates the loop detector flagged a repeat loop.
	EventLoopWarning EventType = "loop_warning"
	// EventPartCompleted indicates one team-leader part finished.
	EventPartCompleted EventType = "part_completed"
	// EventRunCompleted indicates the run reached COMPLETE.
	EventRunCompleted EventType = "run_completed"
	// EventRunAborted indicates the run was stopped by cancellation, a
	// loop abort, or a fatal resolution failure.
	EventRunAborted EventType = "run_aborted"
	// EventRunExceeded indicates the iteration budget was exhausted and
	// the host declined to extend.
	EventRunExceeded EventType = "run_exceeded"
)

// Event is one typed record in the run's audit stream. The ordered event
// sequence is sufficient to reconstruct a prompt/response audit log without
// replaying the run.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// Movement names the movement this event relates to, if any.
	Movement string
	// Phase names the sub-phase for phase events (execution, judgment,
	// planning).
	Phase string
	// Iteration is the run's iteration counter when the event fired.
	Iteration int
	// MaxMovements is the movement budget when the event fired.
	MaxMovements int
	// Instruction is the rendered instruction text, on movement-start.
	Instruction string
	// Content is the agent output, on movement/phase completion.
	Content string
	// Message provides additional human-readable context.
	Message string
	// Err contains error details for failure events.
	Err error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
