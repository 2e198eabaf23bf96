package engine

// LoopAction selects what happens when the loop detector fires.
type LoopAction string

const (
	// LoopWarn emits a loop warning event and keeps running.
	LoopWarn LoopAction = "warn"
	// LoopAbort terminates the run with an aborted status.
	LoopAbort LoopAction = "abort"
	// LoopIgnore reports the loop but triggers no caller-visible effect.
	LoopIgnore LoopAction = "ignore"
)

// DefaultLoopThreshold is the number of consecutive visits to the same
// movement after which the detector fires.
const DefaultLoopThreshold = 10

// LoopDetector tracks consecutive visits to the same movement. Visiting any
// other movement resets the streak, so only tight self-cycles trigger it.
type LoopDetector struct {
	threshold int
	action    LoopAction
	last      string
	count     int
}

// LoopCheck is the detector's verdict for one visit.
type LoopCheck struct {
	// IsLoop is true once the streak exceeds the threshold.
	IsLoop bool
	// Movement is the movement being revisited.
	Movement string
	// Count is the current streak length including this visit.
	Count int
	// ShouldWarn asks the caller to surface a warning.
	ShouldWarn bool
	// ShouldAbort asks the caller to terminate the run.
	ShouldAbort bool
}

// NewLoopDetector creates a detector. A threshold of zero or less uses
// DefaultLoopThreshold; an empty action defaults to LoopWarn.
func NewLoopDetector(threshold int, action LoopAction) *LoopDetector {
	if threshold <= 0 {
		threshold = DefaultLoopThreshold
	}
	if action == "" {
		action = LoopWarn
	}
	return &LoopDetector{threshold: threshold, action: action}
}

// Check records a visit to the named movement and reports whether the
// consecutive-visit streak has exceeded the threshold. The warn and abort
// flags follow the configured action.
func (d *LoopDetector) Check(movement string) LoopCheck {
	if movement == d.last {
		d.count++
	} else {
		d.last = movement
		d.count = 1
	}

	check := LoopCheck{
		IsLoop:   d.count > d.threshold,
		Movement: movement,
		Count:    d.count,
	}
	if check.IsLoop {
		switch d.action {
		case LoopWarn:
			check.ShouldWarn = true
		case LoopAbort:
			check.ShouldWarn = true
			check.ShouldAbort = true
		case LoopIgnore:
		}
	}
	return check
}

// ConsecutiveCount returns the current streak length.
func (d *LoopDetector) ConsecutiveCount() int {
	return d.count
}

// Reset clears the streak, used after the operator acknowledges a warning.
func (d *LoopDetector) Reset() {
	d.last = ""
	d.count = 0
}
