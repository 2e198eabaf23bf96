package models

import "time"

// PartStatus represents the outcome of a single team-leader part.
type PartStatus string

const (
	// PartStatusDone indicates the part completed successfully.
	PartStatusDone PartStatus = "done"
	// PartStatusFailed indicates the part's agent call failed.
	PartStatusFailed PartStatus = "failed"
	// PartStatusTimeout indicates the part exceeded its timeout.
	PartStatusTimeout PartStatus = "timeout"
	// PartStatusCanceled indicates the run was canceled before the part finished.
	PartStatusCanceled PartStatus = "canceled"
)

// Part is one unit of team-leader sub-work. Ids must be unique within a run;
// duplicates proposed during re-planning are dropped, not errors.
type Part struct {
	// ID uniquely identifies the part within a run.
	ID string `json:"id" yaml:"id"`
	// Title is a short human-readable description.
	Title string `json:"title" yaml:"title"`
	// Instruction is the full instruction text sent to the worker persona.
	Instruction string `json:"instruction" yaml:"instruction"`
	// TimeoutMs optionally bounds the part's execution time in milliseconds.
	TimeoutMs int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// Timeout returns the part timeout as a duration, or zero when unset.
func (p Part) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// PartResult is the paired execution outcome for a Part.
type PartResult struct {
	// PartID identifies the part this result belongs to.
	PartID string `json:"part_id"`
	// Title mirrors the part title for audit output.
	Title string `json:"title"`
	// Persona is the worker persona that executed the part.
	Persona string `json:"persona"`
	// Status is the execution outcome.
	Status PartStatus `json:"status"`
	// Content is the agent output, or the error detail on failure.
	Content string `json:"content"`
	// CompletedAt is when execution finished.
	CompletedAt time.Time `json:"completed_at"`
}

// OK returns true if the part completed successfully.
func (r PartResult) OK() bool {
	return r.Status == PartStatusDone
}
