// Package executor provides the agent execution boundary for concerto.
// The engine consumes executors as opaque capabilities: it hands a persona
// and a rendered instruction to Call and interprets the typed result.
package executor

import "context"

// Status is the outcome classification of a single agent call.
type Status string

const (
	// StatusDone indicates the agent finished and produced output.
	StatusDone Status = "done"
	// StatusBlocked indicates the agent stopped waiting on something
	// outside its control.
	StatusBlocked Status = "blocked"
	// StatusError indicates the call failed.
	StatusError Status = "error"
)

// CallOptions contains optional parameters for an agent call.
type CallOptions struct {
	// WorkDir is the working directory for the agent.
	WorkDir string
	// Model overrides the executor's default model.
	Model string
	// SessionID resumes a prior conversation for persona continuity.
	SessionID string
	// PermissionMode is passed through to executors that support it.
	PermissionMode string
	// AllowedTools restricts the tool set for this call.
	AllowedTools []string
	// ToolFree requests a judgment-style call with no tool access.
	ToolFree bool
	// OnStream receives incremental output chunks when the executor
	// supports streaming. May be nil.
	OnStream func(chunk string)
}

// Result is the typed outcome of an agent call.
type Result struct {
	// Status classifies the outcome.
	Status Status
	// Content is the agent's final output text.
	Content string
	// SessionID identifies the conversation for later continuity, when
	// the executor supports sessions.
	SessionID string
	// StructuredStep is a 1-based next-step number the agent reported via
	// structured output, or 0 when absent.
	StructuredStep int
	// Error holds failure detail when Status is not done.
	Error string
}

// OK returns true if the call completed successfully.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusDone
}

// AgentExecutor executes a single agent call for a persona.
// Implementations must honor ctx cancellation: an in-flight call is
// interrupted rather than awaited to natural completion.
type AgentExecutor interface {
	Call(ctx context.Context, persona, instruction string, opts CallOptions) (*Result, error)
}
