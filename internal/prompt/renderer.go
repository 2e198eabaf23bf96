// Package prompt renders movement instruction templates into the exact text
// sent to an agent. Rendering is pure text substitution: no I/O, deterministic
// given identical inputs.
package prompt

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Placeholder names recognized in every template. Movement-local vars are
// substituted first, then these, then {report:<name>} expansion.
const (
	placeholderTask              = "{task}"
	placeholderIteration         = "{iteration}"
	placeholderMaxMovements      = "{max_movements}"
	placeholderMovementIteration = "{movement_iteration}"
	placeholderPreviousResponse  = "{previous_response}"
	placeholderUserInputs        = "{user_inputs}"
	placeholderReportDir         = "{report_dir}"

	reportPrefix = "{report:"
)

// Context carries the run-level fields available to a template.
type Context struct {
	// Task is the original task description for the run.
	Task string
	// Iteration is the run's current iteration counter.
	Iteration int
	// MaxMovements is the current movement budget.
	MaxMovements int
	// MovementIteration is how many times the current movement has executed.
	MovementIteration int
	// PreviousResponse is the output of the previously executed movement.
	// It is only rendered when IncludePrevious is set and the value is
	// non-empty; otherwise {previous_response} renders as the empty string.
	PreviousResponse string
	// IncludePrevious is the movement's passPreviousResponse opt-in.
	IncludePrevious bool
	// UserInputs are interactive clarification answers, newline-joined.
	UserInputs []string
	// ReportDir is the directory {report:<name>} paths resolve against.
	ReportDir string
}

// Renderer substitutes placeholders in instruction templates.
type Renderer struct{}

// NewRenderer creates a new Renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render substitutes movement vars and context placeholders into template.
//
// Substitution order: movement vars first (literal key matching, so regex
// metacharacters in keys are inert), then context placeholders, then
// {report:<name>} expansion last. Vars-before-report ordering means a var
// value can itself name the report file: {report:{name}} resolves {name}
// first, then the report path. Substituted values have their braces escaped
// to full-width look-alikes so they are never re-interpreted as placeholders.
// Undefined placeholders are left untouched.
func (r *Renderer) Render(template string, vars map[string]string, ctx Context) string {
	out := template

	// Movement-local vars, in deterministic key order. Matching is literal
	// string replacement, never a compiled pattern, so keys containing
	// characters like '.', '*', '[' or '\' match only their exact text.
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = strings.ReplaceAll(out, "{"+k+"}", escapeBraces(vars[k]))
	}

	prev := ""
	if ctx.IncludePrevious && ctx.PreviousResponse != "" {
		prev = ctx.PreviousResponse
	}

	replacements := []struct {
		placeholder string
		value       string
	}{
		{placeholderTask, ctx.Task},
		{placeholderIteration, strconv.Itoa(ctx.Iteration)},
		{placeholderMaxMovements, strconv.Itoa(ctx.MaxMovements)},
		{placeholderMovementIteration, strconv.Itoa(ctx.MovementIteration)},
		{placeholderPreviousResponse, prev},
		{placeholderUserInputs, strings.Join(ctx.UserInputs, "\n")},
		{placeholderReportDir, ctx.ReportDir},
	}
	for _, rep := range replacements {
		out = strings.ReplaceAll(out, rep.placeholder, escapeBraces(rep.value))
	}

	return r.expandReports(out, ctx.ReportDir)
}

// expandReports replaces every {report:<name>} token with reportDir/<name>.
// Tokens without a closing brace, or whose name still contains an
// unresolved placeholder, are left untouched.
func (r *Renderer) expandReports(s, reportDir string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, reportPrefix)
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+len(reportPrefix):], "}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		name := s[start+len(reportPrefix) : start+len(reportPrefix)+end]
		if strings.ContainsRune(name, '{') {
			b.WriteString(s[:start+len(reportPrefix)])
			s = s[start+len(reportPrefix):]
			continue
		}
		b.WriteString(s[:start])
		b.WriteString(escapeBraces(filepath.Join(reportDir, name)))
		s = s[start+len(reportPrefix)+end+1:]
	}
	return b.String()
}

// escapeBraces replaces curly braces in a substituted value with full-width
// look-alikes so the value cannot introduce new placeholders into the result.
func escapeBraces(s string) string {
	if !strings.ContainsAny(s, "{}") {
		return s
	}
	s = strings.ReplaceAll(s, "{", "｛")
	return strings.ReplaceAll(s, "}", "｝")
}
