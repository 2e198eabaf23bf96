package executor

import (
	"context"
	"os"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/concerto/internal/api"
)

// APIExecutor runs agent calls directly against the Anthropic API. It is
// always tool-free, which makes it the natural backend for judgment passes
// and for environments without the Claude Code CLI.
type APIExecutor struct {
	client *api.Client
	// PersonaDir holds <persona>.md system-prompt files.
	PersonaDir string
}

// NewAPIExecutor creates an APIExecutor on top of an api.Client.
func NewAPIExecutor(client *api.Client, personaDir string) *APIExecutor {
	return &APIExecutor{client: client, PersonaDir: personaDir}
}

// Tracker exposes the underlying token tracker for run summaries.
func (e *APIExecutor) Tracker() *api.TokenTracker {
	return e.client.Tracker()
}

// Call executes a single-turn completion. Sessions are not supported by
// this executor; SessionID in opts is ignored and the result carries none.
func (e *APIExecutor) Call(ctx context.Context, persona, instruction string, opts CallOptions) (*Result, error) {
	system := e.personaPrompt(persona)

	content, err := e.client.Complete(ctx, system, instruction, anthropic.Model(opts.Model))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{Status: StatusError, Error: err.Error()}, nil
	}

	if opts.OnStream != nil {
		opts.OnStream(content)
	}

	return &Result{
		Status:         StatusDone,
		Content:        content,
		StructuredStep: parseStructuredStep(content),
	}, nil
}

func (e *APIExecutor) personaPrompt(persona string) string {
	if persona == "" {
		return ""
	}
	if e.PersonaDir != "" {
		if data, err := os.ReadFile(filepath.Join(e.PersonaDir, persona+".md")); err == nil {
			return string(data)
		}
	}
	return "You are acting as the " + persona + " persona."
}
