package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// defaultAllowedTools is the tool set granted when a call does not restrict
// tools itself. Project settings can still deny specific patterns.
var defaultAllowedTools = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", "WebFetch"}

// ClaudeExecutor runs agent calls through the Claude Code CLI with
// stream-json output parsing and session-id continuity.
type ClaudeExecutor struct {
	// PersonaDir holds <persona>.md system-prompt files. Empty means
	// personas are passed by name only.
	PersonaDir string
	// Binary is the CLI binary name. Defaults to "claude".
	Binary string
	// DefaultModel is used when CallOptions.Model is empty.
	DefaultModel string
}

// NewClaudeExecutor creates a ClaudeExecutor reading persona prompts from
// personaDir.
func NewClaudeExecutor(personaDir string) *ClaudeExecutor {
	return &ClaudeExecutor{PersonaDir: personaDir, Binary: "claude"}
}

// CheckCLI verifies the claude binary is available in PATH.
func (e *ClaudeExecutor) CheckCLI() error {
	bin := e.binary()
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("%s CLI not found in PATH\n\n"+
			"Concerto orchestrates movements through the Claude Code CLI.\n"+
			"Install it with:\n  npm install -g @anthropic-ai/claude-code", bin)
	}
	return nil
}

func (e *ClaudeExecutor) binary() string {
	if e.Binary != "" {
		return e.Binary
	}
	return "claude"
}

// Call executes one agent call as a CLI subprocess. The subprocess is
// killed when ctx is canceled.
func (e *ClaudeExecutor) Call(ctx context.Context, persona, instruction string, opts CallOptions) (*Result, error) {
	args := []string{
		"--output-format", "stream-json",
		"--print",
		"--verbose",
	}

	if opts.ToolFree {
		args = append(args, "--allowedTools", "")
	} else if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	} else {
		args = append(args, "--allowedTools", strings.Join(defaultAllowedTools, ","))
	}

	model := opts.Model
	if model == "" {
		model = e.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if sys := e.personaPrompt(persona); sys != "" {
		args = append(args, "--append-system-prompt", sys)
	}

	args = append(args, "-p", instruction)

	cmd := exec.CommandContext(ctx, e.binary(), args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.binary(), err)
	}

	res := e.readStream(stdout, opts.OnStream)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if res.Error == "" {
			res.Error = fmt.Sprintf("process exited with error: %v", err)
		}
		if detail != "" {
			res.Error += "; stderr: " + detail
		}
		res.Status = StatusError
		return res, nil
	}

	if res.Status == "" {
		res.Status = StatusDone
	}
	return res, nil
}

// readStream parses stream-json lines, capturing the session id, the final
// result text, and any error events.
func (e *ClaudeExecutor) readStream(r io.Reader, onStream func(string)) *Result {
	res := &Result{}

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(line, &raw); err != nil {
			continue
		}

		if sid, ok := raw["session_id"].(string); ok && sid != "" {
			res.SessionID = sid
		}

		typ, _ := raw["type"].(string)
		switch typ {
		case "assistant":
			if msg := extractText(raw); msg != "" && onStream != nil {
				onStream(msg)
			}
		case "result":
			if text, ok := raw["result"].(string); ok {
				res.Content = text
			} else if text, ok := raw["content"].(string); ok {
				res.Content = text
			}
			if subtype, _ := raw["subtype"].(string); subtype == "error_max_turns" {
				res.Status = StatusBlocked
				res.Error = "agent stopped at max turns"
			}
			if isErr, _ := raw["is_error"].(bool); isErr {
				res.Status = StatusError
				if res.Error == "" {
					res.Error = res.Content
				}
			}
		case "error":
			res.Status = StatusError
			if msg, ok := raw["error"].(string); ok {
				res.Error = msg
			} else if msg, ok := raw["message"].(string); ok {
				res.Error = msg
			}
		}
	}

	res.StructuredStep = parseStructuredStep(res.Content)
	return res
}

// extractText pulls assistant text content out of a stream event.
func extractText(raw map[string]interface{}) string {
	msg, ok := raw["message"].(map[string]interface{})
	if !ok {
		if s, ok := raw["message"].(string); ok {
			return s
		}
		return ""
	}
	content, ok := msg["content"].([]interface{})
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, item := range content {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if blockType, _ := block["type"].(string); blockType == "text" {
			if text, ok := block["text"].(string); ok {
				b.WriteString(text)
			}
		}
	}
	return b.String()
}

// parseStructuredStep extracts a 1-based next-step number from a trailing
// structured-output JSON object like {"next_step": 2}. Returns 0 when the
// output carries no such object.
func parseStructuredStep(content string) int {
	idx := strings.LastIndex(content, `"next_step"`)
	if idx < 0 {
		return 0
	}
	start := strings.LastIndex(content[:idx], "{")
	if start < 0 {
		return 0
	}
	end := strings.Index(content[idx:], "}")
	if end < 0 {
		return 0
	}
	var obj struct {
		NextStep int `json:"next_step"`
	}
	if err := json.Unmarshal([]byte(content[start:idx+end+1]), &obj); err != nil {
		return 0
	}
	if obj.NextStep < 1 {
		return 0
	}
	return obj.NextStep
}

// personaPrompt loads the system prompt for a persona from PersonaDir.
func (e *ClaudeExecutor) personaPrompt(persona string) string {
	if persona == "" {
		return ""
	}
	if e.PersonaDir == "" {
		return "You are acting as the " + persona + " persona."
	}
	data, err := os.ReadFile(filepath.Join(e.PersonaDir, persona+".md"))
	if err != nil {
		return "You are acting as the " + persona + " persona."
	}
	return string(data)
}
