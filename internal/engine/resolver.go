package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ShayCichocki/concerto/internal/piece"
	"github.com/ShayCichocki/concerto/internal/prompt"
)

// Method identifies which resolution stage selected a rule.
type Method string

const (
	// MethodAutoSelect means the movement had a single rule.
	MethodAutoSelect Method = "auto_select"
	// MethodStructuredOutput means the executor returned a typed step number.
	MethodStructuredOutput Method = "structured_output"
	// MethodPhase3Tag means a tag was parsed from the judgment-pass output.
	MethodPhase3Tag Method = "phase3_tag"
	// MethodPhase1Tag means a tag was parsed from the primary agent output.
	MethodPhase1Tag Method = "phase1_tag"
	// MethodAIJudge means AI-flagged conditions were batched to a judge call.
	MethodAIJudge Method = "ai_judge"
	// MethodAIJudgeFallback means all eligible conditions were judged because
	// none was AI-flagged.
	MethodAIJudgeFallback Method = "ai_judge_fallback"
)

// ErrNoRuleMatched is returned when every resolution stage is exhausted
// without producing a valid rule index. It is terminal for the run.
var ErrNoRuleMatched = errors.New("no rule matched after all phases")

// Resolution names the rule that matched and the stage that found it.
type Resolution struct {
	RuleIndex int
	Method    Method
}

// JudgeFunc performs a tool-free agent call for AI-condition judging.
type JudgeFunc func(ctx context.Context, instruction string) (string, error)

// ResolveInput carries the material available to the resolver for one
// movement outcome.
type ResolveInput struct {
	// AgentOutput is the movement's primary output.
	AgentOutput string
	// JudgmentOutput is the output of the dedicated judgment pass, if one
	// ran. Tags found here take precedence over tags in AgentOutput.
	JudgmentOutput string
	// StructuredStep is the 1-based step number from the executor's typed
	// output, or zero when absent.
	StructuredStep int
	// Interactive makes interactive-only rules eligible.
	Interactive bool
}

// Resolver classifies a movement's output against its rule list. Stages run
// strictly in order and short-circuit on the first valid index; a candidate
// is valid only when in range and, outside interactive mode, not flagged
// interactive-only.
type Resolver struct {
	judge    JudgeFunc
	renderer *prompt.Renderer
}

// NewResolver creates a resolver. judge may be nil, in which case the
// AI-judge stages are skipped.
func NewResolver(judge JudgeFunc) *Resolver {
	return &Resolver{judge: judge, renderer: prompt.NewRenderer()}
}

// Resolve picks the matching rule for the named movement.
func (r *Resolver) Resolve(ctx context.Context, movement string, rules []piece.Rule, in ResolveInput) (Resolution, error) {
	if len(rules) == 0 {
		return Resolution{}, fmt.Errorf("resolve %q: movement has no rules", movement)
	}
	if len(rules) == 1 {
		return Resolution{RuleIndex: 0, Method: MethodAutoSelect}, nil
	}

	valid := func(idx int) bool {
		if idx < 0 || idx >= len(rules) {
			return false
		}
		return in.Interactive || !rules[idx].InteractiveOnly
	}

	if idx := in.StructuredStep - 1; in.StructuredStep > 0 && valid(idx) {
		return Resolution{RuleIndex: idx, Method: MethodStructuredOutput}, nil
	}

	if n := parseTag(in.JudgmentOutput, movement); n > 0 && valid(n-1) {
		return Resolution{RuleIndex: n - 1, Method: MethodPhase3Tag}, nil
	}

	if n := parseTag(in.AgentOutput, movement); n > 0 && valid(n-1) {
		return Resolution{RuleIndex: n - 1, Method: MethodPhase1Tag}, nil
	}

	if r.judge != nil {
		var batch []int
		for i, rule := range rules {
			if rule.IsAICondition && valid(i) {
				batch = append(batch, i)
			}
		}
		if len(batch) > 0 {
			if idx, ok := r.judgeBatch(ctx, rules, batch, in.AgentOutput); ok && valid(idx) {
				return Resolution{RuleIndex: idx, Method: MethodAIJudge}, nil
			}
		} else {
			batch = batch[:0]
			for i := range rules {
				if valid(i) {
					batch = append(batch, i)
				}
			}
			if idx, ok := r.judgeBatch(ctx, rules, batch, in.AgentOutput); ok && valid(idx) {
				return Resolution{RuleIndex: idx, Method: MethodAIJudgeFallback}, nil
			}
		}
	}

	return Resolution{}, fmt.Errorf("resolve %q: %w", movement, ErrNoRuleMatched)
}

const judgeTemplate = `You are judging which condition best describes an agent's output.

Conditions:
{conditions}

Agent output:
{agent_output}

Reply with only the number of the matching condition.`

// judgeBatch submits the batched conditions to the judge call and maps the
// returned 1-based choice back to the original rule index.
func (r *Resolver) judgeBatch(ctx context.Context, rules []piece.Rule, batch []int, output string) (int, bool) {
	if len(batch) == 0 {
		return 0, false
	}

	var conditions strings.Builder
	for i, idx := range batch {
		fmt.Fprintf(&conditions, "%d. %s\n", i+1, rules[idx].JudgeText())
	}

	instruction := r.renderer.Render(judgeTemplate, map[string]string{
		"conditions":   conditions.String(),
		"agent_output": output,
	}, prompt.Context{})

	reply, err := r.judge(ctx, instruction)
	if err != nil {
		return 0, false
	}

	choice := parseJudgeChoice(reply)
	if choice < 1 || choice > len(batch) {
		return 0, false
	}
	return batch[choice-1], true
}

// parseTag scans text for a bracketed movement tag like [REVIEW:2] and
// returns the 1-based rule number. The last well-formed occurrence wins;
// zero means no tag was found. Candidate windows are located in the
// original text and compared case-insensitively in place, so every index
// used to slice text was computed from text; matching is literal, never a
// compiled pattern.
func parseTag(text, movement string) int {
	if text == "" || movement == "" {
		return 0
	}
	marker := "[" + strings.ToUpper(movement) + ":"
	if len(text) < len(marker) {
		return 0
	}

	for start := len(text) - len(marker); start >= 0; start-- {
		if text[start] != '[' || !strings.EqualFold(text[start:start+len(marker)], marker) {
			continue
		}
		rest := text[start+len(marker):]
		end := strings.IndexByte(rest, ']')
		if end <= 0 {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(rest[:end])); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// parseJudgeChoice extracts the first integer from a judge reply.
func parseJudgeChoice(text string) int {
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			continue
		}
		j := i
		for j < len(text) && text[j] >= '0' && text[j] <= '9' {
			j++
		}
		n, err := strconv.Atoi(text[i:j])
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
