package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/concerto/internal/piece"
	"github.com/ShayCichocki/concerto/pkg/models"
)

// runFanOut executes a parallel or team-leader movement as one logical
// step, returning the aggregated output that rule resolution classifies.
func (e *Engine) runFanOut(ctx context.Context, mv *piece.Movement, instruction string, iteration, visit int) (string, error) {
	var outcome *TeamLeaderOutcome
	var err error

	if mv.TeamLeader != nil {
		outcome, err = e.runTeamLeader(ctx, mv, instruction)
	} else {
		outcome, err = e.runParallel(ctx, mv, iteration, visit)
	}

	if outcome != nil {
		e.partResults = append(e.partResults, outcome.Results...)
	}
	if err != nil {
		return "", fmt.Errorf("fan-out movement %q: %w", mv.Name, err)
	}
	return aggregateResults(outcome.Results), nil
}

// aggregateResults folds part results into one movement outcome, in
// completion order.
func aggregateResults(results []models.PartResult) string {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "## Part %s (%s)\n%s\n\n", r.PartID, r.Status, r.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// runParallel fans out into the movement's fixed sub-movement list. Each
// sub-movement becomes one part carrying its own persona and instruction.
func (e *Engine) runParallel(ctx context.Context, mv *piece.Movement, iteration, visit int) (*TeamLeaderOutcome, error) {
	subs := make(map[string]*piece.Movement, len(mv.Parallel))
	parts := make([]models.Part, 0, len(mv.Parallel))
	for _, name := range mv.Parallel {
		sub := e.piece.Movement(name)
		if sub == nil {
			return nil, fmt.Errorf("parallel sub-movement %q not found", name)
		}
		subs[name] = sub
		parts = append(parts, models.Part{
			ID:          name,
			Title:       name,
			Instruction: e.renderInstruction(sub, sub.Instruction, iteration, visit),
		})
	}

	runPart := func(ctx context.Context, p models.Part) models.PartResult {
		return e.runPart(ctx, subs[p.ID].Persona, p)
	}

	tl := NewTeamLeader(len(parts), 0, len(parts), runPart, nil, e.emitPartDone)
	return tl.Run(ctx, parts)
}

// runTeamLeader asks the planner persona to decompose the movement's
// instruction into parts, runs them through the bounded pool, and re-plans
// as the queue drains.
func (e *Engine) runTeamLeader(ctx context.Context, mv *piece.Movement, instruction string) (*TeamLeaderOutcome, error) {
	cfg := mv.TeamLeader

	initial, err := e.planParts(ctx, cfg.PlannerPersona, initialPlanPrompt(instruction, cfg.MaxTotalParts))
	if err != nil {
		return nil, fmt.Errorf("initial planning: %w", err)
	}

	runPart := func(ctx context.Context, p models.Part) models.PartResult {
		return e.runPart(ctx, cfg.WorkerPersona, p)
	}
	plan := func(ctx context.Context, req PlanRequest) (PlanResponse, error) {
		return e.planParts(ctx, cfg.PlannerPersona, refillPlanPrompt(instruction, req))
	}

	tl := NewTeamLeader(cfg.MaxConcurrency, cfg.RefillThreshold, cfg.MaxTotalParts, runPart, plan, e.emitPartDone)
	return tl.Run(ctx, initial.Parts)
}

// runPart executes one part with its optional timeout. Timeouts and
// failures become failed results, never errors that would corrupt the
// pool's accounting.
func (e *Engine) runPart(ctx context.Context, persona string, p models.Part) models.PartResult {
	result := models.PartResult{
		PartID:  p.ID,
		Title:   p.Title,
		Persona: persona,
	}

	if timeout := p.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := e.callPersona(ctx, persona, p.Instruction)
	result.CompletedAt = time.Now()

	switch {
	case err != nil && ctx.Err() == context.DeadlineExceeded:
		result.Status = models.PartStatusTimeout
		result.Content = fmt.Sprintf("part timed out after %s", p.Timeout())
	case err != nil && ctx.Err() != nil:
		result.Status = models.PartStatusCanceled
		result.Content = err.Error()
	case err != nil:
		result.Status = models.PartStatusFailed
		result.Content = err.Error()
	case !res.OK():
		result.Status = models.PartStatusFailed
		result.Content = res.Error
		if res.Content != "" {
			result.Content = res.Content
		}
	default:
		result.Status = models.PartStatusDone
		result.Content = res.Content
	}
	return result
}

func (e *Engine) emitPartDone(res models.PartResult) {
	e.emitter.Emit(Event{
		Type:     EventPartCompleted,
		Movement: e.state.Current(),
		Phase:    res.PartID,
		Content:  res.Content,
		Message:  fmt.Sprintf("part %q finished with status %s", res.PartID, res.Status),
	})
}

// planParts runs one planning call and parses its JSON reply.
func (e *Engine) planParts(ctx context.Context, persona, instruction string) (PlanResponse, error) {
	res, err := e.callPersona(ctx, persona, instruction)
	if err != nil {
		return PlanResponse{}, err
	}
	if !res.OK() {
		return PlanResponse{}, fmt.Errorf("planner call failed: %s", res.Error)
	}
	return parsePlan(res.Content)
}

const planContract = `Reply with only a JSON object of the form
{"done": <bool>, "parts": [{"id": "<unique-id>", "title": "<short title>", "instruction": "<full instruction for the worker>", "timeout_ms": <optional ms>}]}.
Set "done" to true when no further parts are needed.`

func initialPlanPrompt(instruction string, budget int) string {
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nDecompose this work into independent parts that can run concurrently. ")
	fmt.Fprintf(&b, "Plan at most %d parts in total across all planning rounds.\n", budget)
	b.WriteString(planContract)
	return b.String()
}

func refillPlanPrompt(instruction string, req PlanRequest) string {
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nYou are re-planning mid-run. Results so far:\n")
	for _, r := range req.Results {
		fmt.Fprintf(&b, "- %s (%s): %s\n", r.PartID, r.Status, firstLine(r.Content))
	}
	fmt.Fprintf(&b, "\nIds already scheduled (do not reuse): %s\n", strings.Join(req.ScheduledIDs, ", "))
	fmt.Fprintf(&b, "Remaining part budget: %d\n", req.RemainingBudget)
	b.WriteString(planContract)
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

type planWire struct {
	Done  bool `json:"done"`
	Parts []struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Instruction string `json:"instruction"`
		TimeoutMs   int    `json:"timeout_ms"`
	} `json:"parts"`
}

// parsePlan extracts the JSON object from a planner reply, tolerating prose
// around it.
func parsePlan(content string) (PlanResponse, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return PlanResponse{}, fmt.Errorf("parse plan: no JSON object in reply")
	}

	var wire planWire
	if err := json.Unmarshal([]byte(content[start:end+1]), &wire); err != nil {
		return PlanResponse{}, fmt.Errorf("parse plan: %w", err)
	}

	resp := PlanResponse{Done: wire.Done}
	for _, p := range wire.Parts {
		if p.ID == "" {
			continue
		}
		resp.Parts = append(resp.Parts, models.Part{
			ID:          p.ID,
			Title:       p.Title,
			Instruction: p.Instruction,
			TimeoutMs:   p.TimeoutMs,
		})
	}
	return resp, nil
}
