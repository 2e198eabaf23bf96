package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/ShayCichocki/concerto/internal/executor"
	"github.com/ShayCichocki/concerto/internal/piece"
	"github.com/ShayCichocki/concerto/internal/prompt"
	"github.com/ShayCichocki/concerto/pkg/models"
)

// IterationLimitRequest is passed to the host when the iteration budget is
// reached.
type IterationLimitRequest struct {
	// CurrentIteration is the iteration counter at the limit check.
	CurrentIteration int
	// MaxMovements is the budget that was hit.
	MaxMovements int
	// CurrentMovement is the movement that was about to execute.
	CurrentMovement string
}

// IterationLimitFunc decides whether to extend the budget. A nil return
// declines; a positive value is added to the budget and the run continues.
type IterationLimitFunc func(req IterationLimitRequest) *int

// UserInputFunc collects interactive clarification from the operator. An
// empty return means no input.
type UserInputFunc func(promptText string) string

// SessionUpdateFunc is notified whenever a persona's agent session id
// changes, so hosts can persist it.
type SessionUpdateFunc func(persona, sessionID string)

// ExceedInfo is the resumption metadata surfaced when a run halts on its
// iteration budget. Hosts persist it through the task lifecycle store.
type ExceedInfo struct {
	// StartMovement is the movement the resumed run should start at.
	StartMovement string
	// MaxMovements is the budget at the moment of exceedance.
	MaxMovements int
	// Iteration is the counter at the moment of exceedance.
	Iteration int
}

// RunResult is what a finished run reports, whatever its terminal status.
type RunResult struct {
	// Status is the terminal run status.
	Status models.RunStatus
	// Iterations is the final iteration counter.
	Iterations int
	// FinalMovement is the last movement the run was positioned at.
	FinalMovement string
	// Exceed carries resumption metadata when Status is exceeded.
	Exceed *ExceedInfo
	// PartResults accumulates every team-leader part result across the
	// run, preserved even when the run later fails.
	PartResults []models.PartResult
	// Err is the error that ended an aborted run, if any.
	Err error
}

// Engine drives one run of a piece. It owns the run's state exclusively;
// an Engine must not be reused after Run returns.
type Engine struct {
	piece    *piece.Piece
	exec     executor.AgentExecutor
	opts     engineOptions
	renderer *prompt.Renderer
	resolver *Resolver
	loop     *LoopDetector
	emitter  *Emitter
	state    *RunState

	maxMovements int
	lastOutput   string
	partResults  []models.PartResult
	stopped      atomic.Bool
}

// New creates an Engine for one run of p.
func New(p *piece.Piece, exec executor.AgentExecutor, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("new engine: piece is nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("new engine: executor is nil")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.startMovement != "" && p.Movement(o.startMovement) == nil {
		return nil, fmt.Errorf("new engine: start movement %q not in piece %q", o.startMovement, p.Name)
	}

	return &Engine{
		piece:        p,
		exec:         exec,
		opts:         o,
		renderer:     prompt.NewRenderer(),
		resolver:     NewResolver(o.judge),
		loop:         NewLoopDetector(o.loopThreshold, o.loopAction),
		emitter:      NewEmitter(o.eventBuffer),
		state:        NewRunState(),
		maxMovements: o.maxMovements,
	}, nil
}

// Events returns the run's event stream. The channel is closed when Run
// returns.
func (e *Engine) Events() <-chan Event {
	return e.emitter.Events()
}

// State exposes the run state for observers.
func (e *Engine) State() *RunState {
	return e.state
}

// Stop requests a graceful stop: the run halts at the next safe point,
// after any in-flight agent call completes. Cancel the Run context to force
// immediate termination instead.
func (e *Engine) Stop() {
	e.stopped.Store(true)
}

// Run executes the piece until completion, abort, or exceed. The returned
// RunResult is non-nil even on error, so partial results stay accessible.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	defer func() {
		e.emitter.Close()
		if n := e.emitter.DroppedCount(); n > 0 {
			log.Printf("[engine] run dropped %d event(s) on a full channel", n)
		}
	}()

	current := e.opts.startMovement
	if current == "" {
		current = e.piece.Entry()
	}
	e.state.SetIteration(e.opts.initialIteration)

	for {
		e.state.SetCurrent(current)

		if err := ctx.Err(); err != nil {
			return e.abort(current, fmt.Errorf("run canceled: %w", err)), nil
		}
		if e.stopped.Load() {
			return e.abort(current, fmt.Errorf("run stopped by request")), nil
		}

		if cont, result := e.checkBudget(current); !cont {
			return result, nil
		}

		check := e.loop.Check(current)
		if check.IsLoop {
			if check.ShouldWarn {
				e.emitter.Emit(Event{
					Type:      EventLoopWarning,
					Movement:  current,
					Iteration: e.state.Iteration(),
					Message:   fmt.Sprintf("movement %q repeated %d consecutive times", current, check.Count),
				})
			}
			if check.ShouldAbort {
				return e.abort(current, fmt.Errorf("movement %q looped %d times", current, check.Count)), nil
			}
		}

		mv := e.piece.Movement(current)
		if mv == nil {
			return e.abort(current, fmt.Errorf("movement %q not found in piece %q", current, e.piece.Name)), nil
		}

		if mv.Edit && e.opts.interactive && e.opts.onUserInput != nil {
			input := e.opts.onUserInput(fmt.Sprintf("Guidance for movement %q (empty to continue): ", mv.Name))
			e.state.AddUserInput(input)
		}

		iteration := e.state.NextIteration()
		visit := e.state.RecordVisit(current)

		output, structuredStep, err := e.executeMovement(ctx, mv, iteration, visit)
		if err != nil {
			if ctx.Err() != nil {
				return e.abort(current, fmt.Errorf("run canceled: %w", ctx.Err())), nil
			}
			return e.abort(current, err), nil
		}

		e.state.RecordOutput(current, output)
		e.lastOutput = output
		e.emitter.Emit(Event{
			Type:         EventMovementCompleted,
			Movement:     current,
			Iteration:    iteration,
			MaxMovements: e.maxMovements,
			Content:      output,
		})

		judgment := e.judgmentPass(ctx, mv, output)

		resolution, err := e.resolver.Resolve(ctx, mv.Name, mv.Rules, ResolveInput{
			AgentOutput:    output,
			JudgmentOutput: judgment,
			StructuredStep: structuredStep,
			Interactive:    e.opts.interactive,
		})
		if err != nil {
			return e.abort(current, err), nil
		}

		next := mv.Rules[resolution.RuleIndex].Next
		log.Printf("[engine] movement %q resolved via %s: next=%s", current, resolution.Method, next)

		if next == piece.Complete {
			e.state.SetStatus(models.RunStatusCompleted)
			e.emitter.Emit(Event{
				Type:         EventRunCompleted,
				Movement:     current,
				Iteration:    iteration,
				MaxMovements: e.maxMovements,
			})
			return e.result(current), nil
		}
		current = next
	}
}

// checkBudget enforces the iteration budget before a movement dispatch.
// The iteration-limit event is always emitted before the host callback runs.
func (e *Engine) checkBudget(current string) (bool, *RunResult) {
	iteration := e.state.Iteration()
	if iteration < e.maxMovements {
		return true, nil
	}

	e.emitter.Emit(Event{
		Type:         EventIterationLimit,
		Movement:     current,
		Iteration:    iteration,
		MaxMovements: e.maxMovements,
	})

	var extension *int
	if e.opts.onIterationLimit != nil {
		extension = e.opts.onIterationLimit(IterationLimitRequest{
			CurrentIteration: iteration,
			MaxMovements:     e.maxMovements,
			CurrentMovement:  current,
		})
	}

	if extension == nil || *extension <= 0 {
		e.state.SetStatus(models.RunStatusExceeded)
		e.emitter.Emit(Event{
			Type:         EventRunExceeded,
			Movement:     current,
			Iteration:    iteration,
			MaxMovements: e.maxMovements,
		})
		result := e.result(current)
		result.Exceed = &ExceedInfo{
			StartMovement: current,
			MaxMovements:  e.maxMovements,
			Iteration:     iteration,
		}
		return false, result
	}

	e.maxMovements += *extension
	log.Printf("[engine] budget extended by %d to %d", *extension, e.maxMovements)
	return true, nil
}

// executeMovement runs one movement, fanning out when it defines parallel
// sub-movements or a team-leader configuration. It returns the movement's
// aggregate output and the structured step number, if any.
func (e *Engine) executeMovement(ctx context.Context, mv *piece.Movement, iteration, visit int) (string, int, error) {
	instruction := e.renderInstruction(mv, mv.Instruction, iteration, visit)

	e.emitter.Emit(Event{
		Type:         EventMovementStarted,
		Movement:     mv.Name,
		Iteration:    iteration,
		MaxMovements: e.maxMovements,
		Instruction:  instruction,
	})

	if mv.IsFanOut() {
		output, err := e.runFanOut(ctx, mv, instruction, iteration, visit)
		return output, 0, err
	}

	res, err := e.callPersona(ctx, mv.Persona, instruction)
	if err != nil {
		return "", 0, err
	}
	if !res.OK() {
		// A failed call is the movement's outcome; rules decide what to
		// do with it.
		msg := res.Content
		if msg == "" {
			msg = "agent call failed: " + res.Error
		}
		return msg, 0, nil
	}
	return res.Content, res.StructuredStep, nil
}

// callPersona performs one executor call with per-persona session
// continuity and the single session-less retry.
func (e *Engine) callPersona(ctx context.Context, persona, instruction string) (*executor.Result, error) {
	opts := executor.CallOptions{
		WorkDir:   e.opts.workDir,
		Model:     e.opts.model,
		SessionID: e.state.Session(persona),
	}

	res, err := executor.CallWithSessionRetry(ctx, e.exec, persona, instruction, opts)
	if err != nil {
		return nil, fmt.Errorf("call persona %q: %w", persona, err)
	}

	if res.SessionID != "" && res.SessionID != opts.SessionID {
		e.state.RecordSession(persona, res.SessionID)
		if e.opts.onSessionUpdate != nil {
			e.opts.onSessionUpdate(persona, res.SessionID)
		}
	}
	return res, nil
}

// judgmentPass runs the dedicated tool-free classification call. It only
// runs for movements with more than one rule and a configured judge; its
// output feeds the phase3_tag resolution stage.
func (e *Engine) judgmentPass(ctx context.Context, mv *piece.Movement, output string) string {
	if len(mv.Rules) <= 1 || e.opts.judge == nil {
		return ""
	}

	e.emitter.Emit(Event{Type: EventPhaseStarted, Movement: mv.Name, Phase: "judgment"})

	instruction := e.renderJudgment(mv, output)
	judgment, err := e.opts.judge(ctx, instruction)
	if err != nil {
		log.Printf("[engine] judgment pass for %q failed: %v", mv.Name, err)
		judgment = ""
	}

	e.emitter.Emit(Event{Type: EventPhaseCompleted, Movement: mv.Name, Phase: "judgment", Content: judgment})
	return judgment
}

const judgmentTemplate = `An agent acting as a workflow step named "{movement}" produced the output below. Decide which outcome applies.

Outcomes:
{outcomes}

Agent output:
{output}

Reply with exactly one tag of the form [{movement_upper}:N] where N is the outcome number.`

func (e *Engine) renderJudgment(mv *piece.Movement, output string) string {
	var outcomes string
	for i, rule := range mv.Rules {
		outcomes += fmt.Sprintf("%d. %s\n", i+1, rule.JudgeText())
	}

	return e.renderer.Render(judgmentTemplate, map[string]string{
		"movement":       mv.Name,
		"movement_upper": strings.ToUpper(mv.Name),
		"outcomes":       outcomes,
		"output":         output,
	}, prompt.Context{})
}

func (e *Engine) renderInstruction(mv *piece.Movement, template string, iteration, visit int) string {
	return e.renderer.Render(template, mv.Vars, prompt.Context{
		Task:              e.opts.task,
		Iteration:         iteration,
		MaxMovements:      e.maxMovements,
		MovementIteration: visit,
		PreviousResponse:  e.lastOutput,
		IncludePrevious:   mv.PassPreviousResponse,
		UserInputs:        e.state.UserInputs(),
		ReportDir:         e.opts.reportDir,
	})
}

func (e *Engine) abort(current string, err error) *RunResult {
	e.state.SetErr(err)
	e.state.SetStatus(models.RunStatusAborted)
	e.emitter.Emit(Event{
		Type:         EventRunAborted,
		Movement:     current,
		Iteration:    e.state.Iteration(),
		MaxMovements: e.maxMovements,
		Err:          err,
		Message:      err.Error(),
	})
	return e.result(current)
}

func (e *Engine) result(current string) *RunResult {
	return &RunResult{
		Status:        e.state.Status(),
		Iterations:    e.state.Iteration(),
		FinalMovement: current,
		PartResults:   e.partResults,
		Err:           e.state.Err(),
	}
}
