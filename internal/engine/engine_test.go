package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ShayCichocki/concerto/internal/executor"
	"github.com/ShayCichocki/concerto/internal/piece"
	"github.com/ShayCichocki/concerto/pkg/models"
)

// execFunc adapts a function to the AgentExecutor interface.
type execFunc func(ctx context.Context, persona, instruction string, opts executor.CallOptions) (*executor.Result, error)

func (f execFunc) Call(ctx context.Context, persona, instruction string, opts executor.CallOptions) (*executor.Result, error) {
	return f(ctx, persona, instruction, opts)
}

func doneExec(content string) execFunc {
	return func(_ context.Context, _, _ string, _ executor.CallOptions) (*executor.Result, error) {
		return &executor.Result{Status: executor.StatusDone, Content: content}, nil
	}
}

func selfLoopPiece(t *testing.T) *piece.Piece {
	t.Helper()
	p := &piece.Piece{
		Name: "looping",
		Movements: []piece.Movement{
			{
				Name:        "solo",
				Persona:     "builder",
				Instruction: "keep going",
				Rules:       []piece.Rule{{Condition: "always", Next: "solo"}},
			},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate piece: %v", err)
	}
	return p
}

func linearPiece(t *testing.T) *piece.Piece {
	t.Helper()
	p := &piece.Piece{
		Name: "linear",
		Movements: []piece.Movement{
			{
				Name:        "build",
				Persona:     "builder",
				Instruction: "build the thing for {task}",
				Rules:       []piece.Rule{{Condition: "built", Next: "review"}},
			},
			{
				Name:                 "review",
				Persona:              "reviewer",
				Instruction:          "review:\n{previous_response}",
				PassPreviousResponse: true,
				Rules:                []piece.Rule{{Condition: "reviewed", Next: piece.Complete}},
			},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate piece: %v", err)
	}
	return p
}

func drainEvents(e *Engine) []Event {
	var events []Event
	for ev := range e.Events() {
		events = append(events, ev)
	}
	return events
}

func TestRunDeclinedIterationLimitExceeds(t *testing.T) {
	var requests []IterationLimitRequest
	limit := func(req IterationLimitRequest) *int {
		requests = append(requests, req)
		return nil
	}

	e, err := New(selfLoopPiece(t), doneExec("output"),
		WithMaxMovements(1),
		WithOnIterationLimit(limit),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	done := make(chan []Event, 1)
	go func() { done <- drainEvents(e) }()

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Status != models.RunStatusExceeded {
		t.Errorf("expected exceeded, got %s", result.Status)
	}
	if len(requests) != 1 {
		t.Fatalf("expected callback invoked exactly once, got %d", len(requests))
	}
	if requests[0].CurrentIteration != 1 || requests[0].MaxMovements != 1 {
		t.Errorf("expected request 1/1, got %+v", requests[0])
	}
	if result.Exceed == nil {
		t.Fatal("expected exceed metadata")
	}
	if result.Exceed.StartMovement != "solo" || result.Exceed.Iteration != 1 || result.Exceed.MaxMovements != 1 {
		t.Errorf("unexpected exceed metadata: %+v", result.Exceed)
	}

	// The iteration-limit event precedes the run-exceeded event.
	events := <-done
	var limitAt, exceededAt int
	for i, ev := range events {
		switch ev.Type {
		case EventIterationLimit:
			limitAt = i
		case EventRunExceeded:
			exceededAt = i
		}
	}
	if limitAt >= exceededAt {
		t.Errorf("expected iteration_limit before run_exceeded, got %d and %d", limitAt, exceededAt)
	}
}

func TestRunIterationLimitExtension(t *testing.T) {
	calls := 0
	limit := func(req IterationLimitRequest) *int {
		calls++
		if calls == 1 {
			ext := 5
			return &ext
		}
		return nil
	}

	e, err := New(selfLoopPiece(t), doneExec("output"),
		WithMaxMovements(1),
		WithOnIterationLimit(limit),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	go drainEvents(e)

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// Extended by 5 at 1/1, so the budget became 6 and the run halted at 6.
	if result.Status != models.RunStatusExceeded {
		t.Errorf("expected exceeded, got %s", result.Status)
	}
	if result.Iterations != 6 {
		t.Errorf("expected 6 iterations after extension, got %d", result.Iterations)
	}
	if result.Exceed == nil || result.Exceed.MaxMovements != 6 {
		t.Errorf("expected extended budget 6, got %+v", result.Exceed)
	}
	if calls != 2 {
		t.Errorf("expected 2 callback invocations, got %d", calls)
	}
}

func TestRunResumeFiresLimitBeforeAnyMovement(t *testing.T) {
	execCalls := 0
	exec := execFunc(func(_ context.Context, _, _ string, _ executor.CallOptions) (*executor.Result, error) {
		execCalls++
		return &executor.Result{Status: executor.StatusDone}, nil
	})

	var got *IterationLimitRequest
	limit := func(req IterationLimitRequest) *int {
		got = &req
		return nil
	}

	e, err := New(selfLoopPiece(t), exec,
		WithMaxMovements(30),
		WithInitialIteration(30),
		WithStartMovement("solo"),
		WithOnIterationLimit(limit),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	go drainEvents(e)

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if execCalls != 0 {
		t.Errorf("expected no movement to execute, got %d executor calls", execCalls)
	}
	if got == nil || got.CurrentIteration != 30 || got.CurrentMovement != "solo" {
		t.Errorf("unexpected limit request: %+v", got)
	}
	if result.Status != models.RunStatusExceeded {
		t.Errorf("expected exceeded, got %s", result.Status)
	}
}

func TestRunCompletes(t *testing.T) {
	var instructions []string
	exec := execFunc(func(_ context.Context, persona, instruction string, _ executor.CallOptions) (*executor.Result, error) {
		instructions = append(instructions, instruction)
		return &executor.Result{Status: executor.StatusDone, Content: "output of " + persona}, nil
	})

	e, err := New(linearPiece(t), exec, WithTask("ship it"))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	done := make(chan []Event, 1)
	go func() { done <- drainEvents(e) }()

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Status != models.RunStatusCompleted {
		t.Errorf("expected completed, got %s", result.Status)
	}
	if result.Iterations != 2 || result.FinalMovement != "review" {
		t.Errorf("unexpected result: %+v", result)
	}

	if len(instructions) != 2 {
		t.Fatalf("expected 2 executor calls, got %d", len(instructions))
	}
	if !strings.Contains(instructions[0], "ship it") {
		t.Errorf("expected {task} rendered, got %q", instructions[0])
	}
	if !strings.Contains(instructions[1], "output of builder") {
		t.Errorf("expected {previous_response} rendered, got %q", instructions[1])
	}

	if out, ok := e.State().Output("build"); !ok || out != "output of builder" {
		t.Errorf("expected build output recorded, got %q", out)
	}

	events := <-done
	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []EventType{
		EventMovementStarted, EventMovementCompleted,
		EventMovementStarted, EventMovementCompleted,
		EventRunCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestRunResolutionFailureAborts(t *testing.T) {
	p := &piece.Piece{
		Name: "ambiguous",
		Movements: []piece.Movement{
			{
				Name:        "decide",
				Persona:     "builder",
				Instruction: "do",
				Rules: []piece.Rule{
					{Condition: "a", Next: "decide"},
					{Condition: "b", Next: piece.Complete},
				},
			},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate piece: %v", err)
	}

	e, err := New(p, doneExec("no tags anywhere"))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	go drainEvents(e)

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Status != models.RunStatusAborted {
		t.Errorf("expected aborted, got %s", result.Status)
	}
	if !errors.Is(result.Err, ErrNoRuleMatched) {
		t.Errorf("expected ErrNoRuleMatched, got %v", result.Err)
	}
}

func TestRunJudgmentPassResolvesTransition(t *testing.T) {
	p := &piece.Piece{
		Name: "judged",
		Movements: []piece.Movement{
			{
				Name:        "verify",
				Persona:     "builder",
				Instruction: "verify",
				Rules: []piece.Rule{
					{Condition: "more work", Next: "verify"},
					{Condition: "all good", Next: piece.Complete},
				},
			},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate piece: %v", err)
	}

	var judgePrompt string
	judge := func(_ context.Context, instruction string) (string, error) {
		judgePrompt = instruction
		return "everything checks out [VERIFY:2]", nil
	}

	e, err := New(p, doneExec("plain output"), WithJudge(judge))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	done := make(chan []Event, 1)
	go func() { done <- drainEvents(e) }()

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Status != models.RunStatusCompleted {
		t.Errorf("expected completed via judgment tag, got %s (err %v)", result.Status, result.Err)
	}
	if !strings.Contains(judgePrompt, "all good") {
		t.Errorf("expected rule conditions in judge prompt, got %q", judgePrompt)
	}

	var sawPhase bool
	for _, ev := range <-done {
		if ev.Type == EventPhaseCompleted && ev.Phase == "judgment" {
			sawPhase = true
		}
	}
	if !sawPhase {
		t.Error("expected judgment phase events")
	}
}

func TestRunLoopAbort(t *testing.T) {
	e, err := New(selfLoopPiece(t), doneExec("output"),
		WithMaxMovements(100),
		WithLoopDetection(2, LoopAbort),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	go drainEvents(e)

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Status != models.RunStatusAborted {
		t.Errorf("expected aborted, got %s", result.Status)
	}
	if result.Err == nil || !strings.Contains(result.Err.Error(), "looped") {
		t.Errorf("expected loop error, got %v", result.Err)
	}
	// Two clean visits, then the third check fires and aborts before
	// executing.
	if result.Iterations != 2 {
		t.Errorf("expected 2 iterations, got %d", result.Iterations)
	}
}

func TestRunStopRequest(t *testing.T) {
	e, err := New(selfLoopPiece(t), doneExec("output"), WithMaxMovements(100))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	go drainEvents(e)

	e.Stop()
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != models.RunStatusAborted {
		t.Errorf("expected aborted after stop, got %s", result.Status)
	}
	if result.Iterations != 0 {
		t.Errorf("expected no movement executed, got %d iterations", result.Iterations)
	}
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := New(selfLoopPiece(t), doneExec("output"))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	go drainEvents(e)

	result, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != models.RunStatusAborted {
		t.Errorf("expected aborted, got %s", result.Status)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled in run error, got %v", result.Err)
	}
}

func TestRunTeamLeaderMovement(t *testing.T) {
	tl := &piece.TeamLeaderConfig{
		PlannerPersona:  "planner",
		WorkerPersona:   "worker",
		MaxConcurrency:  2,
		RefillThreshold: 0,
		MaxTotalParts:   5,
	}
	p := &piece.Piece{
		Name: "fanout",
		Movements: []piece.Movement{
			{
				Name:        "decompose",
				Instruction: "split the work",
				TeamLeader:  tl,
				Rules:       []piece.Rule{{Condition: "done", Next: piece.Complete}},
			},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate piece: %v", err)
	}

	planCalls := 0
	exec := execFunc(func(_ context.Context, persona, instruction string, _ executor.CallOptions) (*executor.Result, error) {
		if persona == "planner" {
			planCalls++
			if planCalls == 1 {
				return &executor.Result{
					Status:  executor.StatusDone,
					Content: `{"done": false, "parts": [{"id": "p1", "title": "first", "instruction": "do p1"}, {"id": "p2", "title": "second", "instruction": "do p2"}]}`,
				}, nil
			}
			return &executor.Result{Status: executor.StatusDone, Content: `{"done": true, "parts": []}`}, nil
		}
		return &executor.Result{Status: executor.StatusDone, Content: "finished " + instruction}, nil
	})

	e, err := New(p, exec)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	go drainEvents(e)

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (err %v)", result.Status, result.Err)
	}
	if len(result.PartResults) != 2 {
		t.Fatalf("expected 2 part results, got %d", len(result.PartResults))
	}
	for _, r := range result.PartResults {
		if r.Persona != "worker" || r.Status != models.PartStatusDone {
			t.Errorf("unexpected part result: %+v", r)
		}
	}
	// The fan-out counts as one logical step.
	if result.Iterations != 1 {
		t.Errorf("expected 1 iteration for the fan-out, got %d", result.Iterations)
	}

	out, ok := e.State().Output("decompose")
	if !ok || !strings.Contains(out, "p1") || !strings.Contains(out, "p2") {
		t.Errorf("expected aggregated output with both parts, got %q", out)
	}
}

func TestParsePlan(t *testing.T) {
	resp, err := parsePlan("Here is my plan:\n" + `{"done": false, "parts": [{"id": "a", "title": "t", "instruction": "i", "timeout_ms": 500}]}` + "\nGood luck!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Done || len(resp.Parts) != 1 {
		t.Fatalf("unexpected plan: %+v", resp)
	}
	if resp.Parts[0].ID != "a" || resp.Parts[0].TimeoutMs != 500 {
		t.Errorf("unexpected part: %+v", resp.Parts[0])
	}

	if _, err := parsePlan("no json here"); err == nil {
		t.Error("expected error for reply without JSON")
	}

	// Parts without ids are dropped.
	resp, err = parsePlan(`{"done": true, "parts": [{"title": "no id"}]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Done || len(resp.Parts) != 0 {
		t.Errorf("expected id-less parts dropped, got %+v", resp)
	}
}
