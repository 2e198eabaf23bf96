package piece

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
name: feature-flow
initial_movement: plan
movements:
  - name: plan
    persona: architect
    instruction: |
      Plan the following task: {task}
      Write the plan to {report:plan.md}.
    vars:
      style: terse
    rules:
      - condition: plan written
        next: implement
  - name: implement
    persona: builder
    instruction: Implement per {report:plan.md}. Attempt {movement_iteration}.
    pass_previous_response: true
    rules:
      - condition: all done
        next: COMPLETE
      - condition: more work remains
        next: implement
      - condition: needs human decision
        next: clarify
        interactive_only: true
      - condition: build is broken
        next: implement
        ai_condition: true
        ai_condition_text: the output reports a failing build
  - name: clarify
    persona: architect
    instruction: Ask the user about {previous_response}
    edit: true
    rules:
      - condition: clarified
        next: implement
  - name: swarm
    team_leader:
      planner_persona: lead
      worker_persona: worker
      max_concurrency: 3
      refill_threshold: 1
      max_total_parts: 12
    rules:
      - condition: swarm finished
        next: COMPLETE
`

func TestParseSampleYAML(t *testing.T) {
	p, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	if p.Name != "feature-flow" {
		t.Errorf("expected name feature-flow, got %q", p.Name)
	}
	if p.Entry() != "plan" {
		t.Errorf("expected entry plan, got %q", p.Entry())
	}

	impl := p.Movement("implement")
	if impl == nil {
		t.Fatal("implement movement missing")
	}
	if !impl.PassPreviousResponse {
		t.Error("expected pass_previous_response on implement")
	}
	if len(impl.Rules) != 4 {
		t.Fatalf("expected 4 rules, got %d", len(impl.Rules))
	}
	if !impl.Rules[2].InteractiveOnly {
		t.Error("expected rule 2 to be interactive_only")
	}
	if !impl.Rules[3].IsAICondition {
		t.Error("expected rule 3 to be an AI condition")
	}
	if impl.Rules[3].JudgeText() != "the output reports a failing build" {
		t.Errorf("unexpected judge text: %q", impl.Rules[3].JudgeText())
	}

	plan := p.Movement("plan")
	if plan.Vars["style"] != "terse" {
		t.Errorf("expected var style=terse, got %q", plan.Vars["style"])
	}

	swarm := p.Movement("swarm")
	if swarm.TeamLeader == nil || swarm.TeamLeader.MaxTotalParts != 12 {
		t.Errorf("team leader config not parsed: %+v", swarm.TeamLeader)
	}
	if !swarm.IsFanOut() {
		t.Error("swarm should be a fan-out movement")
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("movements: [not a movement")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "piece.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(p.Movements) != 4 {
		t.Errorf("expected 4 movements, got %d", len(p.Movements))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadWithDefaultsFillsTeamLeader(t *testing.T) {
	const yaml = `
name: swarm-flow
movements:
  - name: swarm
    team_leader:
      planner_persona: lead
      worker_persona: worker
    rules:
      - condition: done
        next: COMPLETE
`
	dir := t.TempDir()
	path := filepath.Join(dir, "piece.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	// Without defaults the zero values fail validation.
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error without team leader defaults")
	}

	p, err := LoadWithDefaults(path, TeamLeaderConfig{
		MaxConcurrency:  4,
		RefillThreshold: 2,
		MaxTotalParts:   8,
	})
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	tl := p.Movement("swarm").TeamLeader
	if tl.MaxConcurrency != 4 || tl.RefillThreshold != 2 || tl.MaxTotalParts != 8 {
		t.Errorf("defaults not applied: %+v", tl)
	}
	if tl.PlannerPersona != "lead" || tl.WorkerPersona != "worker" {
		t.Errorf("explicit values overwritten: %+v", tl)
	}
}

func TestLoadWithDefaultsKeepsExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "piece.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadWithDefaults(path, TeamLeaderConfig{
		MaxConcurrency:  9,
		RefillThreshold: 9,
		MaxTotalParts:   9,
	})
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	tl := p.Movement("swarm").TeamLeader
	if tl.MaxConcurrency != 3 || tl.RefillThreshold != 1 || tl.MaxTotalParts != 12 {
		t.Errorf("explicit piece values should win over defaults: %+v", tl)
	}
}
