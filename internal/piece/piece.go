// Package piece defines the declarative workflow format: a Piece is a named
// set of Movements chained by Rules. Definitions are immutable once loaded.
package piece

import (
	"fmt"
	"strings"
)

// Complete is the rule target that ends a run successfully.
const Complete = "COMPLETE"

// Rule maps a condition to the next movement (or Complete). A movement's
// rule list is ordered; order is the tie-break for ambiguous indices.
type Rule struct {
	// Condition is a short human-readable description of when this rule fires.
	Condition string `yaml:"condition"`
	// Next names the movement to run next, or Complete.
	Next string `yaml:"next"`
	// InteractiveOnly marks rules only eligible in interactive mode.
	InteractiveOnly bool `yaml:"interactive_only"`
	// IsAICondition marks rules judged by a batched AI condition call.
	IsAICondition bool `yaml:"ai_condition"`
	// AIConditionText is the condition text submitted to the judge. Falls
	// back to Condition when empty.
	AIConditionText string `yaml:"ai_condition_text"`
}

// JudgeText returns the text to submit for AI condition judging.
func (r Rule) JudgeText() string {
	if r.AIConditionText != "" {
		return r.AIConditionText
	}
	return r.Condition
}

// TeamLeaderConfig configures a team-leader movement: the planner persona
// decomposes work into parts, workers execute them concurrently, and the
// planner may be re-queried for more parts mid-run.
type TeamLeaderConfig struct {
	// PlannerPersona is the persona queried for parts and re-planning.
	PlannerPersona string `yaml:"planner_persona"`
	// WorkerPersona is the persona that executes each part.
	WorkerPersona string `yaml:"worker_persona"`
	// MaxConcurrency bounds concurrent part executions.
	MaxConcurrency int `yaml:"max_concurrency"`
	// RefillThreshold is the queue length that triggers re-planning.
	RefillThreshold int `yaml:"refill_threshold"`
	// MaxTotalParts caps the cumulative number of planned parts.
	MaxTotalParts int `yaml:"max_total_parts"`
}

// Movement is one step in a Piece. A movement either runs a single persona
// call, fans out into a fixed parallel sub-movement list, or runs a
// team-leader decomposition; parallel and team-leader are mutually exclusive.
type Movement struct {
	// Name uniquely identifies the movement within its piece.
	Name string `yaml:"name"`
	// Persona names the agent role executing this movement.
	Persona string `yaml:"persona"`
	// Instruction is the template rendered and sent to the persona.
	Instruction string `yaml:"instruction"`
	// Vars are movement-local template substitutions.
	Vars map[string]string `yaml:"vars"`
	// Rules decide the next movement from this one, in order.
	Rules []Rule `yaml:"rules"`
	// Parallel lists movement names fanned out concurrently as one step.
	Parallel []string `yaml:"parallel"`
	// TeamLeader configures dynamic decomposition for this movement.
	TeamLeader *TeamLeaderConfig `yaml:"team_leader"`
	// PassPreviousResponse opts the template into {previous_response}.
	PassPreviousResponse bool `yaml:"pass_previous_response"`
	// Edit requests an interactive clarification prompt before executing.
	Edit bool `yaml:"edit"`
}

// IsFanOut returns true if the movement delegates to the team-leader
// scheduler, either via a parallel list or a team-leader configuration.
func (m *Movement) IsFanOut() bool {
	return len(m.Parallel) > 0 || m.TeamLeader != nil
}

// Piece is a named workflow definition.
type Piece struct {
	// Name identifies the piece.
	Name string `yaml:"name"`
	// InitialMovement names the entry movement. Defaults to the first
	// movement in the list when empty.
	InitialMovement string `yaml:"initial_movement"`
	// Movements is the ordered list of movement definitions.
	Movements []Movement `yaml:"movements"`

	byName map[string]*Movement
}

// Movement returns the movement with the given name, or nil.
func (p *Piece) Movement(name string) *Movement {
	return p.byName[name]
}

// Entry returns the name of the movement a fresh run starts at.
func (p *Piece) Entry() string {
	if p.InitialMovement != "" {
		return p.InitialMovement
	}
	if len(p.Movements) > 0 {
		return p.Movements[0].Name
	}
	return ""
}

// Validate checks structural invariants and builds the name index.
// It must be called once after loading and before any Movement lookup.
func (p *Piece) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("piece has no name")
	}
	if len(p.Movements) == 0 {
		return fmt.Errorf("piece %q has no movements", p.Name)
	}

	p.byName = make(map[string]*Movement, len(p.Movements))
	for i := range p.Movements {
		m := &p.Movements[i]
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("piece %q: movement %d has no name", p.Name, i)
		}
		if _, dup := p.byName[m.Name]; dup {
			return fmt.Errorf("piece %q: duplicate movement name %q", p.Name, m.Name)
		}
		p.byName[m.Name] = m
	}

	if p.InitialMovement != "" && p.byName[p.InitialMovement] == nil {
		return fmt.Errorf("piece %q: initial movement %q not defined", p.Name, p.InitialMovement)
	}

	for i := range p.Movements {
		if err := p.validateMovement(&p.Movements[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Piece) validateMovement(m *Movement) error {
	if len(m.Parallel) > 0 && m.TeamLeader != nil {
		return fmt.Errorf("movement %q: parallel and team_leader are mutually exclusive", m.Name)
	}

	if len(m.Rules) == 0 {
		return fmt.Errorf("movement %q has no rules", m.Name)
	}
	for i, r := range m.Rules {
		if r.Next == "" {
			return fmt.Errorf("movement %q: rule %d has no next target", m.Name, i)
		}
		if r.Next != Complete && p.byName[r.Next] == nil {
			return fmt.Errorf("movement %q: rule %d targets unknown movement %q", m.Name, i, r.Next)
		}
	}

	for _, sub := range m.Parallel {
		if p.byName[sub] == nil {
			return fmt.Errorf("movement %q: parallel sub-movement %q not defined", m.Name, sub)
		}
		if sub == m.Name {
			return fmt.Errorf("movement %q: cannot fan out into itself", m.Name)
		}
	}

	if tl := m.TeamLeader; tl != nil {
		if tl.PlannerPersona == "" || tl.WorkerPersona == "" {
			return fmt.Errorf("movement %q: team_leader requires planner_persona and worker_persona", m.Name)
		}
		if tl.MaxConcurrency <= 0 {
			return fmt.Errorf("movement %q: team_leader max_concurrency must be positive", m.Name)
		}
		if tl.MaxTotalParts <= 0 {
			return fmt.Errorf("movement %q: team_leader max_total_parts must be positive", m.Name)
		}
		if tl.RefillThreshold < 0 {
			return fmt.Errorf("movement %q: team_leader refill_threshold cannot be negative", m.Name)
		}
	}

	if !m.IsFanOut() && strings.TrimSpace(m.Persona) == "" {
		return fmt.Errorf("movement %q has no persona", m.Name)
	}

	return nil
}
