package engine

import (
	"sync"

	"github.com/ShayCichocki/concerto/pkg/models"
)

// RunState holds the mutable state of one piece run. All access is guarded
// so that the CLI renderer and the engine goroutine can observe it safely.
type RunState struct {
	mu sync.Mutex

	status    models.RunStatus
	iteration int
	current   string

	// outputs maps movement name to its most recent output.
	outputs map[string]string
	// sessions maps persona name to its agent session id, so that a
	// persona revisited later in the run resumes its earlier conversation.
	sessions map[string]string
	// repeats counts visits per movement, rendered as
	// {movement_iteration}.
	repeats map[string]int

	userInputs []string

	err error
}

// NewRunState creates a RunState in the running status.
func NewRunState() *RunState {
	return &RunState{
		status:   models.RunStatusRunning,
		outputs:  make(map[string]string),
		sessions: make(map[string]string),
		repeats:  make(map[string]int),
	}
}

// Status returns the current run status.
func (s *RunState) Status() models.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus records a status transition. Terminal statuses stick; a later
// transition out of a terminal status is ignored.
func (s *RunState) SetStatus(status models.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = status
}

// Iteration returns the global iteration counter.
func (s *RunState) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// SetIteration seeds the counter, used when resuming an exceeded task.
func (s *RunState) SetIteration(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration = n
}

// NextIteration increments the counter and returns the new value.
func (s *RunState) NextIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration++
	return s.iteration
}

// Current returns the name of the movement currently executing.
func (s *RunState) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetCurrent records the movement now executing.
func (s *RunState) SetCurrent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = name
}

// RecordOutput stores a movement's output, replacing any earlier output
// from a previous visit.
func (s *RunState) RecordOutput(movement, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[movement] = content
}

// Output returns the most recent output of the named movement.
func (s *RunState) Output(movement string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outputs[movement]
	return out, ok
}

// RecordSession stores the agent session id for a persona.
func (s *RunState) RecordSession(persona, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID != "" {
		s.sessions[persona] = sessionID
	}
}

// Session returns the stored session id for a persona, if any.
func (s *RunState) Session(persona string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[persona]
}

// RecordVisit increments the visit counter for a movement and returns the
// new count.
func (s *RunState) RecordVisit(movement string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeats[movement]++
	return s.repeats[movement]
}

// AddUserInput appends free-form guidance collected from the operator.
func (s *RunState) AddUserInput(input string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if input != "" {
		s.userInputs = append(s.userInputs, input)
	}
}

// UserInputs returns a copy of the collected operator inputs.
func (s *RunState) UserInputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.userInputs))
	copy(out, s.userInputs)
	return out
}

// SetErr records the error that ended the run.
func (s *RunState) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the recorded run error, if any.
func (s *RunState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
