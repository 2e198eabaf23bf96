package engine

// Option configures an Engine. Use With* functions to create Options.
type Option func(*engineOptions)

// engineOptions holds all optional configuration.
type engineOptions struct {
	task             string
	maxMovements     int
	initialIteration int
	startMovement    string
	interactive      bool
	loopThreshold    int
	loopAction       LoopAction
	reportDir        string
	workDir          string
	model            string
	eventBuffer      int

	judge            JudgeFunc
	onIterationLimit IterationLimitFunc
	onUserInput      UserInputFunc
	onSessionUpdate  SessionUpdateFunc
}

// DefaultMaxMovements is the movement budget applied when none is given.
const DefaultMaxMovements = 30

func defaultOptions() engineOptions {
	return engineOptions{
		maxMovements:  DefaultMaxMovements,
		loopThreshold: DefaultLoopThreshold,
		loopAction:    LoopWarn,
		eventBuffer:   64,
	}
}

// WithTask sets the top-level task description rendered as {task}.
func WithTask(task string) Option {
	return func(o *engineOptions) { o.task = task }
}

// WithMaxMovements sets the iteration budget.
func WithMaxMovements(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.maxMovements = n
		}
	}
}

// WithInitialIteration seeds the iteration counter before any movement
// executes, used when resuming an exceeded task.
func WithInitialIteration(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.initialIteration = n
		}
	}
}

// WithStartMovement overrides the entry movement, used when resuming an
// exceeded task.
func WithStartMovement(name string) Option {
	return func(o *engineOptions) { o.startMovement = name }
}

// WithInteractive makes interactive-only rules eligible and enables the
// user-input prompt on movements that request it.
func WithInteractive(b bool) Option {
	return func(o *engineOptions) { o.interactive = b }
}

// WithLoopDetection configures the loop detector's threshold and action.
func WithLoopDetection(threshold int, action LoopAction) Option {
	return func(o *engineOptions) {
		o.loopThreshold = threshold
		if action != "" {
			o.loopAction = action
		}
	}
}

// WithReportDir sets the directory used by {report_dir} and {report:...}.
func WithReportDir(dir string) Option {
	return func(o *engineOptions) { o.reportDir = dir }
}

// WithWorkDir sets the working directory passed to executor calls.
func WithWorkDir(dir string) Option {
	return func(o *engineOptions) { o.workDir = dir }
}

// WithModel sets the model passed to executor calls.
func WithModel(model string) Option {
	return func(o *engineOptions) { o.model = model }
}

// WithEventBuffer sets the event channel buffer size.
func WithEventBuffer(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithJudge sets the tool-free call used for AI-condition judging and the
// dedicated judgment pass. Without it those stages are skipped.
func WithJudge(judge JudgeFunc) Option {
	return func(o *engineOptions) { o.judge = judge }
}

// WithOnIterationLimit sets the host callback invoked when the iteration
// budget is reached.
func WithOnIterationLimit(fn IterationLimitFunc) Option {
	return func(o *engineOptions) { o.onIterationLimit = fn }
}

// WithOnUserInput sets the host callback for movements requesting
// interactive clarification.
func WithOnUserInput(fn UserInputFunc) Option {
	return func(o *engineOptions) { o.onUserInput = fn }
}

// WithOnSessionUpdate sets the persistence hook invoked whenever a
// movement's agent session id changes.
func WithOnSessionUpdate(fn SessionUpdateFunc) Option {
	return func(o *engineOptions) { o.onSessionUpdate = fn }
}
