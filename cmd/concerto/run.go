package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/concerto/internal/api"
	"github.com/ShayCichocki/concerto/internal/config"
	"github.com/ShayCichocki/concerto/internal/engine"
	"github.com/ShayCichocki/concerto/internal/executor"
	"github.com/ShayCichocki/concerto/internal/piece"
	"github.com/ShayCichocki/concerto/internal/signal"
	"github.com/ShayCichocki/concerto/internal/state"
)

var (
	runMaxMovements int
	runInteractive  bool
	runReportDir    string
	runPersonaDir   string
	runModel        string
	runWorkDir      string
	runAutoExtend   int
	runTaskID       string
	runUseAPI       bool
)

var runCmd = &cobra.Command{
	Use:   "run [piece.yaml] [description...]",
	Short: "Run a piece",
	Long: `Run a piece from its entry movement until it completes, aborts, or
pauses on its iteration budget.

Every run is recorded in the project task queue, so a run that exceeds
its budget can be resumed later:

  concerto run workflows/review.yaml "review the auth changes"
  concerto run --task-id 4f1c...      # resume where it stopped

Resumed runs restart at the movement that was about to execute, with the
iteration counter and persona sessions restored.`,
	RunE: runPiece,
}

func init() {
	runCmd.Flags().IntVar(&runMaxMovements, "max-movements", 0, "Iteration budget (0 uses the configured default)")
	runCmd.Flags().BoolVar(&runInteractive, "interactive", false, "Enable interactive rules and clarification prompts")
	runCmd.Flags().StringVar(&runReportDir, "report-dir", "", "Directory for {report:...} paths")
	runCmd.Flags().StringVar(&runPersonaDir, "persona-dir", "", "Directory holding <persona>.md system prompts")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model passed to agent calls")
	runCmd.Flags().StringVar(&runWorkDir, "work-dir", "", "Working directory for agent calls (default: current directory)")
	runCmd.Flags().IntVar(&runAutoExtend, "auto-extend", 0, "Movements granted automatically when the budget is hit (0 asks or halts)")
	runCmd.Flags().StringVar(&runTaskID, "task-id", "", "Resume a queued task instead of starting fresh")
	runCmd.Flags().BoolVar(&runUseAPI, "api", false, "Call the Anthropic API directly instead of the Claude Code CLI")
}

func runPiece(cmd *cobra.Command, args []string) error {
	if runTaskID == "" && len(args) == 0 {
		return fmt.Errorf("a piece file is required unless --task-id is given")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	workDir := runWorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	task, err := claimTask(store, args, cfg)
	if err != nil {
		return err
	}

	resuming := task.StartMovement != ""
	maxMovements := effectiveBudget(cmd, task, cfg)

	p, err := piece.LoadWithDefaults(task.PiecePath, piece.TeamLeaderConfig{
		MaxConcurrency:  cfg.TeamLeader.MaxConcurrency,
		RefillThreshold: cfg.TeamLeader.RefillThreshold,
		MaxTotalParts:   cfg.TeamLeader.MaxTotalParts,
	})
	if err != nil {
		return err
	}

	personaDir := firstNonEmpty(runPersonaDir, cfg.Defaults.PersonaDir)
	model := firstNonEmpty(runModel, cfg.Defaults.Model)

	agentExec, tracker, err := buildExecutor(cfg, personaDir, model)
	if err != nil {
		return err
	}

	autoExtend := runAutoExtend
	if !cmd.Flags().Changed("auto-extend") {
		autoExtend = cfg.Defaults.AutoExtend
	}

	stdin := bufio.NewReader(os.Stdin)

	opts := []engine.Option{
		engine.WithTask(task.Description),
		engine.WithMaxMovements(maxMovements),
		engine.WithInteractive(runInteractive),
		engine.WithReportDir(firstNonEmpty(runReportDir, cfg.Defaults.ReportDir)),
		engine.WithWorkDir(workDir),
		engine.WithModel(model),
		engine.WithLoopDetection(cfg.Loop.Threshold, engine.LoopAction(cfg.Loop.Action)),
		engine.WithJudge(makeJudge(agentExec, workDir, model)),
		engine.WithOnSessionUpdate(func(persona, sessionID string) {
			if err := store.SaveSession(task.ID, persona, sessionID); err != nil {
				log.Printf("[run] persisting session for %q: %v", persona, err)
			}
		}),
		engine.WithOnUserInput(func(promptText string) string {
			fmt.Print(promptText)
			line, _ := stdin.ReadString('\n')
			return strings.TrimSpace(line)
		}),
		engine.WithOnIterationLimit(func(req engine.IterationLimitRequest) *int {
			return decideExtension(req, autoExtend, stdin)
		}),
	}
	if resuming {
		opts = append(opts,
			engine.WithStartMovement(task.StartMovement),
			engine.WithInitialIteration(task.ExceededCurrentIteration),
		)
	}

	eng, err := engine.New(p, agentExec, opts...)
	if err != nil {
		return err
	}

	if resuming {
		sessions, err := store.Sessions(task.ID)
		if err != nil {
			log.Printf("[run] loading persona sessions: %v", err)
		}
		for persona, sid := range sessions {
			eng.State().RecordSession(persona, sid)
		}
		fmt.Printf("Resuming task %s at movement %q (iteration %d/%d)\n",
			task.ID, task.StartMovement, task.ExceededCurrentIteration, maxMovements)
	} else {
		fmt.Printf("Running piece %q as task %s\n", p.Name, task.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := setupSignals(ctx, eng, cancel, workDir, cfg.Run.GracePeriod)
	if watcher != nil {
		defer watcher.Close()
	}

	printerDone := make(chan struct{})
	go printEvents(eng.Events(), printerDone)

	result, err := eng.Run(ctx)
	<-printerDone
	if err != nil {
		return err
	}

	return finishTask(store, task.ID, result, tracker)
}

// claimTask resolves the task record this run executes: a fresh record for
// a new run, or the named one for a resume. Exceeded tasks are requeued
// automatically so --task-id resumes in one step.
func claimTask(store *state.DB, args []string, cfg *config.Config) (*state.Task, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	owner := state.OwnerTag(host, os.Getpid())

	if runTaskID != "" {
		t, err := store.Get(runTaskID)
		if err != nil {
			return nil, err
		}
		if t.Status == state.TaskExceeded {
			if err := store.Requeue(runTaskID); err != nil {
				return nil, err
			}
		}
		return store.Claim(runTaskID, owner)
	}

	piecePath, err := filepath.Abs(args[0])
	if err != nil {
		return nil, fmt.Errorf("resolving piece path: %w", err)
	}

	budget := runMaxMovements
	if budget == 0 {
		budget = cfg.Defaults.MaxMovements
	}

	id, err := store.Enqueue(state.Task{
		Description:  strings.Join(args[1:], " "),
		PiecePath:    piecePath,
		MaxMovements: budget,
	})
	if err != nil {
		return nil, err
	}
	return store.Claim(id, owner)
}

// effectiveBudget picks the iteration budget: an explicit flag wins, a
// resumed task keeps the budget it exceeded at, and everything else falls
// back to the task record or the configured default.
func effectiveBudget(cmd *cobra.Command, task *state.Task, cfg *config.Config) int {
	if cmd.Flags().Changed("max-movements") && runMaxMovements > 0 {
		return runMaxMovements
	}
	if task.StartMovement != "" && task.ExceededMaxMovements > 0 {
		return task.ExceededMaxMovements
	}
	if task.MaxMovements > 0 {
		return task.MaxMovements
	}
	return cfg.Defaults.MaxMovements
}

// buildExecutor creates the agent executor, returning a token tracker when
// the API backend is in use.
func buildExecutor(cfg *config.Config, personaDir, model string) (executor.AgentExecutor, *api.TokenTracker, error) {
	if runUseAPI {
		apiKey, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, nil, err
		}
		client, err := api.NewClient(api.ClientConfig{
			APIKey:        apiKey,
			UseAWSBedrock: cfg.Anthropic.UseBedrock,
			AWSRegion:     cfg.Anthropic.AWSRegion,
			AWSProfile:    cfg.Anthropic.AWSProfile,
		})
		if err != nil {
			return nil, nil, err
		}
		exec := executor.NewAPIExecutor(client, personaDir)
		return exec, exec.Tracker(), nil
	}

	exec := executor.NewClaudeExecutor(personaDir)
	exec.DefaultModel = model
	if err := exec.CheckCLI(); err != nil {
		return nil, nil, err
	}
	return exec, nil, nil
}

// makeJudge builds the tool-free classification call used for AI-condition
// judging and the judgment pass.
func makeJudge(agentExec executor.AgentExecutor, workDir, model string) engine.JudgeFunc {
	return func(ctx context.Context, instruction string) (string, error) {
		res, err := agentExec.Call(ctx, "", instruction, executor.CallOptions{
			WorkDir:  workDir,
			Model:    model,
			ToolFree: true,
		})
		if err != nil {
			return "", err
		}
		if !res.OK() {
			return "", fmt.Errorf("judge call failed: %s", res.Error)
		}
		return res.Content, nil
	}
}

// decideExtension handles a budget hit: grant the auto-extend allowance,
// ask the operator, or decline.
func decideExtension(req engine.IterationLimitRequest, autoExtend int, stdin *bufio.Reader) *int {
	if autoExtend > 0 {
		n := autoExtend
		log.Printf("[run] budget of %d reached at %q, auto-extending by %d", req.MaxMovements, req.CurrentMovement, n)
		return &n
	}

	if runInteractive {
		fmt.Printf("%s Budget of %d movements reached at movement %q.\n",
			color.YellowString("!"), req.MaxMovements, req.CurrentMovement)
		fmt.Print("Extend by how many movements? (empty to pause): ")
		line, _ := stdin.ReadString('\n')
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || n <= 0 {
			return nil
		}
		return &n
	}

	return nil
}

// setupSignals wires both stop channels: OS signals (first SIGINT stops
// gracefully, a second or the grace window expiring forces termination) and
// the .concerto/signals directory for out-of-process control.
func setupSignals(ctx context.Context, eng *engine.Engine, cancel context.CancelFunc, workDir string, grace time.Duration) *signal.Watcher {
	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Fprintf(os.Stderr, "\n%s Stopping after the current movement (interrupt again to force)\n",
			color.YellowString("!"))
		eng.Stop()

		select {
		case <-sigCh:
		case <-time.After(grace):
		case <-ctx.Done():
			return
		}
		cancel()
	}()

	watcher, err := signal.New(workDir)
	if err != nil {
		log.Printf("[run] signal watcher unavailable: %v", err)
		return nil
	}
	watcher.Clear()
	watcher.OnStop = eng.Stop
	watcher.OnKill = cancel
	return watcher
}

// printEvents renders the run's event stream for the terminal.
func printEvents(events <-chan engine.Event, done chan<- struct{}) {
	defer close(done)

	for ev := range events {
		switch ev.Type {
		case engine.EventMovementStarted:
			fmt.Printf("%s %s [%d/%d]\n",
				color.CyanString("▸"), ev.Movement, ev.Iteration, ev.MaxMovements)
		case engine.EventMovementCompleted:
			fmt.Printf("%s %s\n", color.GreenString("✓"), ev.Movement)
		case engine.EventPartCompleted:
			fmt.Printf("  %s %s\n", color.CyanString("·"), ev.Message)
		case engine.EventLoopWarning:
			fmt.Printf("%s %s\n", color.YellowString("⚠"), ev.Message)
		case engine.EventIterationLimit:
			fmt.Printf("%s iteration budget reached at %q (%d/%d)\n",
				color.YellowString("!"), ev.Movement, ev.Iteration, ev.MaxMovements)
		}
	}
}

// finishTask records the run's terminal status in the task store and prints
// the summary.
func finishTask(store *state.DB, taskID string, result *engine.RunResult, tracker *api.TokenTracker) error {
	if tracker != nil {
		in, out := tracker.Total()
		fmt.Printf("Token usage: %d in / %d out across %d calls ($%.4f)\n",
			in, out, tracker.Calls(), tracker.Cost())
	}

	switch {
	case result.Exceed != nil:
		if err := store.Exceed(taskID, state.ExceedUpdate{
			CurrentMovement:  result.Exceed.StartMovement,
			NewMaxMovements:  result.Exceed.MaxMovements,
			CurrentIteration: result.Exceed.Iteration,
		}); err != nil {
			return fmt.Errorf("recording exceeded task: %w", err)
		}
		fmt.Printf("%s Paused on iteration budget after %d movements.\n",
			color.YellowString("!"), result.Iterations)
		fmt.Printf("Resume with: concerto run --task-id %s\n", taskID)
		return nil

	case result.Err != nil:
		// The task record stays running; stale recovery returns it to
		// pending once this process exits.
		fmt.Printf("%s Run aborted at movement %q after %d movements.\n",
			color.RedString("✗"), result.FinalMovement, result.Iterations)
		return result.Err

	default:
		if err := store.Complete(taskID); err != nil {
			return fmt.Errorf("recording completed task: %w", err)
		}
		fmt.Printf("%s Completed after %d movements.\n",
			color.GreenString("✓"), result.Iterations)
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
