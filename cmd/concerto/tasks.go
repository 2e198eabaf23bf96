package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/concerto/internal/state"
)

var (
	tasksAddMaxMovements int
	tasksAddID           string
	tasksListStatus      string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage the task queue",
	Long: `Inspect and manage the durable task queue.

Tasks are stored in .concerto/state.db in the project directory. A task
that paused on its iteration budget keeps its resume point and can be
requeued or resumed directly with 'concerto run --task-id'.`,
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <piece.yaml> [description...]",
	Short: "Enqueue a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		piecePath, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving piece path: %w", err)
		}
		if _, err := os.Stat(piecePath); err != nil {
			return fmt.Errorf("piece file %s: %w", piecePath, err)
		}

		id, err := store.Enqueue(state.Task{
			ID:           tasksAddID,
			Description:  strings.Join(args[1:], " "),
			PiecePath:    piecePath,
			MaxMovements: tasksAddMaxMovements,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Enqueued task %s\n", id)
		return nil
	},
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		tasks, err := store.List(state.TaskStatus(tasksListStatus))
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}

		for _, t := range tasks {
			desc := t.Description
			if desc == "" {
				desc = "(no description)"
			}
			fmt.Printf("%s  %-10s  %s\n", t.ID, colorStatus(t.Status), desc)
			fmt.Printf("  piece: %s\n", t.PiecePath)
			if t.Status == state.TaskExceeded {
				fmt.Printf("  resume: movement %q, iteration %d/%d\n",
					t.StartMovement, t.ExceededCurrentIteration, t.ExceededMaxMovements)
			}
		}
		return nil
	},
}

var tasksRequeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Return an exceeded task to the pending queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Requeue(args[0]); err != nil {
			if errors.Is(err, state.ErrTaskNotExceeded) {
				return fmt.Errorf("only exceeded tasks can be requeued: %w", err)
			}
			return err
		}

		fmt.Printf("Requeued task %s\n", args[0])
		return nil
	},
}

var tasksDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task and its persona sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Delete(args[0]); err != nil {
			return err
		}

		fmt.Printf("Deleted task %s\n", args[0])
		return nil
	},
}

func init() {
	tasksAddCmd.Flags().IntVar(&tasksAddMaxMovements, "max-movements", 0, "Iteration budget for the task (0 uses the configured default)")
	tasksAddCmd.Flags().StringVar(&tasksAddID, "id", "", "Explicit task id (default: generated UUID)")
	tasksListCmd.Flags().StringVar(&tasksListStatus, "status", "", "Filter by status (pending, running, exceeded, completed)")

	tasksCmd.AddCommand(tasksAddCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksRequeueCmd)
	tasksCmd.AddCommand(tasksDeleteCmd)
}

// openStore opens the project task store, migrating the schema and
// recovering tasks whose owning process died.
func openStore() (*state.DB, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	store, err := state.OpenProject(cwd)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	if n, err := store.RecoverStale(host); err != nil {
		log.Printf("[tasks] stale recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("[tasks] recovered %d stale task(s)", n)
	}

	return store, nil
}

func colorStatus(s state.TaskStatus) string {
	switch s {
	case state.TaskPending:
		return color.CyanString(string(s))
	case state.TaskRunning:
		return color.BlueString(string(s))
	case state.TaskExceeded:
		return color.YellowString(string(s))
	case state.TaskCompleted:
		return color.GreenString(string(s))
	default:
		return string(s)
	}
}
