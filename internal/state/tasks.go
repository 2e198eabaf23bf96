package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle status of a queued task.
type TaskStatus string

const (
	// TaskPending means the task is waiting to be claimed.
	TaskPending TaskStatus = "pending"
	// TaskRunning means a run has claimed the task.
	TaskRunning TaskStatus = "running"
	// TaskExceeded means the run paused on its iteration budget.
	TaskExceeded TaskStatus = "exceeded"
	// TaskCompleted means the run finished.
	TaskCompleted TaskStatus = "completed"
)

// Lifecycle contract violations. These fail fast rather than no-op.
var (
	// ErrTaskNotFound is returned when the task id does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotRunning is returned when exceed or complete targets a task
	// that is not running.
	ErrTaskNotRunning = errors.New("task is not running")
	// ErrTaskNotExceeded is returned when requeue targets a task that is
	// not exceeded.
	ErrTaskNotExceeded = errors.New("task is not exceeded")
	// ErrNoPendingTasks is returned by Claim when the queue is empty.
	ErrNoPendingTasks = errors.New("no pending tasks")
)

// Task is one record in the run queue. The exceeded_* fields and
// StartMovement survive a requeue verbatim, so the next run resumes exactly
// where the previous one stopped.
type Task struct {
	ID          string
	Description string
	PiecePath   string
	Status      TaskStatus
	// Owner identifies the process that claimed the task.
	Owner string
	// MaxMovements is the budget the task was enqueued with.
	MaxMovements int
	// StartMovement is the resume target written on exceed.
	StartMovement string
	// ExceededMaxMovements is the budget at the moment of exceedance.
	ExceededMaxMovements int
	// ExceededCurrentIteration is the iteration counter at exceedance.
	ExceededCurrentIteration int
	CreatedAt                time.Time
	StartedAt                *time.Time
	CompletedAt              *time.Time
}

// ExceedUpdate is the resumption metadata persisted when a run halts on its
// iteration budget.
type ExceedUpdate struct {
	CurrentMovement  string
	NewMaxMovements  int
	CurrentIteration int
}

// Enqueue inserts a pending task. An empty id is assigned a fresh UUID.
// The (possibly generated) id is returned.
func (db *DB) Enqueue(task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	_, err := db.Exec(`
		INSERT INTO tasks (id, description, piece_path, status, max_movements, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.Description, task.PiecePath, TaskPending, task.MaxMovements, formatTime(task.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return task.ID, nil
}

// Claim atomically takes ownership of a specific task, or of the oldest
// pending task when id is empty. The claimed task transitions to running.
func (db *DB) Claim(id, owner string) (*Task, error) {
	var task *Task
	err := db.Transaction(func(tx *sql.Tx) error {
		var row *sql.Row
		if id != "" {
			row = tx.QueryRow(taskSelect+" WHERE id = ?", id)
		} else {
			row = tx.QueryRow(taskSelect+" WHERE status = ? ORDER BY created_at, rowid LIMIT 1", TaskPending)
		}

		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			if id != "" {
				return fmt.Errorf("claim %s: %w", id, ErrTaskNotFound)
			}
			return ErrNoPendingTasks
		}
		if err != nil {
			return err
		}
		if t.Status != TaskPending {
			return fmt.Errorf("claim %s: task is %s, not pending", t.ID, t.Status)
		}

		now := time.Now()
		if _, err := tx.Exec(
			"UPDATE tasks SET status = ?, owner = ?, started_at = ? WHERE id = ?",
			TaskRunning, owner, formatTime(now), t.ID,
		); err != nil {
			return fmt.Errorf("claim %s: %w", t.ID, err)
		}

		t.Status = TaskRunning
		t.Owner = owner
		t.StartedAt = &now
		task = t
		return nil
	})
	return task, err
}

// Complete marks a running task finished.
func (db *DB) Complete(id string) error {
	return db.transition(id, TaskRunning, ErrTaskNotRunning, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?",
			TaskCompleted, formatTime(time.Now()), id,
		)
		return err
	})
}

// Exceed records that a running task paused on its iteration budget. It
// fails unless the task is currently running.
func (db *DB) Exceed(id string, update ExceedUpdate) error {
	return db.transition(id, TaskRunning, ErrTaskNotRunning, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE tasks
			SET status = ?, start_movement = ?, exceeded_max_movements = ?,
			    exceeded_current_iteration = ?, completed_at = ?
			WHERE id = ?`,
			TaskExceeded, update.CurrentMovement, update.NewMaxMovements,
			update.CurrentIteration, formatTime(time.Now()), id,
		)
		return err
	})
}

// Requeue transitions an exceeded task back to pending. Ownership and
// timestamps are cleared; start_movement, exceeded_max_movements and
// exceeded_current_iteration are preserved verbatim for the next run.
func (db *DB) Requeue(id string) error {
	return db.transition(id, TaskExceeded, ErrTaskNotExceeded, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE tasks SET status = ?, owner = NULL, started_at = NULL, completed_at = NULL WHERE id = ?",
			TaskPending, id,
		)
		return err
	})
}

// Delete removes a task record and its persona sessions in one transaction.
func (db *DB) Delete(id string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM tasks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("delete task %s: %w", id, ErrTaskNotFound)
		}
		if _, err := tx.Exec("DELETE FROM persona_sessions WHERE task_id = ?", id); err != nil {
			return fmt.Errorf("delete sessions for task %s: %w", id, err)
		}
		return nil
	})
}

// Get returns one task by id.
func (db *DB) Get(id string) (*Task, error) {
	t, err := scanTask(db.QueryRow(taskSelect+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, ErrTaskNotFound)
	}
	return t, err
}

// List returns tasks filtered by status, or every task when status is
// empty, oldest first.
func (db *DB) List(status TaskStatus) ([]*Task, error) {
	query := taskSelect + " ORDER BY created_at, rowid"
	args := []any{}
	if status != "" {
		query = taskSelect + " WHERE status = ? ORDER BY created_at, rowid"
		args = append(args, status)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// transition applies an update after verifying the task is in the required
// status, inside one transaction.
func (db *DB) transition(id string, required TaskStatus, statusErr error, update func(tx *sql.Tx) error) error {
	return db.Transaction(func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
		}
		if err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
		if TaskStatus(status) != required {
			return fmt.Errorf("task %s is %s: %w", id, status, statusErr)
		}
		return update(tx)
	})
}

const taskSelect = `
	SELECT id, description, piece_path, status, owner, max_movements,
	       start_movement, exceeded_max_movements, exceeded_current_iteration,
	       created_at, started_at, completed_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var owner, startMovement sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(
		&t.ID, &t.Description, &t.PiecePath, &t.Status, &owner, &t.MaxMovements,
		&startMovement, &t.ExceededMaxMovements, &t.ExceededCurrentIteration,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Owner = owner.String
	t.StartMovement = startMovement.String
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for task %s: %w", t.ID, err)
	}
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}
