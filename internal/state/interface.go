// Package state provides SQLite-based persistence for concerto.
package state

import "io"

// TaskQueue is the lifecycle contract the run loop depends on: claim a
// task, finish or exceed it, and bring exceeded tasks back for resumption.
type TaskQueue interface {
	Enqueue(task Task) (string, error)
	Claim(id, owner string) (*Task, error)
	Complete(id string) error
	Exceed(id string, update ExceedUpdate) error
	Requeue(id string) error
	Delete(id string) error
	Get(id string) (*Task, error)
	List(status TaskStatus) ([]*Task, error)
}

// SessionStore persists persona session ids across runs of a task.
type SessionStore interface {
	SaveSession(taskID, persona, sessionID string) error
	Sessions(taskID string) (map[string]string, error)
	ClearSessions(taskID string) error
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the full persistence surface. The CLI works against this
// interface rather than the concrete SQLite implementation.
type Store interface {
	io.Closer
	Migrator
	TaskQueue
	SessionStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store        = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ TaskQueue    = (*DB)(nil)
	_ SessionStore = (*DB)(nil)
)
