package state

import (
	"errors"
	"testing"
)

func enqueueTask(t *testing.T, db *DB, desc string) string {
	t.Helper()
	id, err := db.Enqueue(Task{Description: desc, PiecePath: "piece.yaml", MaxMovements: 30})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestEnqueueAndGet(t *testing.T) {
	db := setupTestDB(t)

	id := enqueueTask(t, db, "build the feature")
	if id == "" {
		t.Fatal("expected generated id")
	}

	task, err := db.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != TaskPending {
		t.Errorf("expected pending, got %s", task.Status)
	}
	if task.Description != "build the feature" || task.MaxMovements != 30 {
		t.Errorf("unexpected task: %+v", task)
	}
	if task.CreatedAt.IsZero() {
		t.Error("expected created_at set")
	}
}

func TestGetMissing(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.Get("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestClaimOldestPending(t *testing.T) {
	db := setupTestDB(t)

	first := enqueueTask(t, db, "first")
	enqueueTask(t, db, "second")

	task, err := db.Claim("", "host:123")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.ID != first {
		t.Errorf("expected oldest task claimed, got %s", task.ID)
	}
	if task.Status != TaskRunning || task.Owner != "host:123" {
		t.Errorf("unexpected claimed task: %+v", task)
	}
	if task.StartedAt == nil {
		t.Error("expected started_at set on claim")
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.Claim("", "me"); !errors.Is(err, ErrNoPendingTasks) {
		t.Errorf("expected ErrNoPendingTasks, got %v", err)
	}
}

func TestClaimSpecificTask(t *testing.T) {
	db := setupTestDB(t)

	enqueueTask(t, db, "first")
	second := enqueueTask(t, db, "second")

	task, err := db.Claim(second, "me")
	if err != nil {
		t.Fatalf("claim by id: %v", err)
	}
	if task.ID != second {
		t.Errorf("expected %s, got %s", second, task.ID)
	}

	// Claiming a running task fails.
	if _, err := db.Claim(second, "other"); err == nil {
		t.Error("expected error claiming a running task")
	}
}

func TestCompleteLifecycle(t *testing.T) {
	db := setupTestDB(t)

	id := enqueueTask(t, db, "work")

	// Completing a pending task violates the contract.
	if err := db.Complete(id); !errors.Is(err, ErrTaskNotRunning) {
		t.Errorf("expected ErrTaskNotRunning, got %v", err)
	}

	if _, err := db.Claim(id, "me"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := db.Complete(id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	task, err := db.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != TaskCompleted || task.CompletedAt == nil {
		t.Errorf("unexpected completed task: %+v", task)
	}
}

func TestExceedRequeueRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	id := enqueueTask(t, db, "long running work")
	if _, err := db.Claim(id, "me"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	err := db.Exceed(id, ExceedUpdate{
		CurrentMovement:  "implement",
		NewMaxMovements:  60,
		CurrentIteration: 30,
	})
	if err != nil {
		t.Fatalf("exceed: %v", err)
	}

	task, err := db.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != TaskExceeded {
		t.Fatalf("expected exceeded, got %s", task.Status)
	}

	if err := db.Requeue(id); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	task, err = db.Get(id)
	if err != nil {
		t.Fatalf("get after requeue: %v", err)
	}
	if task.Status != TaskPending {
		t.Errorf("expected pending after requeue, got %s", task.Status)
	}
	if task.Owner != "" || task.StartedAt != nil || task.CompletedAt != nil {
		t.Errorf("expected ownership and timestamps cleared: %+v", task)
	}
	// Resumption metadata survives the requeue verbatim.
	if task.StartMovement != "implement" {
		t.Errorf("expected start_movement preserved, got %q", task.StartMovement)
	}
	if task.ExceededMaxMovements != 60 || task.ExceededCurrentIteration != 30 {
		t.Errorf("expected exceed metadata preserved, got %d/%d",
			task.ExceededMaxMovements, task.ExceededCurrentIteration)
	}

	// The requeued task is claimable again and keeps its metadata.
	claimed, err := db.Claim(id, "me-again")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if claimed.StartMovement != "implement" || claimed.ExceededCurrentIteration != 30 {
		t.Errorf("expected resume metadata on reclaim, got %+v", claimed)
	}
}

func TestExceedRequiresRunning(t *testing.T) {
	db := setupTestDB(t)
	id := enqueueTask(t, db, "work")

	err := db.Exceed(id, ExceedUpdate{CurrentMovement: "m", NewMaxMovements: 1, CurrentIteration: 1})
	if !errors.Is(err, ErrTaskNotRunning) {
		t.Errorf("expected ErrTaskNotRunning, got %v", err)
	}
}

func TestRequeueRequiresExceeded(t *testing.T) {
	db := setupTestDB(t)
	id := enqueueTask(t, db, "work")

	if err := db.Requeue(id); !errors.Is(err, ErrTaskNotExceeded) {
		t.Errorf("expected ErrTaskNotExceeded, got %v", err)
	}
	if err := db.Requeue("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestListByStatus(t *testing.T) {
	db := setupTestDB(t)

	a := enqueueTask(t, db, "a")
	enqueueTask(t, db, "b")
	if _, err := db.Claim(a, "me"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	pending, err := db.List(TaskPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Description != "b" {
		t.Errorf("unexpected pending list: %+v", pending)
	}

	all, err := db.List("")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(all))
	}
}

func TestDelete(t *testing.T) {
	db := setupTestDB(t)

	id := enqueueTask(t, db, "doomed")
	if err := db.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(id); !errors.Is(err, ErrTaskNotFound) {
		t.Error("expected task gone after delete")
	}
	if err := db.Delete(id); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound on double delete, got %v", err)
	}
}

func TestDeleteRemovesSessions(t *testing.T) {
	db := setupTestDB(t)

	id := enqueueTask(t, db, "with sessions")
	if err := db.SaveSession(id, "builder", "sess-1"); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := db.SaveSession(id, "reviewer", "sess-2"); err != nil {
		t.Fatalf("save session: %v", err)
	}

	if err := db.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	sessions, err := db.Sessions(id)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions after delete, got %v", sessions)
	}
}
