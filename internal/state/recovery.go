package state

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"syscall"
)

// RecoverStale returns running tasks whose owning process is gone back to
// the pending queue. It is called on startup, before claiming new work, so
// a crashed run never strands its task in the running status.
//
// Owners are recorded as "host:pid"; a task owned by another host is left
// alone since its liveness cannot be checked from here.
func (db *DB) RecoverStale(host string) (int, error) {
	running, err := db.List(TaskRunning)
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	recovered := 0
	for _, t := range running {
		pid, ok := ownerPID(t.Owner, host)
		if !ok || isProcessAlive(pid) {
			continue
		}

		log.Printf("[state] recovering task %s from dead owner %s", t.ID, t.Owner)
		_, err := db.Exec(
			"UPDATE tasks SET status = ?, owner = NULL, started_at = NULL WHERE id = ? AND status = ?",
			TaskPending, t.ID, TaskRunning,
		)
		if err != nil {
			return recovered, fmt.Errorf("recover task %s: %w", t.ID, err)
		}
		recovered++
	}
	return recovered, nil
}

// OwnerTag builds the owner string recorded on claim.
func OwnerTag(host string, pid int) string {
	return host + ":" + strconv.Itoa(pid)
}

// ownerPID extracts the pid from an owner tag if it belongs to this host.
func ownerPID(owner, host string) (int, bool) {
	rest, ok := strings.CutPrefix(owner, host+":")
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(rest)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// isProcessAlive checks whether a pid refers to a live process.
func isProcessAlive(pid int) bool {
	// Signal 0 performs the permission check without sending anything.
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
