package state

import (
	"fmt"
	"time"
)

// PersonaSession is a persisted agent session id for one persona within a
// task's runs. Resumed runs reuse it so a persona keeps its conversation
// across exceed/requeue cycles.
type PersonaSession struct {
	TaskID    string
	Persona   string
	SessionID string
	UpdatedAt time.Time
}

// SaveSession upserts the session id for a persona under a task.
func (db *DB) SaveSession(taskID, persona, sessionID string) error {
	if taskID == "" || persona == "" || sessionID == "" {
		return fmt.Errorf("save session: task id, persona and session id are all required")
	}

	_, err := db.Exec(`
		INSERT INTO persona_sessions (task_id, persona, session_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (task_id, persona) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		taskID, persona, sessionID, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save session for %s/%s: %w", taskID, persona, err)
	}
	return nil
}

// Sessions returns the persona session map for a task.
func (db *DB) Sessions(taskID string) (map[string]string, error) {
	rows, err := db.Query(
		"SELECT persona, session_id FROM persona_sessions WHERE task_id = ?", taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("load sessions for %s: %w", taskID, err)
	}
	defer rows.Close()

	sessions := make(map[string]string)
	for rows.Next() {
		var persona, sessionID string
		if err := rows.Scan(&persona, &sessionID); err != nil {
			return nil, err
		}
		sessions[persona] = sessionID
	}
	return sessions, rows.Err()
}

// ClearSessions removes every persona session stored for a task.
func (db *DB) ClearSessions(taskID string) error {
	_, err := db.Exec("DELETE FROM persona_sessions WHERE task_id = ?", taskID)
	if err != nil {
		return fmt.Errorf("clear sessions for %s: %w", taskID, err)
	}
	return nil
}
