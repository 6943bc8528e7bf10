package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AgentEvent is one lifecycle change of an agent process.
type AgentEvent struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Agent      string    `json:"agent"`
	Generation int       `json:"generation"`
	Event      string    `json:"event"`
	Status     string    `json:"status,omitempty"`
	Pid        int       `json:"pid,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) SaveAgentEvent(e *AgentEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(`
		INSERT INTO agent_events (run_id, agent, generation, event, status, pid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Agent, e.Generation, e.Event, e.Status, e.Pid, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("save agent event: %w", err)
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

func (s *Store) ListAgentEvents(runID string) ([]AgentEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, agent, generation, event, status, pid, created_at
		FROM agent_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list agent events: %w", err)
	}
	defer rows.Close()

	var events []AgentEvent
	for rows.Next() {
		var e AgentEvent
		var status sql.NullString
		var pid sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Agent, &e.Generation, &e.Event, &status, &pid, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent event: %w", err)
		}
		e.Status = status.String
		e.Pid = int(pid.Int64)
		events = append(events, e)
	}
	return events, rows.Err()
}
