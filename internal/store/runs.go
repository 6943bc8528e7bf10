package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Run struct {
	ID        string     `json:"id"`
	Goal      string     `json:"goal,omitempty"`
	Backend   string     `json:"backend"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (s *Store) SaveRun(r *Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, goal, backend, state, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			ended_at = excluded.ended_at`,
		r.ID, r.Goal, r.Backend, r.State, r.StartedAt, r.EndedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// EndRun records the final state of a run.
func (s *Store) EndRun(id, state string) error {
	_, err := s.db.Exec(`UPDATE runs SET state = ?, ended_at = ? WHERE id = ?`, state, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	r := &Run{}
	var goal sql.NullString
	err := s.db.QueryRow(`SELECT id, goal, backend, state, started_at, ended_at FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &goal, &r.Backend, &r.State, &r.StartedAt, &r.EndedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.Goal = goal.String
	return r, nil
}
