package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Task is the persisted form of one task log entry.
type Task struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Requested   string    `json:"requested,omitempty"`
	Assignee    string    `json:"assignee,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*Task, error) {
	t := &Task{}
	var description, requested, assignee, outcome, detail sql.NullString
	err := scanner.Scan(&t.ID, &t.RunID, &t.Title, &description, &requested, &assignee, &outcome, &detail,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = description.String
	t.Requested = requested.String
	t.Assignee = assignee.String
	t.Outcome = outcome.String
	t.Detail = detail.String
	return t, nil
}

// SaveTask inserts or updates a task log entry.
func (s *Store) SaveTask(t *Task) error {
	_, err := s.db.Exec(`
		INSERT INTO task_log (id, run_id, title, description, requested, assignee, outcome, detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			assignee = excluded.assignee,
			outcome = excluded.outcome,
			detail = excluded.detail,
			updated_at = excluded.updated_at`,
		t.ID, t.RunID, t.Title, t.Description, t.Requested, t.Assignee, t.Outcome, t.Detail, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, run_id, title, description, requested, assignee, outcome, detail, created_at, updated_at
		FROM task_log WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a run's task log, oldest first.
func (s *Store) ListTasks(runID string) ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, title, description, requested, assignee, outcome, detail, created_at, updated_at
		FROM task_log WHERE run_id = ? ORDER BY created_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
