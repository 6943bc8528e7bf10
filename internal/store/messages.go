package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Message is one routed protocol block in the run transcript.
type Message struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Sender     string    `json:"sender"`
	Seq        uint64    `json:"seq"`
	Kind       string    `json:"kind"`
	Action     string    `json:"action"`
	Recipients string    `json:"recipients,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) SaveMessage(msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(`
		INSERT INTO transcript (run_id, sender, seq, kind, action, recipients, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.RunID, msg.Sender, msg.Seq, msg.Kind, msg.Action, msg.Recipients, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	msg.ID, _ = result.LastInsertId()
	return nil
}

// GetMessages returns the newest limit messages of a run in chronological
// order.
func (s *Store) GetMessages(runID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, run_id, sender, seq, kind, action, recipients, content, created_at
		FROM transcript
		WHERE run_id = ?
		ORDER BY id DESC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var recipients sql.NullString
		if err := rows.Scan(&m.ID, &m.RunID, &m.Sender, &m.Seq, &m.Kind, &m.Action, &recipients, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Recipients = recipients.String
		messages = append(messages, m)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}
