package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// ArchiveRecord is one line of a run archive.
type ArchiveRecord struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Archive exports a run as zstd-compressed JSON lines to
// <dir>/<run-id>.jsonl.zst and returns the file path.
func (s *Store) Archive(runID, dir string) (string, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", fmt.Errorf("archive: run %s not found", runID)
	}
	tasks, err := s.ListTasks(runID)
	if err != nil {
		return "", err
	}
	messages, err := s.listAllMessages(runID)
	if err != nil {
		return "", err
	}
	events, err := s.ListAgentEvents(runID)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(dir, runID+".jsonl.zst")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return "", fmt.Errorf("create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	write := func(typ string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return enc.Encode(ArchiveRecord{Type: typ, Data: data})
	}

	if err := write("run", run); err != nil {
		zw.Close()
		return "", fmt.Errorf("write archive: %w", err)
	}
	for _, t := range tasks {
		if err := write("task", t); err != nil {
			zw.Close()
			return "", fmt.Errorf("write archive: %w", err)
		}
	}
	for _, m := range messages {
		if err := write("message", m); err != nil {
			zw.Close()
			return "", fmt.Errorf("write archive: %w", err)
		}
	}
	for _, e := range events {
		if err := write("agent_event", e); err != nil {
			zw.Close()
			return "", fmt.Errorf("write archive: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close zstd: %w", err)
	}
	return path, nil
}

// ReadArchive decodes every record of an archive file.
func ReadArchive(path string) ([]ArchiveRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var records []ArchiveRecord
	dec := json.NewDecoder(bufio.NewReader(zr))
	for {
		var rec ArchiveRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode archive: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) listAllMessages(runID string) ([]Message, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM transcript WHERE run_id = ?`, runID).Scan(&count); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	return s.GetMessages(runID, count)
}
