package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/crew/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRun(t *testing.T, s *Store) *Run {
	t.Helper()
	r := &Run{ID: "run-1", Goal: "ship the login page", Backend: "claude", State: "running"}
	if err := s.SaveRun(r); err != nil {
		t.Fatalf("save run: %v", err)
	}
	return r
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s)

	if err := s.EndRun("run-1", "terminated"); err != nil {
		t.Fatalf("end run: %v", err)
	}
	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil || got.State != "terminated" || got.EndedAt == nil || got.Goal != "ship the login page" {
		t.Errorf("unexpected run %+v", got)
	}

	got, err = s.GetRun("missing")
	if err != nil || got != nil {
		t.Errorf("expected nil run, got %+v, %v", got, err)
	}
}

func TestTaskUpsert(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s)

	now := time.Now().UTC()
	task := &Task{ID: "t1", RunID: "run-1", Title: "Add login button", Requested: "developer-1", CreatedAt: now, UpdatedAt: now}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	task.Assignee = "developer-0"
	task.Outcome = "complete"
	task.Detail = "done"
	task.UpdatedAt = now.Add(time.Minute)
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("update task: %v", err)
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Assignee != "developer-0" || got.Outcome != "complete" || got.Requested != "developer-1" {
		t.Errorf("unexpected task %+v", got)
	}

	tasks, err := s.ListTasks("run-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(tasks))
	}
}

func TestMessageTranscript(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s)

	for i, text := range []string{"TASK: a", "APPROVED: developer-0", "COMPLETE: a"} {
		msg := &Message{RunID: "run-1", Sender: "manager", Seq: uint64(i + 1), Kind: "task", Action: "deliver", Content: text}
		if err := s.SaveMessage(msg); err != nil {
			t.Fatalf("save message: %v", err)
		}
		if msg.ID == 0 {
			t.Error("expected non-zero message ID")
		}
	}

	msgs, err := s.GetMessages("run-1", 2)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "APPROVED: developer-0" || msgs[1].Content != "COMPLETE: a" {
		t.Errorf("unexpected messages %+v", msgs)
	}
}

func TestJournalAndArchive(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s)

	j := NewJournal(s, "run-1")
	now := time.Now().UTC()
	j.Task(Task{ID: "t1", Title: "Add login button", CreatedAt: now, UpdatedAt: now})
	j.Message(Message{Sender: "manager", Seq: 1, Kind: "task", Action: "deliver", Content: "TASK: Add login button"})
	j.AgentEvent(AgentEvent{Agent: "manager", Generation: 1, Event: "spawn", Pid: 42})
	j.EndRun("terminated")
	j.Close()

	// Writes after Close are dropped.
	j.Message(Message{Sender: "manager", Content: "late"})

	events, err := s.ListAgentEvents("run-1")
	if err != nil {
		t.Fatalf("list agent events: %v", err)
	}
	if len(events) != 1 || events[0].Pid != 42 || events[0].RunID != "run-1" {
		t.Errorf("unexpected events %+v", events)
	}

	path, err := s.Archive("run-1", filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if filepath.Base(path) != "run-1.jsonl.zst" {
		t.Errorf("unexpected archive path %s", path)
	}

	records, err := ReadArchive(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	var types []string
	for _, r := range records {
		types = append(types, r.Type)
	}
	want := []string{"run", "task", "message", "agent_event"}
	if len(types) != len(want) {
		t.Fatalf("got record types %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("record %d: got %s, want %s", i, types[i], want[i])
		}
	}

	var run Run
	if err := json.Unmarshal(records[0].Data, &run); err != nil {
		t.Fatal(err)
	}
	if run.State != "terminated" {
		t.Errorf("expected terminated run in archive, got %s", run.State)
	}
}

func TestArchiveUnknownRun(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Archive("nope", t.TempDir()); err == nil {
		t.Fatal("expected error for unknown run")
	}
}
