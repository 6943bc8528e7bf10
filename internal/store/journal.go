package store

import (
	"log/slog"
	"sync"
)

const journalBuffer = 1024

// Journal writes records for one run from a background goroutine, so callers
// never wait on sqlite.
type Journal struct {
	store *Store
	runID string
	ch    chan func(*Store) error
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewJournal(s *Store, runID string) *Journal {
	j := &Journal{
		store: s,
		runID: runID,
		ch:    make(chan func(*Store) error, journalBuffer),
		done:  make(chan struct{}),
	}
	go j.loop()
	return j
}

func (j *Journal) RunID() string { return j.runID }

func (j *Journal) loop() {
	defer close(j.done)
	for write := range j.ch {
		if err := write(j.store); err != nil {
			slog.Warn("journal write failed", "run", j.runID, "error", err)
		}
	}
}

func (j *Journal) enqueue(write func(*Store) error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- write:
	default:
		slog.Warn("journal full, dropping record", "run", j.runID)
	}
}

func (j *Journal) Task(t Task) {
	t.RunID = j.runID
	j.enqueue(func(s *Store) error { return s.SaveTask(&t) })
}

func (j *Journal) Message(m Message) {
	m.RunID = j.runID
	j.enqueue(func(s *Store) error { return s.SaveMessage(&m) })
}

func (j *Journal) AgentEvent(e AgentEvent) {
	e.RunID = j.runID
	j.enqueue(func(s *Store) error { return s.SaveAgentEvent(&e) })
}

func (j *Journal) EndRun(state string) {
	j.enqueue(func(s *Store) error { return s.EndRun(j.runID, state) })
}

// Close writes everything queued so far and stops the journal.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		<-j.done
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()
	<-j.done
}
