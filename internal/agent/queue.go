package agent

import "sync"

// InboxQueue holds inbox messages while the backend is busy with a turn.
type InboxQueue struct {
	pending []string
	mu      sync.Mutex
	busy    bool
}

func NewInboxQueue() *InboxQueue {
	return &InboxQueue{}
}

func (q *InboxQueue) Enqueue(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, text)
}

// Begin marks a turn as in progress without dequeuing anything.
func (q *InboxQueue) Begin() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.busy = true
}

// Next pops the oldest message and marks the backend busy. It returns false
// when a turn is already running or nothing is pending.
func (q *InboxQueue) Next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.busy || len(q.pending) == 0 {
		return "", false
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	q.busy = true
	return msg, true
}

// Done ends the current turn.
func (q *InboxQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.busy = false
}

func (q *InboxQueue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

func (q *InboxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
