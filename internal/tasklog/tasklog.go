// Package tasklog keeps the history of tasks handed out during a run. It is
// owned by the coordinator's control loop and is not safe for concurrent
// use.
package tasklog

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/crew/internal/fleet"
	"github.com/mtzanidakis/crew/internal/protocol"
)

type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeComplete Outcome = "complete"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeRejected Outcome = "rejected"
)

// Entry is one task. Once Outcome is set the entry no longer changes.
type Entry struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	// Requested is the assignee named by the manager, if any. It is not
	// validated; only the architect's approval binds a developer.
	Requested string  `json:"requested,omitempty"`
	Assignee  string  `json:"assignee,omitempty"`
	Outcome   Outcome `json:"outcome,omitempty"`
	Detail    string  `json:"detail,omitempty"`
}

func (e Entry) Terminal() bool { return e.Outcome != OutcomeNone }

func (e Entry) status() string {
	switch {
	case e.Terminal():
		return string(e.Outcome)
	case e.Assignee != "":
		return "in progress"
	}
	return "pending"
}

type Log struct {
	Goal    string
	entries []*Entry
	now     func() time.Time
}

// New returns an empty log. A nil clock means time.Now.
func New(now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{now: now}
}

// Append records a new task from a TASK block.
func (l *Log) Append(p protocol.ParsedOutput) Entry {
	now := l.now()
	e := &Entry{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Title:       p.Arg,
		Description: describe(p, "ASSIGN"),
	}
	if v, ok := p.Field("ASSIGN"); ok {
		e.Requested = v
	}
	l.entries = append(l.entries, e)
	return *e
}

// Assign binds the task an APPROVED block refers to to dev.
func (l *Log) Assign(dev fleet.AgentID, p protocol.ParsedOutput) (Entry, bool) {
	e := l.unassigned(p, dev.String())
	if e == nil {
		return Entry{}, false
	}
	e.Assignee = dev.String()
	e.UpdatedAt = l.now()
	return *e, true
}

// Reject closes the task a REJECTED block refers to.
func (l *Log) Reject(p protocol.ParsedOutput) (Entry, bool) {
	e := l.unassigned(p, "")
	if e == nil {
		return Entry{}, false
	}
	l.close(e, OutcomeRejected, p.Arg)
	return *e, true
}

// unassigned picks the open, unassigned task a block is about: the one
// with the longest title the block mentions, else the oldest one the
// manager requested for dev, else the oldest.
func (l *Log) unassigned(p protocol.ParsedOutput, dev string) *Entry {
	open := func(e *Entry) bool { return !e.Terminal() && e.Assignee == "" }

	text := strings.ToLower(p.Raw)
	var best *Entry
	for _, e := range l.entries {
		if !open(e) || e.Title == "" || !strings.Contains(text, strings.ToLower(e.Title)) {
			continue
		}
		if best == nil || len(e.Title) > len(best.Title) {
			best = e
		}
	}
	if best != nil {
		return best
	}

	if dev != "" {
		if e := l.find(func(e *Entry) bool {
			return open(e) && strings.EqualFold(strings.TrimSpace(e.Requested), dev)
		}); e != nil {
			return e
		}
	}
	return l.find(open)
}

// Finish closes the oldest open task assigned to dev. A report from a
// developer with no assigned task is recorded as a task of its own so the
// history stays complete.
func (l *Log) Finish(dev fleet.AgentID, outcome Outcome, p protocol.ParsedOutput) Entry {
	detail := p.Arg
	if detail == "" {
		detail = describe(p)
	}
	e := l.find(func(e *Entry) bool { return !e.Terminal() && e.Assignee == dev.String() })
	if e == nil {
		now := l.now()
		e = &Entry{
			ID:        uuid.NewString(),
			CreatedAt: now,
			Title:     p.Arg,
			Assignee:  dev.String(),
		}
		l.entries = append(l.entries, e)
	}
	l.close(e, outcome, detail)
	return *e
}

func (l *Log) close(e *Entry, outcome Outcome, detail string) {
	e.Outcome = outcome
	e.Detail = detail
	e.UpdatedAt = l.now()
}

func (l *Log) find(match func(*Entry) bool) *Entry {
	for _, e := range l.entries {
		if match(e) {
			return e
		}
	}
	return nil
}

func (l *Log) Len() int { return len(l.entries) }

// Entries returns a copy of every entry, oldest first.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

// Recent returns at most n of the newest entries, oldest first.
func (l *Log) Recent(n int) []Entry {
	all := l.Entries()
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Outstanding returns the entries without an outcome.
func (l *Log) Outstanding() []Entry {
	var out []Entry
	for _, e := range l.entries {
		if !e.Terminal() {
			out = append(out, *e)
		}
	}
	return out
}

// BriefingInfo is the fleet state a replacement manager is told about.
type BriefingInfo struct {
	Reason     string
	Generation int
	Developers int
	Recent     int
}

// Briefing summarises the run for a manager replacing a relieved one.
func (l *Log) Briefing(info BriefingInfo) string {
	var b strings.Builder
	b.WriteString("## State Briefing (you are replacing the previous manager)\n\n")
	fmt.Fprintf(&b, "**Reason for replacement:** %s\n\n", info.Reason)
	if l.Goal != "" {
		fmt.Fprintf(&b, "**Goal:** %s\n\n", l.Goal)
	}
	fmt.Fprintf(&b, "**Manager generation:** %d\n", info.Generation)
	fmt.Fprintf(&b, "**Active developers:** %d\n\n", info.Developers)

	recent := l.Recent(info.Recent)
	if len(recent) == 0 {
		b.WriteString("No task history recorded.\n")
		return b.String()
	}

	b.WriteString("### Task History\n")
	for _, e := range recent {
		who := e.Assignee
		if who == "" {
			who = "unassigned"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s", who, e.status(), e.Title)
		if e.Detail != "" {
			fmt.Fprintf(&b, " (%s)", e.Detail)
		}
		b.WriteByte('\n')
	}

	if open := l.Outstanding(); len(open) > 0 {
		b.WriteString("\n### Outstanding Tasks\n")
		for _, e := range open {
			fmt.Fprintf(&b, "- %s\n", e.Title)
		}
	}

	var blockers []string
	for _, e := range recent {
		if e.Outcome == OutcomeBlocked {
			blockers = append(blockers, fmt.Sprintf("- [%s] %s: %s", e.Assignee, e.Title, e.Detail))
		}
	}
	if len(blockers) > 0 {
		b.WriteString("\n### Last Known Blockers\n")
		b.WriteString(strings.Join(blockers, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

// describe renders a block's body and fields, leaving out the skipped
// labels.
func describe(p protocol.ParsedOutput, skip ...string) string {
	var lines []string
	if p.Body != "" {
		lines = append(lines, p.Body)
	}
	for _, f := range p.Fields {
		if containsFold(skip, f.Label) {
			continue
		}
		lines = append(lines, f.Label+": "+f.Value)
	}
	return strings.Join(lines, "\n")
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
