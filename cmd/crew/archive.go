package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mtzanidakis/crew/internal/store"
)

func runArchive(args []string) error {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: crew archive <run-id.jsonl.zst>\n")
		return errors.New("missing archive path")
	}
	records, err := store.ReadArchive(args[0])
	if err != nil {
		return err
	}
	return printArchive(os.Stdout, records)
}

// printArchive writes a run archive as a readable transcript.
func printArchive(w io.Writer, records []store.ArchiveRecord) error {
	for _, rec := range records {
		switch rec.Type {
		case "run":
			var r store.Run
			if err := json.Unmarshal(rec.Data, &r); err != nil {
				return fmt.Errorf("decode run: %w", err)
			}
			fmt.Fprintf(w, "Run %s (%s, backend %s)\nGoal: %s\n\n", r.ID, r.State, r.Backend, r.Goal)
		case "agent_event":
			var e store.AgentEvent
			if err := json.Unmarshal(rec.Data, &e); err != nil {
				return fmt.Errorf("decode agent event: %w", err)
			}
			fmt.Fprintf(w, "%s  * %s %s (gen %d, %s)\n", stamp(e.CreatedAt), e.Agent, e.Event, e.Generation, e.Status)
		case "message":
			var m store.Message
			if err := json.Unmarshal(rec.Data, &m); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			to := m.Recipients
			if to == "" {
				to = m.Action
			}
			fmt.Fprintf(w, "%s  %s -> %s\n%s\n", stamp(m.CreatedAt), m.Sender, to, indent(m.Content))
		case "task":
			var t store.Task
			if err := json.Unmarshal(rec.Data, &t); err != nil {
				return fmt.Errorf("decode task: %w", err)
			}
			status := t.Outcome
			if status == "" {
				status = "open"
			}
			fmt.Fprintf(w, "task %s: %s [%s] %s\n", t.ID, t.Title, status, t.Assignee)
		}
	}
	return nil
}

func stamp(t time.Time) string {
	return t.Local().Format(time.TimeOnly)
}

func indent(s string) string {
	out := []byte("    ")
	for i := 0; i < len(s); i++ {
		out = append(out, s[i])
		if s[i] == '\n' && i < len(s)-1 {
			out = append(out, "    "...)
		}
	}
	return string(out)
}
