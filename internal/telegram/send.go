package telegram

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/crew/internal/coordinator"
	"github.com/mtzanidakis/crew/internal/tasklog"
)

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Try to split at a newline
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}

func formatStatus(st coordinator.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %s\n", st.RunID, st.State)
	fmt.Fprintf(&b, "Crew size %d, manager generation %d\n", st.CrewSize, st.ManagerGeneration)

	b.WriteString("\nAgents:\n")
	for _, a := range st.Agents {
		fmt.Fprintf(&b, "  %s %s (pid %d, %d turns", a.Name, a.Status, a.Pid, a.Turns)
		if a.Pending > 0 {
			fmt.Fprintf(&b, ", %d queued", a.Pending)
		}
		b.WriteString(")\n")
	}

	open := 0
	for _, t := range st.Tasks {
		if t.Outcome == tasklog.OutcomeNone {
			open++
		}
	}
	fmt.Fprintf(&b, "\nTasks: %d logged, %d open", len(st.Tasks), open)
	return b.String()
}
