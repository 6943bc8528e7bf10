// Package prompts holds the system prompt for each role.
package prompts

import (
	"embed"
	"fmt"
	"strings"

	"github.com/mtzanidakis/crew/internal/fleet"
)

//go:embed roles/*.md
var roles embed.FS

// Role returns the standard prompt for role.
func Role(role fleet.Role) string {
	data, err := roles.ReadFile("roles/" + string(role) + ".md")
	if err != nil {
		panic(fmt.Sprintf("missing prompt for role %s", role))
	}
	return strings.TrimSpace(string(data))
}

// For builds the initial prompt of one agent. The manager is also given the
// operator's goal.
func For(id fleet.AgentID, goal string) string {
	var b strings.Builder
	b.WriteString(Role(id.Role))
	fmt.Fprintf(&b, "\n\nYou are %s.", id)
	if id.Role == fleet.RoleManager && goal != "" {
		fmt.Fprintf(&b, "\n\n## Goal\n\n%s", goal)
	}
	return b.String()
}
