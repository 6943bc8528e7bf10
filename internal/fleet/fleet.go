// Package fleet holds the identity and status types shared by every part of
// the coordinator.
package fleet

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Role string

const (
	RoleManager   Role = "manager"
	RoleArchitect Role = "architect"
	RoleDeveloper Role = "developer"
	RoleScorer    Role = "scorer"
)

// Roles lists the singleton roles in bootstrap order.
var Roles = []Role{RoleArchitect, RoleScorer, RoleManager}

const (
	MinCrew = 1
	MaxCrew = 3
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleManager, RoleArchitect, RoleDeveloper, RoleScorer:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q (use manager, architect, developer, scorer)", s)
	}
}

// ClampCrew bounds a requested developer count to [MinCrew, MaxCrew].
func ClampCrew(n int) int {
	return min(max(n, MinCrew), MaxCrew)
}

// AgentID identifies one participant. Slot is only meaningful for developers
// and is always zero for the other roles.
type AgentID struct {
	Role Role `json:"role"`
	Slot int  `json:"slot"`
}

func Singleton(role Role) AgentID {
	return AgentID{Role: role}
}

func Developer(slot int) AgentID {
	return AgentID{Role: RoleDeveloper, Slot: slot}
}

var (
	Manager   = Singleton(RoleManager)
	Architect = Singleton(RoleArchitect)
	Scorer    = Singleton(RoleScorer)
)

func (id AgentID) String() string {
	if id.Role == RoleDeveloper {
		return fmt.Sprintf("developer-%d", id.Slot)
	}
	return string(id.Role)
}

func (id AgentID) IsDeveloper() bool {
	return id.Role == RoleDeveloper
}

// Valid reports whether the id names a slot that can exist.
func (id AgentID) Valid() bool {
	switch id.Role {
	case RoleManager, RoleArchitect, RoleScorer:
		return id.Slot == 0
	case RoleDeveloper:
		return id.Slot >= 0 && id.Slot < MaxCrew
	}
	return false
}

// ParseAgentID accepts "manager", "architect", "scorer", "developer" (slot 0)
// and "developer-N".
func ParseAgentID(s string) (AgentID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if rest, ok := strings.CutPrefix(s, "developer-"); ok {
		slot, err := strconv.Atoi(rest)
		if err != nil {
			return AgentID{}, fmt.Errorf("invalid developer slot in %q", s)
		}
		id := Developer(slot)
		if !id.Valid() {
			return AgentID{}, fmt.Errorf("developer slot %d out of range", slot)
		}
		return id, nil
	}
	role, err := ParseRole(s)
	if err != nil {
		return AgentID{}, err
	}
	return Singleton(role), nil
}

type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateFailed   State = "failed"
)

// Status is the lifecycle state of one agent process. Code is set for
// StateExited, Reason for StateFailed.
type Status struct {
	State  State  `json:"state"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s Status) String() string {
	switch s.State {
	case StateExited:
		return fmt.Sprintf("exited(%d)", s.Code)
	case StateFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	}
	return string(s.State)
}

// Live reports whether the process is still expected to be running.
func (s Status) Live() bool {
	switch s.State {
	case StateStarting, StateReady, StateRunning:
		return true
	}
	return false
}

// AgentInfo is a point-in-time view of one agent, safe to hand to callers
// outside the supervisor.
type AgentInfo struct {
	ID         AgentID   `json:"id"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Pid        int       `json:"pid,omitempty"`
	Socket     string    `json:"socket"`
	Generation int       `json:"generation"`
	StartedAt  time.Time `json:"started_at"`

	// Backend session activity.
	SessionID  string    `json:"session_id,omitempty"`
	Turns      int       `json:"turns"`
	Pending    int       `json:"pending"`
	LastActive time.Time `json:"last_active,omitzero"`
}
