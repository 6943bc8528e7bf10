// Package router maps a sender and a parsed message to what the coordinator
// should do with it. Route is a pure function of its arguments.
package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mtzanidakis/crew/internal/fleet"
	"github.com/mtzanidakis/crew/internal/protocol"
)

type Action string

const (
	ActionDeliver   Action = "deliver"
	ActionBroadcast Action = "broadcast"
	ActionLogOnly   Action = "log_only"
	ActionCommand   Action = "command"
)

type CommandKind string

const (
	CmdSetCrewSize    CommandKind = "set_crew_size"
	CmdRelieveManager CommandKind = "relieve_manager"
	CmdShutdown       CommandKind = "shutdown"
)

type Command struct {
	Kind   CommandKind `json:"kind"`
	Count  int         `json:"count,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// LogEffect is the task log mutation that accompanies a routed message.
type LogEffect string

const (
	LogNone     LogEffect = ""
	LogAppend   LogEffect = "append"
	LogAssign   LogEffect = "assign"
	LogReject   LogEffect = "reject"
	LogComplete LogEffect = "complete"
	LogBlocked  LogEffect = "blocked"
)

// Inbox contexts used to frame delivered text for the recipient.
const (
	ContextNewTask      = "NEW TASK"
	ContextComplete     = "TASK COMPLETE"
	ContextBlocked      = "TASK BLOCKED"
	ContextInterrupt    = "INTERRUPT"
	ContextReview       = "ARCHITECT REVIEW"
	ContextInfo         = "INFO"
	ContextRoutingError = "ROUTING ERROR"
)

type Decision struct {
	Action  Action
	To      []fleet.AgentID
	Command Command
	Log     LogEffect
	Context string
	// Assignee is the developer an Approved or Interrupt names.
	Assignee fleet.AgentID
	// Err is set when the message named a recipient that is not live. Notice
	// is then the text returned to the sender.
	Err    *RoutingError
	Notice string
}

type RoutingError struct {
	From   fleet.AgentID
	Kind   protocol.Kind
	Target string
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("route %s from %s to %s: %s", e.Kind, e.From, e.Target, e.Reason)
}

// Live reports whether an agent is currently part of the fleet.
type Live func(fleet.AgentID) bool

type rule struct {
	from    fleet.Role
	kind    protocol.Kind
	action  Action
	to      fleet.Role
	log     LogEffect
	context string
}

var table = []rule{
	{fleet.RoleManager, protocol.KindTask, ActionDeliver, fleet.RoleArchitect, LogAppend, ContextNewTask},
	{fleet.RoleManager, protocol.KindCrew, ActionCommand, "", LogNone, ""},
	{fleet.RoleManager, protocol.KindGoalComplete, ActionCommand, "", LogNone, ""},
	{fleet.RoleArchitect, protocol.KindApproved, ActionDeliver, fleet.RoleDeveloper, LogAssign, ContextNewTask},
	{fleet.RoleArchitect, protocol.KindRejected, ActionDeliver, fleet.RoleManager, LogReject, ContextReview},
	{fleet.RoleArchitect, protocol.KindInterrupt, ActionDeliver, fleet.RoleDeveloper, LogNone, ContextInterrupt},
	{fleet.RoleDeveloper, protocol.KindComplete, ActionDeliver, fleet.RoleManager, LogComplete, ContextComplete},
	{fleet.RoleDeveloper, protocol.KindBlocked, ActionDeliver, fleet.RoleManager, LogBlocked, ContextBlocked},
	{fleet.RoleScorer, protocol.KindEvaluation, ActionLogOnly, "", LogNone, ""},
	{fleet.RoleScorer, protocol.KindObservation, ActionLogOnly, "", LogNone, ""},
	{fleet.RoleScorer, protocol.KindRelieve, ActionCommand, "", LogNone, ""},
}

func lookup(from fleet.Role, kind protocol.Kind) (rule, bool) {
	for _, r := range table {
		if r.from == from && r.kind == kind {
			return r, true
		}
	}
	return rule{}, false
}

// Route decides what happens to p, emitted by from. live is consulted only
// for messages that name a developer.
func Route(from fleet.AgentID, p protocol.ParsedOutput, live Live) Decision {
	r, ok := lookup(from.Role, p.Kind)
	if !ok {
		return Decision{Action: ActionLogOnly}
	}

	switch r.action {
	case ActionLogOnly:
		return Decision{Action: ActionLogOnly}
	case ActionCommand:
		return command(from, p)
	}

	d := Decision{Action: ActionDeliver, Log: r.log, Context: r.context}
	if r.to != fleet.RoleDeveloper {
		d.To = []fleet.AgentID{fleet.Singleton(r.to)}
		return d
	}

	target, ok := DeveloperTarget(p)
	if !ok || !live(target) {
		return failed(from, p, target.String(), "not a live developer slot", live)
	}
	d.To = []fleet.AgentID{target}
	d.Assignee = target
	return d
}

func command(from fleet.AgentID, p protocol.ParsedOutput) Decision {
	switch p.Kind {
	case protocol.KindCrew:
		n, err := crewCount(p.Arg)
		if err != nil {
			rerr := &RoutingError{From: from, Kind: p.Kind, Target: "coordinator", Reason: fmt.Sprintf("crew size %q is not a number", p.Arg)}
			return Decision{
				Action: ActionLogOnly,
				Err:    rerr,
				Notice: fmt.Sprintf("CREW failed: %q is not a number. Use CREW: <1-%d>.", p.Arg, fleet.MaxCrew),
			}
		}
		return Decision{Action: ActionCommand, Command: Command{Kind: CmdSetCrewSize, Count: n}}
	case protocol.KindRelieve:
		return Decision{Action: ActionCommand, Command: Command{Kind: CmdRelieveManager, Reason: relieveReason(p.Arg)}}
	case protocol.KindGoalComplete:
		return Decision{Action: ActionCommand, Command: Command{Kind: CmdShutdown, Reason: p.Arg}}
	}
	return Decision{Action: ActionLogOnly}
}

func failed(from fleet.AgentID, p protocol.ParsedOutput, target, reason string, live Live) Decision {
	var alive []string
	for slot := range fleet.MaxCrew {
		if id := fleet.Developer(slot); live(id) {
			alive = append(alive, id.String())
		}
	}
	liveText := "none"
	if len(alive) > 0 {
		liveText = strings.Join(alive, ", ")
	}

	return Decision{
		Action: ActionLogOnly,
		Err:    &RoutingError{From: from, Kind: p.Kind, Target: target, Reason: reason},
		Notice: fmt.Sprintf("%s failed: %s is %s (live developers: %s). The message was not delivered:\n%s",
			strings.TrimSuffix(protocol.Prefix(p.Kind), ":"), target, reason, liveText, p.Raw),
	}
}

// DeveloperTarget resolves the developer an Approved or Interrupt names: a
// leading "developer-N" in the argument, else an ASSIGN or TARGET field,
// else developer-0. ok is false when the named slot cannot exist.
func DeveloperTarget(p protocol.ParsedOutput) (fleet.AgentID, bool) {
	candidates := []string{p.Arg}
	for _, label := range []string{"ASSIGN", "TARGET"} {
		if v, ok := p.Field(label); ok {
			candidates = append(candidates, v)
		}
	}
	for _, c := range candidates {
		if slot, found := parseDeveloper(c); found {
			id := fleet.Developer(slot)
			return id, id.Valid()
		}
	}
	return fleet.Developer(0), true
}

func parseDeveloper(s string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(s)), "developer-")
	if !ok {
		return 0, false
	}
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func crewCount(arg string) (int, error) {
	f := strings.Fields(arg)
	if len(f) == 0 {
		return 0, strconv.ErrSyntax
	}
	return strconv.Atoi(f[0])
}

func relieveReason(arg string) string {
	rest, ok := strings.CutPrefix(arg, "manager")
	if !ok {
		return arg
	}
	rest = strings.TrimLeft(rest, " -:")
	if rest == "" {
		return arg
	}
	return rest
}

// Operator resolves an operator send. "all" broadcasts to every agent that
// takes decisions; anything else must name a live agent.
func Operator(target string, live Live) (Decision, error) {
	if strings.EqualFold(strings.TrimSpace(target), "all") {
		to := []fleet.AgentID{fleet.Manager, fleet.Architect}
		for slot := range fleet.MaxCrew {
			if id := fleet.Developer(slot); live(id) {
				to = append(to, id)
			}
		}
		return Decision{Action: ActionBroadcast, To: to, Context: ContextInfo}, nil
	}

	id, err := fleet.ParseAgentID(target)
	if err != nil {
		return Decision{}, err
	}
	if !live(id) {
		return Decision{}, &RoutingError{From: fleet.AgentID{Role: "operator"}, Kind: protocol.KindUnrecognized, Target: id.String(), Reason: "agent is not running"}
	}
	return Decision{Action: ActionDeliver, To: []fleet.AgentID{id}, Context: ContextInfo}, nil
}

// Inbox frames delivered text for the recipient.
func Inbox(context, from, text string) string {
	return fmt.Sprintf("%s from %s:\n%s", context, from, text)
}
