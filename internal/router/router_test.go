package router

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/mtzanidakis/crew/internal/fleet"
	"github.com/mtzanidakis/crew/internal/protocol"
)

func liveSet(ids ...fleet.AgentID) Live {
	set := map[fleet.AgentID]bool{}
	for _, id := range ids {
		set[id] = true
	}
	return func(id fleet.AgentID) bool { return set[id] }
}

var fullFleet = liveSet(fleet.Manager, fleet.Architect, fleet.Scorer, fleet.Developer(0), fleet.Developer(1), fleet.Developer(2))

func TestRouteTable(t *testing.T) {
	tests := []struct {
		name   string
		from   fleet.AgentID
		text   string
		action Action
		to     []fleet.AgentID
		log    LogEffect
	}{
		{"manager task", fleet.Manager, "TASK: add login", ActionDeliver, []fleet.AgentID{fleet.Architect}, LogAppend},
		{"architect approved", fleet.Architect, "APPROVED: developer-2", ActionDeliver, []fleet.AgentID{fleet.Developer(2)}, LogAssign},
		{"architect rejected", fleet.Architect, "REJECTED: too vague", ActionDeliver, []fleet.AgentID{fleet.Manager}, LogReject},
		{"architect interrupt", fleet.Architect, "INTERRUPT: developer-1 stop", ActionDeliver, []fleet.AgentID{fleet.Developer(1)}, LogNone},
		{"developer complete", fleet.Developer(1), "COMPLETE: done", ActionDeliver, []fleet.AgentID{fleet.Manager}, LogComplete},
		{"developer blocked", fleet.Developer(0), "BLOCKED: stuck", ActionDeliver, []fleet.AgentID{fleet.Manager}, LogBlocked},
		{"scorer evaluation", fleet.Scorer, "EVALUATION: 8/10", ActionLogOnly, nil, LogNone},
		{"scorer observation", fleet.Scorer, "OBSERVATION: slow", ActionLogOnly, nil, LogNone},
		{"manager crew", fleet.Manager, "CREW: 2", ActionCommand, nil, LogNone},
		{"scorer relieve", fleet.Scorer, "RELIEVE: manager - loop", ActionCommand, nil, LogNone},
		{"manager goal complete", fleet.Manager, "GOAL COMPLETE: shipped", ActionCommand, nil, LogNone},
		{"unrecognized", fleet.Manager, "hmm", ActionLogOnly, nil, LogNone},
		{"developer task is not a rule", fleet.Developer(0), "TASK: sneaky", ActionLogOnly, nil, LogNone},
		{"scorer crew is not a rule", fleet.Scorer, "CREW: 3", ActionLogOnly, nil, LogNone},
		{"manager relieve is not a rule", fleet.Manager, "RELIEVE: myself", ActionLogOnly, nil, LogNone},
		{"architect goal complete is not a rule", fleet.Architect, "GOAL COMPLETE: yes", ActionLogOnly, nil, LogNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Route(tt.from, protocol.Parse(tt.text), fullFleet)
			if d.Action != tt.action {
				t.Errorf("action = %s, want %s", d.Action, tt.action)
			}
			if !reflect.DeepEqual(d.To, tt.to) {
				t.Errorf("to = %v, want %v", d.To, tt.to)
			}
			if d.Log != tt.log {
				t.Errorf("log = %q, want %q", d.Log, tt.log)
			}
			if d.Err != nil {
				t.Errorf("unexpected routing error: %v", d.Err)
			}
		})
	}
}

func TestRouteIsPure(t *testing.T) {
	p := protocol.Parse("APPROVED: developer-1\nNOTES: go")
	a := Route(fleet.Architect, p, fullFleet)
	b := Route(fleet.Architect, p, fullFleet)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("route not deterministic: %#v vs %#v", a, b)
	}
}

func TestRouteCommands(t *testing.T) {
	d := Route(fleet.Manager, protocol.Parse("CREW: 3 please"), fullFleet)
	if d.Command != (Command{Kind: CmdSetCrewSize, Count: 3}) {
		t.Errorf("crew command = %+v", d.Command)
	}

	d = Route(fleet.Scorer, protocol.Parse("RELIEVE: manager - stuck in loop"), fullFleet)
	if d.Command != (Command{Kind: CmdRelieveManager, Reason: "stuck in loop"}) {
		t.Errorf("relieve command = %+v", d.Command)
	}

	d = Route(fleet.Scorer, protocol.Parse("RELIEVE: no progress"), fullFleet)
	if d.Command.Reason != "no progress" {
		t.Errorf("relieve reason = %q", d.Command.Reason)
	}

	d = Route(fleet.Manager, protocol.Parse("GOAL COMPLETE: done"), fullFleet)
	if d.Command != (Command{Kind: CmdShutdown, Reason: "done"}) {
		t.Errorf("shutdown command = %+v", d.Command)
	}
}

func TestRouteInvalidCrew(t *testing.T) {
	d := Route(fleet.Manager, protocol.Parse("CREW: lots"), fullFleet)
	if d.Action != ActionLogOnly {
		t.Errorf("action = %s", d.Action)
	}
	if d.Err == nil || d.Notice == "" {
		t.Fatal("expected routing error with notice")
	}
}

func TestRouteApprovedToAbsentDeveloper(t *testing.T) {
	live := liveSet(fleet.Manager, fleet.Architect, fleet.Scorer, fleet.Developer(0))

	// A task naming an absent developer still reaches the architect.
	d := Route(fleet.Manager, protocol.Parse("TASK: Add login button\nASSIGN: developer-1"), live)
	if d.Action != ActionDeliver || d.To[0] != fleet.Architect || d.Err != nil {
		t.Fatalf("task should be delivered to architect, got %+v", d)
	}

	d = Route(fleet.Architect, protocol.Parse("APPROVED: developer-1"), live)
	if d.Action != ActionLogOnly {
		t.Errorf("action = %s, want log_only", d.Action)
	}
	if len(d.To) != 0 {
		t.Errorf("expected no delivery, got %v", d.To)
	}
	var rerr *RoutingError
	if !errors.As(error(d.Err), &rerr) || rerr.Target != "developer-1" {
		t.Fatalf("expected routing error for developer-1, got %v", d.Err)
	}
	if !strings.HasPrefix(d.Notice, "APPROVED failed") {
		t.Errorf("notice = %q", d.Notice)
	}
	if !strings.Contains(d.Notice, "live developers: developer-0") {
		t.Errorf("notice should list live developers: %q", d.Notice)
	}
}

func TestRouteInterruptToAbsentDeveloper(t *testing.T) {
	live := liveSet(fleet.Developer(0))
	d := Route(fleet.Architect, protocol.Parse("INTERRUPT: developer-2 stop now"), live)
	if d.Err == nil {
		t.Fatal("expected routing error")
	}
	if !strings.HasPrefix(d.Notice, "INTERRUPT failed") {
		t.Errorf("notice = %q", d.Notice)
	}
}

func TestDeveloperTarget(t *testing.T) {
	tests := []struct {
		text string
		want fleet.AgentID
		ok   bool
	}{
		{"APPROVED: developer-2 go ahead", fleet.Developer(2), true},
		{"APPROVED: Developer-1", fleet.Developer(1), true},
		{"APPROVED: looks good\nASSIGN: developer-1", fleet.Developer(1), true},
		{"INTERRUPT: stop\nTARGET: developer-2", fleet.Developer(2), true},
		{"APPROVED: looks good", fleet.Developer(0), true},
		{"APPROVED: developer-9", fleet.Developer(9), false},
	}
	for _, tt := range tests {
		got, ok := DeveloperTarget(protocol.Parse(tt.text))
		if got != tt.want || ok != tt.ok {
			t.Errorf("DeveloperTarget(%q) = %v, %v; want %v, %v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}

func TestOperator(t *testing.T) {
	live := liveSet(fleet.Manager, fleet.Architect, fleet.Scorer, fleet.Developer(0), fleet.Developer(1))

	d, err := Operator("all", live)
	if err != nil {
		t.Fatal(err)
	}
	want := []fleet.AgentID{fleet.Manager, fleet.Architect, fleet.Developer(0), fleet.Developer(1)}
	if d.Action != ActionBroadcast || !reflect.DeepEqual(d.To, want) {
		t.Errorf("broadcast = %+v", d)
	}

	d, err = Operator("scorer", live)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionDeliver || d.To[0] != fleet.Scorer || d.Context != ContextInfo {
		t.Errorf("deliver = %+v", d)
	}

	if _, err := Operator("developer-2", live); err == nil {
		t.Error("expected error for absent developer")
	}
	if _, err := Operator("janitor", live); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestInbox(t *testing.T) {
	got := Inbox(ContextNewTask, "architect", "APPROVED: developer-0")
	if got != "NEW TASK from architect:\nAPPROVED: developer-0" {
		t.Errorf("got %q", got)
	}
}
