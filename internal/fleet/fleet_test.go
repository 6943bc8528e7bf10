package fleet

import "testing"

func TestAgentIDString(t *testing.T) {
	tests := []struct {
		id   AgentID
		want string
	}{
		{Manager, "manager"},
		{Architect, "architect"},
		{Scorer, "scorer"},
		{Developer(0), "developer-0"},
		{Developer(2), "developer-2"},
	}
	for _, tt := range tests {
		if got := tt.id.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseAgentID(t *testing.T) {
	tests := []struct {
		in      string
		want    AgentID
		wantErr bool
	}{
		{"manager", Manager, false},
		{"  Architect ", Architect, false},
		{"developer", Developer(0), false},
		{"developer-1", Developer(1), false},
		{"developer-3", AgentID{}, true},
		{"developer-x", AgentID{}, true},
		{"tester", AgentID{}, true},
	}
	for _, tt := range tests {
		got, err := ParseAgentID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAgentID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAgentID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAgentIDEquality(t *testing.T) {
	seen := map[AgentID]bool{Developer(1): true}
	if !seen[Developer(1)] {
		t.Error("expected equal ids to hash identically")
	}
	if seen[Developer(0)] {
		t.Error("expected different slots to be distinct")
	}
}

func TestClampCrew(t *testing.T) {
	tests := map[int]int{-4: 1, 0: 1, 1: 1, 2: 2, 3: 3, 9: 3}
	for in, want := range tests {
		if got := ClampCrew(in); got != want {
			t.Errorf("ClampCrew(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestStatusString(t *testing.T) {
	if got := (Status{State: StateExited, Code: 2}).String(); got != "exited(2)" {
		t.Errorf("got %q", got)
	}
	if got := (Status{State: StateFailed, Reason: "boom"}).String(); got != "failed(boom)" {
		t.Errorf("got %q", got)
	}
	if (Status{State: StateExited}).Live() {
		t.Error("exited status should not be live")
	}
	if !(Status{State: StateReady}).Live() {
		t.Error("ready status should be live")
	}
}
