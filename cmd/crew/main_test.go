package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/crew/internal/config"
	"github.com/mtzanidakis/crew/internal/coordinator"
	"github.com/mtzanidakis/crew/internal/fleet"
	"github.com/mtzanidakis/crew/internal/natsbus"
	"github.com/mtzanidakis/crew/internal/store"
	"github.com/mtzanidakis/crew/internal/tasklog"
	"github.com/mtzanidakis/crew/internal/transport"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "empty",
			args: []string{},
			want: map[string]string{},
		},
		{
			name: "single flag",
			args: []string{"--goal-file", "goal.md"},
			want: map[string]string{"goal-file": "goal.md"},
		},
		{
			name: "flag without value is ignored",
			args: []string{"--goal-file"},
			want: map[string]string{},
		},
		{
			name: "non-flag args ignored",
			args: []string{"ship", "--goal-file", "goal.md"},
			want: map[string]string{"goal-file": "goal.md"},
		},
		{
			name: "short prefix not treated as flag",
			args: []string{"-g", "goal.md"},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Errorf("parseArgs(%v) returned %d entries, want %d", tt.args, len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}

func TestReadGoal(t *testing.T) {
	goal, err := readGoal([]string{"ship", "the", "login", "page"})
	if err != nil || goal != "ship the login page" {
		t.Errorf("readGoal = %q, %v", goal, err)
	}

	path := filepath.Join(t.TempDir(), "goal.md")
	if err := os.WriteFile(path, []byte("\nbuild a CLI\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	goal, err = readGoal([]string{"--goal-file", path})
	if err != nil || goal != "build a CLI" {
		t.Errorf("readGoal from file = %q, %v", goal, err)
	}

	if _, err := readGoal([]string{"--goal-file", filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected an error for a missing goal file")
	}
}

func startTestNATS(t *testing.T) string {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus.ClientURL()
}

func respond(t *testing.T, url, topic string, handler func(*nats.Msg) any) {
	t.Helper()
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)

	_, err = conn.Subscribe(topic, func(msg *nats.Msg) {
		resp, _ := json.Marshal(handler(msg))
		msg.Respond(resp)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conn.Flush()
}

func TestSend(t *testing.T) {
	url := startTestNATS(t)
	respond(t, url, natsbus.TopicControlSend, func(msg *nats.Msg) any {
		var req natsbus.SendRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}
		if req.Target == "developer-2" {
			return natsbus.Reply{Error: "developer-2 is not running"}
		}
		if req.Text != "please rebase" {
			t.Errorf("unexpected text %q", req.Text)
		}
		return natsbus.Reply{OK: true, To: []string{req.Target}}
	})

	to, err := send(url, "manager", "please rebase")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(to) != 1 || to[0] != "manager" {
		t.Errorf("unexpected recipients %v", to)
	}

	_, err = send(url, "developer-2", "please rebase")
	var remote *remoteError
	if !errors.As(err, &remote) || remote.msg != "developer-2 is not running" {
		t.Errorf("expected a remote error, got %v", err)
	}
}

func TestStatusRequest(t *testing.T) {
	url := startTestNATS(t)
	respond(t, url, natsbus.TopicControlStatus, func(*nats.Msg) any {
		return coordinator.StatusReply{
			Reply: natsbus.Reply{OK: true},
			Status: &coordinator.Status{
				RunID:    "run-1",
				State:    coordinator.StateRunning,
				CrewSize: 1,
				Agents:   []fleet.AgentInfo{{Name: "manager", Status: fleet.Status{State: fleet.StateReady}, Pid: 42, Generation: 1, Turns: 4, SessionID: "sess-1"}},
				Tasks:    []tasklog.Entry{{Title: "Add login button", Assignee: "developer-0"}},
			},
		}
	})

	var reply coordinator.StatusReply
	if err := request(url, natsbus.TopicControlStatus, struct{}{}, &reply); err != nil {
		t.Fatal(err)
	}
	if !reply.OK || reply.Status == nil {
		t.Fatalf("unexpected reply %+v", reply)
	}
	out := formatStatus(*reply.Status)
	for _, want := range []string{"State:   running", "manager", "turns 4", "session sess-1", "[developer-0] open: Add login button"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestRequestWithoutServer(t *testing.T) {
	var reply natsbus.Reply
	start := time.Now()
	if err := request("nats://127.0.0.1:1", natsbus.TopicControlSend, struct{}{}, &reply); err == nil {
		t.Error("expected an error without a server")
	}
	if time.Since(start) > requestTimeout {
		t.Error("connect failure took too long")
	}
}

func TestInjectFallback(t *testing.T) {
	dir, err := os.MkdirTemp("", "crew")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ln, err := transport.Listen(dir, fleet.Architect, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	got := make(chan transport.Message, 1)
	go func() {
		ctx := t.Context()
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		defer conn.Close()
		if m, err := conn.Receive(); err == nil {
			got <- m
		}
	}()

	if err := inject(dir, fleet.Architect, "check the tests"); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-got:
		if m.From != "operator" || m.Text != "check the tests" {
			t.Errorf("unexpected frame %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not received")
	}

	probe := probeAll(dir)
	if !strings.Contains(probe, "architect") || !strings.Contains(probe, "listening") {
		t.Errorf("unexpected probe output:\n%s", probe)
	}
}

func TestPrintArchive(t *testing.T) {
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "crew.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.SaveRun(&store.Run{ID: "run-1", Goal: "ship the login page", Backend: "claude", State: "terminated"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(&store.Message{RunID: "run-1", Sender: "manager", Seq: 1, Kind: "task", Action: "deliver", Recipients: "architect", Content: "TASK: Add login button\nDETAILS: header"}); err != nil {
		t.Fatal(err)
	}
	path, err := s.Archive("run-1", filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatal(err)
	}
	records, err := store.ReadArchive(path)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := printArchive(&buf, records); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Goal: ship the login page", "manager -> architect", "    TASK: Add login button\n    DETAILS: header"} {
		if !strings.Contains(out, want) {
			t.Errorf("archive output missing %q:\n%s", want, out)
		}
	}
}
