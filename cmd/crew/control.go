package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/crew/internal/config"
	"github.com/mtzanidakis/crew/internal/coordinator"
	"github.com/mtzanidakis/crew/internal/fleet"
	"github.com/mtzanidakis/crew/internal/natsbus"
	"github.com/mtzanidakis/crew/internal/transport"
)

const requestTimeout = 10 * time.Second

func natsURL(cfg *config.Config) string {
	if url := os.Getenv("CREW_NATS_URL"); url != "" {
		return url
	}
	return natsbus.URL(cfg.NATS.Host, cfg.NATS.Port)
}

// request sends one control request and decodes the reply into resp.
func request(url, topic string, req, resp any) error {
	conn, err := nats.Connect(url)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	msg, err := conn.Request(topic, data, requestTimeout)
	if err != nil {
		return fmt.Errorf("control request: %w", err)
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func runSend(args []string) error {
	if len(args) < 2 {
		printUsage()
		return errors.New("send needs a target and text")
	}
	target, text := args[0], strings.Join(args[1:], " ")
	if text == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	to, err := send(natsURL(cfg), target, text)
	if err == nil {
		fmt.Printf("Delivered to %s\n", strings.Join(to, ", "))
		return nil
	}
	var remote *remoteError
	if errors.As(err, &remote) {
		return err
	}

	// The control plane is unreachable: write straight to the agent's
	// endpoint instead.
	id, perr := fleet.ParseAgentID(target)
	if perr != nil {
		return err
	}
	if ierr := inject(cfg.Socket.Dir, id, text); ierr != nil {
		return fmt.Errorf("%w (socket fallback: %v)", err, ierr)
	}
	fmt.Printf("Delivered to %s over its socket\n", id)
	return nil
}

// remoteError is a request the coordinator received and refused.
type remoteError struct{ msg string }

func (e *remoteError) Error() string { return e.msg }

func send(url, target, text string) ([]string, error) {
	var reply natsbus.Reply
	if err := request(url, natsbus.TopicControlSend, natsbus.SendRequest{Target: target, Text: text}, &reply); err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, &remoteError{reply.Error}
	}
	return reply.To, nil
}

func inject(socketDir string, id fleet.AgentID, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	conn, err := transport.Dial(ctx, socketDir, id, 0)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Send(transport.Message{From: "operator", Text: text})
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var reply coordinator.StatusReply
	if err := request(natsURL(cfg), natsbus.TopicControlStatus, struct{}{}, &reply); err != nil {
		fmt.Fprintf(os.Stderr, "Control plane unavailable (%v); probing sockets in %s\n", err, cfg.Socket.Dir)
		fmt.Print(probeAll(cfg.Socket.Dir))
		return nil
	}
	if !reply.OK || reply.Status == nil {
		return &remoteError{reply.Error}
	}
	fmt.Print(formatStatus(*reply.Status))
	return nil
}

func probeAll(socketDir string) string {
	ids := []fleet.AgentID{fleet.Manager, fleet.Architect, fleet.Scorer}
	for slot := range fleet.MaxCrew {
		ids = append(ids, fleet.Developer(slot))
	}
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "  %-12s %s\n", id, transport.Probe(socketDir, id))
	}
	return b.String()
}

func formatStatus(st coordinator.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run:     %s\n", st.RunID)
	fmt.Fprintf(&b, "State:   %s\n", st.State)
	fmt.Fprintf(&b, "Goal:    %s\n", st.Goal)
	fmt.Fprintf(&b, "Crew:    %d developer(s), manager generation %d\n", st.CrewSize, st.ManagerGeneration)
	if st.LastRelief != nil {
		fmt.Fprintf(&b, "Relief:  %s\n", st.LastRelief.Local().Format(time.DateTime))
	}

	b.WriteString("\nAgents:\n")
	for _, a := range st.Agents {
		fmt.Fprintf(&b, "  %-12s %-10s pid %-7d gen %-3d turns %-4d queued %d", a.Name, a.Status, a.Pid, a.Generation, a.Turns, a.Pending)
		if a.SessionID != "" {
			fmt.Fprintf(&b, "  session %s", a.SessionID)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nTasks:\n")
	if len(st.Tasks) == 0 {
		b.WriteString("  No tasks found.\n")
	}
	for _, t := range st.Tasks {
		who := t.Assignee
		if who == "" {
			who = "unassigned"
		}
		status := string(t.Outcome)
		if status == "" {
			status = "open"
		}
		fmt.Fprintf(&b, "  [%s] %s: %s\n", who, status, t.Title)
	}
	return b.String()
}
