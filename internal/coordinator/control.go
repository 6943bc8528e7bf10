package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/crew/internal/fleet"
	"github.com/mtzanidakis/crew/internal/natsbus"
	"github.com/mtzanidakis/crew/internal/router"
	"github.com/mtzanidakis/crew/internal/tasklog"
)

const controlTimeout = 10 * time.Second

// Status is a snapshot of a running crew.
type Status struct {
	RunID             string            `json:"run_id"`
	State             State             `json:"state"`
	Goal              string            `json:"goal"`
	CrewSize          int               `json:"crew_size"`
	ManagerGeneration int               `json:"manager_generation"`
	LastRelief        *time.Time        `json:"last_relief,omitempty"`
	Agents            []fleet.AgentInfo `json:"agents"`
	Tasks             []tasklog.Entry   `json:"tasks"`
}

// StatusReply answers a request on natsbus.TopicControlStatus.
type StatusReply struct {
	natsbus.Reply
	Status *Status `json:"status,omitempty"`
}

type request struct {
	send   *natsbus.SendRequest
	status bool
	reply  chan response
}

type response struct {
	to     []string
	status Status
	err    error
}

// Send delivers text from the operator to target, an agent name or "all".
// It returns the agents the text was queued for.
func (c *Coordinator) Send(ctx context.Context, target, text string) ([]string, error) {
	resp, err := c.submit(ctx, request{send: &natsbus.SendRequest{Target: target, Text: text}})
	if err != nil {
		return nil, err
	}
	return resp.to, resp.err
}

func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	resp, err := c.submit(ctx, request{status: true})
	return resp.status, err
}

func (c *Coordinator) submit(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case c.requests <- req:
	case <-c.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (c *Coordinator) handleRequest(req request) {
	if req.status {
		req.reply <- response{status: c.snapshot()}
		return
	}

	d, err := router.Operator(req.send.Target, c.isLive)
	if err != nil {
		c.log.Warn("operator send rejected", "target", req.send.Target, "error", err)
		req.reply <- response{err: err}
		return
	}
	var to []string
	for _, id := range d.To {
		if c.deliver(id, "operator", router.Inbox(d.Context, "operator", req.send.Text)) {
			to = append(to, id.String())
		}
	}
	c.log.Info("operator message", "target", req.send.Target, "delivered", to)
	c.publish("operator", map[string]any{"target": req.send.Target, "to": to, "text": req.send.Text})
	req.reply <- response{to: to}
}

func (c *Coordinator) snapshot() Status {
	s := Status{
		RunID:             c.runID,
		State:             c.state,
		Goal:              c.opts.Goal,
		CrewSize:          c.crew,
		ManagerGeneration: c.managerGen,
		Agents:            c.sup.Snapshot(),
		Tasks:             c.tasks.Entries(),
	}
	if !c.lastRelief.IsZero() {
		t := c.lastRelief
		s.LastRelief = &t
	}
	return s
}

// ServeControl answers operator requests arriving over NATS. The returned
// function unsubscribes.
func (c *Coordinator) ServeControl(client *natsbus.Client) (func(), error) {
	sendSub, err := client.Subscribe(natsbus.TopicControlSend, func(msg *nats.Msg) {
		var req natsbus.SendRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.respond(msg, natsbus.Reply{Error: "invalid request: " + err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()

		to, err := c.Send(ctx, req.Target, req.Text)
		if err != nil {
			c.respond(msg, natsbus.Reply{Error: err.Error()})
			return
		}
		c.respond(msg, natsbus.Reply{OK: true, To: to})
	})
	if err != nil {
		return nil, err
	}

	statusSub, err := client.Subscribe(natsbus.TopicControlStatus, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()

		st, err := c.Status(ctx)
		if err != nil {
			c.respond(msg, StatusReply{Reply: natsbus.Reply{Error: err.Error()}})
			return
		}
		c.respond(msg, StatusReply{Reply: natsbus.Reply{OK: true}, Status: &st})
	})
	if err != nil {
		_ = sendSub.Unsubscribe()
		return nil, err
	}

	return func() {
		_ = sendSub.Unsubscribe()
		_ = statusSub.Unsubscribe()
	}, nil
}

func (c *Coordinator) respond(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("encode control reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrMsgNoReply) {
		c.log.Warn("control reply failed", "subject", msg.Subject, "error", err)
	}
}
