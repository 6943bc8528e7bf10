package coordinator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mtzanidakis/crew/internal/fleet"
	"github.com/mtzanidakis/crew/internal/protocol"
	"github.com/mtzanidakis/crew/internal/router"
	"github.com/mtzanidakis/crew/internal/store"
	"github.com/mtzanidakis/crew/internal/supervisor"
	"github.com/mtzanidakis/crew/internal/tasklog"
	"github.com/mtzanidakis/crew/internal/transport"
)

const (
	// maxReorder bounds how many out-of-order frames one sender may have
	// buffered before the gap is given up on.
	maxReorder = 64
	// maxDeferred bounds messages held for a manager that is being replaced.
	maxDeferred = 64
)

// senderKey identifies one connection's sequence space. A respawned agent
// starts counting again from 1.
type senderKey struct {
	id  fleet.AgentID
	gen int
}

// reorder releases a sender's frames in sequence order.
type reorder struct {
	next uint64
	buf  map[uint64]transport.Message
}

func newReorder() *reorder {
	return &reorder{next: 1, buf: make(map[uint64]transport.Message)}
}

// push returns the frames that are now in order, possibly none. Frames
// without a sequence number pass straight through, duplicates are dropped.
func (r *reorder) push(m transport.Message) []transport.Message {
	if m.Seq == 0 {
		return []transport.Message{m}
	}
	if m.Seq < r.next {
		return nil
	}
	r.buf[m.Seq] = m

	if len(r.buf) > maxReorder {
		seqs := make([]uint64, 0, len(r.buf))
		for s := range r.buf {
			seqs = append(seqs, s)
		}
		r.next = slices.Min(seqs)
	}

	var out []transport.Message
	for {
		next, ok := r.buf[r.next]
		if !ok {
			return out
		}
		delete(r.buf, r.next)
		out = append(out, next)
		r.next++
	}
}

func (c *Coordinator) handleEvent(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventMessage:
		if c.state == StateBootstrapping {
			c.held = append(c.held, ev)
			return
		}
		if ev.Injected {
			c.log.Info("operator message injected", "agent", ev.ID)
			c.deliver(ev.ID, "operator", router.Inbox(router.ContextInfo, "operator", ev.Message.Text))
			return
		}
		// An agent that was just killed or has exited may still have frames
		// in flight; those are routed. Only a replaced generation is stale.
		if ev.Generation < c.current[ev.ID] {
			c.log.Debug("dropping message from replaced agent", "agent", ev.ID, "generation", ev.Generation)
			return
		}
		c.current[ev.ID] = ev.Generation
		key := senderKey{ev.ID, ev.Generation}
		r, ok := c.inbound[key]
		if !ok {
			r = newReorder()
			c.inbound[key] = r
		}
		for _, m := range r.push(ev.Message) {
			c.route(ev.ID, m)
		}

	case supervisor.EventExit:
		c.handleExit(ev)

	case supervisor.EventConnError:
		c.log.Warn("agent connection dropped", "agent", ev.ID, "error", ev.Err)
		c.publish("conn_error", map[string]string{"agent": ev.ID.String(), "error": fmt.Sprint(ev.Err)})
	}
}

func (c *Coordinator) handleExit(ev supervisor.Event) {
	delete(c.inbound, senderKey{ev.ID, ev.Generation})
	if c.journal != nil {
		c.journal.AgentEvent(store.AgentEvent{
			Agent:      ev.ID.String(),
			Generation: ev.Generation,
			Event:      "exit",
			Status:     ev.Status.String(),
		})
	}

	info, ok := c.live[ev.ID]
	if ev.Expected || !ok || info.Generation != ev.Generation {
		return
	}
	delete(c.live, ev.ID)
	c.log.Warn("agent exited unexpectedly", "agent", ev.ID, "status", ev.Status, "generation", ev.Generation)
	c.publish("agent_exit", map[string]any{"agent": ev.ID.String(), "status": ev.Status, "generation": ev.Generation})
	c.alert(fmt.Sprintf("%s exited unexpectedly: %s", ev.ID, ev.Status))

	switch {
	case ev.ID == fleet.Manager:
		c.command(router.Command{
			Kind:   cmdRestartManager,
			Reason: fmt.Sprintf("the previous manager exited unexpectedly (%s)", ev.Status),
		})
	case ev.ID.IsDeveloper():
		c.deliver(fleet.Manager, "coordinator", router.Inbox(router.ContextInfo, "coordinator",
			fmt.Sprintf("%s exited unexpectedly (%s). Send CREW: %d to bring the slot back.", ev.ID, ev.Status, c.crew)))
	default:
		c.deliver(fleet.Manager, "coordinator", router.Inbox(router.ContextInfo, "coordinator",
			fmt.Sprintf("%s exited unexpectedly (%s) and is no longer available.", ev.ID, ev.Status)))
	}
}

// route acts on one block emitted by from.
func (c *Coordinator) route(from fleet.AgentID, m transport.Message) {
	p := protocol.Parse(m.Text)
	d := router.Route(from, p, c.isLive)

	names := make([]string, len(d.To))
	for i, id := range d.To {
		names[i] = id.String()
	}
	c.log.Debug("routed", "from", from, "kind", p.Kind, "action", d.Action, "to", names)
	if c.journal != nil {
		c.journal.Message(store.Message{
			Sender:     from.String(),
			Seq:        m.Seq,
			Kind:       string(p.Kind),
			Action:     string(d.Action),
			Recipients: strings.Join(names, ","),
			Content:    p.Raw,
		})
	}
	c.publish("message", map[string]any{
		"from":   from.String(),
		"seq":    m.Seq,
		"kind":   p.Kind,
		"action": d.Action,
		"to":     names,
		"text":   p.Raw,
	})

	switch d.Action {
	case router.ActionLogOnly:
		if d.Err != nil {
			c.log.Warn("routing failed", "error", d.Err)
			c.publish("routing_error", map[string]string{"from": from.String(), "error": d.Err.Error()})
			c.deliver(from, "coordinator", router.Inbox(router.ContextRoutingError, "coordinator", d.Notice))
			return
		}
		switch p.Kind {
		case protocol.KindEvaluation, protocol.KindObservation:
			c.log.Info("scorer report", "kind", p.Kind, "summary", p.Summary())
		case protocol.KindUnrecognized:
			c.log.Debug("unrecognized output", "from", from, "summary", p.Summary())
		default:
			c.log.Info("message not routed", "from", from, "kind", p.Kind)
		}

	case router.ActionDeliver, router.ActionBroadcast:
		c.applyLog(from, d, p)
		for _, to := range d.To {
			c.deliver(to, from.String(), router.Inbox(d.Context, from.String(), p.Raw))
		}

	case router.ActionCommand:
		c.command(d.Command)
	}
}

func (c *Coordinator) applyLog(from fleet.AgentID, d router.Decision, p protocol.ParsedOutput) {
	var (
		e  tasklog.Entry
		ok = true
	)
	switch d.Log {
	case router.LogAppend:
		e = c.tasks.Append(p)
	case router.LogAssign:
		e, ok = c.tasks.Assign(d.Assignee, p)
	case router.LogReject:
		e, ok = c.tasks.Reject(p)
	case router.LogComplete:
		e = c.tasks.Finish(from, tasklog.OutcomeComplete, p)
	case router.LogBlocked:
		e = c.tasks.Finish(from, tasklog.OutcomeBlocked, p)
	default:
		return
	}
	if !ok {
		c.log.Debug("no open task for log effect", "effect", d.Log, "from", from)
		return
	}
	c.recordTask(e)
}

// deliver queues text for a live agent. Messages for a manager that is not
// running are held until its replacement is up.
func (c *Coordinator) deliver(to fleet.AgentID, from, text string) bool {
	if !c.isLive(to) {
		if to == fleet.Manager && c.state != StateTerminated {
			if len(c.deferred) == maxDeferred {
				c.deferred = c.deferred[1:]
			}
			c.deferred = append(c.deferred, deferredMessage{from: from, text: text})
			return true
		}
		c.log.Warn("recipient not running, message dropped", "to", to, "from", from)
		return false
	}

	c.outSeq[to]++
	err := c.sup.Deliver(to, transport.Message{From: from, Seq: c.outSeq[to], Text: text})
	if err != nil {
		c.log.Warn("deliver failed", "to", to, "error", err)
		return false
	}
	return true
}

type deferredMessage struct {
	from string
	text string
}

func (c *Coordinator) flushDeferred() {
	held := c.deferred
	c.deferred = nil
	for _, m := range held {
		c.deliver(fleet.Manager, m.from, m.text)
	}
}
