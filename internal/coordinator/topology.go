package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/crew/internal/fleet"
	"github.com/mtzanidakis/crew/internal/router"
	"github.com/mtzanidakis/crew/internal/supervisor"
	"github.com/mtzanidakis/crew/internal/tasklog"
	"github.com/mtzanidakis/crew/internal/transport"
)

// cmdRestartManager replaces a manager that exited on its own. Unlike a
// relief it is not subject to the cooldown.
const cmdRestartManager router.CommandKind = "restart_manager"

// maxManagerRetries bounds restarts of a manager that fails to start.
const maxManagerRetries = 3

// progress is reported by a background topology operation. The last report
// of an operation carries finish, which runs inside the control loop.
type progress struct {
	spawned *fleet.AgentInfo
	killed  *fleet.AgentID
	finish  func()
}

type reporter func(progress)

// startOp runs fn on a background goroutine. Spawns and kills block, so
// the control loop only ever sees their outcome.
func (c *Coordinator) startOp(fn func(ctx context.Context, report reporter) func()) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.busy = true
	c.opCancel = cancel
	go func() {
		defer cancel()
		report := func(p progress) { c.progress <- p }
		finish := fn(ctx, report)
		if finish == nil {
			finish = func() {}
		}
		report(progress{finish: finish})
	}()
}

func (c *Coordinator) handleProgress(p progress) {
	switch {
	case p.spawned != nil:
		info := *p.spawned
		c.current[info.ID] = max(c.current[info.ID], info.Generation)
		// The process may already have died and been reaped.
		if cur, ok := c.sup.Get(info.ID); !ok || cur.Generation != info.Generation {
			c.log.Warn("agent gone before it joined the fleet", "agent", info.ID)
			return
		}
		c.live[info.ID] = info
		c.recordAgent(info, "spawn")
		c.publish("spawn", info)
		if info.ID == fleet.Manager {
			c.flushDeferred()
		}
	case p.killed != nil:
		if info, ok := c.live[*p.killed]; ok {
			delete(c.live, *p.killed)
			c.recordAgent(info, "kill")
		}
		c.publish("kill", map[string]string{"agent": p.killed.String()})
	case p.finish != nil:
		c.busy = false
		c.opCancel = nil
		p.finish()
		c.runPending()
	}
}

// spawnAll brings up ids in order. On failure the ones already started are
// stopped again, newest first.
func (c *Coordinator) spawnAll(ctx context.Context, report reporter, ids []fleet.AgentID, promptFor map[fleet.AgentID]string) error {
	var started []fleet.AgentID
	for _, id := range ids {
		info, err := c.sup.Spawn(ctx, id, promptFor[id])
		if err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = c.sup.Kill(started[i])
				report(progress{killed: &started[i]})
			}
			return err
		}
		started = append(started, id)
		report(progress{spawned: &info})
	}
	return nil
}

func (c *Coordinator) bootstrap() {
	var ids []fleet.AgentID
	for _, role := range fleet.Roles {
		ids = append(ids, fleet.Singleton(role))
	}
	ids = append(ids, fleet.Developer(0))
	promptFor := make(map[fleet.AgentID]string, len(ids))
	for _, id := range ids {
		promptFor[id] = c.opts.Prompt(id, c.opts.Goal)
	}
	c.managerGen = 1

	c.startOp(func(ctx context.Context, report reporter) func() {
		if err := c.spawnAll(ctx, report, ids, promptFor); err != nil {
			return func() {
				c.fatal = fmt.Errorf("bootstrap: %w", err)
				var bindErr *transport.BindError
				if errors.As(err, &bindErr) {
					c.fatal = fmt.Errorf("bootstrap: socket path unusable: %w", err)
				}
				c.log.Error("bootstrap failed", "error", err)
				c.setState(StateTerminated)
			}
		}
		return func() {
			c.crew = 1
			c.setState(StateRunning)
			held := c.held
			c.held = nil
			for _, ev := range held {
				c.handleEvent(ev)
			}
		}
	})
}

// command executes a coordinator command, or queues it behind the
// operation in progress.
func (c *Coordinator) command(cmd router.Command) {
	if c.busy || c.state != StateRunning {
		c.pending = append(c.pending, cmd)
		return
	}
	c.log.Info("command", "kind", cmd.Kind, "count", cmd.Count, "reason", cmd.Reason)

	switch cmd.Kind {
	case router.CmdSetCrewSize:
		c.setCrewSize(cmd.Count)
	case router.CmdRelieveManager:
		c.relieve(cmd.Reason, false)
	case cmdRestartManager:
		c.relieve(cmd.Reason, true)
	case router.CmdShutdown:
		c.log.Info("goal complete", "summary", cmd.Reason)
		c.publish("goal_complete", map[string]string{"summary": cmd.Reason})
		c.alert("Goal complete: " + cmd.Reason)
		c.setState(StateTerminated)
	}
}

func (c *Coordinator) runPending() {
	for len(c.pending) > 0 && !c.busy && c.state == StateRunning {
		cmd := c.pending[0]
		c.pending = c.pending[1:]
		c.command(cmd)
	}
}

// setCrewSize reconciles developer slots with clamp(n): missing slots are
// spawned in increasing order, surplus ones killed in decreasing order.
func (c *Coordinator) setCrewSize(n int) {
	target := fleet.ClampCrew(n)
	if target != n {
		c.log.Warn("crew size clamped", "requested", n, "size", target)
	}

	var missing, surplus []fleet.AgentID
	for slot := range target {
		if id := fleet.Developer(slot); !c.isLive(id) {
			missing = append(missing, id)
		}
	}
	for slot := fleet.MaxCrew - 1; slot >= target; slot-- {
		if id := fleet.Developer(slot); c.isLive(id) {
			surplus = append(surplus, id)
		}
	}
	if len(missing) == 0 && len(surplus) == 0 {
		c.crew = target
		c.log.Info("crew size unchanged", "size", target)
		return
	}

	promptFor := make(map[fleet.AgentID]string, len(missing))
	for _, id := range missing {
		promptFor[id] = c.opts.Prompt(id, c.opts.Goal)
	}
	previous := c.crew

	c.startOp(func(ctx context.Context, report reporter) func() {
		if err := c.spawnAll(ctx, report, missing, promptFor); err != nil {
			return func() { c.crewFailed(previous, target, err) }
		}
		for _, id := range surplus {
			_ = c.sup.Kill(id)
			report(progress{killed: &id})
		}
		return func() {
			c.crew = target
			c.log.Info("crew size set", "size", target, "previous", previous)
			c.publish("crew", map[string]int{"size": target, "previous": previous})
		}
	})
}

func (c *Coordinator) crewFailed(previous, target int, err error) {
	c.crew = previous
	c.log.Error("crew change rolled back", "size", previous, "requested", target, "error", err)
	c.publish("crew_failed", map[string]any{"size": previous, "requested": target, "error": err.Error()})

	var spawnErr *supervisor.SpawnError
	if errors.As(err, &spawnErr) {
		c.alert(fmt.Sprintf("Could not start %s: %v", spawnErr.ID, spawnErr.Err))
	}
	c.deliver(fleet.Manager, "coordinator", router.Inbox(router.ContextRoutingError, "coordinator",
		fmt.Sprintf("CREW %d failed: %v. The crew size stays at %d.", target, err, previous)))
}

// relieve replaces the manager with one briefed from the task log. A forced
// replacement skips the cooldown and does not count as a relief.
func (c *Coordinator) relieve(reason string, forced bool) {
	now := c.opts.Clock()
	cooldown := c.opts.Fleet.RelieveCooldown
	if !forced && !c.lastRelief.IsZero() && now.Sub(c.lastRelief) < cooldown {
		remaining := cooldown - now.Sub(c.lastRelief)
		c.log.Warn("relieve ignored", "error", ErrCooldown, "remaining", remaining.Round(time.Second), "reason", reason)
		c.publish("relief_rejected", map[string]any{"reason": reason, "remaining_seconds": remaining.Seconds()})
		return
	}

	generation := c.managerGen + 1
	briefing := c.tasks.Briefing(tasklog.BriefingInfo{
		Reason:     reason,
		Generation: generation,
		Developers: c.liveDevelopers(),
		Recent:     c.opts.Fleet.BriefingEntries,
	})
	prompt := briefing + "\n\n" + c.opts.Prompt(fleet.Manager, c.opts.Goal)

	c.log.Warn("relieving manager", "generation", generation, "reason", reason, "forced", forced)
	c.setState(StateManagerReplacing)

	c.startOp(func(ctx context.Context, report reporter) func() {
		_ = c.sup.Kill(fleet.Manager)
		report(progress{killed: &fleet.Manager})

		info, err := c.sup.Spawn(ctx, fleet.Manager, prompt)
		if err != nil {
			return func() { c.managerFailed(reason, err) }
		}
		report(progress{spawned: &info})
		return func() {
			c.managerGen = generation
			c.managerRetries = 0
			if !forced {
				c.lastRelief = c.opts.Clock()
			}
			c.setState(StateRunning)
			c.publish("relief", map[string]any{"reason": reason, "generation": generation, "forced": forced})
			c.alert(fmt.Sprintf("Manager replaced (generation %d): %s", generation, reason))
		}
	})
}

// managerFailed handles a replacement manager that did not start. The old
// one is already gone, so it is retried a few times before the run is
// given up.
func (c *Coordinator) managerFailed(reason string, err error) {
	c.managerRetries++
	c.log.Error("replacement manager failed to start", "attempt", c.managerRetries, "error", err)
	c.publish("relief_failed", map[string]any{"reason": reason, "error": err.Error(), "attempt": c.managerRetries})

	if c.managerRetries > maxManagerRetries {
		c.fatal = fmt.Errorf("manager could not be restarted after %d attempts: %w", c.managerRetries, err)
		c.setState(StateTerminated)
		return
	}
	c.alert(fmt.Sprintf("Replacement manager failed to start (attempt %d): %v", c.managerRetries, err))
	c.setState(StateRunning)
	c.command(router.Command{Kind: cmdRestartManager, Reason: reason})
}
