// Package coordinator runs a crew: one control loop that owns the fleet
// topology, the task log and the relief cooldown. Agent connections,
// operator requests and background topology operations all report to it
// over channels.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/crew/internal/agent"
	"github.com/mtzanidakis/crew/internal/backend"
	"github.com/mtzanidakis/crew/internal/config"
	"github.com/mtzanidakis/crew/internal/fleet"
	"github.com/mtzanidakis/crew/internal/prompts"
	"github.com/mtzanidakis/crew/internal/router"
	"github.com/mtzanidakis/crew/internal/store"
	"github.com/mtzanidakis/crew/internal/supervisor"
	"github.com/mtzanidakis/crew/internal/tasklog"
)

type State string

const (
	StateBootstrapping    State = "bootstrapping"
	StateRunning          State = "running"
	StateManagerReplacing State = "manager_replacing"
	StateTerminated       State = "terminated"
)

var (
	// ErrCooldown rejects a relief requested too soon after the last one.
	// It is logged, never returned to the operator.
	ErrCooldown = errors.New("relieve rejected: cooldown active")
	// ErrStopped is returned by operator calls once the run has ended.
	ErrStopped = errors.New("coordinator stopped")
)

// Publisher receives every coordinator event. *natsbus.Client implements it.
type Publisher interface {
	PublishEvent(eventType string, payload any) error
}

// Notifier forwards alerts to the operator.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Options struct {
	Fleet     config.FleetConfig
	SocketDir string
	Goal      string
	Backend   backend.Backend

	// Optional collaborators.
	Store      *store.Store
	ArchiveDir string
	Events     Publisher
	Alerts     Notifier
	Logger     *slog.Logger
	// Clock drives the relief cooldown. Defaults to time.Now.
	Clock func() time.Time
	// Prompt builds an agent's initial prompt. Defaults to prompts.For.
	Prompt func(id fleet.AgentID, goal string) string
}

type Coordinator struct {
	opts     Options
	runID    string
	log      *slog.Logger
	sup      *supervisor.Supervisor
	journal  *store.Journal
	events   chan supervisor.Event
	progress chan progress
	requests chan request
	done     chan struct{}

	// Everything below is owned by the control loop.
	ctx            context.Context
	state          State
	live           map[fleet.AgentID]fleet.AgentInfo
	crew           int
	tasks          *tasklog.Log
	lastRelief     time.Time
	managerGen     int
	// managerRetries counts consecutive failed manager starts.
	managerRetries int
	busy           bool
	opCancel       context.CancelFunc
	pending        []router.Command
	held           []supervisor.Event
	inbound        map[senderKey]*reorder
	// current is the newest generation seen per agent. Frames from older
	// generations are stale.
	current        map[fleet.AgentID]int
	outSeq         map[fleet.AgentID]uint64
	deferred       []deferredMessage
	fatal          error
}

func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Prompt == nil {
		opts.Prompt = prompts.For
	}
	if opts.Fleet.RelieveCooldown <= 0 {
		opts.Fleet.RelieveCooldown = 60 * time.Second
	}

	runID := uuid.NewString()
	c := &Coordinator{
		opts:     opts,
		runID:    runID,
		log:      opts.Logger.With("run", runID),
		events:   make(chan supervisor.Event, 256),
		progress: make(chan progress, 16),
		requests: make(chan request),
		done:     make(chan struct{}),
		live:     make(map[fleet.AgentID]fleet.AgentInfo),
		tasks:    tasklog.New(opts.Clock),
		inbound:  make(map[senderKey]*reorder),
		current:  make(map[fleet.AgentID]int),
		outSeq:   make(map[fleet.AgentID]uint64),
	}
	c.tasks.Goal = opts.Goal
	c.sup = supervisor.New(supervisor.Config{
		SocketDir:    opts.SocketDir,
		WorkDir:      opts.Fleet.WorkingDir,
		StartupGrace: opts.Fleet.StartupGrace,
		KillGrace:    opts.Fleet.KillGrace,
		MaxFrame:     opts.Fleet.MaxFrameBytes,
		Backend:      opts.Backend,
		Sessions:     agent.NewSessionTracker(),
		Logger:       opts.Logger,
	}, c.events)
	if opts.Store != nil {
		c.journal = store.NewJournal(opts.Store, runID)
	}
	return c
}

func (c *Coordinator) RunID() string { return c.runID }

// Run bootstraps the fleet and services it until GOAL COMPLETE, a fatal
// error or ctx is done. Only fatal errors are returned.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	c.ctx = ctx

	if err := os.MkdirAll(c.opts.SocketDir, 0o700); err != nil {
		c.fatal = fmt.Errorf("socket directory unusable: %w", err)
		c.terminate()
		return c.fatal
	}
	if c.opts.Store != nil {
		if err := c.opts.Store.SaveRun(&store.Run{
			ID:      c.runID,
			Goal:    c.opts.Goal,
			Backend: c.opts.Backend.Name(),
			State:   string(StateBootstrapping),
		}); err != nil {
			c.log.Warn("record run failed", "error", err)
		}
	}

	c.log.Info("starting crew", "socket_dir", c.opts.SocketDir, "backend", c.opts.Backend.Name())
	c.setState(StateBootstrapping)
	c.bootstrap()

	for c.state != StateTerminated {
		select {
		case ev := <-c.events:
			c.handleEvent(ev)
		case p := <-c.progress:
			c.handleProgress(p)
		case req := <-c.requests:
			c.handleRequest(req)
		case <-ctx.Done():
			c.log.Info("interrupted, shutting down")
			c.setState(StateTerminated)
		}
	}

	c.terminate()
	return c.fatal
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Info("state change", "from", c.state, "to", s)
	c.state = s
	c.publish("state", map[string]string{"state": string(s)})
}

// terminate stops every agent and flushes the journal. It runs after the
// control loop has exited.
func (c *Coordinator) terminate() {
	c.state = StateTerminated

	if c.busy {
		c.opCancel()
		for p := range c.progress {
			if p.finish != nil {
				break
			}
		}
		c.busy = false
	}

	c.sup.Close()
	c.live = make(map[fleet.AgentID]fleet.AgentInfo)
	if err := os.Remove(c.opts.SocketDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Debug("socket directory not removed", "error", err)
	}

	result := string(StateTerminated)
	if c.fatal != nil {
		result = "failed"
		c.alert(fmt.Sprintf("crew run failed: %v", c.fatal))
	}
	if c.journal != nil {
		c.journal.EndRun(result)
		c.journal.Close()
	}
	if c.opts.Store != nil && c.opts.ArchiveDir != "" {
		if path, err := c.opts.Store.Archive(c.runID, c.opts.ArchiveDir); err != nil {
			c.log.Error("archive run failed", "error", err)
		} else {
			c.log.Info("run archived", "path", path)
		}
	}
	c.publish("terminated", map[string]string{"result": result})
	c.log.Info("crew stopped", "result", result, "tasks", c.tasks.Len())
}

func (c *Coordinator) isLive(id fleet.AgentID) bool {
	_, ok := c.live[id]
	return ok
}

func (c *Coordinator) liveDevelopers() int {
	n := 0
	for id := range c.live {
		if id.IsDeveloper() {
			n++
		}
	}
	return n
}

func (c *Coordinator) publish(eventType string, payload any) {
	if c.opts.Events == nil {
		return
	}
	if err := c.opts.Events.PublishEvent(eventType, payload); err != nil {
		c.log.Debug("publish event failed", "type", eventType, "error", err)
	}
}

// alert notifies the operator without holding up the caller.
func (c *Coordinator) alert(text string) {
	if c.opts.Alerts == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.opts.Alerts.Notify(ctx, text); err != nil {
			c.log.Warn("alert failed", "error", err)
		}
	}()
}

func (c *Coordinator) recordAgent(info fleet.AgentInfo, event string) {
	if c.journal == nil {
		return
	}
	c.journal.AgentEvent(store.AgentEvent{
		Agent:      info.Name,
		Generation: info.Generation,
		Event:      event,
		Status:     info.Status.String(),
		Pid:        info.Pid,
	})
}

func (c *Coordinator) recordTask(e tasklog.Entry) {
	c.publish("task", e)
	if c.journal == nil {
		return
	}
	c.journal.Task(store.Task{
		ID:          e.ID,
		Title:       e.Title,
		Description: e.Description,
		Requested:   e.Requested,
		Assignee:    e.Assignee,
		Outcome:     string(e.Outcome),
		Detail:      e.Detail,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	})
}
