// Package supervisor owns the operating-system side of every agent: its
// backend process, its socket endpoint and the goroutines that move frames
// between them and the coordinator.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/crew/internal/agent"
	"github.com/mtzanidakis/crew/internal/backend"
	"github.com/mtzanidakis/crew/internal/fleet"
	"github.com/mtzanidakis/crew/internal/transport"
)

const (
	outboxSize = 64
	// drainTimeout bounds how long an exit waits for the agent's final
	// frames to be read.
	drainTimeout = 2 * time.Second
)

var (
	errAlreadyRunning = errors.New("already running")
	errNotReady       = errors.New("agent did not connect within startup grace")
	errOutboxFull     = errors.New("outbox full")
)

// SpawnError reports that an agent could not be brought to Ready.
type SpawnError struct {
	ID  fleet.AgentID
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.ID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

type EventKind string

const (
	// EventMessage carries one frame read from an agent endpoint.
	EventMessage EventKind = "message"
	// EventExit reports that a backend process stopped.
	EventExit EventKind = "exit"
	// EventConnError reports a connection dropped for auth or framing.
	EventConnError EventKind = "conn_error"
)

// Event is what the supervisor reports back to its owner. Generation tells
// events from a replaced process apart from those of its successor.
type Event struct {
	Kind       EventKind
	ID         fleet.AgentID
	Generation int
	Message    transport.Message
	// Injected marks frames from a connection other than the agent's own
	// link, e.g. an operator writing straight to the socket.
	Injected bool
	Status   fleet.Status
	// Expected is set on EventExit when the exit followed Kill.
	Expected bool
	Err      error
}

type Config struct {
	SocketDir    string
	WorkDir      string
	StartupGrace time.Duration
	KillGrace    time.Duration
	MaxFrame     int
	Backend      backend.Backend
	Sessions     *agent.SessionTracker
	Logger       *slog.Logger
}

type Supervisor struct {
	cfg    Config
	events chan<- Event
	log    *slog.Logger
	stop   chan struct{}

	mu    sync.Mutex
	procs map[fleet.AgentID]*process
	gen   int

	stopOnce sync.Once
}

type process struct {
	info   fleet.AgentInfo
	ln     *transport.Listener
	handle backend.Handle
	conn   *transport.Conn
	outbox chan transport.Message
	cancel context.CancelFunc
	exited chan struct{}

	// drained is closed once the link connection has been read to its end.
	drained chan struct{}

	mu        sync.Mutex
	injectors []*transport.Conn
	killing   bool
}

// New returns a supervisor that reports to events. The owner must keep
// draining events until Close returns.
func New(cfg Config, events chan<- Event) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = agent.NewSessionTracker()
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = 30 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		events: events,
		log:    cfg.Logger,
		stop:   make(chan struct{}),
		procs:  make(map[fleet.AgentID]*process),
	}
}

// Spawn starts the backend for id, binds its endpoint and waits for the
// agent to connect. Any failure is a *SpawnError and leaves nothing behind.
func (s *Supervisor) Spawn(ctx context.Context, id fleet.AgentID, prompt string) (fleet.AgentInfo, error) {
	s.mu.Lock()
	if _, ok := s.procs[id]; ok {
		s.mu.Unlock()
		return fleet.AgentInfo{}, &SpawnError{ID: id, Err: errAlreadyRunning}
	}
	s.gen++
	p := &process{
		info: fleet.AgentInfo{
			ID:         id,
			Name:       id.String(),
			Status:     fleet.Status{State: fleet.StateStarting},
			Socket:     transport.SocketPath(s.cfg.SocketDir, id),
			Generation: s.gen,
			StartedAt:  time.Now(),
		},
		outbox:  make(chan transport.Message, outboxSize),
		exited:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	s.procs[id] = p
	s.mu.Unlock()

	info, err := s.start(ctx, p, prompt)
	if err != nil {
		s.mu.Lock()
		if s.procs[id] == p {
			delete(s.procs, id)
		}
		s.mu.Unlock()
		return fleet.AgentInfo{}, &SpawnError{ID: id, Err: err}
	}
	return info, nil
}

func (s *Supervisor) start(ctx context.Context, p *process, prompt string) (fleet.AgentInfo, error) {
	id := p.info.ID
	log := s.log.With("agent", id.String())

	ln, err := transport.Listen(s.cfg.SocketDir, id, s.cfg.MaxFrame)
	if err != nil {
		return fleet.AgentInfo{}, err
	}
	p.ln = ln

	sessionID := uuid.NewString()
	handle, out, err := s.cfg.Backend.Spawn(ctx, prompt, s.cfg.WorkDir, sessionID)
	if err != nil {
		ln.Close()
		return fleet.AgentInfo{}, err
	}
	p.handle = handle
	s.cfg.Sessions.Start(id, sessionID)

	linkCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		err := agent.Run(linkCtx, agent.LinkConfig{
			ID:        id,
			SocketDir: s.cfg.SocketDir,
			MaxFrame:  s.cfg.MaxFrame,
			Handle:    handle,
			Output:    out,
			Sessions:  s.cfg.Sessions,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			// Without its link the agent can neither hear nor be heard.
			log.Warn("agent link stopped, stopping its process", "error", err)
			s.stopOrphan(p)
		}
	}()

	graceCtx, graceCancel := context.WithTimeout(ctx, s.cfg.StartupGrace)
	defer graceCancel()
	conn, err := s.acceptLink(graceCtx, ln, log)
	if err != nil {
		cancel()
		_ = handle.Kill()
		ln.Close()
		s.cfg.Sessions.Remove(id)
		if errors.Is(err, context.DeadlineExceeded) {
			err = errNotReady
		}
		return fleet.AgentInfo{}, err
	}

	s.mu.Lock()
	p.conn = conn
	p.info.Pid = handle.Pid()
	p.info.Status = fleet.Status{State: fleet.StateReady}
	info := p.info
	s.mu.Unlock()

	go s.writeLoop(p)
	go s.readLoop(p, conn, false)
	go s.acceptInjectors(p)
	go s.watch(p)

	log.Info("agent ready", "pid", info.Pid, "generation", info.Generation)
	return info, nil
}

// acceptLink waits for the first connection that passes the peer check.
func (s *Supervisor) acceptLink(ctx context.Context, ln *transport.Listener, log *slog.Logger) (*transport.Conn, error) {
	for {
		conn, err := ln.Accept(ctx)
		if err == nil {
			return conn, nil
		}
		var authErr *transport.AuthError
		if errors.As(err, &authErr) {
			log.Warn("rejected connection", "error", err)
			continue
		}
		return nil, err
	}
}

func (s *Supervisor) acceptInjectors(p *process) {
	id := p.info.ID
	for {
		conn, err := p.ln.Accept(context.Background())
		if err != nil {
			var authErr *transport.AuthError
			if errors.As(err, &authErr) {
				s.emit(Event{Kind: EventConnError, ID: id, Generation: p.info.Generation, Err: err})
				continue
			}
			return
		}
		p.mu.Lock()
		if p.killing {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.injectors = append(p.injectors, conn)
		p.mu.Unlock()
		go s.readLoop(p, conn, true)
	}
}

func (s *Supervisor) readLoop(p *process, conn *transport.Conn, injected bool) {
	if !injected {
		defer close(p.drained)
	}
	for {
		m, err := conn.Receive()
		if err != nil {
			var ferr *transport.FramingError
			if errors.As(err, &ferr) {
				s.emit(Event{Kind: EventConnError, ID: p.info.ID, Generation: p.info.Generation, Injected: injected, Err: err})
			}
			conn.Close()
			return
		}
		if !injected {
			s.setState(p, fleet.StateRunning)
		}
		s.emit(Event{Kind: EventMessage, ID: p.info.ID, Generation: p.info.Generation, Message: m, Injected: injected})
	}
}

func (s *Supervisor) writeLoop(p *process) {
	for {
		select {
		case m := <-p.outbox:
			if err := p.conn.Send(m); err != nil {
				s.log.Warn("deliver failed", "agent", p.info.ID.String(), "error", err)
			}
		case <-p.exited:
			return
		}
	}
}

// watch turns a process exit into an EventExit. An exit nobody asked for
// frees the slot.
func (s *Supervisor) watch(p *process) {
	code, err := p.handle.Wait()
	status := fleet.Status{State: fleet.StateExited, Code: code}
	if err != nil {
		status = fleet.Status{State: fleet.StateFailed, Reason: err.Error()}
	}

	p.mu.Lock()
	expected := p.killing
	p.mu.Unlock()

	s.mu.Lock()
	p.info.Status = status
	if !expected && s.procs[p.info.ID] == p {
		delete(s.procs, p.info.ID)
	}
	s.mu.Unlock()

	close(p.exited)
	s.awaitDrain(p)
	if !expected {
		s.release(p)
	}
	s.cfg.Sessions.Remove(p.info.ID)

	s.emit(Event{Kind: EventExit, ID: p.info.ID, Generation: p.info.Generation, Status: status, Expected: expected})
}

// Deliver queues one message for the agent's inbox without blocking.
func (s *Supervisor) Deliver(id fleet.AgentID, m transport.Message) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("deliver to %s: not running", id)
	}
	select {
	case p.outbox <- m:
		return nil
	default:
		return fmt.Errorf("deliver to %s: %w", id, errOutboxFull)
	}
}

// Kill stops the agent: Terminate, then Kill after the grace period. The
// endpoint is closed and its socket unlinked. Killing an absent id is a
// no-op.
func (s *Supervisor) Kill(id fleet.AgentID) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if ok {
		delete(s.procs, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	p.mu.Lock()
	p.killing = true
	p.mu.Unlock()

	log := s.log.With("agent", id.String())
	if err := p.handle.Terminate(); err != nil {
		log.Warn("terminate failed", "error", err)
	}

	timer := time.NewTimer(s.cfg.KillGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		log.Warn("agent ignored terminate, killing", "grace", s.cfg.KillGrace)
		if err := p.handle.Kill(); err != nil {
			log.Error("kill failed", "error", err)
		}
		select {
		case <-p.exited:
		case <-time.After(s.cfg.KillGrace):
			log.Error("agent still running after kill")
		}
	}

	s.awaitDrain(p)
	s.release(p)
	log.Info("agent stopped")
	return nil
}

// awaitDrain waits for the link's final frames after the process is gone.
// The link closes its connection once the backend output ends.
func (s *Supervisor) awaitDrain(p *process) {
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-p.drained:
	case <-timer.C:
		s.log.Warn("agent link not drained", "agent", p.info.ID.String())
	}
}

// stopOrphan stops a process whose link has died. Its exit is reported as
// unexpected, like any other.
func (s *Supervisor) stopOrphan(p *process) {
	p.mu.Lock()
	killing := p.killing
	p.mu.Unlock()
	if killing {
		return
	}

	if err := p.handle.Terminate(); err != nil {
		s.log.Warn("terminate failed", "agent", p.info.ID.String(), "error", err)
	}
	timer := time.NewTimer(s.cfg.KillGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		_ = p.handle.Kill()
	}
}

// KillAll stops every agent concurrently.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	ids := make([]fleet.AgentID, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Kill(id)
		}()
	}
	wg.Wait()
}

// Close kills every agent and stops event delivery.
func (s *Supervisor) Close() {
	s.KillAll()
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Supervisor) release(p *process) {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	p.killing = true
	injectors := p.injectors
	p.injectors = nil
	p.mu.Unlock()

	for _, c := range injectors {
		c.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	if err := p.ln.Close(); err != nil {
		s.log.Debug("close endpoint", "agent", p.info.ID.String(), "error", err)
	}
}

func (s *Supervisor) setState(p *process, state fleet.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.info.Status.Live() {
		p.info.Status.State = state
	}
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

// Get returns the current view of one agent.
func (s *Supervisor) Get(id fleet.AgentID) (fleet.AgentInfo, bool) {
	s.mu.Lock()
	p, ok := s.procs[id]
	var info fleet.AgentInfo
	if ok {
		info = p.info
	}
	s.mu.Unlock()
	if !ok {
		return fleet.AgentInfo{}, false
	}
	return s.withSession(info), true
}

// Snapshot lists every agent, singletons first then developers by slot.
func (s *Supervisor) Snapshot() []fleet.AgentInfo {
	s.mu.Lock()
	out := make([]fleet.AgentInfo, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.info)
	}
	s.mu.Unlock()

	for i := range out {
		out[i] = s.withSession(out[i])
	}
	slices.SortFunc(out, func(a, b fleet.AgentInfo) int {
		return compareID(a.ID, b.ID)
	})
	return out
}

func (s *Supervisor) withSession(info fleet.AgentInfo) fleet.AgentInfo {
	if sess, ok := s.cfg.Sessions.Get(info.ID); ok {
		info.SessionID = sess.SessionID
		info.Turns = sess.Turns
		info.Pending = sess.Pending
		info.LastActive = sess.LastActive
	}
	return info
}

func compareID(a, b fleet.AgentID) int {
	if a.IsDeveloper() != b.IsDeveloper() {
		if a.IsDeveloper() {
			return 1
		}
		return -1
	}
	if a.IsDeveloper() {
		return a.Slot - b.Slot
	}
	switch {
	case a.Role < b.Role:
		return -1
	case a.Role > b.Role:
		return 1
	}
	return 0
}
