// Package backendtest provides an in-memory Backend for tests that drive
// agents without a real assistant binary.
package backendtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/mtzanidakis/crew/internal/backend"
)

var ErrStopped = errors.New("process stopped")

// Fake spawns scripted processes. Every spawned process announces itself with
// a system event, then answers its prompt and each inbox message with
// Respond (an empty reply just ends the turn).
type Fake struct {
	// Respond produces the reply text for a prompt or inbox message.
	Respond func(input string) string
	// SpawnErr, when set, is consulted before each spawn.
	SpawnErr func(prompt string) error
	// Mute keeps processes silent after spawning, so they never connect.
	Mute bool
	// IgnoreTerm makes processes ignore Terminate, forcing a Kill.
	IgnoreTerm bool

	mu      sync.Mutex
	procs   []*Process
	nextPid int
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Spawn(_ context.Context, prompt, workDir, sessionID string) (backend.Handle, <-chan backend.Output, error) {
	if f.SpawnErr != nil {
		if err := f.SpawnErr(prompt); err != nil {
			return nil, nil, err
		}
	}

	f.mu.Lock()
	f.nextPid++
	p := &Process{
		Prompt:     prompt,
		WorkDir:    workDir,
		SessionID:  sessionID,
		pid:        10000 + f.nextPid,
		respond:    f.Respond,
		ignoreTerm: f.IgnoreTerm,
		out:        make(chan backend.Output, 256),
		exited:     make(chan struct{}),
	}
	f.procs = append(f.procs, p)
	f.mu.Unlock()

	if !f.Mute {
		p.push(backend.Output{Kind: backend.OutputSystem, SessionID: sessionID})
		p.reply(prompt)
	}
	return p, p.out, nil
}

// Processes returns every process spawned so far, oldest first.
func (f *Fake) Processes() []*Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Process(nil), f.procs...)
}

// Latest returns the newest process whose prompt contains substr.
func (f *Fake) Latest(substr string) *Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.procs) - 1; i >= 0; i-- {
		if strings.Contains(f.procs[i].Prompt, substr) {
			return f.procs[i]
		}
	}
	return nil
}

// Count returns how many processes were spawned with substr in the prompt.
func (f *Fake) Count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.procs {
		if strings.Contains(p.Prompt, substr) {
			n++
		}
	}
	return n
}

// Process is one fake backend process. It implements backend.Handle.
type Process struct {
	Prompt    string
	WorkDir   string
	SessionID string

	pid        int
	respond    func(string) string
	ignoreTerm bool

	mu     sync.Mutex
	inbox  []string
	out    chan backend.Output
	closed bool
	code   int
	exited chan struct{}
}

// Emit makes the process produce one complete turn of text.
func (p *Process) Emit(text string) {
	p.push(backend.Output{Kind: backend.OutputText, Text: text})
	p.push(backend.Output{Kind: backend.OutputResult, Text: text})
}

// Inbox returns the messages delivered to the process so far.
func (p *Process) Inbox() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.inbox...)
}

// Exit stops the process as if it died on its own.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.code = code
	close(p.out)
	close(p.exited)
}

// Exited reports whether the process has stopped.
func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *Process) reply(input string) {
	text := ""
	if p.respond != nil {
		text = p.respond(input)
	}
	if text != "" {
		p.push(backend.Output{Kind: backend.OutputText, Text: text})
	}
	p.push(backend.Output{Kind: backend.OutputResult, Text: text})
}

func (p *Process) push(o backend.Output) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.out <- o:
	default:
	}
}

func (p *Process) Send(text string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrStopped
	}
	p.inbox = append(p.inbox, text)
	p.mu.Unlock()

	p.reply(text)
	return nil
}

func (p *Process) Terminate() error {
	if p.ignoreTerm {
		return nil
	}
	p.Exit(143)
	return nil
}

func (p *Process) Kill() error {
	p.Exit(137)
	return nil
}

func (p *Process) Wait() (int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *Process) Pid() int { return p.pid }
