package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"github.com/mtzanidakis/crew/internal/config"
)

// Claude runs the Claude Code CLI in stream-json mode. The process stays up
// for the life of the agent; each inbox message is another user turn.
type Claude struct {
	cfg config.ClaudeConfig
}

func NewClaude(cfg config.ClaudeConfig) *Claude {
	if cfg.CLIPath == "" {
		cfg.CLIPath = "claude"
	}
	return &Claude{cfg: cfg}
}

func (c *Claude) Name() string { return "claude" }

func claudeArgs(cfg config.ClaudeConfig, sessionID string) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, cfg.ExtraArgs...)
	if sessionID != "" {
		args = append(args, "--session-id", sessionID)
	}
	return args
}

func (c *Claude) Spawn(ctx context.Context, prompt, workDir, sessionID string) (Handle, <-chan Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cmd := exec.Command(c.cfg.CLIPath, claudeArgs(c.cfg, sessionID)...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 8 << 10}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", c.cfg.CLIPath, err)
	}

	h := &processHandle{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	out := make(chan Output, 64)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		pump(stdout, out, c.Name())
	}()
	go func() {
		// StdoutPipe must be drained before Wait.
		<-readDone
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	if err := h.Send(prompt); err != nil {
		_ = h.Kill()
		return nil, nil, fmt.Errorf("send initial prompt: %w", err)
	}

	slog.Debug("claude process started", "pid", cmd.Process.Pid, "dir", workDir, "session", sessionID)
	return h, out, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer

	mu     sync.Mutex
	closed bool

	done    chan struct{}
	waitErr error
}

func (h *processHandle) Send(text string) error {
	line, err := encodeUserTurn(text)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("process input is closed")
	}
	if _, err := h.stdin.Write(line); err != nil {
		return fmt.Errorf("write turn: %w", err)
	}
	return nil
}

func (h *processHandle) closeInput() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		_ = h.stdin.Close()
	}
}

// Terminate closes stdin, which ends a stream-json session, and sends SIGTERM
// to the process group.
func (h *processHandle) Terminate() error {
	h.closeInput()
	return h.signal(syscall.SIGTERM)
}

func (h *processHandle) Kill() error {
	h.closeInput()
	return h.signal(syscall.SIGKILL)
}

func (h *processHandle) signal(sig syscall.Signal) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	pid := h.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	return nil
}

func (h *processHandle) Wait() (int, error) {
	<-h.done
	if h.waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(h.waitErr, &exitErr) {
		if tail := h.stderr.String(); tail != "" {
			slog.Debug("backend stderr", "pid", h.Pid(), "tail", truncate(tail, 500))
		}
		return exitErr.ExitCode(), nil
	}
	return -1, h.waitErr
}

func (h *processHandle) Pid() int {
	return h.cmd.Process.Pid
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
