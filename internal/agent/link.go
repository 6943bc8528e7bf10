// Package agent bridges a running backend process to its transport
// endpoint: inbox frames become user turns, and each finished turn is split
// into protocol blocks and sent back as frames.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mtzanidakis/crew/internal/backend"
	"github.com/mtzanidakis/crew/internal/fleet"
	"github.com/mtzanidakis/crew/internal/protocol"
	"github.com/mtzanidakis/crew/internal/transport"
)

// ErrBackendGone is returned when the backend stops before it ever produced
// output.
var ErrBackendGone = errors.New("backend exited before producing output")

type LinkConfig struct {
	ID        fleet.AgentID
	SocketDir string
	MaxFrame  int
	Handle    backend.Handle
	Output    <-chan backend.Output
	Sessions  *SessionTracker
}

type Link struct {
	cfg   LinkConfig
	conn  *transport.Conn
	queue *InboxQueue
	acc   protocol.Accumulator
	seq   uint64
	log   *slog.Logger
}

// Run waits for the backend's first output, dials the agent endpoint and
// shuttles messages until the backend's output ends or ctx is done.
func Run(ctx context.Context, cfg LinkConfig) error {
	l := &Link{
		cfg:   cfg,
		queue: NewInboxQueue(),
		log:   slog.With("agent", cfg.ID.String()),
	}
	if cfg.Sessions == nil {
		l.cfg.Sessions = NewSessionTracker()
	}

	var first backend.Output
	select {
	case o, ok := <-cfg.Output:
		if !ok {
			return ErrBackendGone
		}
		first = o
	case <-ctx.Done():
		return ctx.Err()
	}

	conn, err := transport.Dial(ctx, cfg.SocketDir, cfg.ID, cfg.MaxFrame)
	if err != nil {
		return fmt.Errorf("link %s: %w", cfg.ID, err)
	}
	l.conn = conn
	defer conn.Close()

	// The initial prompt is the first turn.
	l.queue.Begin()

	go l.readInbox()

	if err := l.handle(first); err != nil {
		return err
	}
	for {
		select {
		case o, ok := <-cfg.Output:
			if !ok {
				l.flush()
				return nil
			}
			if err := l.handle(o); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Link) handle(o backend.Output) error {
	l.cfg.Sessions.Touch(l.cfg.ID, o.SessionID)

	switch o.Kind {
	case backend.OutputText:
		l.acc.Add(o.Text)
	case backend.OutputResult:
		if o.IsError {
			l.log.Warn("backend turn ended with error", "result", o.Text)
		}
		l.acc.SetResult(o.Text)
	case backend.OutputError:
		l.log.Error("backend error", "error", o.Text)
	}

	if !o.Final() {
		return nil
	}
	if err := l.flush(); err != nil {
		return err
	}
	l.queue.Done()
	l.cfg.Sessions.EndTurn(l.cfg.ID, l.queue.Len())
	l.next()
	return nil
}

// flush sends the accumulated turn as one frame per protocol block. A
// block too large for a frame is dropped; its sequence number is reused so
// the receiver sees no gap.
func (l *Link) flush() error {
	for _, block := range l.acc.Flush() {
		err := l.conn.Send(transport.Message{From: l.cfg.ID.String(), Seq: l.seq + 1, Text: block})
		var ferr *transport.FramingError
		if errors.As(err, &ferr) {
			l.log.Warn("dropping output block", "bytes", len(block), "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("send block: %w", err)
		}
		l.seq++
	}
	return nil
}

// next starts a turn for the oldest queued inbox message, if idle.
func (l *Link) next() {
	msg, ok := l.queue.Next()
	if !ok {
		return
	}
	if err := l.cfg.Handle.Send(msg); err != nil {
		l.log.Error("deliver to backend failed", "error", err)
		l.queue.Done()
	}
}

func (l *Link) readInbox() {
	for {
		m, err := l.conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.log.Debug("inbox closed", "error", err)
			}
			return
		}
		l.queue.Enqueue(m.Text)
		l.next()
	}
}
