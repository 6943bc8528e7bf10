// Package transport carries framed messages between the coordinator and
// agent processes over unix domain sockets. Every accepted connection must
// come from a process running as the same user as the coordinator.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mtzanidakis/crew/internal/fleet"
)

const probeTimeout = 500 * time.Millisecond

// SocketPath derives the endpoint path for an agent: <dir>/<role>.sock, or
// <dir>/developer-<slot>.sock for developers.
func SocketPath(baseDir string, id fleet.AgentID) string {
	return filepath.Join(baseDir, id.String()+".sock")
}

type Listener struct {
	id       fleet.AgentID
	path     string
	ln       *net.UnixListener
	uid      uint32
	maxFrame int

	closeOnce sync.Once
	closeErr  error
}

// Listen binds the endpoint for id under baseDir. A socket file left behind
// by a dead process is removed; one that still answers yields a *BindError.
func Listen(baseDir string, id fleet.AgentID, maxFrame int) (*Listener, error) {
	path := SocketPath(baseDir, id)

	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, &BindError{Path: path, Err: err}
	}

	if _, err := os.Lstat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, probeTimeout); err == nil {
			conn.Close()
			return nil, &BindError{Path: path, Err: errInUse}
		}
		slog.Debug("removing stale socket", "path", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &BindError{Path: path, Err: err}
		}
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, &BindError{Path: path, Err: err}
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, &BindError{Path: path, Err: err}
	}

	return &Listener{
		id:       id,
		path:     path,
		ln:       ln,
		uid:      uint32(os.Getuid()),
		maxFrame: maxFrame,
	}, nil
}

func (l *Listener) Path() string { return l.path }

func (l *Listener) ID() fleet.AgentID { return l.id }

// Accept blocks until a peer connects or ctx is done. A peer running as a
// different user is disconnected and reported as *AuthError.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			_ = l.ln.SetDeadline(time.Now())
		case <-done:
		}
	}()

	c, err := l.ln.AcceptUnix()
	close(done)
	<-stopped
	_ = l.ln.SetDeadline(time.Time{})

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	uid, pid, err := peerCredentials(c)
	if err != nil {
		c.Close()
		return nil, &AuthError{WantUID: l.uid, Err: err}
	}
	if uid != l.uid {
		c.Close()
		return nil, &AuthError{PeerUID: uid, WantUID: l.uid, PeerPID: pid}
	}

	return newConn(c, pid, l.maxFrame), nil
}

// Close stops listening and unlinks the socket file. Safe to call more than
// once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) && l.closeErr == nil {
			l.closeErr = err
		}
	})
	return l.closeErr
}

// Conn is one framed, bidirectional stream. Send may be called from several
// goroutines; Receive must only be called from one.
type Conn struct {
	c        *net.UnixConn
	pid      int32
	maxFrame int
	wmu      sync.Mutex
}

func newConn(c *net.UnixConn, pid int32, maxFrame int) *Conn {
	return &Conn{c: c, pid: pid, maxFrame: maxFrame}
}

// Dial connects to the endpoint of id under baseDir.
func Dial(ctx context.Context, baseDir string, id fleet.AgentID, maxFrame int) (*Conn, error) {
	return DialPath(ctx, SocketPath(baseDir, id), maxFrame)
}

func DialPath(ctx context.Context, path string, maxFrame int) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return newConn(c.(*net.UnixConn), 0, maxFrame), nil
}

// PeerPID is the pid reported by the kernel for an accepted connection, or
// zero for dialed connections.
func (c *Conn) PeerPID() int32 { return c.pid }

func (c *Conn) Send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.c, m, c.maxFrame)
}

func (c *Conn) Receive() (Message, error) {
	return ReadFrame(c.c, c.maxFrame)
}

func (c *Conn) Close() error {
	return c.c.Close()
}

// Probe reports whether an endpoint exists and answers: "listening",
// "stale socket" or "not running".
func Probe(baseDir string, id fleet.AgentID) string {
	path := SocketPath(baseDir, id)
	if _, err := os.Lstat(path); err != nil {
		return "not running"
	}
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err != nil {
		return "stale socket"
	}
	conn.Close()
	return "listening"
}
