package transport

import (
	"errors"
	"fmt"
)

var errInUse = errors.New("socket is in use by a live listener")

// BindError means the endpoint path could not be listened on.
type BindError struct {
	Path string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Path, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// AuthError means the connecting process runs as a different user. The
// connection is closed before any payload is read.
type AuthError struct {
	PeerUID uint32
	WantUID uint32
	PeerPID int32
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peer credentials: %v", e.Err)
	}
	return fmt.Sprintf("peer uid %d (pid %d) does not match uid %d", e.PeerUID, e.PeerPID, e.WantUID)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FramingError means a frame was oversized, truncated or not valid JSON.
type FramingError struct {
	Reason string
	Size   int
	Err    error
}

func (e *FramingError) Error() string {
	msg := "framing: " + e.Reason
	if e.Size > 0 {
		msg += fmt.Sprintf(" (%d bytes)", e.Size)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FramingError) Unwrap() error { return e.Err }
