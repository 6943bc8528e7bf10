package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// DefaultMaxFrame bounds the JSON body of a single frame.
const DefaultMaxFrame = 1 << 20

const headerSize = 4

// Message is the unit exchanged over an agent socket. From is informational;
// the coordinator trusts the endpoint a frame arrived on, not this field.
type Message struct {
	From string `json:"from"`
	Seq  uint64 `json:"seq"`
	Text string `json:"text"`
}

// WriteFrame writes m as a 4-byte big-endian length followed by its JSON
// encoding. Bodies larger than maxSize are refused.
func WriteFrame(w io.Writer, m Message, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrame
	}
	body, err := json.Marshal(m)
	if err != nil {
		return &FramingError{Reason: "encode", Err: err}
	}
	if len(body) > maxSize {
		return &FramingError{Reason: "frame exceeds ceiling", Size: len(body)}
	}

	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[headerSize:], body)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one frame. A clean close between frames returns io.EOF;
// everything else that goes wrong while framing is a *FramingError.
func ReadFrame(r io.Reader, maxSize int) (Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrame
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, &FramingError{Reason: "connection closed mid-header", Err: err}
		}
		return Message{}, err
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if uint64(size) > uint64(maxSize) {
		return Message{}, &FramingError{Reason: "declared length exceeds ceiling", Size: int(size)}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, &FramingError{Reason: "connection closed mid-frame", Size: int(size), Err: err}
		}
		return Message{}, err
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, &FramingError{Reason: "malformed body", Size: int(size), Err: err}
	}
	return m, nil
}
