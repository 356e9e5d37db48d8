// Package ipc implements the adapter contract over a process boundary. An
// engine runs as a separate process (or behind a local socket) and exchanges
// length-prefixed JSON frames: a 4-byte big-endian body length followed by
// the JSON body.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 16 << 20

var (
	ErrFrameTooLarge = errors.New("ipc frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("ipc frame is empty")
)

// Op is a request verb sent to the engine.
type Op string

const (
	OpStart  Op = "start"
	OpPush   Op = "push"
	OpClose  Op = "close"
	OpCancel Op = "cancel"
)

// Request is a frame sent to the engine.
type Request struct {
	Op         Op                `json:"op"`
	TurnID     uint64            `json:"turnId,omitempty"`
	SessionID  string            `json:"sessionId,omitempty"`
	SampleRate int               `json:"sampleRate,omitempty"`
	Language   string            `json:"language,omitempty"`
	Voice      string            `json:"voice,omitempty"`
	History    []adapterMessage  `json:"history,omitempty"`
	Text       string            `json:"text,omitempty"`
	Seq        uint32            `json:"seq,omitempty"`
	Audio      []byte            `json:"audio,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

type adapterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is a frame received from the engine.
type Response struct {
	Kind       string  `json:"kind"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Seq        uint32  `json:"seq,omitempty"`
	Audio      []byte  `json:"audio,omitempty"`
	DurationMs float64 `json:"durationMs,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// WriteFrame encodes v as one length-prefixed frame.
func WriteFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame from r and decodes it into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("ipc: short frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("ipc: decode frame: %w", err)
	}
	return nil
}
