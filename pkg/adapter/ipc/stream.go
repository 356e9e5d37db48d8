package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
)

const cancelGrace = 100 * time.Millisecond

// Dialer opens a connection to an engine for one streaming operation.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Stream is an adapter backed by an out-of-process engine.
type Stream[I any] struct {
	*adapter.Base

	name   string
	dial   Dialer
	encode func(I) Request

	wmu  sync.Mutex
	conn io.ReadWriteCloser
	rate int
}

// NewRecognizer streams audio frames to a recognition engine.
func NewRecognizer(name string, dial Dialer) *Stream[audio.Frame] {
	return newStream(name, dial, func(f audio.Frame) Request {
		return Request{Op: OpPush, Seq: f.Seq, Audio: f.Payload}
	})
}

// NewGenerator sends the prompt to a generation engine.
func NewGenerator(name string, dial Dialer) *Stream[string] {
	return newStream(name, dial, textRequest)
}

// NewSynthesizer streams text deltas to a synthesis engine.
func NewSynthesizer(name string, dial Dialer) *Stream[string] {
	return newStream(name, dial, textRequest)
}

func textRequest(s string) Request {
	return Request{Op: OpPush, Text: s}
}

func newStream[I any](name string, dial Dialer, encode func(I) Request) *Stream[I] {
	return &Stream[I]{
		Base:   adapter.NewBase(0),
		name:   name,
		dial:   dial,
		encode: encode,
	}
}

func (s *Stream[I]) Name() string { return s.name }

func (s *Stream[I]) Start(ctx context.Context, opts adapter.Options) error {
	runCtx, err := s.Begin(ctx, opts)
	if err != nil {
		return err
	}
	conn, err := s.dial(runCtx)
	if err != nil {
		s.Base.Cancel()
		return fmt.Errorf("ipc: dial %s: %w", s.name, err)
	}

	history := make([]adapterMessage, 0, len(opts.History))
	for _, m := range opts.History {
		history = append(history, adapterMessage{Role: m.Role, Content: m.Content})
	}
	s.wmu.Lock()
	s.conn = conn
	s.rate = opts.SampleRate
	s.wmu.Unlock()

	go s.readLoop(runCtx, conn)

	err = s.write(Request{
		Op:         OpStart,
		TurnID:     opts.TurnID,
		SessionID:  opts.SessionID,
		SampleRate: opts.SampleRate,
		Language:   opts.Language,
		Voice:      opts.Voice,
		History:    history,
	})
	if err != nil {
		s.Cancel()
		return err
	}
	return nil
}

func (s *Stream[I]) Push(input I) error {
	if err := s.CheckPush(); err != nil {
		return err
	}
	return s.write(s.encode(input))
}

func (s *Stream[I]) CloseInput() error {
	first, err := s.MarkInputClosed()
	if err != nil || !first {
		return err
	}
	return s.write(Request{Op: OpClose})
}

// Cancel returns immediately; the cancel frame and connection teardown
// happen in the background.
func (s *Stream[I]) Cancel() {
	s.Base.Cancel()
	s.wmu.Lock()
	conn := s.conn
	s.wmu.Unlock()
	if conn == nil {
		return
	}
	go func() {
		sent := make(chan struct{})
		go func() {
			_ = s.write(Request{Op: OpCancel})
			close(sent)
		}()
		select {
		case <-sent:
		case <-time.After(cancelGrace):
		}
		_ = conn.Close()
	}()
}

func (s *Stream[I]) write(req Request) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.conn == nil {
		return adapter.ErrNotStarted
	}
	if err := WriteFrame(s.conn, req); err != nil {
		return fmt.Errorf("ipc: write %s to %s: %w", req.Op, s.name, err)
	}
	return nil
}

func (s *Stream[I]) readLoop(ctx context.Context, conn io.ReadWriteCloser) {
	defer conn.Close()
	for {
		var resp Response
		if err := ReadFrame(conn, &resp); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			s.Fail(fmt.Errorf("ipc: %s: %w", s.name, err))
			return
		}
		ev, err := s.toEvent(resp)
		if err != nil {
			s.Fail(err)
			return
		}
		if !s.Emit(ev) || ev.Kind.Terminal() {
			return
		}
	}
}

func (s *Stream[I]) toEvent(resp Response) (adapter.Event, error) {
	switch resp.Kind {
	case "partial":
		return adapter.Event{Kind: adapter.Partial, Text: resp.Text, Confidence: resp.Confidence}, nil
	case "final", "done":
		return adapter.Event{Kind: adapter.Final, Text: resp.Text, Confidence: resp.Confidence}, nil
	case "chunk":
		d := time.Duration(resp.DurationMs * float64(time.Millisecond))
		if d == 0 {
			d = audio.Duration(len(resp.Audio), s.rate)
		}
		return adapter.Event{Kind: adapter.Chunk, Chunk: &adapter.SynthesisChunk{
			Seq:      resp.Seq,
			PCM:      resp.Audio,
			Duration: d,
			Emitted:  time.Now(),
		}}, nil
	case "error":
		return adapter.Event{Kind: adapter.Error, Err: fmt.Errorf("%w: %s", ErrEngine, resp.Error)}, nil
	default:
		return adapter.Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, resp.Kind)
	}
}

var (
	ErrEngine      = errors.New("ipc engine error")
	ErrUnknownKind = errors.New("ipc engine sent unknown event kind")
)
