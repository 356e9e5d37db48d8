package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/config"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/orchestrator"
)

const (
	priorityQueueSize = 64
	normalQueueSize   = 256
)

type outboundFrame struct {
	text   []byte
	binary []byte
	// audio frames carry their turn so that a barge-in can discard them at
	// write time.
	audio   bool
	turn    uint64
	fadeOut bool
}

type Stats struct {
	FramesIn      uint64
	FramesDropped uint64
	AudioOut      uint64
	AudioDropped  uint64
}

// Session is one client connection and the turn pipeline it owns.
type Session struct {
	ID      string
	Created time.Time

	opts   config.SessionOptions
	cfg    Config
	conn   *websocket.Conn
	stream *orchestrator.ManagedStream
	log    *zap.Logger
	stats  *serverMetrics

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	priority chan outboundFrame
	normal   chan outboundFrame

	lastActivity atomic.Int64

	// Owned by the read loop.
	haveClientSeq bool
	lastClientSeq uint32
	inSeq         uint32

	// Owned by the event pump.
	outSeq uint32

	framesIn      atomic.Uint64
	framesDropped atomic.Uint64
	audioOut      atomic.Uint64
	audioDropped  atomic.Uint64
}

func newSession(ctx context.Context, cancel context.CancelFunc, id string, conn *websocket.Conn, stream *orchestrator.ManagedStream, opts config.SessionOptions, cfg Config, log *zap.Logger, stats *serverMetrics) *Session {
	s := &Session{
		ID:       id,
		Created:  time.Now(),
		opts:     opts,
		cfg:      cfg,
		conn:     conn,
		stream:   stream,
		log:      log,
		stats:    stats,
		ctx:      ctx,
		cancel:   cancel,
		priority: make(chan outboundFrame, priorityQueueSize),
		normal:   make(chan outboundFrame, normalQueueSize),
	}
	s.touch()
	return s
}

// Run serves the connection until it closes or the session is closed. The
// reader, writer, keepalive, event pump, orchestrator loop and playback
// scheduler run as one group: the first to stop ends the session.
func (s *Session) Run() error {
	defer s.Close("session ended")

	g, ctx := errgroup.WithContext(s.ctx)
	task := func(fn func(context.Context) error) {
		g.Go(func() error {
			defer s.cancel()
			return fn(ctx)
		})
	}
	task(s.readLoop)
	task(s.writeLoop)
	task(s.pingLoop)
	task(s.pumpEvents)
	task(func(ctx context.Context) error { return ignoreCanceled(s.stream.Run(ctx)) })
	task(func(ctx context.Context) error { return ignoreCanceled(s.stream.Buffer().Run(ctx)) })
	return g.Wait()
}

// Close tears the session down: the pipeline is cancelled, the jitter buffer
// and orchestrator are released and the connection is closed.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.stream != nil {
			s.stream.Close()
		}
		if s.conn != nil {
			s.conn.Close(websocket.StatusNormalClosure, reason)
		}
		s.log.Info("session closed", zap.String("reason", reason))
	})
}

func (s *Session) Options() config.SessionOptions { return s.opts }

func (s *Session) Stream() *orchestrator.ManagedStream { return s.stream }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Expired reports whether the session has been idle past its inactivity
// timeout at now.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.LastActivity()) > s.opts.InactivityTimeout()
}

func (s *Session) Stats() Stats {
	return Stats{
		FramesIn:      s.framesIn.Load(),
		FramesDropped: s.framesDropped.Load(),
		AudioOut:      s.audioOut.Load(),
		AudioDropped:  s.audioDropped.Load(),
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || isNormalClose(err) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.touch()
		s.handleInbound(typ, data)
	}
}

func (s *Session) handleInbound(typ websocket.MessageType, data []byte) {
	switch typ {
	case websocket.MessageBinary:
		if !audio.IsFrame(data) {
			s.log.Warn("dropping binary message without frame header", zap.Int("bytes", len(data)))
			s.dropFrame()
			return
		}
		s.handleAudio(data)
	case websocket.MessageText:
		s.handleControl(data)
	}
}

func (s *Session) handleAudio(data []byte) {
	seq, payload, err := audio.DecodeFrame(data)
	if err != nil {
		s.log.Warn("dropping malformed audio frame", zap.Error(err))
		s.dropFrame()
		return
	}
	if s.haveClientSeq && seq <= s.lastClientSeq {
		s.log.Debug("dropping audio frame", zap.Uint32("seq", seq), zap.Uint32("last", s.lastClientSeq), zap.Error(ErrOutOfOrderFrame))
		s.dropFrame()
		return
	}
	s.haveClientSeq = true
	s.lastClientSeq = seq

	s.inSeq++
	energy := audio.RMSEnergy(payload)
	f := audio.Frame{
		Seq:      s.inSeq,
		Captured: time.Now(),
		Payload:  payload,
		Energy:   energy,
		Voiced:   energy > s.opts.VADThreshold,
	}
	if err := s.stream.PushFrame(f); err != nil {
		if !errors.Is(err, orchestrator.ErrMicDisabled) {
			s.log.Warn("orchestrator rejected audio frame", zap.Uint32("seq", f.Seq), zap.Error(err))
		}
		s.dropFrame()
		return
	}
	s.framesIn.Add(1)
}

func (s *Session) dropFrame() {
	s.framesDropped.Add(1)
	s.stats.droppedFrame("inbound")
}

func (s *Session) handleControl(data []byte) {
	msg, err := DecodeClientMessage(data)
	if err != nil {
		s.log.Warn("dropping control message", zap.Error(err))
		code := "bad_request"
		var de *DecodeError
		if errors.As(err, &de) {
			code = de.Code
		}
		s.sendControl(Error{Type: TypeError, Code: code, Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case BargeIn:
		// Synchronous: no playback of the current turn may be written after
		// this returns.
		if s.stream.BargeIn() {
			s.log.Info("barge-in")
		} else {
			s.log.Debug("barge-in with nothing to interrupt")
		}
	case Mic:
		s.stream.SetMic(*m.Enabled)
	case Recognition:
		if err := s.stream.InjectTranscript(m.Text, m.Confidence, m.Final()); err != nil {
			s.log.Warn("failed to inject transcript", zap.Error(err))
		}
	case Ping:
		s.sendControl(Pong{Type: TypePong, ID: m.ID})
	}
}

func (s *Session) pumpEvents(ctx context.Context) error {
	events := s.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.deliver(ev)
		}
	}
}

// deliver maps an orchestrator event onto the wire protocol.
func (s *Session) deliver(ev orchestrator.OrchestratorEvent) {
	switch ev.Type {
	case orchestrator.TranscriptPartial, orchestrator.TranscriptFinal:
		t := ev.Data.(orchestrator.Transcript)
		typ := TypeSTTPartial
		if ev.Type == orchestrator.TranscriptFinal {
			typ = TypeSTTFinal
		}
		s.sendControl(Transcript{Type: typ, TurnID: ev.TurnID, Text: t.Text, Confidence: t.Confidence})
	case orchestrator.LLMDelta:
		d := ev.Data.(orchestrator.Delta)
		s.sendControl(LLMDelta{Type: TypeLLMDelta, TurnID: ev.TurnID, Text: d.Text, Done: d.Done})
	case orchestrator.BotSpeaking:
		s.sendControl(TTSMarker{Type: TypeTTSBegin, SessionID: s.ID, TurnID: ev.TurnID})
	case orchestrator.BotStopped:
		s.sendInOrder(TTSMarker{Type: TypeTTSEnd, SessionID: s.ID, TurnID: ev.TurnID})
	case orchestrator.Interrupted:
		s.sendControl(TTSMarker{Type: TypeTTSEnd, SessionID: s.ID, TurnID: ev.TurnID, Interrupted: true})
	case orchestrator.Metrics:
		l := ev.Data.(orchestrator.Latency)
		s.sendControl(Metrics{Type: TypeMetrics, TurnID: ev.TurnID, Stage: string(l.Stage), Latency: l.LatencyMs})
	case orchestrator.StateChanged:
		tr := ev.Data.(orchestrator.Transition)
		msg := State{Type: TypeState, TurnID: ev.TurnID, State: string(tr.To)}
		if tr.To == orchestrator.StateIdle {
			s.sendInOrder(msg)
		} else {
			s.sendControl(msg)
		}
	case orchestrator.ErrorEvent:
		f := ev.Data.(orchestrator.Failure)
		s.sendControl(Error{Type: TypeError, TurnID: ev.TurnID, Code: "turn_failed", Source: f.Source, Message: f.Message})
		if s.cfg.OnError != nil && f.Err != nil {
			s.cfg.OnError(s.ID, f.Source, f.Err)
		}
	case orchestrator.AudioChunk:
		a := ev.Data.(orchestrator.Audio)
		s.outSeq++
		s.enqueue(s.normal, outboundFrame{
			binary:  audio.EncodeFrame(s.outSeq, a.PCM),
			audio:   true,
			turn:    ev.TurnID,
			fadeOut: a.FadeOut,
		})
	}
}

func (s *Session) sendControl(v any) {
	s.sendText(s.priority, v)
}

// sendInOrder queues a control message behind the audio already queued, for
// markers that describe the end of that audio.
func (s *Session) sendInOrder(v any) {
	s.sendText(s.normal, v)
}

func (s *Session) sendText(q chan<- outboundFrame, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to encode control message", zap.Error(err))
		return
	}
	s.enqueue(q, outboundFrame{text: data})
}

func (s *Session) enqueue(q chan<- outboundFrame, f outboundFrame) bool {
	select {
	case q <- f:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// writeLoop is the only writer of the connection. Control frames on the
// priority queue pre-empt queued audio.
func (s *Session) writeLoop(ctx context.Context) error {
	var pending *outboundFrame
	for {
		select {
		case <-ctx.Done():
			s.flushPriority()
			return nil
		default:
		}

		select {
		case f := <-s.priority:
			if err := s.writeFrame(ctx, f); err != nil {
				return err
			}
			continue
		default:
		}

		if pending != nil {
			f := *pending
			pending = nil
			if err := s.writeFrame(ctx, f); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
		case f := <-s.priority:
			if err := s.writeFrame(ctx, f); err != nil {
				return err
			}
		case f := <-s.normal:
			pending = &f
		}
	}
}

// flushPriority makes a bounded attempt to deliver queued control messages
// after the session has been cancelled.
func (s *Session) flushPriority() {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for i := 0; i < 8; i++ {
		select {
		case f := <-s.priority:
			if err := s.conn.Write(ctx, websocket.MessageText, f.text); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) writeFrame(ctx context.Context, f outboundFrame) error {
	if f.audio && !f.fadeOut && s.stream.Interrupted(f.turn) {
		s.audioDropped.Add(1)
		s.stats.droppedFrame("outbound")
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if f.binary != nil {
		if err := s.conn.Write(wctx, websocket.MessageBinary, f.binary); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		s.audioOut.Add(1)
		return nil
	}
	if err := s.conn.Write(wctx, websocket.MessageText, f.text); err != nil {
		return fmt.Errorf("write control: %w", err)
	}
	return nil
}

func (s *Session) pingLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func isNormalClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
