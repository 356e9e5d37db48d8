package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/jitter"
)

// playback holds received audio until the output device drains it.
type playback struct {
	mu  sync.Mutex
	buf []byte
}

func (p *playback) Append(pcm []byte) {
	p.mu.Lock()
	p.buf = append(p.buf, pcm...)
	p.mu.Unlock()
}

// Fill copies queued audio into out, pads the rest with silence and
// reports how many bytes were real audio.
func (p *playback) Fill(out []byte) int {
	p.mu.Lock()
	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	p.mu.Unlock()
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return n
}

func (p *playback) Reset() {
	p.mu.Lock()
	p.buf = nil
	p.mu.Unlock()
}

func (p *playback) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// player paces received frames through a jitter buffer into the playback
// queue the output device reads. Frames keep the server's order; a turn's
// sequence numbers are rebased so each turn starts at zero.
type player struct {
	buf  *jitter.Buffer
	out  playback
	rate int

	mu     sync.Mutex
	turn   uint64
	active bool
	based  bool
	base   uint32
}

func newPlayer(sampleRate int, lead time.Duration) *player {
	return &player{
		buf: jitter.New(jitter.Config{
			LeadTime:   lead,
			Tick:       10 * time.Millisecond,
			SampleRate: sampleRate,
		}),
		rate: sampleRate,
	}
}

// Begin discards anything left of the previous turn.
func (p *player) Begin(turn uint64) {
	p.buf.Stop(false)
	p.out.Reset()
	p.mu.Lock()
	p.turn, p.active, p.based = turn, true, false
	p.mu.Unlock()
}

func (p *player) Receive(seq uint32, pcm []byte, at time.Time) error {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return nil
	}
	if !p.based {
		p.base, p.based = seq, true
	}
	c := adapter.SynthesisChunk{Seq: seq - p.base, TurnID: p.turn, PCM: pcm}
	p.mu.Unlock()
	return p.buf.Add(c, at)
}

func (p *player) End(turn uint64) {
	p.buf.MarkEnd(turn)
}

// Interrupt silences playback at once and ignores frames until the next turn.
func (p *player) Interrupt() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	p.buf.Stop(false)
	p.out.Reset()
}

func (p *player) Pending() int {
	return p.out.Pending() + audio.BytesFor(p.buf.Stats().BufferedDuration, p.rate)
}

func (p *player) Tick(now time.Time) {
	p.buf.Tick(now)
	gen := p.buf.Generation()
	for {
		select {
		case o := <-p.buf.Output():
			if o.Kind == jitter.Played && o.Gen == gen {
				p.out.Append(o.PCM)
			}
		default:
			return
		}
	}
}

func (p *player) Run(ctx context.Context) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			p.Tick(now)
		}
	}
}

// framer cuts captured PCM into fixed-size sequenced frames.
type framer struct {
	size    int
	seq     uint32
	pending []byte
}

func newFramer(size int) *framer {
	return &framer{size: size}
}

func (f *framer) Push(pcm []byte) [][]byte {
	f.pending = append(f.pending, pcm...)
	var frames [][]byte
	for len(f.pending) >= f.size {
		payload := make([]byte, f.size)
		copy(payload, f.pending[:f.size])
		f.pending = f.pending[f.size:]
		f.seq++
		frames = append(frames, audio.EncodeFrame(f.seq, payload))
	}
	return frames
}

type serverMessage struct {
	Type        string  `json:"type"`
	SessionID   string  `json:"sessionId"`
	TurnID      uint64  `json:"turnId"`
	Text        string  `json:"text"`
	Done        bool    `json:"done"`
	Interrupted bool    `json:"interrupted"`
	Stage       string  `json:"stage"`
	Latency     float64 `json:"latency"`
	State       string  `json:"state"`
	Code        string  `json:"code"`
	Source      string  `json:"source"`
	Message     string  `json:"message"`
}

func parseMessage(data []byte) (serverMessage, error) {
	var msg serverMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// describe renders a control message for the terminal. Empty means skip.
func describe(msg serverMessage) string {
	switch msg.Type {
	case "handshake":
		return fmt.Sprintf("[SESSION] %s", msg.SessionID)
	case "connection.ready":
		return "[READY] Listening to microphone..."
	case "stt.partial":
		return fmt.Sprintf("[PARTIAL] %s", msg.Text)
	case "stt.final":
		return fmt.Sprintf("[TRANSCRIPT] %s", msg.Text)
	case "llm.delta":
		if msg.Done {
			return ""
		}
		return fmt.Sprintf("[LLM] %s", strings.TrimSpace(msg.Text))
	case "tts.begin":
		return fmt.Sprintf("[TTS] Speaking (turn %d)", msg.TurnID)
	case "tts.end":
		if msg.Interrupted {
			return fmt.Sprintf("[INTERRUPTED] turn %d", msg.TurnID)
		}
		return fmt.Sprintf("[TTS] Done (turn %d)", msg.TurnID)
	case "metrics":
		return fmt.Sprintf("[METRICS] %s %.0fms", msg.Stage, msg.Latency)
	case "state":
		return fmt.Sprintf("[STATE] %s", msg.State)
	case "error":
		return fmt.Sprintf("[ERROR] %s %s: %s", msg.Code, msg.Source, msg.Message)
	}
	return ""
}
