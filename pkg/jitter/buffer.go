// Package jitter turns unevenly paced synthesis chunks into a gapless,
// strictly ordered output stream. Playback is driven by Tick so the scheduler
// can run against a real ticker (Run) or a simulated clock in tests.
package jitter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
)

var (
	ErrLateChunk      = errors.New("chunk sequence is behind playback")
	ErrDuplicateChunk = errors.New("chunk sequence already buffered")
	ErrStaleChunk     = errors.New("chunk belongs to another turn")
	ErrMalformedChunk = errors.New("chunk payload is not whole PCM16 samples")
)

type Logger interface {
	Debug(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}

type Config struct {
	LeadTime   time.Duration
	CrossFade  time.Duration
	DuckRamp   time.Duration
	Tick       time.Duration
	SampleRate int
	// OutputBuffer is the capacity of the Output channel.
	OutputBuffer int
	Logger       Logger
}

func DefaultConfig() Config {
	return Config{
		LeadTime:     100 * time.Millisecond,
		CrossFade:    80 * time.Millisecond,
		DuckRamp:     50 * time.Millisecond,
		Tick:         10 * time.Millisecond,
		SampleRate:   16000,
		OutputBuffer: 64,
	}
}

type State int

const (
	Idle State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

type OutputKind int

const (
	// Played carries audio to send to the client.
	Played OutputKind = iota
	Underrun
	Resumed
	// Stopped is reported by Stop.
	Stopped
	// Drained means the turn's last chunk has finished playing.
	Drained
)

func (k OutputKind) String() string {
	switch k {
	case Played:
		return "played"
	case Underrun:
		return "underrun"
	case Resumed:
		return "resumed"
	case Stopped:
		return "stopped"
	case Drained:
		return "drained"
	default:
		return "unknown"
	}
}

// Output is one scheduler result. Gen is the buffer generation it was
// produced in; outputs from an older generation predate a Stop.
type Output struct {
	Kind     OutputKind
	Seq      uint32
	TurnID   uint64
	Gen      uint64
	PCM      []byte
	Start    time.Time
	Duration time.Duration
	// CrossFaded is set when the head of this output overlaps the previous tail.
	CrossFaded bool
	// Tail marks the remainder of an already played chunk.
	Tail bool
	// FadeOut marks the ramp-down emitted by Stop.
	FadeOut bool
}

type Stats struct {
	Buffered         int
	BufferedDuration time.Duration
	Played           uint64
	Dropped          uint64
	Underruns        uint64
	State            State
}

type bufferedChunk struct {
	chunk   adapter.SynthesisChunk
	arrived time.Time
}

type Buffer struct {
	cfg Config
	log Logger
	out chan Output
	gen atomic.Uint64

	mu       sync.Mutex
	chunks   []bufferedChunk
	buffered time.Duration
	state    State
	nextSeq  uint32
	turn     uint64
	turnSet  bool
	ended    bool
	// cursor is when the next output sample is scheduled to start; zero
	// before the first chunk after a (re)start.
	cursor  time.Time
	tail    []byte
	tailSeq uint32
	gain    *audio.GainRamp

	played    uint64
	dropped   uint64
	underruns uint64

	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Buffer {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = def.OutputBuffer
	}
	if cfg.LeadTime < 0 {
		cfg.LeadTime = 0
	}
	if cfg.CrossFade < 0 {
		cfg.CrossFade = 0
	}
	log := cfg.Logger
	if log == nil {
		log = nopLogger{}
	}
	return &Buffer{
		cfg:  cfg,
		log:  log,
		out:  make(chan Output, cfg.OutputBuffer),
		gain: audio.NewGainRamp(),
		done: make(chan struct{}),
	}
}

// Output delivers scheduled audio and playback state changes produced by Tick.
func (b *Buffer) Output() <-chan Output { return b.out }

// Generation is incremented by every Stop.
func (b *Buffer) Generation() uint64 { return b.gen.Load() }

// Add inserts a chunk received at time at. Late, duplicate, stale and
// malformed chunks are dropped and counted.
func (b *Buffer) Add(c adapter.SynthesisChunk, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(c.PCM)%audio.BytesPerSample != 0 {
		return b.drop(c, ErrMalformedChunk)
	}
	if b.turnSet && c.TurnID != b.turn {
		return b.drop(c, ErrStaleChunk)
	}
	if c.Seq < b.nextSeq {
		return b.drop(c, ErrLateChunk)
	}
	i := sort.Search(len(b.chunks), func(i int) bool { return b.chunks[i].chunk.Seq >= c.Seq })
	if i < len(b.chunks) && b.chunks[i].chunk.Seq == c.Seq {
		return b.drop(c, ErrDuplicateChunk)
	}

	if d := audio.Duration(len(c.PCM), b.cfg.SampleRate); d != c.Duration {
		if c.Duration != 0 {
			b.log.Warn("chunk duration mismatch", "seq", c.Seq, "declared", c.Duration, "actual", d)
		}
		c.Duration = d
	}
	if !b.turnSet {
		b.turn = c.TurnID
		b.turnSet = true
	}

	b.chunks = append(b.chunks, bufferedChunk{})
	copy(b.chunks[i+1:], b.chunks[i:])
	b.chunks[i] = bufferedChunk{chunk: c, arrived: at}
	b.buffered += c.Duration

	if b.state == Idle && b.buffered >= b.cfg.LeadTime {
		b.state = Playing
		b.cursor = time.Time{}
	}
	return nil
}

func (b *Buffer) drop(c adapter.SynthesisChunk, reason error) error {
	b.dropped++
	b.log.Warn("dropping chunk", "seq", c.Seq, "turn", c.TurnID, "next", b.nextSeq, "reason", reason)
	return reason
}

// MarkEnd records that no further chunks follow for the current turn. The
// remaining audio plays even if it is shorter than the lead time, after which
// a Drained output is produced.
func (b *Buffer) MarkEnd(turnID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.turnSet && b.turn != turnID {
		b.log.Warn("ignoring end marker for another turn", "turn", turnID, "current", b.turn)
		return
	}
	b.turn = turnID
	b.turnSet = true
	b.ended = true
}

// Stop discards everything buffered and resets sequence expectation. With
// fade set, the withheld tail of the last played chunk is returned ramped down
// to silence instead of being cut. Outputs are returned to the caller rather
// than sent on the Output channel, so Stop never blocks.
func (b *Buffer) Stop(fade bool) []Output {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.gen.Add(1)
	turn := b.turn
	b.dropped += uint64(len(b.chunks))

	var outs []Output
	if fade && len(b.tail) > 0 {
		pcm := audio.FadeOut(b.gain.Apply(b.tail))
		outs = append(outs, Output{
			Kind:     Played,
			Seq:      b.tailSeq,
			TurnID:   turn,
			Gen:      gen,
			PCM:      pcm,
			Start:    b.cursor,
			Duration: audio.Duration(len(pcm), b.cfg.SampleRate),
			Tail:     true,
			FadeOut:  true,
		})
	}
	outs = append(outs, Output{Kind: Stopped, TurnID: turn, Gen: gen})
	b.reset()
	return outs
}

func (b *Buffer) reset() {
	b.chunks = nil
	b.buffered = 0
	b.state = Idle
	b.nextSeq = 0
	b.turn = 0
	b.turnSet = false
	b.ended = false
	b.cursor = time.Time{}
	b.tail = nil
}

// Duck ramps the output gain toward level, or back to unity when disabled.
func (b *Buffer) Duck(enabled bool, level float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	target := 1.0
	if enabled {
		target = level
	}
	samples := audio.BytesFor(b.cfg.DuckRamp, b.cfg.SampleRate) / audio.BytesPerSample
	b.gain.SetTarget(target, samples)
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Buffered:         len(b.chunks),
		BufferedDuration: b.buffered,
		Played:           b.played,
		Dropped:          b.dropped,
		Underruns:        b.underruns,
		State:            b.state,
	}
}

// Tick advances the scheduler to now and publishes the results on Output.
func (b *Buffer) Tick(now time.Time) {
	b.mu.Lock()
	outs := b.step(now)
	b.mu.Unlock()

	for _, o := range outs {
		select {
		case b.out <- o:
		case <-b.done:
			return
		}
	}
}

// Run drives Tick from a ticker until ctx is cancelled or Close is called.
func (b *Buffer) Run(ctx context.Context) error {
	t := time.NewTicker(b.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case now := <-t.C:
			b.Tick(now)
		}
	}
}

// Close stops Run and unblocks pending Output sends.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
