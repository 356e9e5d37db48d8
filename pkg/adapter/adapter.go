// Package adapter defines the streaming contract every recognition, generation
// and synthesis engine satisfies. Engines push results asynchronously as typed
// events on a channel; the turn orchestrator drains that channel in its own loop.
package adapter

import (
	"context"
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
)

type Kind int

const (
	// Partial is an intermediate result: an unstable transcript or a token delta.
	Partial Kind = iota
	// Final closes the stream successfully: the confirmed transcript, the last
	// generated delta, or synthesis end-of-stream.
	Final
	// Chunk carries synthesized audio.
	Chunk
	// Error closes the stream with a failure.
	Error
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	case Chunk:
		return "chunk"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no events follow one of this kind.
func (k Kind) Terminal() bool {
	return k == Final || k == Error
}

// SynthesisChunk is one piece of synthesized PCM16 audio.
type SynthesisChunk struct {
	Seq      uint32
	TurnID   uint64
	PCM      []byte
	Duration time.Duration
	Emitted  time.Time
}

// Event is emitted by a stream. TurnID is stamped by the stream so consumers
// can discard events that belong to a cancelled turn.
type Event struct {
	Kind       Kind
	TurnID     uint64
	Text       string
	Confidence float64
	Chunk      *SynthesisChunk
	Err        error
	At         time.Time
}

// Message is one entry of conversation history handed to a generator.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options configures one streaming operation.
type Options struct {
	TurnID     uint64
	SessionID  string
	SampleRate int
	Language   string
	Voice      string
	// History is the prior conversation, oldest first, used by generators.
	History []Message
}

// Stream is the uniform contract for one streaming engine operation.
//
// Start returns immediately; results arrive on Events. A stream emits zero or
// more Partial (or Chunk) events and then exactly one Final or Error, after
// which the channel is closed. Cancel is best-effort, idempotent, safe after
// completion, and no event is delivered once it returns.
type Stream[I any] interface {
	Start(ctx context.Context, opts Options) error
	Push(input I) error
	// CloseInput signals that no more input follows.
	CloseInput() error
	Cancel()
	Events() <-chan Event
	Name() string
}

// Recognizer consumes audio frames and emits transcription events.
type Recognizer = Stream[audio.Frame]

// Generator consumes a user prompt and emits token deltas.
type Generator = Stream[string]

// Synthesizer consumes text deltas and emits audio chunks.
type Synthesizer = Stream[string]

// Engines builds fresh streams for each turn.
type Engines struct {
	Recognizer  func() Recognizer
	Generator   func() Generator
	Synthesizer func() Synthesizer
}

// Validate reports whether every factory is set.
func (e Engines) Validate() error {
	if e.Recognizer == nil || e.Generator == nil || e.Synthesizer == nil {
		return ErrMissingEngine
	}
	return nil
}
