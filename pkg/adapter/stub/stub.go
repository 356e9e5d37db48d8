// Package stub provides deterministic scripted adapters with simulated engine
// timing. They are used by tests and by the server's "stub" engine mode.
package stub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
)

// Step emits Event once After has elapsed since the script was triggered.
type Step struct {
	After time.Duration
	Event adapter.Event
}

// Stream replays a script of events. It records everything pushed into it.
type Stream[I any] struct {
	*adapter.Base

	name string
	// onPush delays the script until the first Push.
	onPush bool
	// finalAfterClose holds the terminal step until CloseInput.
	finalAfterClose bool
	script          []Step
	build           func(adapter.Options) []Step
	startErr        error

	mu       sync.Mutex
	inputs   []I
	pushed   chan struct{}
	pushOnce sync.Once
	inClosed chan struct{}
	canceled atomic.Bool
}

func newStream[I any](name string, steps []Step) *Stream[I] {
	return &Stream[I]{
		Base:     adapter.NewBase(0),
		name:     name,
		script:   steps,
		pushed:   make(chan struct{}),
		inClosed: make(chan struct{}),
	}
}

// NewScript returns a stream that replays steps from Start.
func NewScript[I any](name string, steps ...Step) *Stream[I] {
	return newStream[I](name, steps)
}

// FailStart makes Start return err.
func (s *Stream[I]) FailStart(err error) *Stream[I] {
	s.startErr = err
	return s
}

func (s *Stream[I]) Name() string { return s.name }

func (s *Stream[I]) Start(ctx context.Context, opts adapter.Options) error {
	if s.startErr != nil {
		return s.startErr
	}
	runCtx, err := s.Begin(ctx, opts)
	if err != nil {
		return err
	}
	steps := s.script
	if s.build != nil {
		steps = s.build(opts)
	}
	go s.run(runCtx, steps)
	return nil
}

func (s *Stream[I]) Push(input I) error {
	if err := s.CheckPush(); err != nil {
		return err
	}
	s.mu.Lock()
	s.inputs = append(s.inputs, input)
	s.mu.Unlock()
	s.pushOnce.Do(func() { close(s.pushed) })
	return nil
}

func (s *Stream[I]) CloseInput() error {
	first, err := s.MarkInputClosed()
	if first {
		close(s.inClosed)
	}
	return err
}

func (s *Stream[I]) Cancel() {
	s.canceled.Store(true)
	s.Base.Cancel()
}

// Inputs returns a copy of everything pushed so far.
func (s *Stream[I]) Inputs() []I {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]I(nil), s.inputs...)
}

// Canceled reports whether Cancel was called.
func (s *Stream[I]) Canceled() bool {
	return s.canceled.Load()
}

func (s *Stream[I]) run(ctx context.Context, steps []Step) {
	if s.onPush {
		select {
		case <-s.pushed:
		case <-ctx.Done():
			return
		}
	}
	origin := time.Now()
	for _, step := range steps {
		if !sleepUntil(ctx, origin.Add(step.After)) {
			return
		}
		ev := step.Event
		if ev.Kind.Terminal() && s.finalAfterClose {
			select {
			case <-s.inClosed:
			case <-ctx.Done():
				return
			}
		}
		if ev.Chunk != nil {
			c := *ev.Chunk
			c.Emitted = time.Now()
			ev.Chunk = &c
		}
		if !s.Emit(ev) {
			return
		}
	}
}

func sleepUntil(ctx context.Context, at time.Time) bool {
	d := time.Until(at)
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// NewRecognizer replays steps from the moment the recognizer starts.
func NewRecognizer(steps ...Step) *Stream[audio.Frame] {
	return newStream[audio.Frame]("stub-asr", steps)
}

// NewGenerator replays steps once the prompt has been pushed.
func NewGenerator(steps ...Step) *Stream[string] {
	s := newStream[string]("stub-llm", steps)
	s.onPush = true
	return s
}

// SynthConfig shapes the audio a stub synthesizer produces.
type SynthConfig struct {
	FirstChunk time.Duration
	Interval   time.Duration
	Durations  []time.Duration
	Frequency  float64
	Amplitude  float64
}

// NewSynthesizer emits one tone chunk per entry of cfg.Durations, starting
// FirstChunk after the first text delta, and ends once input is closed.
func NewSynthesizer(cfg SynthConfig) *Stream[string] {
	s := newStream[string]("stub-tts", nil)
	s.onPush = true
	s.finalAfterClose = true
	if cfg.Frequency == 0 {
		cfg.Frequency = 220
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = 0.3
	}
	s.build = func(opts adapter.Options) []Step {
		rate := opts.SampleRate
		if rate <= 0 {
			rate = 16000
		}
		steps := make([]Step, 0, len(cfg.Durations)+1)
		at := cfg.FirstChunk
		for i, d := range cfg.Durations {
			steps = append(steps, Step{After: at, Event: adapter.Event{
				Kind: adapter.Chunk,
				Chunk: &adapter.SynthesisChunk{
					Seq:      uint32(i),
					PCM:      audio.Tone(cfg.Frequency, cfg.Amplitude, d, rate),
					Duration: d,
				},
			}})
			at += cfg.Interval
		}
		return append(steps, Step{After: at, Event: adapter.Event{Kind: adapter.Final}})
	}
	return s
}

// ErrEngine is the failure reported by Failing streams.
var ErrEngine = errors.New("stub engine failure")

// Failing returns a stream that reports ErrEngine after d.
func Failing[I any](name string, d time.Duration) *Stream[I] {
	return newStream[I](name, []Step{{After: d, Event: adapter.Event{Kind: adapter.Error, Err: ErrEngine}}})
}

// Silent returns a stream that never emits anything.
func Silent[I any](name string) *Stream[I] {
	return newStream[I](name, nil)
}
