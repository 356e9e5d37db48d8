package tts

import (
	"context"
	"sync"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
)

const (
	defaultVoice    = "F1"
	defaultLanguage = "en"
)

type synthesis struct {
	*adapter.Base
	tts *LokutorTTS

	mu      sync.Mutex
	pending []string
	closed  bool
	wake    chan struct{}
}

// NewSynthesizer adapts a Lokutor client to the synthesizer contract. Each
// pushed text segment is synthesized in order over the client's connection,
// and the stream completes once input is closed and every segment is done.
// The client must not be shared with other streams: Cancel aborts it.
func NewSynthesizer(t *LokutorTTS) adapter.Synthesizer {
	return &synthesis{
		Base: adapter.NewBase(0),
		tts:  t,
		wake: make(chan struct{}, 1),
	}
}

func (s *synthesis) Name() string { return s.tts.Name() }

func (s *synthesis) Start(ctx context.Context, opts adapter.Options) error {
	runCtx, err := s.Begin(ctx, opts)
	if err != nil {
		return err
	}
	go s.run(runCtx, opts)
	return nil
}

func (s *synthesis) Push(text string) error {
	if err := s.CheckPush(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = append(s.pending, text)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *synthesis) CloseInput() error {
	first, err := s.MarkInputClosed()
	if first {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.notify()
	}
	return err
}

func (s *synthesis) Cancel() {
	s.Base.Cancel()
	go s.tts.Abort()
}

func (s *synthesis) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *synthesis) next(ctx context.Context) (string, bool) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			text := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return text, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return "", false
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return "", false
		}
	}
}

func (s *synthesis) run(ctx context.Context, opts adapter.Options) {
	defer s.tts.Close()

	voice := opts.Voice
	if voice == "" {
		voice = defaultVoice
	}
	lang := opts.Language
	if lang == "" {
		lang = defaultLanguage
	}

	var seq uint32
	var carry []byte
	for {
		text, ok := s.next(ctx)
		if !ok {
			break
		}
		err := s.tts.StreamSynthesize(ctx, text, voice, lang, func(b []byte) error {
			b = append(carry, b...)
			n := len(b) - len(b)%audio.BytesPerSample
			carry = append([]byte(nil), b[n:]...)
			if n == 0 {
				return nil
			}
			ok := s.Emit(adapter.Event{Kind: adapter.Chunk, Chunk: &adapter.SynthesisChunk{
				Seq:      seq,
				PCM:      b[:n],
				Duration: audio.Duration(n, opts.SampleRate),
			}})
			if !ok {
				return context.Canceled
			}
			seq++
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.Fail(err)
			return
		}
	}
	if ctx.Err() == nil {
		s.Emit(adapter.Event{Kind: adapter.Final})
	}
}
