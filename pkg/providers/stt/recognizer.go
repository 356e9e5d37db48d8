package stt

import (
	"context"
	"strings"
	"sync"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
)

// Transcriber is a batch speech-to-text engine.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, lang string) (Transcript, error)
	Name() string
}

type utterance struct {
	*adapter.Base
	engine Transcriber

	mu    sync.Mutex
	pcm   []byte
	ready chan struct{}
}

// NewRecognizer adapts a batch Transcriber to the recognizer contract. Frames
// are buffered until CloseInput, then the whole utterance is transcribed and
// reported as a single final event.
func NewRecognizer(t Transcriber) adapter.Recognizer {
	return &utterance{
		Base:   adapter.NewBase(0),
		engine: t,
		ready:  make(chan struct{}),
	}
}

func (u *utterance) Name() string { return u.engine.Name() }

func (u *utterance) Start(ctx context.Context, opts adapter.Options) error {
	runCtx, err := u.Begin(ctx, opts)
	if err != nil {
		return err
	}
	go u.run(runCtx, opts)
	return nil
}

func (u *utterance) Push(f audio.Frame) error {
	if err := u.CheckPush(); err != nil {
		return err
	}
	u.mu.Lock()
	u.pcm = append(u.pcm, f.Payload...)
	u.mu.Unlock()
	return nil
}

func (u *utterance) CloseInput() error {
	first, err := u.MarkInputClosed()
	if first {
		close(u.ready)
	}
	return err
}

func (u *utterance) run(ctx context.Context, opts adapter.Options) {
	select {
	case <-u.ready:
	case <-ctx.Done():
		return
	}

	u.mu.Lock()
	pcm := u.pcm
	u.mu.Unlock()

	if len(pcm) == 0 {
		u.Emit(adapter.Event{Kind: adapter.Final})
		return
	}

	tr, err := u.engine.Transcribe(ctx, pcm, opts.SampleRate, opts.Language)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		u.Fail(err)
		return
	}
	u.Emit(adapter.Event{Kind: adapter.Final, Text: strings.TrimSpace(tr.Text), Confidence: tr.Confidence})
}
