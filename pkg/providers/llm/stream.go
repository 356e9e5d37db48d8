package llm

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
)

// Streamer produces token deltas for a conversation, calling onDelta for each
// piece of text in order.
type Streamer interface {
	StreamComplete(ctx context.Context, messages []adapter.Message, onDelta func(delta string) error) error
	Name() string
}

var errStreamDone = errors.New("stream done")

type generation struct {
	*adapter.Base
	llm Streamer

	mu     sync.Mutex
	prompt strings.Builder
	ready  chan struct{}
}

// NewGenerator adapts a streaming completion engine to the generator
// contract. Pushed text is concatenated into the user prompt; the request is
// issued once CloseInput is called.
func NewGenerator(s Streamer) adapter.Generator {
	return &generation{
		Base:  adapter.NewBase(0),
		llm:   s,
		ready: make(chan struct{}),
	}
}

func (g *generation) Name() string { return g.llm.Name() }

func (g *generation) Start(ctx context.Context, opts adapter.Options) error {
	runCtx, err := g.Begin(ctx, opts)
	if err != nil {
		return err
	}
	go g.run(runCtx, opts.History)
	return nil
}

func (g *generation) Push(text string) error {
	if err := g.CheckPush(); err != nil {
		return err
	}
	g.mu.Lock()
	g.prompt.WriteString(text)
	g.mu.Unlock()
	return nil
}

func (g *generation) CloseInput() error {
	first, err := g.MarkInputClosed()
	if first {
		close(g.ready)
	}
	return err
}

func (g *generation) run(ctx context.Context, history []adapter.Message) {
	select {
	case <-g.ready:
	case <-ctx.Done():
		return
	}

	g.mu.Lock()
	prompt := g.prompt.String()
	g.mu.Unlock()

	messages := make([]adapter.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, adapter.Message{Role: "user", Content: prompt})

	err := g.llm.StreamComplete(ctx, messages, func(delta string) error {
		if !g.Emit(adapter.Event{Kind: adapter.Partial, Text: delta}) {
			return context.Canceled
		}
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		g.Fail(err)
		return
	}
	g.Emit(adapter.Event{Kind: adapter.Final})
}

// readSSE parses a server-sent event stream, calling onEvent once per event.
func readSSE(r io.Reader, onEvent func(event, data string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	var event string
	var data strings.Builder
	dispatch := func() error {
		if data.Len() == 0 {
			event = ""
			return nil
		}
		err := onEvent(event, data.String())
		event = ""
		data.Reset()
		return err
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return dispatch()
}

func streamErr(err error) error {
	if errors.Is(err, errStreamDone) {
		return nil
	}
	return err
}
