package adapter

import (
	"context"
	"sync"
	"time"
)

const defaultEventBuffer = 64

// Base carries the bookkeeping shared by all stream implementations: the
// event channel, turn stamping, exactly-one-terminal-event and cancellation.
// Implementations embed it and call Emit from their worker goroutines.
type Base struct {
	mu     sync.Mutex
	events chan Event

	// cmu guards ctx and cancel so Cancel can reach them while an Emit
	// holds mu blocked on a full channel. Both are written under mu and cmu.
	cmu    sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	opts     Options
	started  bool
	inClosed bool
	closed   bool
	now      func() time.Time
}

// NewBase creates the shared state with an event buffer of the given size.
func NewBase(buffer int) *Base {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Base{
		events: make(chan Event, buffer),
		now:    time.Now,
	}
}

// Begin marks the stream started and derives its working context.
func (b *Base) Begin(ctx context.Context, opts Options) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil, ErrAlreadyStarted
	}
	if b.closed {
		return nil, ErrClosed
	}
	b.started = true
	b.opts = opts
	b.cmu.Lock()
	b.ctx, b.cancel = context.WithCancel(ctx)
	runCtx := b.ctx
	b.cmu.Unlock()
	return runCtx, nil
}

// Options returns what Start was called with.
func (b *Base) Options() Options {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opts
}

// CheckPush validates that input may still be pushed.
func (b *Base) CheckPush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return ErrNotStarted
	}
	if b.inClosed || b.closed {
		return ErrClosed
	}
	return nil
}

// MarkInputClosed records CloseInput. It returns false if input was already closed.
func (b *Base) MarkInputClosed() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return false, ErrNotStarted
	}
	if b.inClosed || b.closed {
		return false, nil
	}
	b.inClosed = true
	return true, nil
}

// Emit delivers an event unless the stream is cancelled or already finished.
// A terminal event closes the channel. Emit blocks while the consumer is slow
// but never past cancellation.
func (b *Base) Emit(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.started {
		return false
	}
	ev.TurnID = b.opts.TurnID
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	if ev.Chunk != nil {
		ev.Chunk.TurnID = b.opts.TurnID
	}
	select {
	case b.events <- ev:
	case <-b.ctx.Done():
		return false
	}
	if ev.Kind.Terminal() {
		b.finish()
	}
	return true
}

// Fail emits an Error event.
func (b *Base) Fail(err error) bool {
	return b.Emit(Event{Kind: Error, Err: err})
}

// Cancel stops the stream. The context is cancelled before taking the lock so
// an Emit blocked on a full channel unblocks.
func (b *Base) Cancel() {
	b.cmu.Lock()
	cancel := b.cancel
	b.cmu.Unlock()
	if cancel != nil {
		cancel()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.finish()
}

// Done is closed when the stream is cancelled or finished.
func (b *Base) Done() <-chan struct{} {
	b.cmu.Lock()
	ctx := b.ctx
	b.cmu.Unlock()
	if ctx != nil {
		return ctx.Done()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{})
	if b.closed {
		close(ch)
	}
	return ch
}

// Events implements Stream.
func (b *Base) Events() <-chan Event {
	return b.events
}

func (b *Base) finish() {
	if b.closed {
		return
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	close(b.events)
}
