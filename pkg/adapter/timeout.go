package adapter

import (
	"context"
	"fmt"
	"time"
)

type timeoutStream[I any] struct {
	*Base
	inner   Stream[I]
	timeout time.Duration
}

// WithStartTimeout wraps a stream so that it fails with ErrStartTimeout when
// the wrapped engine produces no event within d of Start. A non-positive d
// returns s unchanged.
func WithStartTimeout[I any](s Stream[I], d time.Duration) Stream[I] {
	if d <= 0 {
		return s
	}
	return &timeoutStream[I]{Base: NewBase(0), inner: s, timeout: d}
}

func (t *timeoutStream[I]) Name() string { return t.inner.Name() }

func (t *timeoutStream[I]) Start(ctx context.Context, opts Options) error {
	runCtx, err := t.Begin(ctx, opts)
	if err != nil {
		return err
	}
	if err := t.inner.Start(runCtx, opts); err != nil {
		t.Base.Cancel()
		return err
	}
	go t.forward()
	return nil
}

func (t *timeoutStream[I]) Push(input I) error {
	if err := t.CheckPush(); err != nil {
		return err
	}
	return t.inner.Push(input)
}

func (t *timeoutStream[I]) CloseInput() error {
	first, err := t.MarkInputClosed()
	if err != nil || !first {
		return err
	}
	return t.inner.CloseInput()
}

func (t *timeoutStream[I]) Cancel() {
	t.Base.Cancel()
	t.inner.Cancel()
}

func (t *timeoutStream[I]) forward() {
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	deadline := timer.C
	done := t.Done()

	for {
		select {
		case ev, ok := <-t.inner.Events():
			if !ok {
				t.Fail(fmt.Errorf("%s: event stream closed without completion", t.inner.Name()))
				return
			}
			deadline = nil
			t.Emit(ev)
			if ev.Kind.Terminal() {
				return
			}
		case <-deadline:
			t.inner.Cancel()
			t.Fail(fmt.Errorf("%s: %w", t.inner.Name(), ErrStartTimeout))
			return
		case <-done:
			t.inner.Cancel()
			return
		}
	}
}
