package adapter

import "errors"

var (
	// ErrNotStarted is returned by Push/CloseInput before Start.
	ErrNotStarted = errors.New("stream not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("stream already started")

	// ErrClosed is returned by Push after CloseInput, Cancel or completion.
	ErrClosed = errors.New("stream closed")

	// ErrStartTimeout is reported when an engine produces no event in time.
	ErrStartTimeout = errors.New("engine produced no event before the start timeout")

	// ErrMissingEngine is returned when an engine factory is not configured.
	ErrMissingEngine = errors.New("engine factory is nil")
)
