package transport

import "errors"

var (
	ErrTooManySessions = errors.New("session limit reached")
	ErrRateLimited     = errors.New("connection rate limited")
	ErrSessionClosed   = errors.New("session closed")
	ErrOutOfOrderFrame = errors.New("audio frame sequence not increasing")
)
