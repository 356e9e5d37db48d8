package orchestrator

import "errors"

var (
	// ErrEmptyTranscription is reported when a committed utterance has no text.
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")
	ErrLLMFailed           = errors.New("language model generation failed")
	ErrTTSFailed           = errors.New("text-to-speech synthesis failed")

	// ErrStreamClosed is returned by operations on a closed ManagedStream.
	ErrStreamClosed = errors.New("managed stream is closed")

	// ErrMicDisabled is returned by PushFrame while capture is off.
	ErrMicDisabled = errors.New("microphone capture is disabled")
)
