package orchestrator

import (
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/jitter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/metrics"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// Recorder receives the latency record of every finished turn.
type Recorder interface {
	RecordTurn(m metrics.TurnMetrics)
}

// State is the turn state of one session.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateRecognizing  State = "recognizing"
	StateGenerating   State = "generating"
	StateSynthesizing State = "synthesizing"
	StateSpeaking     State = "speaking"
	StateInterrupted  State = "interrupted"
)

// busy reports whether a response turn owns the pipeline.
func (s State) busy() bool {
	return s == StateGenerating || s == StateSynthesizing || s == StateSpeaking
}

type EventType string

const (
	UserSpeaking      EventType = "USER_SPEAKING"
	UserStopped       EventType = "USER_STOPPED"
	TranscriptPartial EventType = "TRANSCRIPT_PARTIAL"
	TranscriptFinal   EventType = "TRANSCRIPT_FINAL"
	BotThinking       EventType = "BOT_THINKING"
	// LLMDelta carries one generated text delta (payload is Delta).
	LLMDelta EventType = "LLM_DELTA"
	// BotResponse carries the assistant's complete textual response (payload is string)
	BotResponse  EventType = "BOT_RESPONSE"
	BotSpeaking  EventType = "BOT_SPEAKING"
	BotStopped   EventType = "BOT_STOPPED"
	Interrupted  EventType = "INTERRUPTED"
	AudioChunk   EventType = "AUDIO_CHUNK"
	StateChanged EventType = "STATE_CHANGED"
	Metrics      EventType = "METRICS"
	ErrorEvent   EventType = "ERROR"
)

type OrchestratorEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    uint64      `json:"turn_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Transcript is the payload of TranscriptPartial and TranscriptFinal.
type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Delta is the payload of LLMDelta.
type Delta struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Audio is the payload of AudioChunk: scheduled playback in strict order.
type Audio struct {
	Seq      uint32
	PCM      []byte
	Start    time.Time
	Duration time.Duration
	// CrossFaded is set when the head of PCM is mixed with the previous
	// chunk's tail. Tail marks a withheld remainder flushed on its own.
	CrossFaded bool
	Tail       bool
	// FadeOut marks the ramp-down that follows an interruption. It belongs to
	// the interrupted turn but must still be delivered.
	FadeOut bool
}

// Transition is the payload of StateChanged.
type Transition struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Latency is the payload of Metrics.
type Latency struct {
	Stage     metrics.Stage `json:"stage"`
	LatencyMs float64       `json:"latency"`
}

// Failure is the payload of ErrorEvent.
type Failure struct {
	Source  string `json:"source"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

type Voice string

const (
	VoiceF1 Voice = "F1"
	VoiceF2 Voice = "F2"
	VoiceM1 Voice = "M1"
	VoiceM2 Voice = "M2"
)

type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageSv Language = "sv"
	LanguageDe Language = "de"
)

type Config struct {
	SampleRate         int
	Language           Language
	Voice              Voice
	SystemPrompt       string
	MaxContextMessages int

	// StabilizeWindow commits the latest partial transcript once this much
	// trailing silence (and no new partial) follows it.
	StabilizeWindow time.Duration
	// StartTimeout bounds how long an engine may stay silent after Start.
	StartTimeout time.Duration
	// PreRoll is the recent-frame window replayed into a new recognizer.
	PreRoll time.Duration

	VADThreshold float64
	// AutoBargeIn interrupts playback on confirmed user speech that is not
	// echo of our own audio. When off, user speech only ducks playback.
	AutoBargeIn   bool
	BargeInFrames int
	EchoGuard     bool
	// EchoThreshold is the correlation with recent playback above which mic
	// input is treated as echo. Zero keeps the suppressor's default.
	EchoThreshold float64
	DuckLevel     float64

	// MaxSentenceChars forces a synthesis flush on long unpunctuated text.
	MaxSentenceChars int
	EventBuffer      int
	// TimerInterval is how often stabilization deadlines are checked.
	TimerInterval time.Duration

	Jitter jitter.Config
	Now    func() time.Time
}

func DefaultConfig() Config {
	return Config{
		SampleRate:         16000,
		Language:           LanguageEn,
		Voice:              VoiceF1,
		MaxContextMessages: 20,
		StabilizeWindow:    250 * time.Millisecond,
		StartTimeout:       30 * time.Second,
		PreRoll:            300 * time.Millisecond,
		VADThreshold:       0.02,
		BargeInFrames:      5,
		EchoGuard:          true,
		DuckLevel:          0.3,
		MaxSentenceChars:   160,
		EventBuffer:        1024,
		TimerInterval:      10 * time.Millisecond,
		Jitter:             jitter.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Language == "" {
		c.Language = def.Language
	}
	if c.Voice == "" {
		c.Voice = def.Voice
	}
	if c.MaxContextMessages <= 0 {
		c.MaxContextMessages = def.MaxContextMessages
	}
	if c.StabilizeWindow <= 0 {
		c.StabilizeWindow = def.StabilizeWindow
	}
	if c.BargeInFrames <= 0 {
		c.BargeInFrames = def.BargeInFrames
	}
	if c.MaxSentenceChars <= 0 {
		c.MaxSentenceChars = def.MaxSentenceChars
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.TimerInterval <= 0 {
		c.TimerInterval = def.TimerInterval
	}
	if c.Jitter.Tick == 0 && c.Jitter.LeadTime == 0 && c.Jitter.CrossFade == 0 {
		logger := c.Jitter.Logger
		c.Jitter = def.Jitter
		c.Jitter.Logger = logger
		c.Jitter.SampleRate = c.SampleRate
	}
	if c.Jitter.SampleRate <= 0 {
		c.Jitter.SampleRate = c.SampleRate
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
