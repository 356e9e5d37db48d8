// Package orchestrator runs the turn state machine of a voice session:
// recognition, generation and synthesis streams are started per turn, their
// events are drained in one loop, and synthesized audio is scheduled through
// the session's jitter buffer.
package orchestrator

import (
	"context"
	"sync"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
)

// Orchestrator holds the engines and defaults shared by every session.
type Orchestrator struct {
	engines  adapter.Engines
	recorder Recorder
	config   Config
	logger   Logger
	mu       sync.RWMutex
}

// New creates an orchestrator without metrics or logging.
func New(engines adapter.Engines, config Config) (*Orchestrator, error) {
	return NewWithLogger(engines, config, nil, nil)
}

// NewWithLogger creates an orchestrator that reports finished turns to
// recorder. Both recorder and logger may be nil.
func NewWithLogger(engines adapter.Engines, config Config, recorder Recorder, logger Logger) (*Orchestrator, error) {
	if err := engines.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Orchestrator{
		engines:  engines,
		recorder: recorder,
		config:   config.withDefaults(),
		logger:   logger,
	}, nil
}

// UpdateConfig changes the defaults for streams created afterwards.
func (o *Orchestrator) UpdateConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg.withDefaults()
}

func (o *Orchestrator) GetConfig() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config
}

// GetProviders names the engine behind each stage.
func (o *Orchestrator) GetProviders() map[string]string {
	return map[string]string{
		"stt": o.engines.Recognizer().Name(),
		"llm": o.engines.Generator().Name(),
		"tts": o.engines.Synthesizer().Name(),
	}
}

// NewSessionWithDefaults creates a conversation history using the configured
// window and system prompt.
func (o *Orchestrator) NewSessionWithDefaults(id string) *ConversationSession {
	cfg := o.GetConfig()
	session := NewConversationSession(id, cfg.MaxContextMessages)
	session.SetSystemPrompt(cfg.SystemPrompt)
	return session
}

// NewManagedStream creates the per-session state machine with the
// orchestrator's defaults.
func (o *Orchestrator) NewManagedStream(ctx context.Context, session *ConversationSession) *ManagedStream {
	return NewManagedStream(ctx, o, session, o.GetConfig())
}
