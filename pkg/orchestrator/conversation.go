package orchestrator

import (
	"strings"
	"sync"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
)

// ConversationSession is the bounded dialogue history of one session. The
// system prompt is kept outside the window so trimming never drops it.
type ConversationSession struct {
	mu            sync.RWMutex
	ID            string
	SystemPrompt  string
	Context       []adapter.Message
	LastUser      string
	LastAssistant string
	MaxMessages   int
}

func NewConversationSession(id string, maxMessages int) *ConversationSession {
	if maxMessages <= 0 {
		maxMessages = 20
	}
	return &ConversationSession{
		ID:          id,
		Context:     []adapter.Message{},
		MaxMessages: maxMessages,
	}
}

func (s *ConversationSession) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Context = append(s.Context, adapter.Message{Role: role, Content: content})
	if len(s.Context) > s.MaxMessages {
		s.Context = s.Context[len(s.Context)-s.MaxMessages:]
	}
	if role == "user" {
		s.LastUser = content
	} else if role == "assistant" {
		s.LastAssistant = content
	}
}

func (s *ConversationSession) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SystemPrompt = prompt
}

func (s *ConversationSession) ClearContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Context = []adapter.Message{}
	s.LastUser = ""
	s.LastAssistant = ""
}

// GetContextCopy returns the system prompt (if any) followed by the window.
func (s *ConversationSession) GetContextCopy() []adapter.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]adapter.Message, 0, len(s.Context)+1)
	if s.SystemPrompt != "" {
		out = append(out, adapter.Message{Role: "system", Content: s.SystemPrompt})
	}
	return append(out, s.Context...)
}

// spokenPrefix cuts text to the share the listener actually heard, ending on
// a word boundary.
func spokenPrefix(text string, heard float64) string {
	if heard <= 0 {
		return ""
	}
	if heard >= 1 {
		return text
	}
	runes := []rune(text)
	cut := int(float64(len(runes)) * heard)
	prefix := string(runes[:cut])
	if cut < len(runes) && runes[cut] != ' ' {
		if i := strings.LastIndexByte(prefix, ' '); i >= 0 {
			prefix = prefix[:i]
		} else {
			return ""
		}
	}
	return strings.TrimSpace(prefix)
}
