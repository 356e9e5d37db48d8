package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
)

func sseServer(t *testing.T, check func(r *http.Request) bool, events ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil && !check(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprint(w, ev)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func collectEvents(t *testing.T, ch <-chan adapter.Event) []adapter.Event {
	t.Helper()
	var out []adapter.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("generator did not finish")
		}
	}
}

func TestOpenAILLMStreams(t *testing.T) {
	requests := make(chan []adapter.Message, 1)
	server := sseServer(t, func(r *http.Request) bool {
		var req struct {
			Model    string            `json:"model"`
			Messages []adapter.Message `json:"messages"`
			Stream   bool              `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream {
			return false
		}
		requests <- req.Messages
		return r.Header.Get("Authorization") == "Bearer test-key"
	},
		"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"hello \"}}]}\n\n",
		": keep-alive\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"from openai\"}}]}\n\n",
		"data: [DONE]\n\n",
	)
	defer server.Close()

	l := &OpenAILLM{apiKey: "test-key", url: server.URL, model: "gpt-4o", name: "openai-llm"}

	g := NewGenerator(l)
	history := []adapter.Message{{Role: "system", Content: "be brief"}}
	if err := g.Start(context.Background(), adapter.Options{TurnID: 3, History: history}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g.Push("h")
	g.Push("i")
	g.CloseInput()

	events := collectEvents(t, g.Events())
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	var text string
	for _, ev := range events[:2] {
		if ev.Kind != adapter.Partial {
			t.Errorf("expected partial, got %v", ev.Kind)
		}
		text += ev.Text
	}
	if text != "hello from openai" {
		t.Errorf("expected 'hello from openai', got '%s'", text)
	}
	if events[2].Kind != adapter.Final || events[2].TurnID != 3 {
		t.Errorf("unexpected final event %+v", events[2])
	}

	gotMessages := <-requests
	if len(gotMessages) != 2 || gotMessages[1].Content != "hi" || gotMessages[0].Role != "system" {
		t.Errorf("unexpected request messages %+v", gotMessages)
	}

	if g.Name() != "openai-llm" {
		t.Errorf("expected openai-llm, got %s", g.Name())
	}
}

func TestGroqLLMDefaults(t *testing.T) {
	l := NewGroqLLM("k", "")
	if l.Name() != "groq-llm" {
		t.Errorf("expected groq-llm, got %s", l.Name())
	}
	if l.model == "" {
		t.Error("expected a default model")
	}
}

func TestOpenAILLMHTTPErrorFailsStream(t *testing.T) {
	server := sseServer(t, func(*http.Request) bool { return false })
	defer server.Close()

	g := NewGenerator(&OpenAILLM{apiKey: "bad", url: server.URL, name: "openai-llm"})
	g.Start(context.Background(), adapter.Options{})
	g.Push("hi")
	g.CloseInput()

	events := collectEvents(t, g.Events())
	if len(events) != 1 || events[0].Kind != adapter.Error {
		t.Fatalf("expected a single error event, got %+v", events)
	}
}

func TestGeneratorCancelIsSilent(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(block)

	g := NewGenerator(&OpenAILLM{url: server.URL, name: "openai-llm"})
	g.Start(context.Background(), adapter.Options{})
	g.Push("hi")
	g.CloseInput()

	ev := <-g.Events()
	if ev.Text != "x" {
		t.Fatalf("expected first delta, got %+v", ev)
	}
	g.Cancel()
	g.Cancel()

	for ev := range g.Events() {
		t.Errorf("unexpected event after cancel: %+v", ev)
	}
}
