package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
)

// OpenAILLM streams chat completions from an OpenAI-compatible endpoint.
type OpenAILLM struct {
	apiKey string
	url    string
	model  string
	name   string
}

func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/chat/completions",
		model:  model,
		name:   "openai-llm",
	}
}

// NewGroqLLM targets Groq's OpenAI-compatible chat endpoint.
func NewGroqLLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return &OpenAILLM{
		apiKey: apiKey,
		url:    "https://api.groq.com/openai/v1/chat/completions",
		model:  model,
		name:   "groq-llm",
	}
}

func (l *OpenAILLM) StreamComplete(ctx context.Context, messages []adapter.Message, onDelta func(string) error) error {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
		"stream":   true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("%s error (status %d): %v", l.name, resp.StatusCode, errResp)
	}

	err = readSSE(resp.Body, func(_ string, data string) error {
		if data == "[DONE]" {
			return errStreamDone
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("%s: malformed stream chunk: %w", l.name, err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			return nil
		}
		return onDelta(chunk.Choices[0].Delta.Content)
	})
	return streamErr(err)
}

func (l *OpenAILLM) Name() string {
	return l.name
}
