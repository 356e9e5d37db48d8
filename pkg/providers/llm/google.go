package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
)

type GoogleLLM struct {
	apiKey string
	url    string
	model  string
}

func NewGoogleLLM(apiKey string, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":streamGenerateContent",
		model:  model,
	}
}

type googleMessage struct {
	Role  string       `json:"role"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text"`
}

func (l *GoogleLLM) StreamComplete(ctx context.Context, messages []adapter.Message, onDelta func(string) error) error {
	var googleMessages []googleMessage
	for _, m := range messages {
		role := m.Role
		if role == "system" {
			role = "user" // Gemini doesn't always handle system role in the same way in all models
		}
		if role == "assistant" {
			role = "model"
		}
		googleMessages = append(googleMessages, googleMessage{Role: role, Parts: []googlePart{{Text: m.Content}}})
	}

	payload := map[string]interface{}{
		"contents": googleMessages,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url+"?alt=sse&key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("google llm error (status %d): %v", resp.StatusCode, errResp)
	}

	return readSSE(resp.Body, func(_ string, data string) error {
		var result struct {
			Candidates []struct {
				Content struct {
					Parts []googlePart `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if err := json.Unmarshal([]byte(data), &result); err != nil {
			return fmt.Errorf("google llm: malformed stream chunk: %w", err)
		}
		for _, c := range result.Candidates {
			for _, p := range c.Content.Parts {
				if p.Text == "" {
					continue
				}
				if err := onDelta(p.Text); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (l *GoogleLLM) Name() string {
	return "google-llm"
}
