package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
)

// AssemblyAISTT uploads the utterance, submits a job and polls for it.
type AssemblyAISTT struct {
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	client       *http.Client
}

func NewAssemblyAISTT(apiKey string) *AssemblyAISTT {
	return &AssemblyAISTT{
		apiKey:       apiKey,
		baseURL:      "https://api.assemblyai.com/v2",
		pollInterval: 500 * time.Millisecond,
		client:       defaultClient,
	}
}

func (s *AssemblyAISTT) Name() string { return "assemblyai-stt" }

type assemblyJob struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
}

func (s *AssemblyAISTT) Transcribe(ctx context.Context, pcm []byte, sampleRate int, lang string) (Transcript, error) {
	var upload struct {
		UploadURL string `json:"upload_url"`
	}
	if err := s.call(ctx, http.MethodPost, "/upload", audio.NewWavBuffer(pcm, sampleRate), "application/octet-stream", &upload); err != nil {
		return Transcript{}, err
	}

	submit := map[string]any{"audio_url": upload.UploadURL}
	if lang != "" {
		submit["language_code"] = lang
	}
	body, err := json.Marshal(submit)
	if err != nil {
		return Transcript{}, err
	}
	var job assemblyJob
	if err := s.call(ctx, http.MethodPost, "/transcript", body, "application/json", &job); err != nil {
		return Transcript{}, err
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Transcript{}, ctx.Err()
		case <-ticker.C:
		}
		var status assemblyJob
		if err := s.call(ctx, http.MethodGet, "/transcript/"+job.ID, nil, "", &status); err != nil {
			return Transcript{}, err
		}
		switch status.Status {
		case "completed":
			return Transcript{Text: status.Text, Confidence: status.Confidence}, nil
		case "error":
			return Transcript{}, fmt.Errorf("%w: %s", ErrTranscriptionFailed, status.Error)
		}
	}
}

func (s *AssemblyAISTT) call(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", s.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("assemblyai-stt: %w", err)
	}
	return decodeResponse(s.Name(), resp, out)
}
