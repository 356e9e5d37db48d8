package stt

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"mime/multipart"
	"net/http"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
)

// WhisperSTT talks to an OpenAI-compatible /audio/transcriptions endpoint.
type WhisperSTT struct {
	name   string
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewGroqSTT(apiKey string, model string) *WhisperSTT {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return &WhisperSTT{
		name:   "groq-stt",
		apiKey: apiKey,
		url:    "https://api.groq.com/openai/v1/audio/transcriptions",
		model:  model,
		client: defaultClient,
	}
}

func NewOpenAISTT(apiKey string, model string) *WhisperSTT {
	if model == "" {
		model = "whisper-1"
	}
	return &WhisperSTT{
		name:   "openai-stt",
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/audio/transcriptions",
		model:  model,
		client: defaultClient,
	}
}

func (s *WhisperSTT) Name() string { return s.name }

func (s *WhisperSTT) Transcribe(ctx context.Context, pcm []byte, sampleRate int, lang string) (Transcript, error) {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	fields := map[string]string{"model": s.model, "response_format": "verbose_json"}
	if lang != "" {
		fields["language"] = lang
	}
	for k, v := range fields {
		if err := form.WriteField(k, v); err != nil {
			return Transcript{}, err
		}
	}
	part, err := form.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return Transcript{}, err
	}
	if _, err := part.Write(audio.NewWavBuffer(pcm, sampleRate)); err != nil {
		return Transcript{}, err
	}
	if err := form.Close(); err != nil {
		return Transcript{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, body)
	if err != nil {
		return Transcript{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return Transcript{}, fmt.Errorf("%s: %w", s.name, err)
	}
	var result struct {
		Text     string `json:"text"`
		Segments []whisperSegment `json:"segments"`
	}
	if err := decodeResponse(s.name, resp, &result); err != nil {
		return Transcript{}, err
	}
	return Transcript{Text: result.Text, Confidence: segmentConfidence(result.Segments)}, nil
}

type whisperSegment struct {
	AvgLogprob float64 `json:"avg_logprob"`
}

// segmentConfidence maps the mean segment log probability to [0, 1]. Without
// segments the engine gives no signal and the transcript is trusted.
func segmentConfidence(segments []whisperSegment) float64 {
	if len(segments) == 0 {
		return 1
	}
	var sum float64
	for _, s := range segments {
		sum += s.AvgLogprob
	}
	return math.Min(1, math.Exp(sum/float64(len(segments))))
}
