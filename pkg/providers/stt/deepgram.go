package stt

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

type DeepgramSTT struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewDeepgramSTT(apiKey string) *DeepgramSTT {
	return &DeepgramSTT{
		apiKey: apiKey,
		url:    "https://api.deepgram.com/v1/listen",
		model:  "nova-2",
		client: defaultClient,
	}
}

func (s *DeepgramSTT) Name() string { return "deepgram-stt" }

// Transcribe posts raw linear16 audio; Deepgram needs no container.
func (s *DeepgramSTT) Transcribe(ctx context.Context, pcm []byte, sampleRate int, lang string) (Transcript, error) {
	q := url.Values{}
	q.Set("model", s.model)
	q.Set("smart_format", "true")
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	if lang != "" {
		q.Set("language", lang)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"?"+q.Encode(), bytes.NewReader(pcm))
	if err != nil {
		return Transcript{}, err
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d; channels=1", sampleRate))

	resp, err := s.client.Do(req)
	if err != nil {
		return Transcript{}, fmt.Errorf("deepgram-stt: %w", err)
	}
	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := decodeResponse(s.Name(), resp, &result); err != nil {
		return Transcript{}, err
	}
	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return Transcript{}, nil
	}
	best := result.Results.Channels[0].Alternatives[0]
	return Transcript{Text: best.Transcript, Confidence: best.Confidence}, nil
}
