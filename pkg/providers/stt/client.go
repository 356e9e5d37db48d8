package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrUnauthorized        = errors.New("engine rejected credentials")
)

// Transcript is the result of one batch transcription.
type Transcript struct {
	Text       string
	Confidence float64
}

// APIError is a non-2xx answer from a transcription service.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

var defaultClient = &http.Client{Timeout: 60 * time.Second}

// decodeResponse closes resp and decodes its JSON body into out, or returns
// an *APIError for any non-2xx status.
func decodeResponse(provider string, resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Provider: provider, Status: resp.StatusCode, Body: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
