package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

var ErrInvalidOption = errors.New("invalid session option")

// SessionOptions are the per-session tunables. Each can be overridden by the
// query string of the connection request.
type SessionOptions struct {
	ChunkMs             int     `yaml:"chunk_ms" env:"CHUNK_MS" json:"chunk_ms"`
	StabilizeMs         int     `yaml:"stabilize_ms" env:"STABILIZE_MS" json:"stabilize_ms"`
	JitterLeadMs        int     `yaml:"jitter_lead_ms" env:"JITTER_LEAD_MS" json:"jitter_lead_ms"`
	CrossfadeMs         int     `yaml:"crossfade_ms" env:"CROSSFADE_MS" json:"crossfade_ms"`
	VADThreshold        float64 `yaml:"vad_threshold" env:"VAD_THRESHOLD" json:"vad_threshold"`
	InactivityTimeoutMs int     `yaml:"inactivity_timeout_ms" env:"INACTIVITY_TIMEOUT_MS" json:"inactivity_timeout_ms"`
	SampleRate          int     `yaml:"sample_rate" env:"SAMPLE_RATE" json:"sample_rate"`
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ChunkMs:             20,
		StabilizeMs:         250,
		JitterLeadMs:        100,
		CrossfadeMs:         80,
		VADThreshold:        0.02,
		InactivityTimeoutMs: 300000,
		SampleRate:          16000,
	}
}

// ApplyQuery overrides options present in q. Unknown parameters are ignored.
func (o *SessionOptions) ApplyQuery(q url.Values) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"chunk_ms", &o.ChunkMs},
		{"stabilize_ms", &o.StabilizeMs},
		{"jitter_lead_ms", &o.JitterLeadMs},
		{"crossfade_ms", &o.CrossfadeMs},
		{"inactivity_timeout_ms", &o.InactivityTimeoutMs},
	}
	for _, opt := range ints {
		v := q.Get(opt.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidOption, opt.key, v)
		}
		*opt.dst = n
	}
	if v := q.Get("vad_threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: vad_threshold=%q", ErrInvalidOption, v)
		}
		o.VADThreshold = f
	}
	return o.Validate()
}

func (o SessionOptions) Validate() error {
	switch {
	case o.ChunkMs <= 0 || o.ChunkMs > 1000:
		return fmt.Errorf("%w: chunk_ms must be in (0, 1000]", ErrInvalidOption)
	case o.StabilizeMs <= 0:
		return fmt.Errorf("%w: stabilize_ms must be positive", ErrInvalidOption)
	case o.JitterLeadMs < 0:
		return fmt.Errorf("%w: jitter_lead_ms must not be negative", ErrInvalidOption)
	case o.CrossfadeMs < 0:
		return fmt.Errorf("%w: crossfade_ms must not be negative", ErrInvalidOption)
	case o.VADThreshold <= 0 || o.VADThreshold >= 1:
		return fmt.Errorf("%w: vad_threshold must be in (0, 1)", ErrInvalidOption)
	case o.InactivityTimeoutMs <= 0:
		return fmt.Errorf("%w: inactivity_timeout_ms must be positive", ErrInvalidOption)
	case o.SampleRate < 8000:
		return fmt.Errorf("%w: sample_rate must be at least 8000", ErrInvalidOption)
	}
	return nil
}

func (o SessionOptions) Chunk() time.Duration     { return ms(o.ChunkMs) }
func (o SessionOptions) Stabilize() time.Duration { return ms(o.StabilizeMs) }
func (o SessionOptions) JitterLead() time.Duration {
	return ms(o.JitterLeadMs)
}
func (o SessionOptions) Crossfade() time.Duration { return ms(o.CrossfadeMs) }
func (o SessionOptions) InactivityTimeout() time.Duration {
	return ms(o.InactivityTimeoutMs)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
