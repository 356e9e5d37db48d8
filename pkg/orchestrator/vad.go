package orchestrator

import (
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
)

type VADEventType string

const (
	VADSpeechStart VADEventType = "SPEECH_START"
	VADSpeechEnd   VADEventType = "SPEECH_END"
	VADSilence     VADEventType = "SILENCE"
)

type VADEvent struct {
	Type VADEventType
	At   time.Time
}

// RMSVAD is an energy-threshold voice activity detector with hysteresis.
// Speech starts after minConfirmed consecutive frames above the threshold and
// ends after silenceLimit below it. Time comes from the frames themselves.
type RMSVAD struct {
	threshold    float64
	silenceLimit time.Duration
	isSpeaking   bool
	silenceStart time.Time

	consecutiveFrames int
	minConfirmed      int
}

// NewRMSVAD creates a new RMS-based VAD
func NewRMSVAD(threshold float64, silenceLimit time.Duration) *RMSVAD {
	return &RMSVAD{
		threshold:    threshold,
		silenceLimit: silenceLimit,
		// ~100ms of 20ms frames filters clicks and echo onsets.
		minConfirmed: 5,
	}
}

// SetMinConfirmed sets the number of consecutive frames needed to confirm speech start
func (v *RMSVAD) SetMinConfirmed(count int) {
	if count < 1 {
		count = 1
	}
	v.minConfirmed = count
}

func (v *RMSVAD) Threshold() float64 {
	return v.threshold
}

func (v *RMSVAD) IsSpeaking() bool {
	return v.isSpeaking
}

// Process classifies one frame. Energy is computed from the payload when the
// transport did not fill it in. A nil event means no change.
func (v *RMSVAD) Process(f audio.Frame) *VADEvent {
	rms := f.Energy
	if rms == 0 && len(f.Payload) > 0 {
		rms = audio.RMSEnergy(f.Payload)
	}

	if rms > v.threshold {
		v.consecutiveFrames++
		v.silenceStart = time.Time{}
		if !v.isSpeaking && v.consecutiveFrames >= v.minConfirmed {
			v.isSpeaking = true
			return &VADEvent{Type: VADSpeechStart, At: f.Captured}
		}
		return nil
	}

	v.consecutiveFrames = 0
	if v.isSpeaking {
		if v.silenceStart.IsZero() {
			v.silenceStart = f.Captured
		}
		if f.Captured.Sub(v.silenceStart) >= v.silenceLimit {
			v.isSpeaking = false
			v.silenceStart = time.Time{}
			return &VADEvent{Type: VADSpeechEnd, At: f.Captured}
		}
		return nil
	}
	return &VADEvent{Type: VADSilence, At: f.Captured}
}

func (v *RMSVAD) Name() string {
	return "rms_vad"
}

func (v *RMSVAD) Reset() {
	v.isSpeaking = false
	v.silenceStart = time.Time{}
	v.consecutiveFrames = 0
}
