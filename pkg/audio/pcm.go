package audio

import (
	"math"
	"time"
)

// BytesPerSample is fixed: mono PCM16 little-endian.
const BytesPerSample = 2

// RMSEnergy computes the root-mean-square level of PCM16 audio in [0, 1].
func RMSEnergy(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += BytesPerSample {
		s := float64(int16(uint16(pcm[i])|uint16(pcm[i+1])<<8)) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Duration returns how long n bytes of PCM16 last at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns the byte length of d at sampleRate, aligned to a sample.
func BytesFor(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := int(int64(d) * int64(sampleRate) / int64(time.Second))
	return samples * BytesPerSample
}

// Samples decodes PCM16 into float samples in [-1, 1].
func Samples(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = float64(int16(uint16(pcm[2*i])|uint16(pcm[2*i+1])<<8)) / 32768.0
	}
	return out
}

// PCM encodes float samples back to PCM16, clipping to the valid range.
func PCM(samples []float64) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := int16(clip(s * 32767.0))
		out[2*i] = byte(v)
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}

func clip(v float64) float64 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return math.Round(v)
}

// Tone synthesizes a sine wave, used by stub engines and tests.
func Tone(freq float64, amplitude float64, d time.Duration, sampleRate int) []byte {
	n := BytesFor(d, sampleRate) / BytesPerSample
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return PCM(samples)
}
