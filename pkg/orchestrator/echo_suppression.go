package orchestrator

import (
	"math"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
)

// EchoSuppressor recognizes microphone input that is our own playback picked
// up again by the client's microphone. It correlates inbound frames against a
// rolling window of recently played audio.
type EchoSuppressor struct {
	mu        sync.Mutex
	played    []float64
	maxLen    int
	threshold float64
	// hold is how long after the last played audio echo is still possible.
	hold     time.Duration
	lastPlay time.Time
	enabled  bool
	now      func() time.Time
}

// NewEchoSuppressor keeps window of played audio at the given sample rate.
func NewEchoSuppressor(sampleRate int, window time.Duration, now func() time.Time) *EchoSuppressor {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if window <= 0 {
		window = 2 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &EchoSuppressor{
		maxLen:    int(int64(sampleRate) * int64(window) / int64(time.Second)),
		threshold: 0.55,
		hold:      1200 * time.Millisecond,
		enabled:   true,
		now:       now,
	}
}

// RecordPlayedAudio appends audio that was just sent to the client.
func (es *EchoSuppressor) RecordPlayedAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	if !es.enabled {
		return
	}

	es.played = append(es.played, audio.Samples(pcm)...)
	es.lastPlay = es.now()
	if over := len(es.played) - es.maxLen; over > 0 {
		es.played = append(es.played[:0], es.played[over:]...)
	}
}

// IsEcho reports whether input is mostly a copy of recently played audio.
func (es *EchoSuppressor) IsEcho(input []byte) bool {
	if len(input) == 0 {
		return false
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.enabled || len(es.played) == 0 {
		return false
	}
	if es.now().Sub(es.lastPlay) > es.hold {
		return false
	}

	in := audio.Samples(input)
	if maxCorrelation(in, es.played) > es.threshold {
		return true
	}
	// Sibilants lose phase in the room; their envelope still matches.
	return maxEnvelopeCorrelation(in, es.played, 8) > es.threshold+0.05
}

// ClearEchoBuffer forgets played audio, for example after an interruption.
func (es *EchoSuppressor) ClearEchoBuffer() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.played = es.played[:0]
	es.lastPlay = time.Time{}
}

// SetThreshold adjusts the correlation above which input counts as echo.
// Values outside [0, 1] are ignored.
func (es *EchoSuppressor) SetThreshold(threshold float64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if threshold >= 0 && threshold <= 1 {
		es.threshold = threshold
	}
}

func (es *EchoSuppressor) SetEnabled(enabled bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.enabled = enabled
}

// maxCorrelation slides input over reference with a coarse stride and returns
// the best normalized cross-correlation, clamped to [0, 1].
func maxCorrelation(input, reference []float64) float64 {
	n := len(input)
	if n > len(reference) {
		n = len(reference)
	}
	if n == 0 {
		return 0
	}
	in := input[:n]
	inEnergy := energy(in)
	if inEnergy == 0 {
		return 0
	}

	stride := n / 4
	if stride < 8 {
		stride = 8
	}

	best := 0.0
	// Newest audio first: echo trails playback by a few frames.
	for pos := len(reference) - n; pos >= 0; pos -= stride {
		seg := reference[pos : pos+n]
		segEnergy := energy(seg)
		if segEnergy == 0 {
			continue
		}
		dot := 0.0
		for i := range in {
			dot += in[i] * seg[i]
		}
		if c := dot / math.Sqrt(inEnergy*segEnergy); c > best {
			best = c
			if best >= 0.999 {
				break
			}
		}
	}
	return math.Min(math.Max(best, 0), 1)
}

// maxEnvelopeCorrelation compares the decimated absolute envelopes of both
// signals.
func maxEnvelopeCorrelation(input, reference []float64, decimation int) float64 {
	inEnv := envelope(input, decimation)
	refEnv := envelope(reference, decimation)

	n := len(inEnv)
	if n > len(refEnv) {
		n = len(refEnv)
	}
	if n == 0 {
		return 0
	}
	inEnv = inEnv[:n]

	mean := 0.0
	for _, v := range inEnv {
		mean += v
	}
	mean /= float64(n)
	inVar := 0.0
	for i := range inEnv {
		inEnv[i] -= mean
		inVar += inEnv[i] * inEnv[i]
	}
	if inVar <= 0 {
		return 0
	}

	stride := n / 4
	if stride < 2 {
		stride = 2
	}

	best := 0.0
	for pos := 0; pos+n <= len(refEnv); pos += stride {
		seg := refEnv[pos : pos+n]
		refMean := 0.0
		for _, v := range seg {
			refMean += v
		}
		refMean /= float64(n)

		dot, refVar := 0.0, 0.0
		for i, v := range seg {
			r := v - refMean
			dot += inEnv[i] * r
			refVar += r * r
		}
		if refVar > 0 {
			if c := dot / math.Sqrt(inVar*refVar); c > best {
				best = c
			}
		}
	}
	return best
}

func envelope(samples []float64, decimation int) []float64 {
	env := make([]float64, len(samples)/decimation)
	for i := range env {
		sum := 0.0
		for _, s := range samples[i*decimation : (i+1)*decimation] {
			sum += math.Abs(s)
		}
		env[i] = sum
	}
	return env
}

func energy(samples []float64) float64 {
	e := 0.0
	for _, s := range samples {
		e += s * s
	}
	return e
}
