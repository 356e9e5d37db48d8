package audio

import "math"

// rampFloor is the near-silent gain exponential ramps start from or end at,
// since an exponential curve cannot reach zero (-60 dB).
const rampFloor = 0.001

// ExpRamp returns n gains moving exponentially from "from" to "to".
// Endpoints at zero are replaced with rampFloor.
func ExpRamp(from, to float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if from < rampFloor {
		from = rampFloor
	}
	if to < rampFloor {
		to = rampFloor
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = to
		return out
	}
	ratio := to / from
	for i := range out {
		out[i] = from * math.Pow(ratio, float64(i)/float64(n-1))
	}
	return out
}

// FadeIn applies an exponential ramp from silence to full gain.
func FadeIn(pcm []byte) []byte {
	s := Samples(pcm)
	g := ExpRamp(0, 1, len(s))
	for i := range s {
		s[i] *= g[i]
	}
	return PCM(s)
}

// FadeOut applies an exponential ramp from full gain to silence.
func FadeOut(pcm []byte) []byte {
	s := Samples(pcm)
	g := ExpRamp(1, 0, len(s))
	for i := range s {
		s[i] *= g[i]
	}
	return PCM(s)
}

// CrossFade mixes the tail of the previous segment (fading out) with the head
// of the next one (fading in). The gains sum to one at every sample, so
// correlated audio keeps its level across the seam. The result is as long as
// the shorter input.
func CrossFade(tail, head []byte) []byte {
	a := Samples(tail)
	b := Samples(head)
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]float64, n)
	up := ExpRamp(0, 1, n)
	for i := 0; i < n; i++ {
		out[i] = a[i]*(1-up[i]) + b[i]*up[i]
	}
	return PCM(out)
}

// GainRamp moves an output gain smoothly toward a target, one sample at a time.
type GainRamp struct {
	current float64
	target  float64
	step    float64
}

// NewGainRamp starts at unity gain.
func NewGainRamp() *GainRamp {
	return &GainRamp{current: 1, target: 1}
}

// SetTarget schedules a linear move to target over the given number of samples.
func (g *GainRamp) SetTarget(target float64, samples int) {
	if target < 0 {
		target = 0
	}
	g.target = target
	if samples <= 0 {
		g.current = target
		g.step = 0
		return
	}
	g.step = (target - g.current) / float64(samples)
}

// Current returns the gain that will apply to the next sample.
func (g *GainRamp) Current() float64 {
	return g.current
}

// Apply scales pcm by the ramping gain. Unity gain with no ramp is a no-op copy.
func (g *GainRamp) Apply(pcm []byte) []byte {
	if g.step == 0 && g.current == 1 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}
	s := Samples(pcm)
	for i := range s {
		s[i] *= g.current
		if g.step != 0 {
			g.current += g.step
			if (g.step > 0 && g.current >= g.target) || (g.step < 0 && g.current <= g.target) {
				g.current = g.target
				g.step = 0
			}
		}
	}
	return PCM(s)
}
