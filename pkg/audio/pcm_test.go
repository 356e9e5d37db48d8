package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationAndBytes(t *testing.T) {
	assert.Equal(t, 640, BytesFor(20*time.Millisecond, 16000))
	assert.Equal(t, 20*time.Millisecond, Duration(640, 16000))
	assert.Equal(t, time.Duration(0), Duration(640, 0))
	assert.Equal(t, 0, BytesFor(-time.Second, 16000))
}

func TestRMSEnergy(t *testing.T) {
	assert.Equal(t, 0.0, RMSEnergy(nil))
	assert.Equal(t, 0.0, RMSEnergy(make([]byte, 320)))

	tone := Tone(440, 0.5, 100*time.Millisecond, 16000)
	// RMS of a sine is amplitude/sqrt(2).
	assert.InDelta(t, 0.5/math.Sqrt2, RMSEnergy(tone), 0.01)
}

func TestSamplesRoundTrip(t *testing.T) {
	in := []float64{0, 0.5, -0.5, 0.999}
	out := Samples(PCM(in))
	for i := range in {
		assert.InDelta(t, in[i], out[i], 0.001)
	}
}

func TestPCMClips(t *testing.T) {
	out := Samples(PCM([]float64{2, -2}))
	assert.InDelta(t, 1.0, out[0], 0.001)
	assert.InDelta(t, -1.0, out[1], 0.001)
}
