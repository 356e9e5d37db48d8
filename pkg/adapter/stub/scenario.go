package stub

import (
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
)

// Reference timings for the canonical "hej" turn.
const (
	PartialAt = 200 * time.Millisecond
	FinalAt   = 220 * time.Millisecond
)

// Engines returns factories for the canonical turn: a partial then the final
// "hej", two generated deltas, and three synthesized chunks totalling 320ms.
func Engines() adapter.Engines {
	return adapter.Engines{
		Recognizer: func() adapter.Recognizer {
			return NewRecognizer(
				Step{After: PartialAt, Event: adapter.Event{Kind: adapter.Partial, Text: "he", Confidence: 0.6}},
				Step{After: FinalAt, Event: adapter.Event{Kind: adapter.Final, Text: "hej", Confidence: 0.95}},
			)
		},
		Generator: func() adapter.Generator {
			return NewGenerator(
				Step{After: 30 * time.Millisecond, Event: adapter.Event{Kind: adapter.Partial, Text: "Hej! "}},
				Step{After: 60 * time.Millisecond, Event: adapter.Event{Kind: adapter.Final, Text: "Hur kan jag hjälpa dig?"}},
			)
		},
		Synthesizer: func() adapter.Synthesizer {
			return NewSynthesizer(SynthConfig{
				FirstChunk: 100 * time.Millisecond,
				Interval:   20 * time.Millisecond,
				Durations:  []time.Duration{120 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond},
			})
		},
	}
}
