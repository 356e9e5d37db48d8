package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter/stub"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/metrics"
)

type turnRecorder struct {
	mu    sync.Mutex
	turns []metrics.TurnMetrics
}

func (r *turnRecorder) RecordTurn(m metrics.TurnMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, m)
}

func (r *turnRecorder) Turns() []metrics.TurnMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]metrics.TurnMetrics(nil), r.turns...)
}

type harness struct {
	t     *testing.T
	ms    *ManagedStream
	rec   *turnRecorder
	clock *fakeClock

	mu   sync.Mutex
	seen []OrchestratorEvent
}

func newHarness(t *testing.T, engines adapter.Engines, configure func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TimerInterval = 5 * time.Millisecond
	if configure != nil {
		configure(&cfg)
	}
	return startHarness(t, engines, cfg, true)
}

// newSimulatedHarness runs the stream on clk. The playback buffer is not
// driven by a ticker; call advance to move time forward.
func newSimulatedHarness(t *testing.T, engines adapter.Engines, clk *fakeClock) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TimerInterval = 5 * time.Millisecond
	cfg.Now = clk.Now
	h := startHarness(t, engines, cfg, false)
	h.clock = clk
	return h
}

func startHarness(t *testing.T, engines adapter.Engines, cfg Config, tickBuffer bool) *harness {
	t.Helper()
	rec := &turnRecorder{}
	orch, err := NewWithLogger(engines, cfg, rec, nil)
	if err != nil {
		t.Fatalf("NewWithLogger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ms := orch.NewManagedStream(ctx, orch.NewSessionWithDefaults("session-1"))
	h := &harness{t: t, ms: ms, rec: rec}

	go ms.Run(ctx)
	if tickBuffer {
		go ms.Buffer().Run(ctx)
	}
	go func() {
		for ev := range ms.Events() {
			h.mu.Lock()
			h.seen = append(h.seen, ev)
			h.mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		ms.Close()
	})
	return h
}

// advance moves the simulated clock by d in ticks of 10ms, letting the
// engines' real timers catch up between ticks.
func (h *harness) advance(d time.Duration) {
	for step := 10 * time.Millisecond; d > 0; d -= step {
		h.clock.Advance(step)
		h.ms.Buffer().Tick(h.clock.Now())
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) events() []OrchestratorEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]OrchestratorEvent(nil), h.seen...)
}

// waitFor returns the first event matching match and its position.
func (h *harness) waitFor(desc string, match func(OrchestratorEvent) bool) (OrchestratorEvent, int) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for i, ev := range h.events() {
			if match(ev) {
				return ev, i
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", desc)
	return OrchestratorEvent{}, -1
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.ms.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("state is %s, want %s", h.ms.State(), want)
}

func (h *harness) speak(frames int) {
	h.t.Helper()
	for i := 0; i < frames; i++ {
		f := audio.Frame{Seq: uint32(i), Payload: audio.Tone(300, 0.5, 20*time.Millisecond, 16000)}
		if err := h.ms.PushFrame(f); err != nil {
			h.t.Fatalf("PushFrame: %v", err)
		}
	}
}

func ofType(typ EventType) func(OrchestratorEvent) bool {
	return func(ev OrchestratorEvent) bool { return ev.Type == typ }
}

func ofTurn(typ EventType, turn uint64) func(OrchestratorEvent) bool {
	return func(ev OrchestratorEvent) bool { return ev.Type == typ && ev.TurnID == turn }
}

func eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", desc)
}

// longSynth plays ten 200ms chunks, long enough to interrupt.
func longSynth(made *[]*stub.Stream[string], mu *sync.Mutex) func() adapter.Synthesizer {
	return func() adapter.Synthesizer {
		durations := make([]time.Duration, 10)
		for i := range durations {
			durations[i] = 200 * time.Millisecond
		}
		s := stub.NewSynthesizer(stub.SynthConfig{FirstChunk: 20 * time.Millisecond, Interval: 10 * time.Millisecond, Durations: durations})
		mu.Lock()
		*made = append(*made, s)
		mu.Unlock()
		return s
	}
}

func TestManagedStream_HejScenario(t *testing.T) {
	h := newHarness(t, stub.Engines(), nil)
	h.speak(5)

	final, _ := h.waitFor("final transcript", ofType(TranscriptFinal))
	if tr := final.Data.(Transcript); tr.Text != "hej" {
		t.Errorf("expected final transcript 'hej', got %q", tr.Text)
	}
	delta, _ := h.waitFor("first delta", ofType(LLMDelta))
	if d := delta.Data.(Delta); d.Text != "Hej! " {
		t.Errorf("expected first delta 'Hej! ', got %q", d.Text)
	}
	h.waitFor("tts.begin", ofType(BotSpeaking))
	h.waitFor("tts.end", ofType(BotStopped))
	h.waitState(StateIdle)

	var states []State
	var chunks []Audio
	var last time.Time
	for _, ev := range h.events() {
		switch ev.Type {
		case StateChanged:
			states = append(states, ev.Data.(Transition).To)
		case AudioChunk:
			a := ev.Data.(Audio)
			if a.Start.Before(last) {
				t.Errorf("audio scheduled out of order: %v before %v", a.Start, last)
			}
			last = a.Start.Add(a.Duration)
			if ev.TurnID != final.TurnID {
				t.Errorf("audio of turn %d, want %d", ev.TurnID, final.TurnID)
			}
			if !a.Tail {
				chunks = append(chunks, a)
			}
		}
	}
	want := []State{StateListening, StateRecognizing, StateGenerating, StateSynthesizing, StateSpeaking, StateIdle}
	if !isSubsequence(want, states) {
		t.Errorf("state sequence %v does not contain %v", states, want)
	}

	if len(chunks) != 3 {
		t.Fatalf("expected 3 played chunks, got %d", len(chunks))
	}
	for i, a := range chunks {
		if a.Seq != uint32(i) {
			t.Errorf("chunk %d has seq %d", i, a.Seq)
		}
		if a.FadeOut {
			t.Errorf("chunk %d faded out in an uninterrupted turn", i)
		}
		if wantFade := i > 0; a.CrossFaded != wantFade {
			t.Errorf("chunk %d cross-faded = %v, want %v", i, a.CrossFaded, wantFade)
		}
	}

	turns := h.rec.Turns()
	if len(turns) != 1 {
		t.Fatalf("expected one recorded turn, got %d", len(turns))
	}
	m := turns[0]
	if m.Interrupted {
		t.Error("turn should not be marked interrupted")
	}
	// Partial at 200ms; first delta 30ms after the final at 220ms; first chunk
	// 100ms later; played after the 100ms lead time.
	checkRange(t, "first partial", m.FirstPartialMs, 195, 260)
	checkRange(t, "first token", m.FirstTokenMs, 25, 90)
	checkRange(t, "first audio", m.FirstAudioMs, 95, 160)
	checkRange(t, "total", m.TotalLatencyMs, 440, 580)

	history := h.ms.Session().GetContextCopy()
	if len(history) != 2 || history[0].Content != "hej" || history[1].Content != "Hej! Hur kan jag hjälpa dig?" {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestManagedStream_BargeInBound(t *testing.T) {
	var mu sync.Mutex
	var synths []*stub.Stream[string]
	engines := stub.Engines()
	engines.Synthesizer = longSynth(&synths, &mu)
	h := newSimulatedHarness(t, engines, newFakeClock())

	if err := h.ms.InjectTranscript("berätta en historia", 1, true); err != nil {
		t.Fatal(err)
	}
	var first OrchestratorEvent
	deadline := time.Now().Add(3 * time.Second)
	for first.Type != AudioChunk {
		if time.Now().After(deadline) {
			t.Fatal("no audio played")
		}
		h.advance(10 * time.Millisecond)
		for _, ev := range h.events() {
			if ev.Type == AudioChunk {
				first = ev
				break
			}
		}
	}
	turn := first.TurnID
	eventually(t, "chunks buffered behind the playing one", func() bool {
		return h.ms.Buffer().Stats().Buffered > 0
	})

	bargeAt := h.clock.Now()
	start := time.Now()
	if !h.ms.BargeIn() {
		t.Fatal("BargeIn reported nothing to interrupt")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("barge-in took %v", elapsed)
	}
	if got := h.ms.State(); got != StateListening {
		t.Errorf("expected listening right after barge-in, got %s", got)
	}
	if !h.ms.Interrupted(turn) {
		t.Error("interrupted turn must be reported as cut")
	}

	_, cutAt := h.waitFor("interrupted", ofTurn(Interrupted, turn))
	h.advance(300 * time.Millisecond)
	for _, ev := range h.events()[cutAt:] {
		if ev.Type == AudioChunk && ev.TurnID == turn && !ev.Data.(Audio).FadeOut {
			t.Fatalf("audio of the interrupted turn delivered after interruption (seq %d)", ev.Data.(Audio).Seq)
		}
	}
	for _, ev := range h.events()[:cutAt] {
		if a, ok := ev.Data.(Audio); ok && a.FadeOut && a.Duration >= 100*time.Millisecond {
			t.Errorf("fade-out lasts %v", a.Duration)
		}
	}

	eventually(t, "synthesizer cancelled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(synths) == 1 && synths[0].Canceled()
	})
	if st := h.ms.Buffer().Stats(); st.Dropped == 0 {
		t.Error("expected buffered chunks to be dropped")
	}

	turns := h.rec.Turns()
	if len(turns) != 1 || !turns[0].Interrupted {
		t.Fatalf("expected one interrupted turn, got %+v", turns)
	}
	// The simulated clock did not move while BargeIn ran.
	if turns[0].BargeInCutMs != 0 {
		t.Errorf("barge-in cut %vms on a clock that stood still at %v", turns[0].BargeInCutMs, bargeAt)
	}
	if !turns[0].RecordedAt.Equal(bargeAt) {
		t.Errorf("turn recorded at %v, want %v", turns[0].RecordedAt, bargeAt)
	}
}

func TestManagedStream_BargeInWhileIdle(t *testing.T) {
	h := newHarness(t, stub.Engines(), nil)
	h.waitState(StateListening)
	if h.ms.BargeIn() {
		t.Error("nothing to interrupt while idle")
	}
}

func TestManagedStream_QueuesOutOfOrderFinal(t *testing.T) {
	h := newHarness(t, stub.Engines(), nil)

	if err := h.ms.InjectTranscript("first", 1, true); err != nil {
		t.Fatal(err)
	}
	thinking, _ := h.waitFor("first response", ofType(BotThinking))
	firstTurn := thinking.TurnID

	if err := h.ms.InjectTranscript("second", 1, true); err != nil {
		t.Fatal(err)
	}
	second, _ := h.waitFor("second final", func(ev OrchestratorEvent) bool {
		return ev.Type == TranscriptFinal && ev.Data.(Transcript).Text == "second"
	})

	_, stoppedAt := h.waitFor("first turn end", ofTurn(BotStopped, firstTurn))
	_, startedAt := h.waitFor("second response", ofTurn(BotThinking, second.TurnID))
	if startedAt < stoppedAt {
		t.Errorf("queued turn started (event %d) before the active turn ended (event %d)", startedAt, stoppedAt)
	}

	h.waitFor("second turn end", ofTurn(BotStopped, second.TurnID))
	history := h.ms.Session().GetContextCopy()
	if len(history) != 4 {
		t.Fatalf("expected 4 history entries, got %+v", history)
	}
	if history[0].Content != "first" || history[1].Role != "assistant" || history[2].Content != "second" {
		t.Errorf("history out of order: %+v", history)
	}
}

func TestManagedStream_GeneratorErrorReturnsToIdle(t *testing.T) {
	var mu sync.Mutex
	var synths []*stub.Stream[string]
	engines := stub.Engines()
	engines.Generator = func() adapter.Generator { return stub.Failing[string]("broken-llm", 20*time.Millisecond) }
	engines.Synthesizer = longSynth(&synths, &mu)
	h := newHarness(t, engines, nil)

	if err := h.ms.InjectTranscript("hej", 1, true); err != nil {
		t.Fatal(err)
	}
	ev, _ := h.waitFor("error", ofType(ErrorEvent))
	f := ev.Data.(Failure)
	if f.Source != "generator" {
		t.Errorf("expected generator failure, got %q", f.Source)
	}
	if !errors.Is(f.Err, stub.ErrEngine) || !errors.Is(f.Err, ErrLLMFailed) {
		t.Errorf("expected ErrEngine wrapped in ErrLLMFailed, got %v", f.Err)
	}
	h.waitState(StateIdle)
	eventually(t, "synthesizer cancelled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(synths) == 1 && synths[0].Canceled()
	})
	if n := len(h.rec.Turns()); n != 0 {
		t.Errorf("failed turn must not be recorded, got %d", n)
	}

	// The session keeps working after a failed turn.
	if err := h.ms.InjectTranscript("igen", 1, true); err != nil {
		t.Fatal(err)
	}
	h.waitFor("second error", func(e OrchestratorEvent) bool {
		return e.Type == ErrorEvent && e.TurnID > ev.TurnID
	})
}

func TestManagedStream_StartTimeout(t *testing.T) {
	engines := stub.Engines()
	engines.Recognizer = func() adapter.Recognizer { return stub.Silent[audio.Frame]("mute-asr") }
	h := newHarness(t, engines, func(c *Config) { c.StartTimeout = 50 * time.Millisecond })

	h.speak(3)
	ev, _ := h.waitFor("timeout error", ofType(ErrorEvent))
	f := ev.Data.(Failure)
	if f.Source != "recognizer" || !errors.Is(f.Err, adapter.ErrStartTimeout) || !errors.Is(f.Err, ErrTranscriptionFailed) {
		t.Errorf("expected recognizer start timeout, got %+v", f)
	}
	h.waitState(StateIdle)
}

func TestManagedStream_StabilizationCommitsPartial(t *testing.T) {
	var mu sync.Mutex
	var recs []*stub.Stream[audio.Frame]
	engines := stub.Engines()
	engines.Recognizer = func() adapter.Recognizer {
		r := stub.NewRecognizer(stub.Step{After: 20 * time.Millisecond, Event: adapter.Event{Kind: adapter.Partial, Text: "hej då", Confidence: 0.7}})
		mu.Lock()
		recs = append(recs, r)
		mu.Unlock()
		return r
	}
	h := newHarness(t, engines, func(c *Config) { c.StabilizeWindow = 100 * time.Millisecond })

	h.speak(3)
	_, partialAt := h.waitFor("partial", ofType(TranscriptPartial))
	final, finalAt := h.waitFor("stabilized final", ofType(TranscriptFinal))
	if finalAt < partialAt {
		t.Error("final before partial")
	}
	if tr := final.Data.(Transcript); tr.Text != "hej då" || tr.Confidence != 0.7 {
		t.Errorf("unexpected stabilized transcript %+v", tr)
	}
	h.waitFor("generation", ofTurn(BotThinking, final.TurnID))
	eventually(t, "recognizer cancelled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(recs) == 1 && recs[0].Canceled()
	})
}

func TestManagedStream_MicOffClosesUtterance(t *testing.T) {
	engines := stub.Engines()
	engines.Recognizer = func() adapter.Recognizer {
		return stub.NewRecognizer(stub.Step{After: 10 * time.Millisecond, Event: adapter.Event{Kind: adapter.Partial, Text: "hallå"}})
	}
	h := newHarness(t, engines, func(c *Config) { c.StabilizeWindow = 10 * time.Second })

	h.speak(2)
	h.waitFor("partial", ofType(TranscriptPartial))
	h.ms.SetMic(false)

	final, _ := h.waitFor("final", ofType(TranscriptFinal))
	if final.Data.(Transcript).Text != "hallå" {
		t.Errorf("unexpected final %+v", final.Data)
	}
	if err := h.ms.PushFrame(audio.Frame{Payload: make([]byte, 640)}); !errors.Is(err, ErrMicDisabled) {
		t.Errorf("expected ErrMicDisabled, got %v", err)
	}
	h.ms.SetMic(true)
	if err := h.ms.PushFrame(audio.Frame{Payload: make([]byte, 640)}); err != nil {
		t.Errorf("PushFrame after enabling mic: %v", err)
	}
}

func TestManagedStream_EmptyFinalIsDiscarded(t *testing.T) {
	h := newHarness(t, stub.Engines(), nil)
	if err := h.ms.InjectTranscript("   ", 1, true); err != nil {
		t.Fatal(err)
	}
	h.waitFor("final", ofType(TranscriptFinal))
	h.waitState(StateIdle)
	time.Sleep(50 * time.Millisecond)
	for _, ev := range h.events() {
		if ev.Type == BotThinking {
			t.Fatal("an empty transcript must not start generation")
		}
	}
}

func TestManagedStream_AutoBargeIn(t *testing.T) {
	var mu sync.Mutex
	var synths []*stub.Stream[string]
	engines := stub.Engines()
	engines.Synthesizer = longSynth(&synths, &mu)
	h := newHarness(t, engines, func(c *Config) {
		c.AutoBargeIn = true
		c.BargeInFrames = 2
		c.EchoGuard = false
	})

	if err := h.ms.InjectTranscript("prata på", 1, true); err != nil {
		t.Fatal(err)
	}
	speaking, _ := h.waitFor("speaking", ofType(BotSpeaking))
	h.speak(3)
	h.waitFor("interrupted", ofTurn(Interrupted, speaking.TurnID))
}

func TestManagedStream_SpeechDucksWithoutAutoBargeIn(t *testing.T) {
	var mu sync.Mutex
	var synths []*stub.Stream[string]
	engines := stub.Engines()
	engines.Synthesizer = longSynth(&synths, &mu)
	h := newHarness(t, engines, func(c *Config) {
		c.BargeInFrames = 2
		c.EchoGuard = false
	})

	if err := h.ms.InjectTranscript("prata på", 1, true); err != nil {
		t.Fatal(err)
	}
	h.waitFor("speaking", ofType(BotSpeaking))
	h.speak(3)

	h.ms.mu.Lock()
	ducked := h.ms.ducked
	h.ms.mu.Unlock()
	if !ducked {
		t.Error("expected playback to be ducked while the user talks")
	}
	for _, ev := range h.events() {
		if ev.Type == Interrupted {
			t.Fatal("playback must not be interrupted without auto barge-in")
		}
	}
}

func TestManagedStream_EchoThresholdFromConfig(t *testing.T) {
	h := newHarness(t, stub.Engines(), func(c *Config) { c.EchoThreshold = 0.9 })
	h.ms.echo.mu.Lock()
	got := h.ms.echo.threshold
	h.ms.echo.mu.Unlock()
	if got != 0.9 {
		t.Errorf("echo threshold %v, want 0.9", got)
	}

	d := newHarness(t, stub.Engines(), nil)
	d.ms.echo.mu.Lock()
	defer d.ms.echo.mu.Unlock()
	if d.ms.echo.threshold != 0.55 {
		t.Errorf("default echo threshold %v, want 0.55", d.ms.echo.threshold)
	}
}

func TestOrchestrator_RequiresEngines(t *testing.T) {
	if _, err := New(adapter.Engines{}, DefaultConfig()); !errors.Is(err, adapter.ErrMissingEngine) {
		t.Errorf("expected ErrMissingEngine, got %v", err)
	}
	orch, err := New(stub.Engines(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	providers := orch.GetProviders()
	if providers["stt"] != "stub-asr" || providers["llm"] != "stub-llm" || providers["tts"] != "stub-tts" {
		t.Errorf("unexpected providers %v", providers)
	}
	if cfg := orch.GetConfig(); cfg.SampleRate != 16000 || cfg.StabilizeWindow != 250*time.Millisecond {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func isSubsequence(want, got []State) bool {
	i := 0
	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

func checkRange(t *testing.T, name string, v, lo, hi float64) {
	t.Helper()
	if v < lo || v > hi {
		t.Errorf("%s latency %.1fms outside [%v, %v]", name, v, lo, hi)
	}
}
