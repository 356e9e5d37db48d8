package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/jitter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/metrics"
)

// Every method in this file runs with ms.mu held.

func (ms *ManagedStream) detectSpeech(f audio.Frame) {
	ev := ms.vad.Process(f)
	if ev == nil {
		return
	}
	switch ev.Type {
	case VADSpeechStart:
		ms.emit(UserSpeaking, 0, nil)
		if !ms.playing() {
			return
		}
		if ms.cfg.AutoBargeIn {
			ms.bargeIn(f.Captured)
			return
		}
		if !ms.ducked {
			ms.ducked = true
			ms.buffer.Duck(true, ms.cfg.DuckLevel)
		}
	case VADSpeechEnd:
		ms.emit(UserStopped, 0, nil)
		ms.unduck()
	}
}

func (ms *ManagedStream) unduck() {
	if ms.ducked {
		ms.ducked = false
		ms.buffer.Duck(false, 1)
	}
}

func (ms *ManagedStream) beginUtterance(at time.Time) *utterance {
	u := &utterance{turn: ms.newTurn(), started: at, lastVoice: at}
	rec := adapter.WithStartTimeout(ms.orch.engines.Recognizer(), ms.cfg.StartTimeout)
	if err := rec.Start(ms.ctx, ms.options(u.turn)); err != nil {
		ms.fail(srcRecognizer, u.turn, err)
		return nil
	}
	u.rec = rec
	go ms.forward(srcRecognizer, u.turn, rec.Events())
	ms.listen = u
	if !ms.state.busy() {
		ms.transition(StateListening, u.turn)
	}
	return u
}

func (ms *ManagedStream) handleSignal(sig signal) {
	switch sig.src {
	case srcRecognizer:
		u := ms.listen
		if u == nil || u.turn != sig.turn {
			ms.log.Debug("dropping stale recognition event", "session", ms.session.ID, "turn", sig.turn, "kind", sig.ev.Kind)
			return
		}
		ms.onRecognition(u, sig.ev)
	case srcGenerator, srcSynthesizer:
		r := ms.active
		if r == nil || r.turn != sig.turn {
			ms.log.Debug("dropping stale event", "session", ms.session.ID, "source", sig.src, "turn", sig.turn, "kind", sig.ev.Kind)
			return
		}
		if sig.src == srcGenerator {
			ms.onGeneration(r, sig.ev)
		} else {
			ms.onSynthesis(r, sig.ev)
		}
	}
}

func (ms *ManagedStream) onRecognition(u *utterance, ev adapter.Event) {
	now := ms.cfg.Now()
	switch ev.Kind {
	case adapter.Partial:
		if ev.Text == "" {
			return
		}
		if u.firstPartial.IsZero() {
			u.firstPartial = now
			ms.emit(Metrics, u.turn, Latency{Stage: metrics.FirstPartial, LatencyMs: metrics.Millis(now.Sub(u.started))})
		}
		u.partial = ev.Text
		u.confidence = ev.Confidence
		u.lastPartial = now
		ms.emit(TranscriptPartial, u.turn, Transcript{Text: ev.Text, Confidence: ev.Confidence})
		if ms.state == StateListening {
			ms.transition(StateRecognizing, u.turn)
		}
	case adapter.Final:
		if u.firstPartial.IsZero() {
			u.firstPartial = now
		}
		ms.commitUtterance(u, ev.Text, ev.Confidence)
	case adapter.Error:
		ms.listen = nil
		if u.rec != nil {
			go u.rec.Cancel()
		}
		ms.fail(srcRecognizer, u.turn, ev.Err)
	}
}

// checkTimers applies the stabilization window to the open utterance.
func (ms *ManagedStream) checkTimers(now time.Time) {
	u := ms.listen
	if u == nil || u.closing {
		return
	}
	last := u.lastVoice
	if u.lastPartial.After(last) {
		last = u.lastPartial
	}
	if now.Sub(last) >= ms.cfg.StabilizeWindow {
		ms.stabilize(u)
	}
}

// stabilize commits the latest partial, or asks the recognizer for its final
// transcript when it has not produced one yet.
func (ms *ManagedStream) stabilize(u *utterance) {
	if u.partial != "" {
		ms.log.Debug("partial transcript stabilized", "session", ms.session.ID, "turn", u.turn)
		ms.commitUtterance(u, u.partial, u.confidence)
		return
	}
	if u.rec == nil {
		ms.listen = nil
		ms.settle()
		return
	}
	u.closing = true
	go func(rec adapter.Recognizer) {
		if err := rec.CloseInput(); err != nil {
			ms.reportAsync(srcRecognizer, u.turn, err)
		}
	}(u.rec)
}

func (ms *ManagedStream) commitUtterance(u *utterance, text string, confidence float64) {
	ms.listen = nil
	if u.rec != nil {
		go u.rec.Cancel()
	}
	text = strings.TrimSpace(text)
	ms.emit(TranscriptFinal, u.turn, Transcript{Text: text, Confidence: confidence})
	if text == "" {
		ms.log.Debug("discarding utterance", "session", ms.session.ID, "turn", u.turn, "reason", ErrEmptyTranscription)
		ms.settle()
		return
	}
	if ms.active != nil {
		ms.log.Info("queueing final transcript behind active turn", "session", ms.session.ID, "turn", u.turn, "active", ms.active.turn)
		ms.queued = append(ms.queued, &queuedFinal{u: u, text: text, confidence: confidence})
		return
	}
	ms.startResponse(u, text)
}

func (ms *ManagedStream) startResponse(u *utterance, text string) {
	r := &response{
		turn:         u.turn,
		started:      u.started,
		firstPartial: u.firstPartial,
		committed:    ms.cfg.Now(),
		synthIn:      make(chan string, 256),
		chunker:      newSentenceChunker(ms.cfg.MaxSentenceChars),
	}
	ms.active = r
	// Noise already counted by the VAD must not barge into the new response.
	ms.vad.Reset()

	opts := ms.options(r.turn)
	opts.History = ms.session.GetContextCopy()
	ms.session.AddMessage("user", text)

	r.gen = adapter.WithStartTimeout(ms.orch.engines.Generator(), ms.cfg.StartTimeout)
	if err := r.gen.Start(ms.ctx, opts); err != nil {
		ms.abortTurn(r, srcGenerator, err)
		return
	}
	r.synth = adapter.WithStartTimeout(ms.orch.engines.Synthesizer(), ms.cfg.StartTimeout)
	if err := r.synth.Start(ms.ctx, ms.options(r.turn)); err != nil {
		ms.abortTurn(r, srcSynthesizer, err)
		return
	}

	go ms.forward(srcGenerator, r.turn, r.gen.Events())
	go ms.forward(srcSynthesizer, r.turn, r.synth.Events())
	go ms.prompt(r.turn, r.gen, text)
	go ms.feed(r.turn, r.synth, r.synthIn)

	ms.transition(StateGenerating, r.turn)
	ms.emit(BotThinking, r.turn, nil)
}

func (ms *ManagedStream) onGeneration(r *response, ev adapter.Event) {
	switch ev.Kind {
	case adapter.Partial:
		ms.delta(r, ev.Text)
	case adapter.Final:
		ms.delta(r, ev.Text)
		r.genDone = true
		if rest := r.chunker.Flush(); rest != "" {
			ms.sendSynth(r, rest)
		}
		r.closeSynthInput()
		ms.emit(LLMDelta, r.turn, Delta{Done: true})
		ms.emit(BotResponse, r.turn, r.text.String())
		if ms.state == StateGenerating {
			ms.transition(StateSynthesizing, r.turn)
		}
	case adapter.Error:
		ms.abortTurn(r, srcGenerator, ev.Err)
	}
}

func (ms *ManagedStream) delta(r *response, text string) {
	if text == "" {
		return
	}
	if r.firstToken.IsZero() {
		r.firstToken = ms.cfg.Now()
		ms.emit(Metrics, r.turn, Latency{Stage: metrics.FirstToken, LatencyMs: metrics.Millis(r.firstToken.Sub(r.committed))})
	}
	r.text.WriteString(text)
	ms.emit(LLMDelta, r.turn, Delta{Text: text})
	for _, sentence := range r.chunker.Write(text) {
		ms.sendSynth(r, sentence)
	}
}

func (ms *ManagedStream) sendSynth(r *response, text string) {
	if r.inClosed {
		return
	}
	if r.firstText.IsZero() {
		r.firstText = ms.cfg.Now()
	}
	if r.sent.Len() > 0 {
		r.sent.WriteByte(' ')
	}
	r.sent.WriteString(text)
	select {
	case r.synthIn <- text:
	default:
		ms.log.Warn("synthesis input backlog full, dropping sentence", "session", ms.session.ID, "turn", r.turn)
	}
}

func (ms *ManagedStream) onSynthesis(r *response, ev adapter.Event) {
	switch ev.Kind {
	case adapter.Chunk:
		if ev.Chunk == nil {
			return
		}
		now := ms.cfg.Now()
		if r.firstChunk.IsZero() {
			r.firstChunk = now
			ms.emit(Metrics, r.turn, Latency{Stage: metrics.FirstAudio, LatencyMs: metrics.Millis(now.Sub(r.firstText))})
			ms.emit(BotSpeaking, r.turn, nil)
			ms.transition(StateSpeaking, r.turn)
		}
		c := *ev.Chunk
		c.TurnID = r.turn
		if err := ms.buffer.Add(c, now); err == nil {
			r.synthesized += c.Duration
		}
	case adapter.Final:
		r.synthDone = true
		ms.buffer.MarkEnd(r.turn)
	case adapter.Error:
		ms.abortTurn(r, srcSynthesizer, ev.Err)
	}
}

func (ms *ManagedStream) handleOutput(o jitter.Output) {
	if o.Gen != ms.buffer.Generation() {
		return
	}
	r := ms.active
	switch o.Kind {
	case jitter.Played:
		if r == nil || o.TurnID != r.turn {
			ms.log.Debug("dropping playback of inactive turn", "session", ms.session.ID, "turn", o.TurnID)
			return
		}
		if r.firstPlayed.IsZero() {
			r.firstPlayed = ms.cfg.Now()
			ms.emit(Metrics, r.turn, Latency{Stage: metrics.Total, LatencyMs: metrics.Millis(r.firstPlayed.Sub(r.started))})
		}
		r.played += o.Duration
		ms.echo.RecordPlayedAudio(o.PCM)
		ms.emit(AudioChunk, r.turn, Audio{Seq: o.Seq, PCM: o.PCM, Start: o.Start, Duration: o.Duration, CrossFaded: o.CrossFaded, Tail: o.Tail})
	case jitter.Underrun:
		ms.log.Warn("playback underrun", "session", ms.session.ID, "turn", o.TurnID)
	case jitter.Resumed:
		ms.log.Debug("playback resumed", "session", ms.session.ID, "turn", o.TurnID)
	case jitter.Drained:
		if r == nil || o.TurnID != r.turn || !r.synthDone {
			return
		}
		ms.finishTurn(r)
	}
}

func (ms *ManagedStream) finishTurn(r *response) {
	ms.active = nil
	ms.unduck()
	ms.emit(BotStopped, r.turn, nil)
	if text := strings.TrimSpace(r.text.String()); text != "" {
		ms.session.AddMessage("assistant", text)
	}
	ms.record(r, false, 0)
	ms.transition(StateIdle, r.turn)
	ms.resume()
}

// bargeIn must stay free of I/O: streams are cancelled asynchronously and
// the fade-out tail is returned by the buffer instead of being scheduled.
func (ms *ManagedStream) bargeIn(requested time.Time) bool {
	r := ms.active
	if r == nil {
		return false
	}
	outs := ms.buffer.Stop(true)
	ms.cut(r.turn)
	ms.active = nil
	r.cancel()
	if u := ms.listen; u != nil {
		ms.listen = nil
		if u.rec != nil {
			go u.rec.Cancel()
		}
	}
	ms.vad.Reset()
	ms.echo.ClearEchoBuffer()
	ms.unduck()

	ms.drainAudioChunks()
	for _, o := range outs {
		if o.Kind == jitter.Played && len(o.PCM) > 0 {
			ms.emit(AudioChunk, r.turn, Audio{Seq: o.Seq, PCM: o.PCM, Start: o.Start, Duration: o.Duration, Tail: true, FadeOut: true})
		}
	}
	ms.emit(Interrupted, r.turn, nil)
	ms.transition(StateInterrupted, r.turn)

	heard := 0.0
	if r.synthesized > 0 {
		heard = float64(r.played) / float64(r.synthesized)
	}
	if prefix := spokenPrefix(r.sent.String(), heard); prefix != "" {
		ms.session.AddMessage("assistant", prefix)
	}

	cut := ms.cfg.Now().Sub(requested)
	if cut < 0 {
		cut = 0
	}
	ms.emit(Metrics, r.turn, Latency{Stage: metrics.BargeInCut, LatencyMs: metrics.Millis(cut)})
	ms.record(r, true, metrics.Millis(cut))
	ms.log.Info("turn interrupted", "session", ms.session.ID, "turn", r.turn, "cut", cut)

	ms.newTurn()
	ms.transition(StateListening, 0)
	if len(ms.queued) > 0 {
		ms.resume()
	}
	return true
}

// abortTurn ends a response after an engine failure. No retry is attempted.
func (ms *ManagedStream) abortTurn(r *response, src source, err error) {
	if ms.active == r {
		ms.active = nil
	}
	r.cancel()
	ms.buffer.Stop(false)
	ms.cut(r.turn)
	ms.unduck()
	ms.drainAudioChunks()
	ms.fail(src, r.turn, err)
}

// fail reports a turn failure to the client and returns to idle.
func (ms *ManagedStream) fail(src source, turn uint64, err error) {
	ms.log.Error("turn failed", "session", ms.session.ID, "turn", turn, "source", src, "error", err)
	msg := src.String() + " failed"
	if err != nil {
		msg += ": " + err.Error()
		err = fmt.Errorf("%w: %w", src.failure(), err)
	} else {
		err = src.failure()
	}
	ms.emit(ErrorEvent, turn, Failure{Source: src.String(), Message: msg, Err: err})
	if !ms.state.busy() || ms.active == nil {
		ms.transition(StateIdle, turn)
		ms.resume()
	}
}

func (ms *ManagedStream) cut(turn uint64) {
	if turn > ms.cutTurn.Load() {
		ms.cutTurn.Store(turn)
	}
}

// resume starts the next queued turn, or reflects an utterance that is
// already being recognized.
func (ms *ManagedStream) resume() {
	if ms.active != nil {
		return
	}
	if len(ms.queued) > 0 {
		q := ms.queued[0]
		ms.queued = ms.queued[1:]
		ms.startResponse(q.u, q.text)
		return
	}
	ms.settle()
}

// settle moves an unoccupied session to the state its open utterance implies.
func (ms *ManagedStream) settle() {
	if ms.active != nil {
		return
	}
	u := ms.listen
	switch {
	case u == nil:
		if ms.state == StateListening || ms.state == StateRecognizing {
			ms.transition(StateIdle, 0)
		}
	case u.partial != "":
		ms.transition(StateRecognizing, u.turn)
	default:
		ms.transition(StateListening, u.turn)
	}
}

func (ms *ManagedStream) record(r *response, interrupted bool, cutMs float64) {
	if ms.orch.recorder == nil {
		return
	}
	ms.orch.recorder.RecordTurn(metrics.TurnMetrics{
		TurnID:         r.turn,
		SessionID:      ms.session.ID,
		FirstPartialMs: span(r.started, r.firstPartial),
		FirstTokenMs:   span(r.committed, r.firstToken),
		FirstAudioMs:   span(r.firstText, r.firstChunk),
		TotalLatencyMs: span(r.started, r.firstPlayed),
		BargeInCutMs:   cutMs,
		Interrupted:    interrupted,
		RecordedAt:     ms.cfg.Now(),
	})
}

// span is the milestone from a to b in milliseconds, or 0 if either was not
// reached.
func span(a, b time.Time) float64 {
	if a.IsZero() || b.IsZero() || b.Before(a) {
		return 0
	}
	return metrics.Millis(b.Sub(a))
}
