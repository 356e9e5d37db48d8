package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/jitter"
)

type source int

const (
	srcRecognizer source = iota
	srcGenerator
	srcSynthesizer
)

func (s source) String() string {
	switch s {
	case srcRecognizer:
		return "recognizer"
	case srcGenerator:
		return "generator"
	case srcSynthesizer:
		return "synthesizer"
	}
	return "unknown"
}

// failure is the sentinel that errors from s are wrapped in.
func (s source) failure() error {
	switch s {
	case srcRecognizer:
		return ErrTranscriptionFailed
	case srcGenerator:
		return ErrLLMFailed
	default:
		return ErrTTSFailed
	}
}

// signal is an adapter event tagged with the stream it came from.
type signal struct {
	src  source
	turn uint64
	ev   adapter.Event
}

// utterance is the user's side of a turn while it is being recognized.
type utterance struct {
	turn         uint64
	rec          adapter.Recognizer
	started      time.Time
	lastVoice    time.Time
	lastPartial  time.Time
	firstPartial time.Time
	partial      string
	confidence   float64
	closing      bool
}

// response is the assistant's side of a turn, from commit to drain.
type response struct {
	turn         uint64
	started      time.Time
	firstPartial time.Time
	committed    time.Time

	gen       adapter.Generator
	synth     adapter.Synthesizer
	synthIn   chan string
	inClosed  bool
	chunker   *sentenceChunker
	text      strings.Builder
	sent      strings.Builder
	genDone   bool
	synthDone bool

	firstToken  time.Time
	firstText   time.Time
	firstChunk  time.Time
	firstPlayed time.Time
	synthesized time.Duration
	played      time.Duration
}

func (r *response) closeSynthInput() {
	if !r.inClosed {
		r.inClosed = true
		close(r.synthIn)
	}
}

func (r *response) cancel() {
	r.closeSynthInput()
	if r.gen != nil {
		go r.gen.Cancel()
	}
	if r.synth != nil {
		go r.synth.Cancel()
	}
}

// ManagedStream handles full-duplex voice orchestration for one session. All
// turn state is guarded by mu: the event loop (Run), frame ingestion and
// BargeIn each take it for short, I/O-free critical sections.
type ManagedStream struct {
	orch    *Orchestrator
	session *ConversationSession
	cfg     Config
	log     Logger
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan OrchestratorEvent
	inbox   chan signal
	buffer  *jitter.Buffer
	vad     *RMSVAD
	echo    *EchoSuppressor

	// cutTurn is the newest turn whose audio must no longer reach the client.
	cutTurn atomic.Uint64

	mu      sync.Mutex
	state   State
	closed  bool
	micOn   bool
	ducked  bool
	turnSeq uint64
	recent  []audio.Frame
	listen  *utterance
	active  *response
	queued  []*queuedFinal
}

type queuedFinal struct {
	u          *utterance
	text       string
	confidence float64
}

// NewManagedStream creates a new managed stream. The stream owns a jitter
// buffer built from cfg.Jitter; drive it with Buffer().Run next to Run.
func NewManagedStream(ctx context.Context, o *Orchestrator, session *ConversationSession, cfg Config) *ManagedStream {
	cfg = cfg.withDefaults()
	mCtx, mCancel := context.WithCancel(ctx)

	vad := NewRMSVAD(cfg.VADThreshold, cfg.StabilizeWindow)
	vad.SetMinConfirmed(cfg.BargeInFrames)
	echo := NewEchoSuppressor(cfg.SampleRate, 2*time.Second, cfg.Now)
	if cfg.EchoThreshold > 0 {
		echo.SetThreshold(cfg.EchoThreshold)
	}

	return &ManagedStream{
		orch:    o,
		session: session,
		cfg:     cfg,
		log:     o.logger,
		ctx:     mCtx,
		cancel:  mCancel,
		events:  make(chan OrchestratorEvent, cfg.EventBuffer),
		inbox:   make(chan signal, 256),
		buffer:  jitter.New(cfg.Jitter),
		vad:     vad,
		echo:    echo,
		state:   StateIdle,
		micOn:   true,
	}
}

// Events returns the event channel. It is closed by Close.
func (ms *ManagedStream) Events() <-chan OrchestratorEvent {
	return ms.events
}

// Buffer is the session's playback jitter buffer.
func (ms *ManagedStream) Buffer() *jitter.Buffer {
	return ms.buffer
}

func (ms *ManagedStream) Session() *ConversationSession {
	return ms.session
}

func (ms *ManagedStream) State() State {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.state
}

// Interrupted reports whether audio of turn must be discarded because the
// turn was cut by a barge-in or an error.
func (ms *ManagedStream) Interrupted(turn uint64) bool {
	return turn != 0 && turn <= ms.cutTurn.Load()
}

// Run drains adapter events, playback output and stabilization timers until
// ctx is cancelled or the stream is closed.
func (ms *ManagedStream) Run(ctx context.Context) error {
	ms.mu.Lock()
	if ms.state == StateIdle && !ms.closed {
		ms.transition(StateListening, 0)
	}
	ms.mu.Unlock()

	ticker := time.NewTicker(ms.cfg.TimerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ms.ctx.Done():
			return nil
		case sig := <-ms.inbox:
			ms.mu.Lock()
			if !ms.closed {
				ms.handleSignal(sig)
			}
			ms.mu.Unlock()
		case out := <-ms.buffer.Output():
			ms.mu.Lock()
			if !ms.closed {
				ms.handleOutput(out)
			}
			ms.mu.Unlock()
		case <-ticker.C:
			ms.mu.Lock()
			if !ms.closed {
				ms.checkTimers(ms.cfg.Now())
			}
			ms.mu.Unlock()
		}
	}
}

// PushFrame feeds one captured frame. The first voiced frame of an utterance
// starts a recognizer, primed with the recent pre-roll frames.
func (ms *ManagedStream) PushFrame(f audio.Frame) error {
	ms.mu.Lock()
	if ms.closed {
		ms.mu.Unlock()
		return ErrStreamClosed
	}
	if !ms.micOn {
		ms.mu.Unlock()
		return ErrMicDisabled
	}

	if f.Captured.IsZero() {
		f.Captured = ms.cfg.Now()
	}
	if f.Energy == 0 && len(f.Payload) > 0 {
		f.Energy = audio.RMSEnergy(f.Payload)
		f.Voiced = f.Energy > ms.cfg.VADThreshold
	}
	if ms.playing() && ms.cfg.EchoGuard && f.Voiced && ms.echo.IsEcho(f.Payload) {
		f.Payload = make([]byte, len(f.Payload))
		f.Energy = 0
		f.Voiced = false
	}

	ms.detectSpeech(f)
	ms.remember(f)

	var push []audio.Frame
	u := ms.listen
	switch {
	case u == nil && f.Voiced:
		if u = ms.beginUtterance(f.Captured); u != nil {
			push = append(push, ms.recent...)
		}
	case u != nil:
		if f.Voiced {
			u.lastVoice = f.Captured
		}
		push = []audio.Frame{f}
	}
	var rec adapter.Recognizer
	if u != nil && !u.closing {
		rec = u.rec
	}
	ms.mu.Unlock()

	if rec == nil {
		return nil
	}
	for _, p := range push {
		if err := rec.Push(p); err != nil {
			ms.log.Debug("recognizer rejected frame", "session", ms.session.ID, "seq", p.Seq, "error", err)
			break
		}
	}
	return nil
}

// BargeIn cuts the current response: playback fades out, in-flight streams
// are cancelled and the session returns to listening. It reports whether
// there was anything to interrupt.
func (ms *ManagedStream) BargeIn() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return false
	}
	return ms.bargeIn(ms.cfg.Now())
}

// SetMic enables or disables capture. Disabling closes the current
// utterance as if it had stabilized.
func (ms *ManagedStream) SetMic(enabled bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return
	}
	ms.micOn = enabled
	if !enabled {
		if u := ms.listen; u != nil && !u.closing {
			ms.stabilize(u)
		}
		ms.recent = nil
		ms.vad.Reset()
	}
}

// InjectTranscript feeds a recognition result that did not come from the
// recognizer, as if the current utterance had produced it.
func (ms *ManagedStream) InjectTranscript(text string, confidence float64, final bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrStreamClosed
	}
	u := ms.listen
	if u == nil {
		now := ms.cfg.Now()
		u = &utterance{turn: ms.newTurn(), started: now, lastVoice: now}
		ms.listen = u
		if !ms.state.busy() {
			ms.transition(StateListening, u.turn)
		}
	}
	kind := adapter.Partial
	if final {
		kind = adapter.Final
	}
	ms.onRecognition(u, adapter.Event{Kind: kind, Text: text, Confidence: confidence})
	return nil
}

// Close cancels every stream and closes the event channel.
func (ms *ManagedStream) Close() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return
	}
	ms.closed = true
	ms.cancel()
	if r := ms.active; r != nil {
		r.closeSynthInput()
		if r.gen != nil {
			r.gen.Cancel()
		}
		if r.synth != nil {
			r.synth.Cancel()
		}
		ms.active = nil
	}
	if u := ms.listen; u != nil && u.rec != nil {
		u.rec.Cancel()
	}
	ms.listen = nil
	ms.buffer.Close()
	close(ms.events)
}

func (ms *ManagedStream) newTurn() uint64 {
	ms.turnSeq++
	return ms.turnSeq
}

func (ms *ManagedStream) options(turn uint64) adapter.Options {
	return adapter.Options{
		TurnID:     turn,
		SessionID:  ms.session.ID,
		SampleRate: ms.cfg.SampleRate,
		Language:   string(ms.cfg.Language),
		Voice:      string(ms.cfg.Voice),
	}
}

// forward relays one stream's events into the loop's inbox.
func (ms *ManagedStream) forward(src source, turn uint64, events <-chan adapter.Event) {
	for ev := range events {
		select {
		case ms.inbox <- signal{src: src, turn: turn, ev: ev}:
		case <-ms.ctx.Done():
			return
		}
	}
}

// feed pushes sentences into the synthesizer in order and closes its input
// once the response text is complete.
func (ms *ManagedStream) feed(turn uint64, synth adapter.Synthesizer, in <-chan string) {
	for text := range in {
		if err := synth.Push(text); err != nil {
			ms.reportAsync(srcSynthesizer, turn, err)
			return
		}
	}
	if err := synth.CloseInput(); err != nil {
		ms.reportAsync(srcSynthesizer, turn, err)
	}
}

// prompt hands the committed transcript to the generator.
func (ms *ManagedStream) prompt(turn uint64, gen adapter.Generator, text string) {
	if err := gen.Push(text); err != nil {
		ms.reportAsync(srcGenerator, turn, err)
		return
	}
	if err := gen.CloseInput(); err != nil {
		ms.reportAsync(srcGenerator, turn, err)
	}
}

func (ms *ManagedStream) reportAsync(src source, turn uint64, err error) {
	select {
	case ms.inbox <- signal{src: src, turn: turn, ev: adapter.Event{Kind: adapter.Error, TurnID: turn, Err: err}}:
	case <-ms.ctx.Done():
	}
}

// emit sends an event to the client side. Callers hold mu.
func (ms *ManagedStream) emit(eventType EventType, turn uint64, data interface{}) {
	if ms.closed {
		return
	}
	event := OrchestratorEvent{
		Type:      eventType,
		SessionID: ms.session.ID,
		TurnID:    turn,
		Data:      data,
	}
	select {
	case ms.events <- event:
	case <-ms.ctx.Done():
	}
}

func (ms *ManagedStream) transition(to State, turn uint64) {
	if ms.state == to {
		return
	}
	from := ms.state
	ms.state = to
	ms.log.Debug("turn state changed", "session", ms.session.ID, "turn", turn, "from", from, "to", to)
	ms.emit(StateChanged, turn, Transition{From: from, To: to})
}

// drainAudioChunks removes all AudioChunk events from the events channel
func (ms *ManagedStream) drainAudioChunks() {
	var controlEvents []OrchestratorEvent
DrainLoop:
	for {
		select {
		case ev := <-ms.events:
			if ev.Type != AudioChunk {
				controlEvents = append(controlEvents, ev)
			}
		default:
			break DrainLoop
		}
	}
	for _, ev := range controlEvents {
		select {
		case ms.events <- ev:
		default:
		}
	}
}

// remember keeps the pre-roll window of recent frames.
func (ms *ManagedStream) remember(f audio.Frame) {
	ms.recent = append(ms.recent, f)
	total := audio.Duration(len(f.Payload), ms.cfg.SampleRate)
	for i := len(ms.recent) - 2; i >= 0; i-- {
		total += audio.Duration(len(ms.recent[i].Payload), ms.cfg.SampleRate)
		if total > ms.cfg.PreRoll {
			ms.recent = append(ms.recent[:0], ms.recent[i+1:]...)
			return
		}
	}
}

// playing reports whether response audio is being played out.
func (ms *ManagedStream) playing() bool {
	return ms.active != nil && !ms.active.firstChunk.IsZero()
}
