package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter/stub"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/metrics"
)

type wireMessage struct {
	binary bool
	data   []byte
	fields map[string]any
}

func (m wireMessage) Type() string {
	if m.binary {
		return "binary"
	}
	typ, _ := m.fields["type"].(string)
	return typ
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	msgs chan wireMessage
}

func startServer(t *testing.T, engines adapter.Engines, configure func(*Config)) (*Server, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Orchestrator.TimerInterval = 5 * time.Millisecond
	if configure != nil {
		configure(&cfg)
	}
	srv, err := NewServer(cfg, engines, metrics.NewCollector(metrics.Config{Capacity: 16}), zap.NewNop())
	require.NoError(t, err)

	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	conn.SetReadLimit(1 << 22)

	c := &testClient{t: t, conn: conn, msgs: make(chan wireMessage, 1024)}
	go func() {
		defer close(c.msgs)
		for {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			m := wireMessage{binary: typ == websocket.MessageBinary, data: data}
			if !m.binary {
				_ = json.Unmarshal(data, &m.fields)
			}
			c.msgs <- m
		}
	}()
	t.Cleanup(func() { conn.CloseNow() })
	return c
}

func (c *testClient) next() wireMessage {
	c.t.Helper()
	select {
	case m, ok := <-c.msgs:
		if !ok {
			c.t.Fatal("connection closed")
		}
		return m
	case <-time.After(3 * time.Second):
		c.t.Fatal("timed out waiting for a message")
	}
	return wireMessage{}
}

// until reads messages up to and including the first one matching match.
func (c *testClient) until(match func(wireMessage) bool) []wireMessage {
	c.t.Helper()
	var seen []wireMessage
	for {
		m := c.next()
		seen = append(seen, m)
		if match(m) {
			return seen
		}
	}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, wsjson.Write(context.Background(), c.conn, v))
}

func (c *testClient) sendFrame(seq uint32, pcm []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.Write(context.Background(), websocket.MessageBinary, audio.EncodeFrame(seq, pcm)))
}

func (c *testClient) handshake() string {
	c.t.Helper()
	hs := c.next()
	require.Equal(c.t, TypeHandshake, hs.Type())
	id, _ := hs.fields["sessionId"].(string)
	require.NotEmpty(c.t, id)
	require.Equal(c.t, TypeReady, c.next().Type())
	return id
}

func ofType(typ string) func(wireMessage) bool {
	return func(m wireMessage) bool { return m.Type() == typ }
}

func longSynth() adapter.Synthesizer {
	durations := make([]time.Duration, 10)
	for i := range durations {
		durations[i] = 200 * time.Millisecond
	}
	return stub.NewSynthesizer(stub.SynthConfig{FirstChunk: 20 * time.Millisecond, Interval: 10 * time.Millisecond, Durations: durations})
}

func TestServer_HejTurn(t *testing.T) {
	_, url := startServer(t, stub.Engines(), nil)
	c := dial(t, url+"?stabilize_ms=400")

	hs := c.next()
	require.Equal(t, TypeHandshake, hs.Type())
	cfg := hs.fields["config"].(map[string]any)
	assert.EqualValues(t, 400, cfg["stabilize_ms"])
	assert.EqualValues(t, 100, cfg["jitter_lead_ms"])
	require.Equal(t, TypeReady, c.next().Type())

	for i := 0; i < 5; i++ {
		c.sendFrame(uint32(i+1), audio.Tone(300, 0.5, 20*time.Millisecond, 16000))
	}

	seen := c.until(func(m wireMessage) bool {
		return m.Type() == TypeTTSEnd
	})

	var final string
	var deltas []string
	var lastSeq uint32
	stages := map[string]bool{}
	audioFrames := 0
	for _, m := range seen {
		switch m.Type() {
		case TypeSTTFinal:
			final, _ = m.fields["text"].(string)
		case TypeLLMDelta:
			if text, _ := m.fields["text"].(string); text != "" {
				deltas = append(deltas, text)
			}
		case TypeMetrics:
			stages[m.fields["stage"].(string)] = true
		case "binary":
			require.True(t, audio.IsFrame(m.data))
			seq := binary.LittleEndian.Uint32(m.data[4:8])
			assert.Greater(t, seq, lastSeq, "outbound audio out of order")
			lastSeq = seq
			audioFrames++
		}
	}
	assert.Equal(t, "hej", final)
	assert.Equal(t, []string{"Hej! ", "Hur kan jag hjälpa dig?"}, deltas)
	assert.Greater(t, audioFrames, 0)
	for _, stage := range []metrics.Stage{metrics.FirstPartial, metrics.FirstToken, metrics.FirstAudio, metrics.Total} {
		assert.True(t, stages[string(stage)], "missing %s metrics message", stage)
	}

	afterEnd := c.until(func(m wireMessage) bool {
		return m.Type() == TypeState && m.fields["state"] == "idle"
	})
	for _, m := range afterEnd {
		assert.False(t, m.binary, "audio of the turn arrived after tts.end")
	}
}

func TestServer_BargeInStopsAudio(t *testing.T) {
	engines := stub.Engines()
	engines.Synthesizer = longSynth
	srv, url := startServer(t, engines, nil)
	c := dial(t, url)
	id := c.handshake()

	c.send(map[string]any{"type": TypeSTTFinal, "text": "berätta en historia", "confidence": 1})
	c.until(ofType("binary"))

	c.send(map[string]any{"type": TypeBargeIn, "timestamp": time.Now().UnixMilli()})
	end := c.until(ofType(TypeTTSEnd))
	assert.Equal(t, true, end[len(end)-1].fields["interrupted"])

	// At most the fade-out tail may follow the interruption.
	trailing := 0
	deadline := time.After(400 * time.Millisecond)
loop:
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				break loop
			}
			if m.binary {
				trailing++
			}
		case <-deadline:
			break loop
		}
	}
	assert.LessOrEqual(t, trailing, 1)

	sess, ok := srv.Registry().Get(id)
	require.True(t, ok)
	assert.Equal(t, "listening", string(sess.Stream().State()))
}

func TestServer_RefusesAtCapacity(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, url := startServer(t, stub.Engines(), func(c *Config) {
		c.MaxSessions = 1
		c.Registerer = reg
	})
	c := dial(t, url)
	c.handshake()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.stats.rejected.WithLabelValues("capacity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.stats.sessions))
}

func TestServer_RateLimited(t *testing.T) {
	_, url := startServer(t, stub.Engines(), func(c *Config) {
		c.AcceptRate = 0.001
		c.AcceptBurst = 1
	})
	dial(t, url).handshake()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_RejectsBadOptions(t *testing.T) {
	_, url := startServer(t, stub.Engines(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url+"?vad_threshold=loud", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_MalformedControlKeepsSession(t *testing.T) {
	_, url := startServer(t, stub.Engines(), nil)
	c := dial(t, url)
	c.handshake()

	require.NoError(t, c.conn.Write(context.Background(), websocket.MessageText, []byte("{")))
	m := c.until(ofType(TypeError))
	assert.Equal(t, "bad_request", m[len(m)-1].fields["code"])

	c.send(map[string]any{"type": "control.teleport"})
	m = c.until(ofType(TypeError))
	assert.Equal(t, "unsupported", m[len(m)-1].fields["code"])

	c.send(map[string]any{"type": TypePing, "id": "p1"})
	m = c.until(ofType(TypePong))
	assert.Equal(t, "p1", m[len(m)-1].fields["id"])
}

func TestServer_DropsOutOfOrderAndForeignFrames(t *testing.T) {
	srv, url := startServer(t, stub.Engines(), nil)
	c := dial(t, url)
	id := c.handshake()

	silence := make([]byte, 640)
	c.sendFrame(10, silence)
	c.sendFrame(9, silence)
	c.sendFrame(10, silence)
	c.sendFrame(11, silence)
	require.NoError(t, c.conn.Write(context.Background(), websocket.MessageBinary, []byte{1, 2, 3, 4, 5}))
	c.send(map[string]any{"type": TypePing})
	c.until(ofType(TypePong))

	sess, ok := srv.Registry().Get(id)
	require.True(t, ok)
	st := sess.Stats()
	assert.EqualValues(t, 2, st.FramesIn)
	assert.EqualValues(t, 3, st.FramesDropped)
}

func TestServer_MicOffDropsAudio(t *testing.T) {
	srv, url := startServer(t, stub.Engines(), nil)
	c := dial(t, url)
	id := c.handshake()

	c.send(map[string]any{"type": TypeMic, "enabled": false})
	c.sendFrame(1, make([]byte, 640))
	c.send(map[string]any{"type": TypePing})
	c.until(ofType(TypePong))

	sess, _ := srv.Registry().Get(id)
	assert.EqualValues(t, 0, sess.Stats().FramesIn)
	assert.EqualValues(t, 1, sess.Stats().FramesDropped)
}

func TestServer_SweepsIdleSessions(t *testing.T) {
	srv, url := startServer(t, stub.Engines(), func(c *Config) { c.SweepInterval = 20 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	c := dial(t, url+"?inactivity_timeout_ms=50")
	c.handshake()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.msgs:
			if !ok {
				assert.Equal(t, 0, srv.Registry().Count())
				return
			}
		case <-deadline:
			t.Fatal("idle session was not closed")
		}
	}
}

func TestServer_IndependentInstances(t *testing.T) {
	a, urlA := startServer(t, stub.Engines(), nil)
	b, urlB := startServer(t, stub.Engines(), nil)
	dial(t, urlA).handshake()
	dial(t, urlB).handshake()
	dial(t, urlB).handshake()

	assert.Equal(t, 1, a.Registry().Count())
	assert.Equal(t, 2, b.Registry().Count())
}
