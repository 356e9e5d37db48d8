package tts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
)

// lokutorServer answers every synthesis request on a connection with two
// binary chunks followed by EOS.
func lokutorServer(t *testing.T, requests chan<- string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		for {
			var req Request
			if err := wsjson.Read(r.Context(), conn, &req); err != nil {
				return
			}
			if r.URL.Query().Get("api_key") != "test-key" || req.Steps != 6 {
				conn.Write(r.Context(), websocket.MessageText, []byte("ERR: bad request"))
				continue
			}
			if requests != nil {
				requests <- req.Text
			}
			if req.Text == "fail" {
				conn.Write(r.Context(), websocket.MessageText, []byte("ERR: voice unavailable"))
				continue
			}
			conn.Write(r.Context(), websocket.MessageBinary, []byte{1, 2, 3})
			conn.Write(r.Context(), websocket.MessageBinary, []byte{4, 5, 6})
			conn.Write(r.Context(), websocket.MessageText, []byte("EOS"))
		}
	}))
}

func testClient(server *httptest.Server) *LokutorTTS {
	t := NewLokutorTTS("test-key")
	t.baseURL = "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	return t
}

func TestLokutorTTS(t *testing.T) {
	server := lokutorServer(t, nil)
	defer server.Close()

	tts := testClient(server)

	var audio []byte
	err := tts.StreamSynthesize(context.Background(), "hello", "F1", "en", func(chunk []byte) error {
		audio = append(audio, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(audio) != 6 {
		t.Errorf("expected 6 bytes, got %d", len(audio))
	}

	if tts.Name() != "lokutor" {
		t.Errorf("expected lokutor, got %s", tts.Name())
	}

	err = tts.StreamSynthesize(context.Background(), "fail", "F1", "en", func([]byte) error { return nil })
	if !errors.Is(err, ErrSynthesis) || !strings.Contains(err.Error(), "voice unavailable") {
		t.Errorf("expected synthesis error, got %v", err)
	}

	tts.Close()
}

func TestSynthesizerStreamsSegmentsInOrder(t *testing.T) {
	requests := make(chan string, 4)
	server := lokutorServer(t, requests)
	defer server.Close()

	s := NewSynthesizer(testClient(server))
	if err := s.Start(context.Background(), adapter.Options{TurnID: 4, SampleRate: 16000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Push("Hej!")
	s.Push("Hur mår du?")
	s.CloseInput()

	var chunks []*adapter.SynthesisChunk
	var final bool
	timeout := time.After(3 * time.Second)
	for !final {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatal("channel closed before final")
			}
			switch ev.Kind {
			case adapter.Chunk:
				chunks = append(chunks, ev.Chunk)
			case adapter.Final:
				final = true
			default:
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-timeout:
			t.Fatal("synthesizer did not finish")
		}
	}

	if got := []string{<-requests, <-requests}; got[0] != "Hej!" || got[1] != "Hur mår du?" {
		t.Errorf("unexpected request order %v", got)
	}

	var total int
	for i, c := range chunks {
		if c.Seq != uint32(i) {
			t.Errorf("chunk %d has seq %d", i, c.Seq)
		}
		if len(c.PCM)%2 != 0 {
			t.Errorf("chunk %d is not sample aligned", i)
		}
		if c.TurnID != 4 {
			t.Errorf("chunk %d has turn %d", i, c.TurnID)
		}
		total += len(c.PCM)
	}
	if total != 12 {
		t.Errorf("expected 12 bytes of audio, got %d", total)
	}
}

func TestSynthesizerCancel(t *testing.T) {
	server := lokutorServer(t, nil)
	defer server.Close()

	s := NewSynthesizer(testClient(server))
	s.Start(context.Background(), adapter.Options{SampleRate: 16000})
	s.Cancel()
	s.Cancel()

	for ev := range s.Events() {
		t.Errorf("unexpected event after cancel: %+v", ev)
	}
}
