package tts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var ErrSynthesis = errors.New("lokutor synthesis failed")

// Request is one synthesis job on the Lokutor WebSocket.
type Request struct {
	Text    string  `json:"text"`
	Voice   string  `json:"voice"`
	Lang    string  `json:"lang"`
	Speed   float64 `json:"speed"`
	Steps   int     `json:"steps"`
	Visemes bool    `json:"visemes"`
}

// LokutorTTS holds one lazily dialed connection. Jobs on it are serialized.
type LokutorTTS struct {
	apiKey  string
	baseURL string
	Speed   float64
	Steps   int

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewLokutorTTS(apiKey string) *LokutorTTS {
	return &LokutorTTS{
		apiKey:  apiKey,
		baseURL: "wss://api.lokutor.com/ws",
		Speed:   1.0,
		Steps:   6,
	}
}

func (t *LokutorTTS) Name() string { return "lokutor" }

func (t *LokutorTTS) dial(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}

	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("api_key", t.apiKey)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial lokutor: %w", err)
	}
	conn.SetReadLimit(10 << 20)
	t.conn = conn
	return conn, nil
}

// StreamSynthesize sends one request and calls onChunk for every binary
// audio message until the engine answers EOS.
func (t *LokutorTTS) StreamSynthesize(ctx context.Context, text string, voice string, lang string, onChunk func([]byte) error) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}

	req := Request{Text: text, Voice: voice, Lang: lang, Speed: t.Speed, Steps: t.Steps}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.discard(conn)
		return fmt.Errorf("send synthesis request: %w", err)
	}

	for {
		typ, payload, err := conn.Read(ctx)
		if err != nil {
			t.discard(conn)
			return fmt.Errorf("read lokutor stream: %w", err)
		}
		if typ == websocket.MessageBinary {
			if err := onChunk(payload); err != nil {
				return err
			}
			continue
		}
		switch msg := string(payload); {
		case msg == "EOS":
			return nil
		case strings.HasPrefix(msg, "ERR:"):
			return fmt.Errorf("%w: %s", ErrSynthesis, strings.TrimSpace(strings.TrimPrefix(msg, "ERR:")))
		}
	}
}

// discard forgets conn after a failed exchange so the next job redials.
func (t *LokutorTTS) discard(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	conn.CloseNow()
}

func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

// Abort cuts an in-progress synthesis by dropping the connection.
func (t *LokutorTTS) Abort() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.CloseNow()
}
