package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/config"
)

// Message types on the control channel.
const (
	TypeBargeIn    = "control.barge_in"
	TypeMic        = "control.mic"
	TypeSTTPartial = "stt.partial"
	TypeSTTFinal   = "stt.final"
	TypeLLMDelta   = "llm.delta"
	TypeTTSBegin   = "tts.begin"
	TypeTTSEnd     = "tts.end"
	TypeMetrics    = "metrics"
	TypeState      = "state"
	TypeHandshake  = "handshake"
	TypeReady      = "connection.ready"
	TypeError      = "error"
	TypePing       = "ping"
	TypePong       = "pong"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Inbound messages.

type BargeIn struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type Mic struct {
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled"`
}

// Recognition injects a recognizer result, mainly for testing clients.
type Recognition struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (r Recognition) Final() bool { return r.Type == TypeSTTFinal }

type Ping struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// DecodeClientMessage parses one JSON control message by its type.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeBargeIn:
		var msg BargeIn
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control.barge_in", "")
		}
		return msg, nil
	case TypeMic:
		var msg Mic
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control.mic", "")
		}
		if msg.Enabled == nil {
			return nil, badRequest("control.mic.enabled is required", "enabled")
		}
		return msg, nil
	case TypeSTTPartial, TypeSTTFinal:
		var msg Recognition
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid "+typ, "")
		}
		if msg.Confidence < 0 || msg.Confidence > 1 {
			return nil, badRequest(typ+".confidence must be in [0, 1]", "confidence")
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ping", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", typ)
	}
}

// Outbound messages.

type Handshake struct {
	Type      string                `json:"type"`
	SessionID string                `json:"sessionId"`
	Config    config.SessionOptions `json:"config"`
}

type Transcript struct {
	Type       string  `json:"type"`
	TurnID     uint64  `json:"turnId,omitempty"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type LLMDelta struct {
	Type   string `json:"type"`
	TurnID uint64 `json:"turnId,omitempty"`
	Text   string `json:"text"`
	Done   bool   `json:"done"`
}

type TTSMarker struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	TurnID      uint64 `json:"turnId,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

type Metrics struct {
	Type    string  `json:"type"`
	TurnID  uint64  `json:"turnId,omitempty"`
	Stage   string  `json:"stage"`
	Latency float64 `json:"latency"`
}

type State struct {
	Type   string `json:"type"`
	TurnID uint64 `json:"turnId,omitempty"`
	State  string `json:"state"`
}

type Error struct {
	Type    string `json:"type"`
	TurnID  uint64 `json:"turnId,omitempty"`
	Code    string `json:"code,omitempty"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
}

type Pong struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}
