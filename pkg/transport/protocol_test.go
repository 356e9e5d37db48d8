package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/config"
)

func TestDecodeClientMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
		code string
	}{
		{name: "barge in", in: `{"type":"control.barge_in","timestamp":17}`, want: BargeIn{Type: TypeBargeIn, Timestamp: 17}},
		{name: "final", in: `{"type":"stt.final","text":"hej","confidence":0.9}`, want: Recognition{Type: TypeSTTFinal, Text: "hej", Confidence: 0.9}},
		{name: "ping", in: `{"type":"ping","id":"a"}`, want: Ping{Type: TypePing, ID: "a"}},
		{name: "invalid json", in: `{"type":`, code: "bad_request"},
		{name: "missing type", in: `{"text":"hej"}`, code: "bad_request"},
		{name: "mic without flag", in: `{"type":"control.mic"}`, code: "bad_request"},
		{name: "confidence range", in: `{"type":"stt.partial","text":"he","confidence":3}`, code: "bad_request"},
		{name: "unknown", in: `{"type":"llm.delta","text":"x"}`, code: "unsupported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClientMessage([]byte(tt.in))
			if tt.code != "" {
				var de *DecodeError
				require.True(t, errors.As(err, &de), "expected DecodeError, got %v", err)
				assert.Equal(t, tt.code, de.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	msg, err := DecodeClientMessage([]byte(`{"type":"control.mic","enabled":false}`))
	require.NoError(t, err)
	mic := msg.(Mic)
	require.NotNil(t, mic.Enabled)
	assert.False(t, *mic.Enabled)
}

func idleSession(t *testing.T, id string, idleFor time.Duration) (*Session, context.Context) {
	t.Helper()
	opts := config.DefaultSessionOptions()
	opts.InactivityTimeoutMs = 1000
	ctx, cancel := context.WithCancel(context.Background())
	s := newSession(ctx, cancel, id, nil, nil, opts, DefaultConfig(), zap.NewNop(), nil)
	s.lastActivity.Store(time.Now().Add(-idleFor).UnixNano())
	return s, ctx
}

func TestRegistry_Sweep(t *testing.T) {
	r := NewRegistry()
	stale, staleCtx := idleSession(t, "stale", 2*time.Second)
	fresh, freshCtx := idleSession(t, "fresh", 0)
	r.Add(stale)
	r.Add(fresh)

	assert.Equal(t, 1, r.Sweep(time.Now()))
	assert.Equal(t, 1, r.Count())
	_, ok := r.Get("stale")
	assert.False(t, ok)
	assert.Error(t, staleCtx.Err(), "swept session must be cancelled")
	assert.NoError(t, freshCtx.Err())

	r.CloseAll("test")
	assert.Equal(t, 0, r.Count())
	assert.Error(t, freshCtx.Err())
	_ = fresh
}

func TestRegistry_AddReplaces(t *testing.T) {
	r := NewRegistry()
	first, firstCtx := idleSession(t, "same", 0)
	second, secondCtx := idleSession(t, "same", 0)

	removeFirst := r.Add(first)
	r.Add(second)
	assert.Error(t, firstCtx.Err(), "replaced session must be closed")

	// Removing the replaced session leaves the newer one registered.
	removeFirst()
	got, ok := r.Get("same")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.NoError(t, secondCtx.Err())
}
