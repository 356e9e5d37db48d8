package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_KeyValues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLogger(zap.New(core)).With("component", "orchestrator")

	l.Debug("turn state changed", "session", "s1", "turn", uint64(3))
	l.Warn("playback underrun", "session", "s1")
	l.Error("turn failed", "error", "boom")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "turn state changed", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "orchestrator", fields["component"])
	assert.Equal(t, "s1", fields["session"])
	assert.EqualValues(t, 3, fields["turn"])
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestNew_Levels(t *testing.T) {
	l := New(Options{Level: "warn", Format: "console"})
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	l = New(Options{Level: "bogus"})
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestNewZapLogger_Nil(t *testing.T) {
	assert.NotPanics(t, func() { NewZapLogger(nil).Info("dropped") })
}
