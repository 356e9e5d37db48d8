package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/config"
)

func TestBuildEngines_Modes(t *testing.T) {
	cfg := config.DefaultConfig().Engines

	engines, desc, err := buildEngines(cfg)
	require.NoError(t, err)
	assert.Equal(t, "stub", desc)
	require.NoError(t, engines.Validate())
	assert.Equal(t, "stub-asr", engines.Recognizer().Name())

	cfg.Mode = "ipc"
	cfg.RecognizerCmd = "asr-engine --model tiny"
	cfg.GeneratorCmd = "llm-engine"
	cfg.SynthesizerCmd = "tts-engine"
	engines, _, err = buildEngines(cfg)
	require.NoError(t, err)
	require.NoError(t, engines.Validate())

	cfg.SynthesizerCmd = " "
	_, _, err = buildEngines(cfg)
	assert.Error(t, err)

	cfg.Mode = "bogus"
	_, _, err = buildEngines(cfg)
	assert.Error(t, err)
}

func TestBuildEngines_ProvidersNeedKeys(t *testing.T) {
	cfg := config.DefaultConfig().Engines
	cfg.Mode = "providers"
	cfg.LokutorKey = "lk"

	_, _, err := buildEngines(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GROQ_API_KEY")

	cfg.GroqKey = "gk"
	engines, desc, err := buildEngines(cfg)
	require.NoError(t, err)
	require.NoError(t, engines.Validate())
	assert.Contains(t, desc, "tts=lokutor")

	cfg.LLMProvider = "anthropic"
	_, _, err = buildEngines(cfg)
	assert.ErrorContains(t, err, "ANTHROPIC_API_KEY")
}
