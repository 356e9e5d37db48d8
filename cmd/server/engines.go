package main

import (
	"fmt"
	"strings"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter/ipc"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter/stub"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/config"
	llmProvider "github.com/lokutor-ai/lokutor-voicehub/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-voicehub/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-voicehub/pkg/providers/tts"
)

// buildEngines returns the stream factories selected by cfg.Mode.
func buildEngines(cfg config.EnginesConfig) (adapter.Engines, string, error) {
	switch cfg.Mode {
	case "stub":
		return stub.Engines(), "stub", nil
	case "ipc":
		for _, c := range []string{cfg.RecognizerCmd, cfg.GeneratorCmd, cfg.SynthesizerCmd} {
			if len(strings.Fields(c)) == 0 {
				return adapter.Engines{}, "", fmt.Errorf("ipc mode needs recognizer, generator and synthesizer commands")
			}
		}
		return ipcEngines(cfg), "ipc", nil
	case "providers":
		return providerEngines(cfg)
	}
	return adapter.Engines{}, "", fmt.Errorf("unknown engine mode %q", cfg.Mode)
}

func ipcEngines(cfg config.EnginesConfig) adapter.Engines {
	dialer := func(command string) ipc.Dialer {
		fields := strings.Fields(command)
		return ipc.CommandDialer(fields[0], fields[1:]...)
	}
	asr, llm, tts := dialer(cfg.RecognizerCmd), dialer(cfg.GeneratorCmd), dialer(cfg.SynthesizerCmd)
	return adapter.Engines{
		Recognizer:  func() adapter.Recognizer { return ipc.NewRecognizer("ipc-asr", asr) },
		Generator:   func() adapter.Generator { return ipc.NewGenerator("ipc-llm", llm) },
		Synthesizer: func() adapter.Synthesizer { return ipc.NewSynthesizer("ipc-tts", tts) },
	}
}

func providerEngines(cfg config.EnginesConfig) (adapter.Engines, string, error) {
	var stt sttProvider.Transcriber
	switch cfg.STTProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return adapter.Engines{}, "", fmt.Errorf("OPENAI_API_KEY must be set for openai STT")
		}
		stt = sttProvider.NewOpenAISTT(cfg.OpenAIKey, orDefault(cfg.STTModel, "whisper-1"))
	case "deepgram":
		if cfg.DeepgramKey == "" {
			return adapter.Engines{}, "", fmt.Errorf("DEEPGRAM_API_KEY must be set for deepgram STT")
		}
		stt = sttProvider.NewDeepgramSTT(cfg.DeepgramKey)
	case "assemblyai":
		if cfg.AssemblyKey == "" {
			return adapter.Engines{}, "", fmt.Errorf("ASSEMBLYAI_API_KEY must be set for assemblyai STT")
		}
		stt = sttProvider.NewAssemblyAISTT(cfg.AssemblyKey)
	default:
		if cfg.GroqKey == "" {
			return adapter.Engines{}, "", fmt.Errorf("GROQ_API_KEY must be set for groq STT")
		}
		stt = sttProvider.NewGroqSTT(cfg.GroqKey, orDefault(cfg.STTModel, "whisper-large-v3-turbo"))
	}

	var llm llmProvider.Streamer
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return adapter.Engines{}, "", fmt.Errorf("OPENAI_API_KEY must be set for openai LLM")
		}
		llm = llmProvider.NewOpenAILLM(cfg.OpenAIKey, orDefault(cfg.LLMModel, "gpt-4o"))
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return adapter.Engines{}, "", fmt.Errorf("ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		llm = llmProvider.NewAnthropicLLM(cfg.AnthropicKey, orDefault(cfg.LLMModel, "claude-3-5-sonnet-20241022"))
	case "google":
		if cfg.GoogleKey == "" {
			return adapter.Engines{}, "", fmt.Errorf("GOOGLE_API_KEY must be set for google LLM")
		}
		llm = llmProvider.NewGoogleLLM(cfg.GoogleKey, orDefault(cfg.LLMModel, "gemini-1.5-flash"))
	default:
		if cfg.GroqKey == "" {
			return adapter.Engines{}, "", fmt.Errorf("GROQ_API_KEY must be set for groq LLM")
		}
		llm = llmProvider.NewGroqLLM(cfg.GroqKey, orDefault(cfg.LLMModel, "llama-3.3-70b-versatile"))
	}

	lokutorKey := cfg.LokutorKey
	engines := adapter.Engines{
		Recognizer: func() adapter.Recognizer { return sttProvider.NewRecognizer(stt) },
		Generator:  func() adapter.Generator { return llmProvider.NewGenerator(llm) },
		// Each synthesis owns its connection so that Cancel can abort it.
		Synthesizer: func() adapter.Synthesizer {
			return ttsProvider.NewSynthesizer(ttsProvider.NewLokutorTTS(lokutorKey))
		},
	}
	return engines, fmt.Sprintf("stt=%s llm=%s tts=lokutor", stt.Name(), llm.Name()), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
