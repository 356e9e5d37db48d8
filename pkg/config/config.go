// Package config loads server configuration. Precedence is defaults, then
// the YAML file, then VOICEHUB_* environment variables (after .env files are
// loaded into the environment).
package config

import (
	"time"
)

type Config struct {
	Server  ServerConfig   `yaml:"server" env:"SERVER"`
	Session SessionOptions `yaml:"session" env:"SESSION"`
	Engines EnginesConfig  `yaml:"engines" env:"ENGINES"`
	Log     LogConfig      `yaml:"log" env:"LOG"`
	Metrics MetricsConfig  `yaml:"metrics" env:"METRICS"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	MaxSessions     int           `yaml:"max_sessions" env:"MAX_SESSIONS"`
	AcceptRate      float64       `yaml:"accept_rate" env:"ACCEPT_RATE"`
	AcceptBurst     int           `yaml:"accept_burst" env:"ACCEPT_BURST"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	SentryDSN       string        `yaml:"sentry_dsn" env:"SENTRY_DSN"`
}

// EnginesConfig selects the recognizer, generator and synthesizer.
type EnginesConfig struct {
	// Mode is stub, ipc or providers.
	Mode string `yaml:"mode" env:"MODE"`

	STTProvider string `yaml:"stt_provider" env:"STT_PROVIDER"`
	LLMProvider string `yaml:"llm_provider" env:"LLM_PROVIDER"`
	STTModel    string `yaml:"stt_model" env:"STT_MODEL"`
	LLMModel    string `yaml:"llm_model" env:"LLM_MODEL"`

	GroqKey      string `yaml:"groq_api_key" env:"GROQ_API_KEY"`
	OpenAIKey    string `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	AnthropicKey string `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	GoogleKey    string `yaml:"google_api_key" env:"GOOGLE_API_KEY"`
	DeepgramKey  string `yaml:"deepgram_api_key" env:"DEEPGRAM_API_KEY"`
	AssemblyKey  string `yaml:"assemblyai_api_key" env:"ASSEMBLYAI_API_KEY"`
	LokutorKey   string `yaml:"lokutor_api_key" env:"LOKUTOR_API_KEY"`

	// Commands started per stream in ipc mode, e.g. "python asr.py".
	RecognizerCmd  string `yaml:"recognizer_cmd" env:"RECOGNIZER_CMD"`
	GeneratorCmd   string `yaml:"generator_cmd" env:"GENERATOR_CMD"`
	SynthesizerCmd string `yaml:"synthesizer_cmd" env:"SYNTHESIZER_CMD"`

	Language     string        `yaml:"language" env:"LANGUAGE"`
	Voice        string        `yaml:"voice" env:"VOICE"`
	SystemPrompt string        `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	StartTimeout time.Duration `yaml:"start_timeout" env:"START_TIMEOUT"`
	AutoBargeIn  bool          `yaml:"auto_barge_in" env:"AUTO_BARGE_IN"`
	// EchoThreshold overrides the playback correlation that marks mic input
	// as echo. Zero keeps the default.
	EchoThreshold float64 `yaml:"echo_threshold" env:"ECHO_THRESHOLD"`
}

type LogConfig struct {
	Level       string   `yaml:"level" env:"LEVEL"`
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

type MetricsConfig struct {
	Capacity  int    `yaml:"capacity" env:"CAPACITY"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// TurnLog is a file that receives one JSON line per turn. Optional.
	TurnLog string `yaml:"turn_log" env:"TURN_LOG"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxSessions:     256,
			AcceptRate:      20,
			AcceptBurst:     40,
			SweepInterval:   60 * time.Second,
			PingInterval:    15 * time.Second,
			WriteTimeout:    5 * time.Second,
			MaxMessageBytes: 1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Session: DefaultSessionOptions(),
		Engines: EnginesConfig{
			Mode:         "stub",
			STTProvider:  "groq",
			LLMProvider:  "groq",
			Language:     "en",
			Voice:        "F1",
			StartTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Capacity:  10000,
			Namespace: "voicehub",
		},
	}
}
