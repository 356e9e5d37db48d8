// Package logging builds the process logger and adapts it to the small
// key/value Logger interfaces used by the orchestrator and the jitter buffer.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is json or console.
	Format      string
	OutputPaths []string
}

// New builds a zap logger from opts. It falls back to a production logger
// when the configuration cannot be built.
func New(opts Options) *zap.Logger {
	var level zapcore.Level
	switch strings.ToLower(opts.Level) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if opts.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := opts.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// ZapLogger satisfies orchestrator.Logger and jitter.Logger.
type ZapLogger struct {
	s *zap.SugaredLogger
}

func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	// Skip this wrapper when reporting the caller.
	return &ZapLogger{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z *ZapLogger) Debug(msg string, args ...interface{}) { z.s.Debugw(msg, args...) }
func (z *ZapLogger) Info(msg string, args ...interface{})  { z.s.Infow(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...interface{})  { z.s.Warnw(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...interface{}) { z.s.Errorw(msg, args...) }

// With returns a logger that adds args to every entry.
func (z *ZapLogger) With(args ...interface{}) *ZapLogger {
	return &ZapLogger{s: z.s.With(args...)}
}

// Desugar exposes the underlying structured logger.
func (z *ZapLogger) Desugar() *zap.Logger {
	return z.s.Desugar().WithOptions(zap.AddCallerSkip(-1))
}
