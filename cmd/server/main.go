package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/config"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/logging"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/metrics"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/transport"
)

func main() {
	configPath := flag.String("config", os.Getenv("VOICEHUB_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.NewLoader().
		WithConfigPath(*configPath).
		WithEnvFiles(".env").
		Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
	})
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Server.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Server.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      os.Getenv("VOICEHUB_ENV"),
		}); err != nil {
			return fmt.Errorf("sentry init: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var turnLog io.Writer
	if cfg.Metrics.TurnLog != "" {
		f, err := os.OpenFile(cfg.Metrics.TurnLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open turn log: %w", err)
		}
		defer f.Close()
		turnLog = f
	}
	collector := metrics.NewCollector(metrics.Config{
		Capacity:   cfg.Metrics.Capacity,
		Log:        turnLog,
		Registerer: reg,
		Namespace:  cfg.Metrics.Namespace,
		Logger:     logger,
	})
	defer collector.Close()

	engines, engineDesc, err := buildEngines(cfg.Engines)
	if err != nil {
		return err
	}

	srv, err := transport.NewServer(serverConfig(cfg, reg, logger), engines, collector, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", withSentryRecovery(srv))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": srv.Registry().Count(),
		})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/slo", func(w http.ResponseWriter, r *http.Request) {
		report := collector.ValidateSLOs()
		status := http.StatusOK
		if !report.Pass {
			status = http.StatusExpectationFailed
		}
		writeJSON(w, status, report)
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("session sweeper stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("voicehub listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("engines", engineDesc),
			zap.Int("max_sessions", cfg.Server.MaxSessions),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions did not close in time", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func serverConfig(cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) transport.Config {
	orch := orchestrator.DefaultConfig()
	orch.Language = orchestrator.Language(cfg.Engines.Language)
	orch.Voice = orchestrator.Voice(cfg.Engines.Voice)
	orch.SystemPrompt = cfg.Engines.SystemPrompt
	orch.StartTimeout = cfg.Engines.StartTimeout
	orch.AutoBargeIn = cfg.Engines.AutoBargeIn
	orch.EchoThreshold = cfg.Engines.EchoThreshold

	return transport.Config{
		MaxSessions:     cfg.Server.MaxSessions,
		AcceptRate:      rate.Limit(cfg.Server.AcceptRate),
		AcceptBurst:     cfg.Server.AcceptBurst,
		SweepInterval:   cfg.Server.SweepInterval,
		PingInterval:    cfg.Server.PingInterval,
		WriteTimeout:    cfg.Server.WriteTimeout,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		Session:         cfg.Session,
		Orchestrator:    orch,
		OnError:         reportError(cfg.Server.SentryDSN != "", logger),
		Registerer:      reg,
	}
}

func reportError(useSentry bool, logger *zap.Logger) func(sessionID, source string, err error) {
	return func(sessionID, source string, err error) {
		logger.Warn("turn failed", zap.String("session", sessionID), zap.String("source", source), zap.Error(err))
		if !useSentry {
			return
		}
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("session_id", sessionID)
			scope.SetTag("source", source)
			sentry.CaptureException(err)
		})
	}
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub := sentry.CurrentHub().Clone()
		ctx := sentry.SetHubOnContext(r.Context(), hub)
		defer func() {
			if rec := recover(); rec != nil {
				hub.RecoverWithContext(ctx, rec)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
