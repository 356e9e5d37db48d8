// Package transport serves voice sessions over WebSocket. Each connection
// carries binary audio frames and JSON control messages in both directions
// and owns one turn orchestrator with its playback jitter buffer.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/adapter"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/config"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/logging"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/metrics"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/orchestrator"
)

type Config struct {
	MaxSessions     int
	AcceptRate      rate.Limit
	AcceptBurst     int
	SweepInterval   time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	OriginPatterns  []string

	// Session holds the defaults that the query string may override.
	Session config.SessionOptions
	// Orchestrator is the base turn configuration of every session.
	Orchestrator orchestrator.Config

	// OnError is called for every turn failure, e.g. to report it.
	OnError func(sessionID, source string, err error)

	Registerer prometheus.Registerer
}

func DefaultConfig() Config {
	return Config{
		MaxSessions:     256,
		AcceptRate:      20,
		AcceptBurst:     40,
		SweepInterval:   60 * time.Second,
		PingInterval:    15 * time.Second,
		WriteTimeout:    5 * time.Second,
		MaxMessageBytes: 1 << 20,
		Session:         config.DefaultSessionOptions(),
		Orchestrator:    orchestrator.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxSessions <= 0 {
		c.MaxSessions = def.MaxSessions
	}
	if c.AcceptRate <= 0 {
		c.AcceptRate = def.AcceptRate
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = def.AcceptBurst
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.Session == (config.SessionOptions{}) {
		c.Session = def.Session
	}
	return c
}

type serverMetrics struct {
	sessions prometheus.Gauge
	rejected *prometheus.CounterVec
	dropped  *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &serverMetrics{
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicehub",
			Name:      "sessions_active",
			Help:      "Number of connected sessions",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicehub",
			Name:      "connections_rejected_total",
			Help:      "Connections refused before upgrade",
		}, []string{"reason"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicehub",
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped by the transport",
		}, []string{"direction"}),
	}
}

func (m *serverMetrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *serverMetrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *serverMetrics) reject(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *serverMetrics) droppedFrame(direction string) {
	if m != nil {
		m.dropped.WithLabelValues(direction).Inc()
	}
}

// Server accepts WebSocket connections and runs one Session per connection.
// It is an http.Handler; several servers may live in one process.
type Server struct {
	cfg      Config
	orch     *orchestrator.Orchestrator
	registry *Registry
	limiter  *rate.Limiter
	log      *zap.Logger
	stats    *serverMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a server around engines. collector may be nil.
func NewServer(cfg Config, engines adapter.Engines, collector *metrics.Collector, logger *zap.Logger) (*Server, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	var recorder orchestrator.Recorder
	if collector != nil {
		recorder = collector
	}
	orch, err := orchestrator.NewWithLogger(engines, cfg.Orchestrator, recorder, logging.NewZapLogger(logger.With(zap.String("component", "orchestrator"))))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		orch:     orch,
		registry: NewRegistry(),
		limiter:  rate.NewLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		log:      logger.With(zap.String("component", "transport")),
		stats:    newServerMetrics(cfg.Registerer),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Orchestrator() *orchestrator.Orchestrator { return s.orch }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.admit(); err != nil {
		s.log.Warn("refusing connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	opts := s.cfg.Session
	if err := opts.ApplyQuery(r.URL.Query()); err != nil {
		s.stats.reject("bad_options")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	s.wg.Add(1)
	defer s.wg.Done()

	sess := s.newSession(conn, opts)
	remove := s.registry.Add(sess)
	s.stats.sessionOpened()
	defer func() {
		remove()
		s.stats.sessionClosed()
	}()

	sess.log.Info("session started", zap.String("remote", r.RemoteAddr))
	sess.sendControl(Handshake{Type: TypeHandshake, SessionID: sess.ID, Config: opts})
	sess.sendControl(Handshake{Type: TypeReady, SessionID: sess.ID, Config: opts})

	if err := sess.Run(); err != nil {
		sess.log.Warn("session ended with error", zap.Error(err))
	}
}

func (s *Server) admit() error {
	if s.ctx.Err() != nil {
		s.stats.reject("shutdown")
		return errors.New("server shutting down")
	}
	if s.registry.Count() >= s.cfg.MaxSessions {
		s.stats.reject("capacity")
		return ErrTooManySessions
	}
	if !s.limiter.Allow() {
		s.stats.reject("rate")
		return ErrRateLimited
	}
	return nil
}

func (s *Server) newSession(conn *websocket.Conn, opts config.SessionOptions) *Session {
	id := uuid.NewString()
	log := s.log.With(zap.String("session", id))

	ctx, cancel := context.WithCancel(s.ctx)
	stream := orchestrator.NewManagedStream(ctx, s.orch, s.orch.NewSessionWithDefaults(id), s.streamConfig(opts, log))
	return newSession(ctx, cancel, id, conn, stream, opts, s.cfg, log, s.stats)
}

// streamConfig applies the session's options to the base turn config.
func (s *Server) streamConfig(opts config.SessionOptions, log *zap.Logger) orchestrator.Config {
	cfg := s.orch.GetConfig()
	cfg.SampleRate = opts.SampleRate
	cfg.StabilizeWindow = opts.Stabilize()
	cfg.VADThreshold = opts.VADThreshold
	cfg.Jitter.SampleRate = opts.SampleRate
	cfg.Jitter.LeadTime = opts.JitterLead()
	cfg.Jitter.CrossFade = opts.Crossfade()
	cfg.Jitter.Logger = logging.NewZapLogger(log.With(zap.String("component", "jitter")))
	return cfg
}

// Run sweeps idle sessions every SweepInterval until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		case now := <-t.C:
			if n := s.registry.Sweep(now); n > 0 {
				s.log.Info("closed idle sessions", zap.Int("count", n))
			}
		}
	}
}

// Shutdown closes every session and waits for their handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.registry.CloseAll("server shutdown")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
