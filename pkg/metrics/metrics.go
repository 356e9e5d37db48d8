// Package metrics records per-turn latency milestones and reports running
// percentiles against the service-level targets.
package metrics

import (
	"encoding/json"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultCapacity is how many turns the ring buffer keeps.
const DefaultCapacity = 10000

type Stage string

const (
	FirstPartial Stage = "first_partial"
	FirstToken   Stage = "first_token"
	FirstAudio   Stage = "first_audio"
	Total        Stage = "total"
	BargeInCut   Stage = "barge_in"
)

// Stages lists every milestone in reporting order.
var Stages = []Stage{FirstPartial, FirstToken, FirstAudio, Total, BargeInCut}

// TurnMetrics is the latency record of one turn. A zero milestone was not
// reached (for example a turn interrupted before any audio played).
type TurnMetrics struct {
	TurnID         uint64    `json:"turn_id"`
	SessionID      string    `json:"session_id"`
	FirstPartialMs float64   `json:"first_partial_ms"`
	FirstTokenMs   float64   `json:"first_token_ms"`
	FirstAudioMs   float64   `json:"first_audio_ms"`
	TotalLatencyMs float64   `json:"total_latency_ms"`
	BargeInCutMs   float64   `json:"barge_in_cut_ms,omitempty"`
	Interrupted    bool      `json:"interrupted,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Value returns the milestone for stage.
func (m TurnMetrics) Value(stage Stage) float64 {
	switch stage {
	case FirstPartial:
		return m.FirstPartialMs
	case FirstToken:
		return m.FirstTokenMs
	case FirstAudio:
		return m.FirstAudioMs
	case Total:
		return m.TotalLatencyMs
	case BargeInCut:
		return m.BargeInCutMs
	}
	return 0
}

// Reached reports whether the turn got as far as stage. A barge-in cut is
// reached by every interrupted turn, even when it took no measurable time.
func (m TurnMetrics) Reached(stage Stage) bool {
	if stage == BargeInCut {
		return m.Interrupted
	}
	return m.Value(stage) > 0
}

// Millis converts a duration to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// logQueue bounds the turns waiting for the log writer.
const logQueue = 1024

type Config struct {
	Capacity int
	// Log receives one JSON object per recorded turn. Optional. Writes happen
	// on a collector goroutine; call Close to flush them.
	Log io.Writer
	// Registerer receives the latency histograms. Optional.
	Registerer prometheus.Registerer
	Namespace  string
	Logger     *zap.Logger
	Targets    map[Stage]float64
}

type Collector struct {
	mu      sync.Mutex
	ring    []TurnMetrics
	next    int
	full    bool
	targets map[Stage]float64

	logCh    chan TurnMetrics
	logDone  chan struct{}
	closed   bool
	logDrops uint64

	latency *prometheus.HistogramVec
	turns   *prometheus.CounterVec

	logger *zap.Logger
}

func NewCollector(cfg Config) *Collector {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "voicehub"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	targets := cfg.Targets
	if targets == nil {
		targets = DefaultTargets()
	}

	c := &Collector{
		ring:    make([]TurnMetrics, cfg.Capacity),
		targets: targets,
		logger:  logger.With(zap.String("component", "metrics")),
	}
	if cfg.Log != nil {
		c.logCh = make(chan TurnMetrics, logQueue)
		c.logDone = make(chan struct{})
		go c.writeLog(json.NewEncoder(cfg.Log))
	}
	if cfg.Registerer != nil {
		factory := promauto.With(cfg.Registerer)
		c.latency = factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "turn_latency_seconds",
				Help:      "Turn latency milestones in seconds",
				Buckets:   []float64{0.025, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 0.75, 1, 2, 5},
			},
			[]string{"stage"},
		)
		c.turns = factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "turns_total",
				Help:      "Total number of recorded turns",
			},
			[]string{"outcome"},
		)
	}
	return c
}

// RecordTurn appends m to the ring buffer, the turn log and the histograms.
// It is safe for concurrent use by every session.
func (c *Collector) RecordTurn(m TurnMetrics) {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}

	c.mu.Lock()
	c.ring[c.next] = m
	c.next = (c.next + 1) % len(c.ring)
	if c.next == 0 {
		c.full = true
	}
	dropped := false
	if c.logCh != nil && !c.closed {
		select {
		case c.logCh <- m:
		default:
			c.logDrops++
			dropped = true
		}
	}
	c.mu.Unlock()

	if dropped {
		c.logger.Warn("turn log queue full, dropping entry", zap.Uint64("turn", m.TurnID), zap.String("session", m.SessionID))
	}
	if c.latency != nil {
		for _, stage := range Stages {
			if m.Reached(stage) {
				c.latency.WithLabelValues(string(stage)).Observe(m.Value(stage) / 1000)
			}
		}
		outcome := "completed"
		if m.Interrupted {
			outcome = "interrupted"
		}
		c.turns.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) writeLog(enc *json.Encoder) {
	defer close(c.logDone)
	for m := range c.logCh {
		if err := enc.Encode(m); err != nil {
			c.logger.Warn("failed to append turn log", zap.Error(err))
		}
	}
}

// Close flushes pending turn log entries. Turns recorded afterwards still
// reach the ring buffer and histograms but not the log.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.logCh == nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.logCh)
	c.mu.Unlock()
	<-c.logDone
}

// LogDrops counts turns left out of the log because the writer fell behind.
func (c *Collector) LogDrops() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logDrops
}

// Snapshot returns the buffered turns, oldest first.
func (c *Collector) Snapshot() []TurnMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		return append([]TurnMetrics(nil), c.ring[:c.next]...)
	}
	out := make([]TurnMetrics, 0, len(c.ring))
	out = append(out, c.ring[c.next:]...)
	return append(out, c.ring[:c.next]...)
}

// Series returns every reached value of one milestone.
func (c *Collector) Series(stage Stage) []float64 {
	var out []float64
	for _, m := range c.Snapshot() {
		if m.Reached(stage) {
			out = append(out, m.Value(stage))
		}
	}
	return out
}

// Percentile computes the p-th percentile of series by linear interpolation
// between the closest ranks of a sorted copy, at rank p/100*(n-1). It returns
// 0 for an empty series.
func Percentile(series []float64, p float64) float64 {
	n := len(series)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), series...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (rank-float64(lo))*(sorted[hi]-sorted[lo])
}

type Summary struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Stats summarizes every milestone.
func (c *Collector) Stats() map[Stage]Summary {
	out := make(map[Stage]Summary, len(Stages))
	for _, stage := range Stages {
		s := c.Series(stage)
		out[stage] = Summary{
			Count: len(s),
			P50:   Percentile(s, 50),
			P95:   Percentile(s, 95),
			P99:   Percentile(s, 99),
		}
	}
	return out
}
