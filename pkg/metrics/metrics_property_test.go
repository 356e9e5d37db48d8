package metrics

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_PercentilesOrderedAndBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("p50 <= p95 <= p99 within [min, max]", prop.ForAll(
		func(series []float64) bool {
			if len(series) == 0 {
				return Percentile(series, 95) == 0
			}
			lo, hi := series[0], series[0]
			for _, v := range series {
				lo = min(lo, v)
				hi = max(hi, v)
			}
			p50, p95, p99 := Percentile(series, 50), Percentile(series, 95), Percentile(series, 99)
			return lo <= p50 && p50 <= p95 && p95 <= p99 && p99 <= hi
		},
		gen.SliceOf(gen.Float64Range(1, 5000)),
	))

	properties.TestingRun(t)
}

func TestProperty_RingKeepsNewestTurns(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot holds the last min(n, capacity) turns in order", prop.ForAll(
		func(capacity, n int) bool {
			c := NewCollector(Config{Capacity: capacity})
			for i := 1; i <= n; i++ {
				c.RecordTurn(TurnMetrics{TurnID: uint64(i), TotalLatencyMs: float64(i)})
			}
			snap := c.Snapshot()
			want := min(n, capacity)
			if len(snap) != want {
				return false
			}
			for i, m := range snap {
				if m.TurnID != uint64(n-want+i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}
