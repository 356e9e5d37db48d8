package metrics

import "fmt"

// DefaultTargets are the p95 objectives in milliseconds.
func DefaultTargets() map[Stage]float64 {
	return map[Stage]float64{
		FirstPartial: 300,
		FirstToken:   300,
		FirstAudio:   150,
		Total:        500,
		BargeInCut:   120,
	}
}

type Violation struct {
	Stage    Stage   `json:"stage"`
	P95      float64 `json:"p95_ms"`
	TargetMs float64 `json:"target_ms"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s p95 %.1fms exceeds %.0fms", v.Stage, v.P95, v.TargetMs)
}

type SLOReport struct {
	Pass       bool              `json:"pass"`
	Violations []Violation       `json:"violations"`
	Stats      map[Stage]Summary `json:"stats"`
	Targets    map[Stage]float64 `json:"targets"`
}

// ValidateSLOs compares the current p95 of each milestone against its target.
// Milestones with no samples pass. The report is informational only.
func (c *Collector) ValidateSLOs() SLOReport {
	stats := c.Stats()
	report := SLOReport{Pass: true, Violations: []Violation{}, Stats: stats, Targets: c.targets}
	for _, stage := range Stages {
		target, ok := c.targets[stage]
		if !ok {
			continue
		}
		s := stats[stage]
		if s.Count > 0 && s.P95 > target {
			report.Pass = false
			report.Violations = append(report.Violations, Violation{Stage: stage, P95: s.P95, TargetMs: target})
		}
	}
	return report
}
