package eval

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// #region eval-harness
// EvalHarness checks learned song effects against their invariants after a
// learning stage commits.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run validates after, the effects as committed, against before, a snapshot
// taken before the stage ran. before may be empty (full recompute).
func (h *EvalHarness) Run(before, after []history.SongEffect) EvalResult {
	var metrics []EvalMetric
	var violations []string
	passed := true
	var failReasons []string

	note := func(format string, args ...interface{}) {
		if len(violations) < h.config.MaxViolations {
			violations = append(violations, fmt.Sprintf(format, args...))
		}
	}
	check := func(name string, count int, what string) {
		ok := count == 0
		metrics = append(metrics, EvalMetric{Name: name, Value: float64(count), Pass: ok})
		if !ok {
			passed = false
			failReasons = append(failReasons, fmt.Sprintf("%d effects %s", count, what))
		}
	}

	// 1. Every score dimension stays in [0, 1]
	var outOfBounds int
	for _, e := range after {
		for _, v := range []float64{e.Calm, e.Energy, e.Focus, e.MoodLift} {
			if v < -h.config.Tolerance || v > 1+h.config.Tolerance || math.IsNaN(v) {
				outOfBounds++
				note("%s/%s score out of bounds", e.SongID, e.Context)
				break
			}
		}
	}
	check("scores_out_of_bounds", outOfBounds, "have scores outside [0,1]")

	// 2. Confidence never exceeds what the sample count supports
	var overConfident int
	for _, e := range after {
		limit := math.Min(1, float64(e.SampleCount)/float64(h.config.ConfidenceSamples))
		if e.Confidence < 0 || e.Confidence > limit+h.config.Tolerance {
			overConfident++
			note("%s/%s confidence %.3f exceeds %.3f for n=%d", e.SongID, e.Context, e.Confidence, limit, e.SampleCount)
		}
	}
	check("confidence_over_sample_bound", overConfident, "have confidence above their sample bound")

	// 3. Confidence and sample count are non-decreasing per (song, context)
	prev := make(map[history.EffectKey]history.SongEffect, len(before))
	for _, e := range before {
		prev[e.Key()] = e
	}
	var regressions int
	for _, e := range after {
		p, ok := prev[e.Key()]
		if !ok {
			continue
		}
		if e.Confidence+h.config.Tolerance < p.Confidence || e.SampleCount < p.SampleCount {
			regressions++
			note("%s/%s regressed: confidence %.3f -> %.3f, n %d -> %d",
				e.SongID, e.Context, p.Confidence, e.Confidence, p.SampleCount, e.SampleCount)
		}
	}
	check("confidence_regressions", regressions, "lost confidence or samples")

	// 4. Timestamps are ordered
	var misordered int
	for _, e := range after {
		if e.LastUpdated.Before(e.FirstUpdated) {
			misordered++
			note("%s/%s last update precedes first", e.SongID, e.Context)
		}
	}
	check("timestamps_misordered", misordered, "have last update before first")

	// 5. Mean confidence: informational only
	var mean float64
	if len(after) > 0 {
		for _, e := range after {
			mean += e.Confidence
		}
		mean /= float64(len(after))
	}
	metrics = append(metrics, EvalMetric{Name: "mean_confidence", Value: mean, Pass: true})

	reason := "all checks passed"
	if !passed {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
		if len(failReasons) > 1 {
			reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
		}
	}

	return EvalResult{
		Passed:     passed,
		Metrics:    metrics,
		Reason:     reason,
		Violations: violations,
	}
}

// #endregion eval-harness
