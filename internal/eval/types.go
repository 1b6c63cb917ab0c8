package eval

// #region eval-config
// EvalConfig holds thresholds for post-learning validation.
type EvalConfig struct {
	ConfidenceSamples int     // samples needed for full confidence
	Tolerance         float64 // slack for float comparisons
	MaxViolations     int     // violations kept in the result for reporting
}

// DefaultEvalConfig returns defaults matching the learner's confidence ramp.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		ConfidenceSamples: 20,
		Tolerance:         1e-9,
		MaxViolations:     10,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string
	Value float64
	Pass  bool
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of post-learning validation.
type EvalResult struct {
	Passed     bool
	Metrics    []EvalMetric
	Reason     string
	Violations []string // first MaxViolations offending effects
}

// #endregion eval-result
