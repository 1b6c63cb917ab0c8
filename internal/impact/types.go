package impact

// #region config

// Config holds the heuristic weights used to turn one playback event into
// an impact measurement.
type Config struct {
	EarlySkipThreshold float64 // listen% below this is an early skip
	LateSkipThreshold  float64 // listen% below this (and >= early) is a late skip
	EarlySkipPenalty   float64
	LateSkipPenalty    float64
	CompletionWeight   float64 // bonus = (listen% - 0.5) * this

	DeltaScale float64 // bpm or ms delta that maps to a full-scale signal

	HRVCalmWeight  float64 // both signals present
	HRCalmWeight   float64 // both signals present, applied negatively
	HREnergyWeight float64 // both signals present
	HRVFocusWeight float64 // any time HRV is present

	HRVOnlyCalmWeight  float64
	HROnlyCalmWeight   float64 // applied negatively
	HROnlyEnergyWeight float64
}

// DefaultConfig returns the standard heuristic weights.
func DefaultConfig() Config {
	return Config{
		EarlySkipThreshold: 0.15,
		LateSkipThreshold:  0.30,
		EarlySkipPenalty:   0.3,
		LateSkipPenalty:    0.15,
		CompletionWeight:   0.2,
		DeltaScale:         20,
		HRVCalmWeight:      0.5,
		HRCalmWeight:       0.3,
		HREnergyWeight:     0.3,
		HRVFocusWeight:     0.2,
		HRVOnlyCalmWeight:  0.8,
		HROnlyCalmWeight:   0.6,
		HROnlyEnergyWeight: 0.6,
	}
}

// #endregion config

// #region score

// Score is the bounded effect measurement derived from one playback event.
// It is never persisted.
type Score struct {
	Calm     float64
	Energy   float64
	Focus    float64
	MoodLift float64

	Skipped          bool
	SkipPenalty      float64 // 0, -late or -early
	CompletionBonus  float64
	HasBiometricData bool
}

// #endregion score
