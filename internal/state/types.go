package state

import (
	"sort"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// #region need
// Need is what the listener's state calls for next.
type Need string

const (
	NeedEnergize   Need = "energize"
	NeedCalm       Need = "calm"
	NeedFocus      Need = "focus"
	NeedMaintain   Need = "maintain"
	NeedTransition Need = "transition"
)

// ParseNeed converts a stored string to a Need, mapping unknown values to
// NeedMaintain.
func ParseNeed(s string) Need {
	switch n := Need(s); n {
	case NeedEnergize, NeedCalm, NeedFocus, NeedMaintain, NeedTransition:
		return n
	}
	return NeedMaintain
}

// #endregion need

// #region data-source
// DataSource names an input that contributed to an estimate.
type DataSource string

const (
	SourceHeartRate DataSource = "heart_rate"
	SourceHRV       DataSource = "hrv"
	SourceContext   DataSource = "context"
	SourceManual    DataSource = "manual"
	SourcePrior     DataSource = "prior"
)

// #endregion data-source

// #region state-vector
// StateVector is one normalized estimate of the listener's state. Every
// dimension is in [0,1]. A vector is never mutated after it is emitted.
type StateVector struct {
	Arousal    float64
	Energy     float64
	Focus      float64
	Stress     float64
	Valence    float64
	Context    history.ActivityContext
	Need       Need
	Confidence float64
	Sources    []DataSource // sorted, no duplicates
	Timestamp  time.Time
}

// Neutral returns the fallback vector used when no estimate is available.
func Neutral(at time.Time) StateVector {
	return StateVector{
		Arousal:   0.5,
		Energy:    0.5,
		Focus:     0.5,
		Stress:    0.5,
		Valence:   0.5,
		Context:   history.ContextForTime(at),
		Need:      NeedMaintain,
		Timestamp: at,
	}
}

// Has reports whether src contributed to s.
func (s StateVector) Has(src DataSource) bool {
	for _, x := range s.Sources {
		if x == src {
			return true
		}
	}
	return false
}

// Dimensions returns the five dimensions keyed by name.
func (s StateVector) Dimensions() map[string]float64 {
	return map[string]float64{
		"arousal": s.Arousal,
		"energy":  s.Energy,
		"focus":   s.Focus,
		"stress":  s.Stress,
		"valence": s.Valence,
	}
}

func sourceSet(m map[DataSource]bool) []DataSource {
	out := make([]DataSource, 0, len(m))
	for s, ok := range m {
		if ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// #endregion state-vector

// #region input
// Profile holds the listener's physiological baselines.
type Profile struct {
	RestingHR   float64 // bpm
	MaxHR       float64 // bpm
	BaselineHRV float64 // ms SDNN
}

// DefaultProfile returns population defaults.
func DefaultProfile() Profile {
	return Profile{RestingHR: 60, MaxHR: 190, BaselineHRV: 50}
}

// ManualMood is a self-reported mood. It decays to no influence.
type ManualMood struct {
	Valence float64
	Energy  float64
	At      time.Time
}

// Prior is a historical baseline for one time-of-day slot, used when a
// signal is missing.
type Prior struct {
	Arousal float64
	Stress  float64
}

// Input is everything the estimator sees on one tick.
type Input struct {
	HeartRate []history.Sample
	HRV       []history.Sample
	Context   history.ActivityContext // empty: inferred from Now
	Manual    *ManualMood
	Priors    map[history.TimeSlot]Prior
	Now       time.Time
}

// #endregion input

// #region config
// Config holds estimator parameters.
type Config struct {
	Profile Profile

	HRWindow  time.Duration // heart-rate samples older than this are ignored
	HRVWindow time.Duration // HRV samples older than this are ignored

	HRTrendGain  float64 // arousal nudge per bpm/min of heart-rate slope
	HRVTrendGain float64 // stress nudge per ms/min of HRV slope
	TrendLimit   float64 // absolute cap on either nudge

	StressHRVWeight float64 // stress = 1 - weight*hrv/baseline
	ArousalWeight   float64 // energy = w*arousal + (1-w)*(1-stress)

	ManualWeight float64       // blend weight of a fresh manual mood
	ManualDecay  time.Duration // age at which a manual mood stops counting

	CalmStress     float64 // stress above this calls for calm
	EnergizeEnergy float64 // energy below this calls for energizing

	Tick     time.Duration
	Location *time.Location // listener clock for context and prior slot; nil keeps Now's zone
}

// DefaultConfig returns the standard estimator parameters.
func DefaultConfig() Config {
	return Config{
		Profile:         DefaultProfile(),
		HRWindow:        5 * time.Minute,
		HRVWindow:       10 * time.Minute,
		HRTrendGain:     0.02,
		HRVTrendGain:    0.01,
		TrendLimit:      0.1,
		StressHRVWeight: 0.6,
		ArousalWeight:   0.6,
		ManualWeight:    0.7,
		ManualDecay:     15 * time.Minute,
		CalmStress:      0.7,
		EnergizeEnergy:  0.3,
		Tick:            30 * time.Second,
	}
}

// #endregion config
