package decision

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/cadence/internal/gate"
	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/state"
)

// ErrNoCandidates is returned when there is nothing left to choose from,
// either because no candidates were given or because every one was vetoed.
var ErrNoCandidates = errors.New("no candidates")

// #region weights

// Weights are the user's preference weights for the score components. They
// need not sum to 1.
type Weights struct {
	BPMMatch         float64 `toml:"bpm_match" json:"bpm_match"`
	EnergyMatch      float64 `toml:"energy_match" json:"energy_match"`
	Familiarity      float64 `toml:"familiarity" json:"familiarity"`
	HistoricalEffect float64 `toml:"historical_effect" json:"historical_effect"`
	ContextAlignment float64 `toml:"context_alignment" json:"context_alignment"`
	Recency          float64 `toml:"recency" json:"recency"` // weight of the subtracted penalty
}

// DefaultWeights returns the standard preference weights.
func DefaultWeights() Weights {
	return Weights{
		BPMMatch:         0.25,
		EnergyMatch:      0.2,
		Familiarity:      0.1,
		HistoricalEffect: 0.3,
		ContextAlignment: 0.15,
		Recency:          0.2,
	}
}

// Map returns the weights keyed by component name.
func (w Weights) Map() map[string]float64 {
	return map[string]float64{
		FactorBPM:      w.BPMMatch,
		FactorEnergy:   w.EnergyMatch,
		FactorFamiliar: w.Familiarity,
		FactorHistory:  w.HistoricalEffect,
		FactorContext:  w.ContextAlignment,
		FactorRecency:  w.Recency,
	}
}

// #endregion weights

// #region config

// Band is an inclusive BPM range.
type Band struct {
	Lo, Hi float64
}

// Config holds scoring parameters.
type Config struct {
	Weights Weights
	Gate    gate.GateConfig

	Bands        map[state.Need]Band    // target BPM band per need; maintain and transition use EnergyBands
	EnergyBands  []EnergyBand           // bands chosen by current energy, ascending by Below
	TargetEnergy map[state.Need]float64 // target song energy; missing need tracks current energy

	BPMTolerance   float64       // BPM distance at which BPMMatch reaches 0
	RecencyHorizon time.Duration // age at which the recency penalty reaches 0
	TransitionBase float64       // transition factor floor

	SlotEnergy map[history.TimeSlot]float64 // typical song energy per time-of-day slot
	Location   *time.Location               // listener clock for SlotEnergy; nil keeps Now's zone
}

// EnergyBand selects Band while the current energy is below Below.
type EnergyBand struct {
	Below float64
	Band  Band
}

// DefaultConfig returns the standard scoring parameters.
func DefaultConfig() Config {
	calm, focus, energize := Band{60, 90}, Band{90, 120}, Band{120, 160}
	return Config{
		Weights: DefaultWeights(),
		Gate:    gate.DefaultGateConfig(),
		Bands: map[state.Need]Band{
			state.NeedCalm:     calm,
			state.NeedFocus:    focus,
			state.NeedEnergize: energize,
		},
		EnergyBands: []EnergyBand{
			{Below: 0.4, Band: calm},
			{Below: 0.7, Band: focus},
			{Below: 1.01, Band: energize},
		},
		TargetEnergy: map[state.Need]float64{
			state.NeedCalm:     0.3,
			state.NeedFocus:    0.5,
			state.NeedEnergize: 0.8,
		},
		BPMTolerance:   60,
		RecencyHorizon: 24 * time.Hour,
		TransitionBase: 0.7,
		SlotEnergy: map[history.TimeSlot]float64{
			history.SlotEarlyMorning: 0.4,
			history.SlotMorning:      0.6,
			history.SlotAfternoon:    0.6,
			history.SlotEvening:      0.5,
			history.SlotLateEvening:  0.35,
			history.SlotNight:        0.2,
		},
	}
}

// #endregion config

// #region decision-context

// DecisionContext is everything one selection is made from.
type DecisionContext struct {
	State          state.StateVector
	Candidates     []history.Song
	RecentlyPlayed map[string]time.Time // song id -> last play start
	SessionHistory []history.Song       // most recent last; empty on the first song
	Effects        map[history.EffectKey]history.SongEffect
	Weights        *Weights // nil: the scorer's weights
	Now            time.Time
}

// #endregion decision-context

// #region song-score

// Component names, used in explanations and provenance.
const (
	FactorBPM        = "bpm_match"
	FactorEnergy     = "energy_match"
	FactorFamiliar   = "familiarity"
	FactorHistory    = "historical_effect"
	FactorContext    = "context_alignment"
	FactorRecency    = "recency_penalty"
	FactorTimeOfDay  = "time_of_day"
	FactorTransition = "transition"
)

// Explanation is one factor's contribution to a final score.
type Explanation struct {
	Factor       string
	Contribution float64
	Text         string
}

// SongScore is one scored candidate.
type SongScore struct {
	Song history.Song

	BPMMatch         float64
	EnergyMatch      float64
	Familiarity      float64
	HistoricalEffect float64
	ContextAlignment float64
	RecencyPenalty   float64
	TimeOfDay        float64 // multiplier in [0.5,1]
	Transition       float64 // multiplier; 1 for the first song of a session

	Final        float64
	Confidence   float64
	Explanations []Explanation // ordered by absolute contribution, largest first
}

// Components returns the seven components keyed by name.
func (s SongScore) Components() map[string]float64 {
	return map[string]float64{
		FactorBPM:       s.BPMMatch,
		FactorEnergy:    s.EnergyMatch,
		FactorFamiliar:  s.Familiarity,
		FactorHistory:   s.HistoricalEffect,
		FactorContext:   s.ContextAlignment,
		FactorRecency:   s.RecencyPenalty,
		FactorTimeOfDay: s.TimeOfDay,
	}
}

// Ranking is every kept candidate in selection order, with the vetoes that
// removed the rest.
type Ranking struct {
	Scores       []SongScore
	Vetoes       []gate.VetoSignal
	TargetBPM    float64
	TargetEnergy float64
}

// #endregion song-score
