package decision

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/danielpatrickdp/cadence/internal/gate"
	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/metrics"
	"github.com/danielpatrickdp/cadence/internal/state"
)

// #region scorer

// Scorer ranks candidates against a state estimate. Guards run first; the
// remaining candidates are scored and, after the first song of a session,
// adjusted for how smoothly they follow the previous song. Weights can be
// swapped while the scorer is in use.
type Scorer struct {
	cfg     Config
	gate    *gate.Gate
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.RWMutex
	weights Weights
}

// NewScorer creates a Scorer. m and log may be nil.
func NewScorer(cfg Config, m *metrics.Metrics, log *slog.Logger) *Scorer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Scorer{
		cfg:     cfg,
		gate:    gate.NewGate(cfg.Gate),
		metrics: m,
		log:     log.With(slog.String("component", "scorer")),
		weights: cfg.Weights,
	}
}

// SetWeights replaces the default preference weights.
func (s *Scorer) SetWeights(w Weights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights = w
	s.log.Info("preference weights updated", "weights", w.Map())
}

// Weights returns the current default preference weights.
func (s *Scorer) Weights() Weights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights
}

// Select returns the best candidate, or ErrNoCandidates.
func (s *Scorer) Select(dc DecisionContext) (SongScore, error) {
	r, err := s.Rank(dc)
	if err != nil {
		s.metrics.SelectionEmpty()
		s.log.Info("no song selected", "need", dc.State.Need, "vetoed", len(r.Vetoes), "error", err)
		return SongScore{}, err
	}
	best := r.Scores[0]
	s.metrics.Selected(string(dc.State.Need))
	s.log.Debug("song selected",
		"song_id", best.Song.ID,
		"need", dc.State.Need,
		"final", best.Final,
		"confidence", best.Confidence,
		"candidates", len(dc.Candidates),
		"vetoed", len(r.Vetoes))
	return best, nil
}

// Rank scores every candidate that passes the guards, best first. Ties on
// Final break on Confidence, then on candidate order.
func (s *Scorer) Rank(dc DecisionContext) (Ranking, error) {
	if len(dc.Candidates) == 0 {
		return Ranking{}, ErrNoCandidates
	}
	now := dc.Now
	if now.IsZero() {
		now = dc.State.Timestamp
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	d := s.gate.Filter(dc.Candidates, gate.Listening{
		RecentlyPlayed: dc.RecentlyPlayed,
		Session:        dc.SessionHistory,
		Now:            now,
	})
	targetBPM, targetEnergy := Targets(dc.State, s.cfg)
	r := Ranking{Vetoes: d.VetoSignals, TargetBPM: targetBPM, TargetEnergy: targetEnergy}
	if len(d.Kept) == 0 {
		return r, fmt.Errorf("%w: %s", ErrNoCandidates, d.Reason)
	}

	w := s.Weights()
	if dc.Weights != nil {
		w = *dc.Weights
	}
	var prev *history.Song
	if n := len(dc.SessionHistory); n > 0 {
		prev = &dc.SessionHistory[n-1]
	}

	r.Scores = make([]SongScore, 0, len(d.Kept))
	for _, song := range d.Kept {
		r.Scores = append(r.Scores, s.score(song, dc, w, r, prev, now))
	}
	sort.SliceStable(r.Scores, func(i, j int) bool {
		a, b := r.Scores[i], r.Scores[j]
		if a.Final != b.Final {
			return a.Final > b.Final
		}
		return a.Confidence > b.Confidence
	})
	return r, nil
}

// #endregion scorer

// #region targets

// Targets returns the target BPM and song energy for a state. The BPM band
// comes from the need, or from the current energy when the need has no
// band of its own; the target is interpolated across the band by energy.
func Targets(st state.StateVector, cfg Config) (bpm, energy float64) {
	band, ok := cfg.Bands[st.Need]
	if !ok {
		band = energyBand(st.Energy, cfg)
	}
	bpm = band.Lo + (band.Hi-band.Lo)*clamp(st.Energy)

	energy, ok = cfg.TargetEnergy[st.Need]
	if !ok {
		energy = clamp(st.Energy)
	}
	return bpm, energy
}

func energyBand(energy float64, cfg Config) Band {
	for _, b := range cfg.EnergyBands {
		if energy < b.Below {
			return b.Band
		}
	}
	if n := len(cfg.EnergyBands); n > 0 {
		return cfg.EnergyBands[n-1].Band
	}
	return Band{}
}

// #endregion targets

// #region components

func (s *Scorer) score(song history.Song, dc DecisionContext, w Weights, r Ranking, prev *history.Song, now time.Time) SongScore {
	cfg := s.cfg
	sc := SongScore{Song: song, Transition: 1}

	sc.BPMMatch = bpmSimilarity(song.BPM, r.TargetBPM, cfg.BPMTolerance)
	sc.EnergyMatch = clamp(1 - math.Abs(song.Energy-r.TargetEnergy))

	agg := song.Aggregate
	if agg != nil {
		sc.Familiarity = agg.Familiarity
	}

	var effectConf float64
	effect, inContext := dc.Effects[history.EffectKey{SongID: song.ID, Context: dc.State.Context}]
	switch {
	case inContext:
		sc.HistoricalEffect = NeedEffect(dc.State.Need, effect.Calm, effect.Energy, effect.Focus, effect.MoodLift)
		sc.ContextAlignment = 0.5 + 0.5*clamp(effect.Confidence)
		effectConf = effect.Confidence
	case agg != nil:
		sc.HistoricalEffect = NeedEffect(dc.State.Need, agg.Calm, agg.Energy, agg.Focus, agg.MoodLift)
		effectConf = agg.Confidence
	default:
		sc.HistoricalEffect = 0.5
	}

	if at, ok := dc.RecentlyPlayed[song.ID]; ok && cfg.RecencyHorizon > 0 {
		age := now.Sub(at)
		sc.RecencyPenalty = clamp(1 - float64(age)/float64(cfg.RecencyHorizon))
	}

	slot := history.SlotFor(history.Local(now, cfg.Location))
	sc.TimeOfDay = 1
	if target, ok := cfg.SlotEnergy[slot]; ok {
		sc.TimeOfDay = 1 - 0.5*clamp(math.Abs(song.Energy-target))
	}

	contrib := []Explanation{
		{FactorBPM, w.BPMMatch * sc.BPMMatch, fmt.Sprintf("%.0f bpm against a target of %.0f", song.BPM, r.TargetBPM)},
		{FactorEnergy, w.EnergyMatch * sc.EnergyMatch, fmt.Sprintf("energy %.2f against a target of %.2f", song.Energy, r.TargetEnergy)},
		{FactorFamiliar, w.Familiarity * sc.Familiarity, fmt.Sprintf("familiarity %.2f", sc.Familiarity)},
		{FactorHistory, w.HistoricalEffect * sc.HistoricalEffect, historyText(dc.State, inContext, agg != nil, sc.HistoricalEffect)},
		{FactorContext, w.ContextAlignment * sc.ContextAlignment, contextText(dc.State.Context, inContext, effectConf)},
		{FactorRecency, -w.Recency * sc.RecencyPenalty, recencyText(dc.RecentlyPlayed, song.ID, now)},
	}
	var base float64
	for _, c := range contrib {
		base += c.Contribution
	}
	if base < 0 {
		base = 0
	}

	sc.Final = base * sc.TimeOfDay
	contrib = append(contrib, Explanation{
		FactorTimeOfDay, sc.Final - base,
		fmt.Sprintf("time of day multiplier %.2f for %s", sc.TimeOfDay, slot),
	})

	if prev != nil {
		smooth := Smoothness(*prev, song, cfg)
		sc.Transition = cfg.TransitionBase + (1-cfg.TransitionBase)*smooth
		adjusted := sc.Final * sc.Transition
		contrib = append(contrib, Explanation{
			FactorTransition, adjusted - sc.Final,
			fmt.Sprintf("transition from %s: smoothness %.2f, factor %.2f", prev.ID, smooth, sc.Transition),
		})
		sc.Final = adjusted
	}

	sc.Confidence = 0.5*clamp(dc.State.Confidence) + 0.5*clamp(effectConf)
	sort.SliceStable(contrib, func(i, j int) bool {
		return math.Abs(contrib[i].Contribution) > math.Abs(contrib[j].Contribution)
	})
	sc.Explanations = contrib
	return sc
}

// NeedEffect picks the learned effect dimension that serves need.
func NeedEffect(need state.Need, calm, energy, focus, moodLift float64) float64 {
	switch need {
	case state.NeedCalm:
		return calm
	case state.NeedFocus:
		return focus
	case state.NeedEnergize:
		return energy
	}
	return moodLift
}

// Smoothness rates how gently next follows prev: mostly BPM distance, then
// energy distance, with a small bonus for a shared genre.
func Smoothness(prev, next history.Song, cfg Config) float64 {
	s := 0.5*bpmSimilarity(next.BPM, prev.BPM, cfg.BPMTolerance) +
		0.4*clamp(1-math.Abs(next.Energy-prev.Energy))
	if prev.Genre != "" && prev.Genre == next.Genre {
		s += 0.1
	}
	return s
}

// bpmSimilarity is 1 at equal tempo, falling linearly to 0 at tolerance.
// An unknown tempo scores 0.5.
func bpmSimilarity(bpm, target, tolerance float64) float64 {
	if bpm <= 0 || target <= 0 || tolerance <= 0 {
		return 0.5
	}
	return clamp(1 - math.Abs(bpm-target)/tolerance)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion components

// #region explanations

func historyText(st state.StateVector, inContext, hasAggregate bool, v float64) string {
	switch {
	case inContext:
		return fmt.Sprintf("learned %s effect %.2f in %s", st.Need, v, st.Context)
	case hasAggregate:
		return fmt.Sprintf("learned %s effect %.2f across contexts", st.Need, v)
	}
	return "no learned effect yet"
}

func contextText(c history.ActivityContext, inContext bool, conf float64) string {
	if !inContext {
		return fmt.Sprintf("never played in %s", c)
	}
	return fmt.Sprintf("played in %s before, confidence %.2f", c, conf)
}

func recencyText(played map[string]time.Time, id string, now time.Time) string {
	at, ok := played[id]
	if !ok {
		return "not played recently"
	}
	return fmt.Sprintf("last played %s ago", now.Sub(at).Round(time.Minute))
}

// #endregion explanations
