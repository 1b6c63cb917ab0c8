package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// #region estimator

// Estimator turns raw signals into StateVectors. It remembers the context
// of its previous estimate to detect context transitions, and is safe for
// concurrent use.
type Estimator struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	last *StateVector
}

// NewEstimator creates an Estimator. log may be nil.
func NewEstimator(cfg Config, log *slog.Logger) *Estimator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Estimator{cfg: cfg, log: log.With(slog.String("component", "estimator"))}
}

// Estimate computes the state for in and records it as the latest.
func (e *Estimator) Estimate(in Input) StateVector {
	e.mu.Lock()
	defer e.mu.Unlock()
	var prev history.ActivityContext
	if e.last != nil {
		prev = e.last.Context
	}
	s := Compute(in, prev, e.cfg)
	if prev != "" && s.Context != prev {
		e.log.Debug("context changed", "from", prev, "to", s.Context)
	}
	e.last = &s
	return s
}

// Last returns the most recent estimate.
func (e *Estimator) Last() (StateVector, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return StateVector{}, false
	}
	return *e.last, true
}

// #endregion estimator

// #region compute

// Compute is the pure estimate. previous is the context of the prior
// estimate, empty on the first tick.
func Compute(in Input, previous history.ActivityContext, cfg Config) StateVector {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	sources := make(map[DataSource]bool)
	local := history.Local(now, cfg.Location)

	ctx := in.Context
	if ctx == "" {
		ctx = history.ContextForTime(local)
	} else {
		sources[SourceContext] = true
	}
	prior, hasPrior := in.Priors[history.SlotFor(local)]

	arousal := 0.5
	hr := window(in.HeartRate, now, cfg.HRWindow)
	switch {
	case len(hr) > 0:
		sources[SourceHeartRate] = true
		p := cfg.Profile
		current := hr[len(hr)-1].Value
		arousal = clamp((current-p.RestingHR)/(p.MaxHR-p.RestingHR)) +
			symmetric(slopePerMinute(hr)*cfg.HRTrendGain, cfg.TrendLimit)
	case hasPrior:
		sources[SourcePrior] = true
		arousal = prior.Arousal
	}
	arousal = clamp(arousal)

	stress := 0.5
	hrv := window(in.HRV, now, cfg.HRVWindow)
	switch {
	case len(hrv) > 0:
		sources[SourceHRV] = true
		current := hrv[len(hrv)-1].Value
		stress = clamp(1-cfg.StressHRVWeight*current/cfg.Profile.BaselineHRV) -
			symmetric(slopePerMinute(hrv)*cfg.HRVTrendGain, cfg.TrendLimit)
	case hasPrior:
		sources[SourcePrior] = true
		stress = prior.Stress
	}
	stress = clamp(stress)

	energy := cfg.ArousalWeight*arousal + (1-cfg.ArousalWeight)*(1-stress)
	rule := contextRules[ctx]
	focus := clamp(0.5*(1-stress) + 0.25 + rule.focus)
	valence := clamp(0.6 - 0.4*stress + rule.valence)

	if w := manualWeight(in.Manual, now, cfg); w > 0 {
		sources[SourceManual] = true
		valence = (1-w)*valence + w*clamp(in.Manual.Valence)
		energy = (1-w)*energy + w*clamp(in.Manual.Energy)
	}
	energy = clamp(energy)

	var confidence float64
	if len(hr) > 0 {
		confidence += 0.5
	}
	if len(hrv) > 0 {
		confidence += 0.5
	}

	return StateVector{
		Arousal:    arousal,
		Energy:     energy,
		Focus:      focus,
		Stress:     stress,
		Valence:    valence,
		Context:    ctx,
		Need:       InferNeed(ctx, previous, stress, energy, cfg),
		Confidence: confidence,
		Sources:    sourceSet(sources),
		Timestamp:  now,
	}
}

// InferNeed maps context and state to a need. High stress always calls for
// calm; after that a context may force its need; then low energy; then a
// context change.
func InferNeed(ctx, previous history.ActivityContext, stress, energy float64, cfg Config) Need {
	if stress > cfg.CalmStress {
		return NeedCalm
	}
	if n, ok := forcedNeeds[ctx]; ok {
		return n
	}
	if energy < cfg.EnergizeEnergy {
		return NeedEnergize
	}
	if previous != "" && ctx != previous {
		return NeedTransition
	}
	return NeedMaintain
}

var forcedNeeds = map[history.ActivityContext]Need{
	history.ContextWorkout:  NeedEnergize,
	history.ContextDeepWork: NeedFocus,
	history.ContextSleep:    NeedCalm,
	history.ContextWindDown: NeedCalm,
}

// contextRule adjusts the base focus and valence for one context.
type contextRule struct {
	focus, valence float64
}

var contextRules = map[history.ActivityContext]contextRule{
	history.ContextDeepWork: {focus: 0.2},
	history.ContextWorkout:  {focus: -0.2, valence: 0.1},
	history.ContextRelaxing: {valence: 0.1},
	history.ContextSocial:   {focus: -0.1, valence: 0.1},
	history.ContextCommute:  {focus: -0.05},
	history.ContextWindDown: {focus: -0.1, valence: 0.05},
	history.ContextSleep:    {focus: -0.2},
	history.ContextWaking:   {focus: -0.1},
}

// manualWeight is the blend weight of a manual mood: full weight when
// fresh, falling linearly to zero at ManualDecay.
func manualWeight(m *ManualMood, now time.Time, cfg Config) float64 {
	if m == nil || cfg.ManualDecay <= 0 {
		return 0
	}
	age := now.Sub(m.At)
	if age < 0 {
		age = 0
	}
	if age >= cfg.ManualDecay {
		return 0
	}
	return cfg.ManualWeight * (1 - float64(age)/float64(cfg.ManualDecay))
}

// #endregion compute

// #region helpers

// window returns samples taken in [now-d, now], ascending by time.
func window(samples []history.Sample, now time.Time, d time.Duration) []history.Sample {
	from := now.Add(-d)
	var out []history.Sample
	for _, s := range samples {
		if !s.At.Before(from) && !s.At.After(now) {
			out = append(out, s)
		}
	}
	sortSamples(out)
	return out
}

// slopePerMinute is the least-squares slope of value over time, in units
// per minute. Zero with fewer than two distinct timestamps.
func slopePerMinute(samples []history.Sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	t0 := samples[0].At
	n := float64(len(samples))
	var sx, sy, sxx, sxy float64
	for _, s := range samples {
		x := s.At.Sub(t0).Minutes()
		sx += x
		sy += s.Value
		sxx += x * x
		sxy += x * s.Value
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func sortSamples(s []history.Sample) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].At.Before(s[j].At) })
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

// symmetric clamps v to [-limit, limit].
func symmetric(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// #endregion helpers
