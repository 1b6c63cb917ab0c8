package learn

import (
	"math"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/impact"
)

// #region effect

// neutral is the starting value of every effect dimension.
const neutral = 0.5

// NewEffect returns a fresh effect for (songID, c) with neutral scores and
// zero confidence.
func NewEffect(songID string, c history.ActivityContext, at time.Time) history.SongEffect {
	return history.SongEffect{
		SongID:       songID,
		Context:      c,
		Calm:         neutral,
		Energy:       neutral,
		Focus:        neutral,
		MoodLift:     neutral,
		FirstUpdated: at,
		LastUpdated:  at,
	}
}

// Alpha returns the EMA learning rate for an effect that has already seen
// n samples.
func Alpha(n int, cfg Config) float64 {
	if n < cfg.ColdStartSamples {
		return cfg.ColdStartAlpha
	}
	return cfg.SteadyAlpha
}

// ApplyImpact folds one impact measurement into an effect. It is pure: the
// input effect is not modified.
//
// Confidence grows with the sample count and never decreases. An event
// without biometric data cannot raise confidence past
// BehavioralConfidenceCap.
func ApplyImpact(e history.SongEffect, s impact.Score, at time.Time, cfg Config) history.SongEffect {
	a := Alpha(e.SampleCount, cfg)
	e.Calm = ema(e.Calm, s.Calm, a)
	e.Energy = ema(e.Energy, s.Energy, a)
	e.Focus = ema(e.Focus, s.Focus, a)
	e.MoodLift = ema(e.MoodLift, s.MoodLift, a)
	e.SampleCount++

	conf := math.Min(1, float64(e.SampleCount)/float64(cfg.ConfidenceSamples))
	if !s.HasBiometricData {
		conf = math.Min(conf, cfg.BehavioralConfidenceCap)
	}
	e.Confidence = math.Max(e.Confidence, conf)

	if e.FirstUpdated.IsZero() {
		e.FirstUpdated = at
	}
	if at.After(e.LastUpdated) {
		e.LastUpdated = at
	}
	return e
}

func ema(prev, obs, alpha float64) float64 {
	return clamp((1-alpha)*prev + alpha*obs)
}

// #endregion effect

// #region aggregate

// Aggregate rolls a song's effects into its aggregate. Effect dimensions
// are confidence-weighted; when every effect has zero confidence the mean
// is unweighted. Confidence is the mean effect confidence.
func Aggregate(songID string, effects []history.SongEffect, playCount int, at time.Time, cfg Config) history.SongAggregate {
	agg := history.SongAggregate{
		SongID:      songID,
		PlayCount:   playCount,
		Familiarity: Familiarity(playCount, cfg),
		UpdatedAt:   at,
	}
	if len(effects) == 0 {
		agg.Calm, agg.Energy, agg.Focus, agg.MoodLift = neutral, neutral, neutral, neutral
		return agg
	}

	var wsum float64
	for _, e := range effects {
		wsum += e.Confidence
	}
	for _, e := range effects {
		w := 1 / float64(len(effects))
		if wsum > 0 {
			w = e.Confidence / wsum
		}
		agg.Calm += w * e.Calm
		agg.Energy += w * e.Energy
		agg.Focus += w * e.Focus
		agg.MoodLift += w * e.MoodLift
	}
	agg.Confidence = wsum / float64(len(effects))
	return agg
}

// Familiarity is min(1, plays/FamiliarityPlays). Skipped plays count as
// plays.
func Familiarity(plays int, cfg Config) float64 {
	if cfg.FamiliarityPlays <= 0 {
		return 0
	}
	return math.Min(1, float64(plays)/float64(cfg.FamiliarityPlays))
}

// #endregion aggregate

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
