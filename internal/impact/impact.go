package impact

import "github.com/danielpatrickdp/cadence/internal/history"

const baseline = 0.5

// #region calculate

// Calculate derives an impact score from one finalized playback event.
// Pure and deterministic.
func Calculate(ev history.PlaybackEvent, cfg Config) Score {
	listen := clamp(ev.ListenPercentage)
	penalty := skipPenalty(ev.WasSkipped, listen, cfg)
	bonus := (listen - 0.5) * cfg.CompletionWeight

	calm := baseline + bonus + penalty
	energy := baseline + bonus + penalty
	focus := baseline + bonus + penalty

	hr := normalizedDelta(ev.HeartRateDelta(), cfg.DeltaScale)
	hrv := normalizedDelta(ev.HRVDeltaValue(), cfg.DeltaScale)

	switch {
	case hr != nil && hrv != nil:
		dHR, dHRV := *hr, *hrv
		calm += cfg.HRVCalmWeight*dHRV - cfg.HRCalmWeight*dHR
		energy += cfg.HREnergyWeight * dHR
		focus += cfg.HRVFocusWeight * dHRV
	case hrv != nil:
		calm += cfg.HRVOnlyCalmWeight * *hrv
		focus += cfg.HRVFocusWeight * *hrv
	case hr != nil:
		calm -= cfg.HROnlyCalmWeight * *hr
		energy += cfg.HROnlyEnergyWeight * *hr
	}

	s := Score{
		Calm:             clamp(calm),
		Energy:           clamp(energy),
		Focus:            clamp(focus),
		Skipped:          ev.WasSkipped,
		SkipPenalty:      penalty,
		CompletionBonus:  bonus,
		HasBiometricData: hr != nil || hrv != nil,
	}
	s.MoodLift = clamp(0.4*s.Calm + 0.3*s.Energy + 0.3*s.Focus)
	return s
}

// #endregion calculate

// #region skip

// skipPenalty is two-tier: an early skip is a strong rejection, a late skip
// a mild one. Skips past the late threshold carry no penalty.
func skipPenalty(skipped bool, listen float64, cfg Config) float64 {
	if !skipped {
		return 0
	}
	switch {
	case listen < cfg.EarlySkipThreshold:
		return -cfg.EarlySkipPenalty
	case listen < cfg.LateSkipThreshold:
		return -cfg.LateSkipPenalty
	}
	return 0
}

// #endregion skip

// #region helpers

// normalizedDelta scales a delta into [-1, 1]. Returns nil when absent.
func normalizedDelta(d *float64, scale float64) *float64 {
	if d == nil || scale <= 0 {
		return nil
	}
	v := *d / scale
	if v > 1 {
		v = 1
	}
	if v < -1 {
		v = -1
	}
	return &v
}

// clamp restricts v to [0, 1].
func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
