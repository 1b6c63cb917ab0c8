package state

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// SessionLister reads stored sessions, newest first. limit <= 0 returns all.
type SessionLister interface {
	ListSessions(ctx context.Context, limit int) ([]history.HistoricalSession, error)
}

// DerivePriors averages session biometrics per time slot and maps them to
// arousal and stress with the same profile formulas Compute uses for live
// samples. A slot with heart rate but no HRV (or the reverse) gets 0.5 for
// the missing dimension. Slots with neither are absent.
func DerivePriors(sessions []history.HistoricalSession, cfg Config) map[history.TimeSlot]Prior {
	type sums struct {
		hr, hrv   float64
		nHR, nHRV int
	}
	bySlot := make(map[history.TimeSlot]*sums)
	for _, s := range sessions {
		if s.TimeSlot == "" {
			continue
		}
		acc := bySlot[s.TimeSlot]
		if acc == nil {
			acc = &sums{}
			bySlot[s.TimeSlot] = acc
		}
		if v := s.Biometrics.HRAvg; v != nil {
			acc.hr += *v
			acc.nHR++
		}
		if v := s.Biometrics.HRVAvg; v != nil {
			acc.hrv += *v
			acc.nHRV++
		}
	}

	p := cfg.Profile
	priors := make(map[history.TimeSlot]Prior, len(bySlot))
	for slot, acc := range bySlot {
		if acc.nHR == 0 && acc.nHRV == 0 {
			continue
		}
		prior := Prior{Arousal: 0.5, Stress: 0.5}
		if acc.nHR > 0 && p.MaxHR > p.RestingHR {
			prior.Arousal = clamp((acc.hr/float64(acc.nHR) - p.RestingHR) / (p.MaxHR - p.RestingHR))
		}
		if acc.nHRV > 0 && p.BaselineHRV > 0 {
			prior.Stress = clamp(1 - cfg.StressHRVWeight*(acc.hrv/float64(acc.nHRV))/p.BaselineHRV)
		}
		priors[slot] = prior
	}
	return priors
}

// RefreshPriors rebuilds the per-slot baselines from every stored session.
func (s *LiveSource) RefreshPriors(ctx context.Context, sessions SessionLister) (map[history.TimeSlot]Prior, error) {
	all, err := sessions.ListSessions(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	priors := DerivePriors(all, s.cfg)
	s.SetPriors(priors)
	return priors, nil
}
