package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// LiveSource builds estimator input from recent biometric history plus the
// context and mood the listener last reported.
type LiveSource struct {
	bio history.Biometrics
	cfg Config

	mu      sync.Mutex
	context history.ActivityContext
	manual  *ManualMood
	priors  map[history.TimeSlot]Prior
}

// NewLiveSource reads samples from bio within the configured windows.
func NewLiveSource(bio history.Biometrics, cfg Config) *LiveSource {
	return &LiveSource{bio: bio, cfg: cfg}
}

// SetContext pins the activity context. An empty context returns to
// inference from the time of day.
func (s *LiveSource) SetContext(c history.ActivityContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context = c
}

// SetMood records a self-reported mood.
func (s *LiveSource) SetMood(m ManualMood) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manual = &m
}

// SetPriors replaces the per-slot baselines.
func (s *LiveSource) SetPriors(p map[history.TimeSlot]Prior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priors = p
}

// Input implements Source.
func (s *LiveSource) Input(ctx context.Context, now time.Time) (Input, error) {
	hr, err := s.bio.HeartRateHistory(ctx, now.Add(-s.cfg.HRWindow), now)
	if err != nil {
		return Input{}, fmt.Errorf("heart rate history: %w", err)
	}
	hrv, err := s.bio.HRVHistory(ctx, now.Add(-s.cfg.HRVWindow), now)
	if err != nil {
		return Input{}, fmt.Errorf("hrv history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	in := Input{
		HeartRate: hr,
		HRV:       hrv,
		Context:   s.context,
		Priors:    s.priors,
		Now:       now,
	}
	if s.manual != nil {
		m := *s.manual
		in.Manual = &m
	}
	return in, nil
}
