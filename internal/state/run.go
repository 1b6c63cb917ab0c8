package state

import (
	"context"
	"time"
)

// Source gathers the estimator's input for one tick.
type Source interface {
	Input(ctx context.Context, now time.Time) (Input, error)
}

// Sink observes every emitted StateVector.
type Sink interface {
	Observe(ctx context.Context, s StateVector)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, s StateVector)

// Observe calls f.
func (f SinkFunc) Observe(ctx context.Context, s StateVector) { f(ctx, s) }

// Run estimates on every tick until ctx ends, starting immediately. A
// Source failure emits a neutral vector instead of stopping the loop.
// tick <= 0 uses the configured Tick.
func (e *Estimator) Run(ctx context.Context, tick time.Duration, src Source, sinks ...Sink) error {
	if tick <= 0 {
		tick = e.cfg.Tick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.step(ctx, src, sinks)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Estimator) step(ctx context.Context, src Source, sinks []Sink) {
	now := time.Now().UTC()
	if e.cfg.Location != nil {
		now = now.In(e.cfg.Location)
	}
	var s StateVector
	in, err := src.Input(ctx, now)
	if err != nil {
		e.log.Warn("state input unavailable, emitting neutral state", "error", err)
		s = Neutral(now)
		e.mu.Lock()
		e.last = &s
		e.mu.Unlock()
	} else {
		if in.Now.IsZero() {
			in.Now = now
		}
		s = e.Estimate(in)
	}
	for _, sink := range sinks {
		sink.Observe(ctx, s)
	}
}
