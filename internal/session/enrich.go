package session

import (
	"sort"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// #region biometric-summary

// summarize computes start/end/avg/min/max and delta for one signal.
// Samples need not be sorted. All outputs are nil when samples is empty.
func summarize(samples []history.Sample) (start, end, avg, lo, hi, delta *float64) {
	if len(samples) == 0 {
		return
	}
	sorted := make([]history.Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	first, last := sorted[0].Value, sorted[len(sorted)-1].Value
	mn, mx, sum := first, first, 0.0
	for _, s := range sorted {
		sum += s.Value
		if s.Value < mn {
			mn = s.Value
		}
		if s.Value > mx {
			mx = s.Value
		}
	}
	mean := sum / float64(len(sorted))
	d := last - first
	return &first, &last, &mean, &mn, &mx, &d
}

// BuildBiometricSummary combines heart-rate and HRV samples into a summary.
func BuildBiometricSummary(hr, hrv []history.Sample) history.BiometricSummary {
	var b history.BiometricSummary
	b.HRStart, b.HREnd, b.HRAvg, b.HRMin, b.HRMax, b.HRDelta = summarize(hr)
	b.HRVStart, b.HRVEnd, b.HRVAvg, b.HRVMin, b.HRVMax, b.HRVDelta = summarize(hrv)
	return b
}

// #endregion biometric-summary

// #region context

// InferContext picks an activity context for a session. A workout that
// overlaps the session wins; otherwise the weekday/weekend clock table
// decides.
func InferContext(start, end time.Time, workouts []history.Workout) history.ActivityContext {
	for _, w := range workouts {
		if w.Start.Before(end) && w.End.After(start) {
			return history.ContextWorkout
		}
	}
	return history.ContextForTime(start)
}

// #endregion context

// #region listening

// listeningStats returns skip rate and average listen percentage.
func listeningStats(events []history.PlaybackEvent) (skipRate, avgListen float64) {
	if len(events) == 0 {
		return 0, 0
	}
	var skipped int
	var listen float64
	for _, ev := range events {
		if ev.WasSkipped {
			skipped++
		}
		listen += clamp(ev.ListenPercentage)
	}
	n := float64(len(events))
	return float64(skipped) / n, listen / n
}

// dominantPlaylist returns the most frequent playlist in the cluster,
// first seen on ties.
func dominantPlaylist(events []history.PlaybackEvent) string {
	counts := make(map[string]int)
	var best string
	for _, ev := range events {
		if ev.PlaylistID == "" {
			continue
		}
		counts[ev.PlaylistID]++
		if best == "" || counts[ev.PlaylistID] > counts[best] {
			best = ev.PlaylistID
		}
	}
	return best
}

// #endregion listening

// #region sleep

type night struct {
	end    time.Time
	asleep time.Duration
	deep   time.Duration
}

// CorrelateSleep finds the first night of sleep (total asleep time of at
// least cfg.MinNightSleep) starting within cfg.SleepWindow after
// sessionEnd. Shorter sleeps are naps and are ignored.
func CorrelateSleep(samples []history.SleepSample, sessionEnd time.Time, cfg Config) history.SleepCorrelation {
	limit := sessionEnd.Add(cfg.SleepWindow)
	var inWindow []history.SleepSample
	for _, s := range samples {
		if s.Start.Before(sessionEnd) || !s.Start.Before(limit) || !s.End.After(s.Start) {
			continue
		}
		inWindow = append(inWindow, s)
	}
	sort.SliceStable(inWindow, func(i, j int) bool { return inWindow[i].Start.Before(inWindow[j].Start) })

	var nights []night
	for _, s := range inWindow {
		if len(nights) == 0 || s.Start.Sub(nights[len(nights)-1].end) > cfg.NightGap {
			nights = append(nights, night{})
		}
		n := &nights[len(nights)-1]
		if s.End.After(n.end) {
			n.end = s.End
		}
		if s.Stage.Asleep() {
			d := s.End.Sub(s.Start)
			n.asleep += d
			if s.Stage == history.SleepDeep {
				n.deep += d
			}
		}
	}

	for _, n := range nights {
		if n.asleep < cfg.MinNightSleep {
			continue
		}
		fraction := n.deep.Hours() / n.asleep.Hours()
		deepNorm := clamp(fraction / cfg.DeepSleepNorm)
		score := SleepScore(n.asleep, deepNorm, cfg)
		dur := n.asleep
		return history.SleepCorrelation{
			SleepScore:        &score,
			SleepDuration:     &dur,
			DeepSleepFraction: &deepNorm,
		}
	}
	return history.SleepCorrelation{}
}

// SleepScore blends duration (60%) and normalized deep sleep (40%).
func SleepScore(asleep time.Duration, deepNorm float64, cfg Config) float64 {
	durationPart := asleep.Hours() / cfg.TargetSleep.Hours()
	if durationPart > 1 {
		durationPart = 1
	}
	return clamp(durationPart*0.6 + clamp(deepNorm)*0.4)
}

// #endregion sleep

// #region overall-impact

// OverallImpact scores a session from listening behavior, HRV response
// and next-night sleep. Absent HRV or sleep contribute a neutral 0.5.
func OverallImpact(s history.HistoricalSession, cfg Config) float64 {
	hrvTerm := 0.5
	if s.Biometrics.HRVDelta != nil && cfg.HRVImpactScale > 0 {
		hrvTerm = clamp(0.5 + *s.Biometrics.HRVDelta/cfg.HRVImpactScale)
	}
	sleepTerm := 0.5
	if s.Sleep.SleepScore != nil {
		sleepTerm = *s.Sleep.SleepScore
	}
	return clamp(0.25*(1-s.SkipRate) + 0.30*hrvTerm + 0.25*s.AvgListenPercentage + 0.20*sleepTerm)
}

// #endregion overall-impact

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
