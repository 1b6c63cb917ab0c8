package session

import (
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// Gap returns the silence between prev and next, measured from prev's
// effective end. ok is false when prev has neither an end time nor a
// duration.
func Gap(prev, next history.PlaybackEvent) (time.Duration, bool) {
	end, ok := prev.EffectiveEnd()
	if !ok {
		return 0, false
	}
	return next.StartedAt.Sub(end), true
}

// Malformed reports whether an event cannot take part in clustering.
func Malformed(ev history.PlaybackEvent) bool {
	if ev.StartedAt.IsZero() {
		return true
	}
	_, ok := ev.EffectiveEnd()
	return !ok
}

// Cluster splits time-ordered events into clusters separated by gaps
// longer than cfg.GapThreshold. Malformed events are dropped. Clusters are
// returned regardless of length; see Span and Retain.
func Cluster(events []history.PlaybackEvent, cfg Config) [][]history.PlaybackEvent {
	var clusters [][]history.PlaybackEvent
	var cur []history.PlaybackEvent

	for _, ev := range events {
		if Malformed(ev) {
			continue
		}
		if len(cur) > 0 {
			if gap, _ := Gap(cur[len(cur)-1], ev); gap > cfg.GapThreshold {
				clusters = append(clusters, cur)
				cur = nil
			}
		}
		cur = append(cur, ev)
	}
	if len(cur) > 0 {
		clusters = append(clusters, cur)
	}
	return clusters
}

// Span returns the end-to-end bounds of a cluster.
func Span(cluster []history.PlaybackEvent) (start, end time.Time) {
	for i, ev := range cluster {
		e, _ := ev.EffectiveEnd()
		if i == 0 || ev.StartedAt.Before(start) {
			start = ev.StartedAt
		}
		if e.After(end) {
			end = e
		}
	}
	return start, end
}

// Retain reports whether a cluster is long enough to become a session.
func Retain(cluster []history.PlaybackEvent, cfg Config) bool {
	if len(cluster) == 0 {
		return false
	}
	start, end := Span(cluster)
	return end.Sub(start) >= cfg.MinDuration
}
