package session

import (
	"testing"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

var base = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC) // Wednesday

func ev(id string, start time.Time, dur time.Duration) history.PlaybackEvent {
	return history.PlaybackEvent{
		ID:               id,
		SongID:           "song-" + id,
		PlaylistID:       "pl-1",
		StartedAt:        start,
		SongDuration:     dur,
		ListenPercentage: 1,
	}
}

func TestGap_PrefersEndedAt(t *testing.T) {
	a := ev("a", base, 10*time.Minute)
	end := base.Add(2 * time.Minute)
	a.EndedAt = &end
	b := ev("b", base.Add(5*time.Minute), 3*time.Minute)

	gap, ok := Gap(a, b)
	if !ok {
		t.Fatal("expected gap to be computable")
	}
	if gap != 3*time.Minute {
		t.Errorf("gap = %v, want 3m", gap)
	}
}

func TestCluster_GapRule(t *testing.T) {
	// a ends 09:03; b follows after 29 minutes of silence, c after 31.
	a := ev("a", base, 3*time.Minute)
	b := ev("b", base.Add(32*time.Minute), 3*time.Minute)
	c := ev("c", b.StartedAt.Add(3*time.Minute+31*time.Minute), 3*time.Minute)

	clusters := Cluster([]history.PlaybackEvent{a, b, c}, DefaultConfig())
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if len(clusters[0]) != 2 || clusters[0][1].ID != "b" {
		t.Errorf("expected a and b together, got %v", ids(clusters[0]))
	}
	if len(clusters[1]) != 1 || clusters[1][0].ID != "c" {
		t.Errorf("expected c alone, got %v", ids(clusters[1]))
	}
	if !Retain(clusters[0], DefaultConfig()) {
		t.Error("expected 29m-gap cluster spanning >5m to be retained")
	}
}

func TestCluster_DropsMalformed(t *testing.T) {
	bad := history.PlaybackEvent{ID: "bad", StartedAt: base.Add(time.Minute)}
	noStart := ev("nostart", time.Time{}, 3*time.Minute)
	clusters := Cluster([]history.PlaybackEvent{ev("a", base, 3*time.Minute), bad, noStart}, DefaultConfig())
	if len(clusters) != 1 || len(clusters[0]) != 1 {
		t.Fatalf("expected malformed events dropped, got %v", clusters)
	}
}

func TestRetain_MinDuration(t *testing.T) {
	cfg := DefaultConfig()
	short := []history.PlaybackEvent{ev("a", base, 3*time.Minute)}
	if Retain(short, cfg) {
		t.Error("expected 3 minute cluster to be discarded")
	}
	long := []history.PlaybackEvent{ev("a", base, 3*time.Minute), ev("b", base.Add(3*time.Minute), 3*time.Minute)}
	if !Retain(long, cfg) {
		t.Error("expected 6 minute cluster to be retained")
	}
	if Retain(nil, cfg) {
		t.Error("expected empty cluster to be discarded")
	}
}

func TestCluster_Idempotent(t *testing.T) {
	var events []history.PlaybackEvent
	start := base
	for i := 0; i < 20; i++ {
		events = append(events, ev(string(rune('a'+i)), start, 4*time.Minute))
		gap := 2 * time.Minute
		if i%6 == 5 {
			gap = 45 * time.Minute
		}
		start = start.Add(4*time.Minute + gap)
	}
	first := Cluster(events, DefaultConfig())
	second := Cluster(events, DefaultConfig())
	if len(first) != len(second) {
		t.Fatalf("cluster count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		s1, e1 := Span(first[i])
		s2, e2 := Span(second[i])
		if !s1.Equal(s2) || !e1.Equal(e2) {
			t.Errorf("cluster %d boundaries differ", i)
		}
	}
}

func ids(events []history.PlaybackEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
