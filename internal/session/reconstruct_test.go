package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/store"
)

// #region helpers

// block returns n back-to-back 3 minute events starting at start.
func block(prefix string, start time.Time, n int) []history.PlaybackEvent {
	out := make([]history.PlaybackEvent, n)
	for i := range out {
		out[i] = ev(prefix+string(rune('0'+i)), start.Add(time.Duration(i)*3*time.Minute), 3*time.Minute)
	}
	return out
}

func smallBatches() Config {
	cfg := DefaultConfig()
	cfg.FetchBatch = 2
	return cfg
}

// #endregion helpers

func TestRun_BuildsSessionsAndLinksEvents(t *testing.T) {
	mem := store.NewMemory()
	// a spans 9 minutes and is kept; b spans 3 and is discarded.
	mem.AddEvents(block("a", base, 3)...)
	mem.AddEvents(block("b", base.Add(2*time.Hour), 1)...)

	r := NewReconstructor(mem, mem, smallBatches(), nil)
	res, err := r.Run(context.Background(), history.Cursor{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SessionsCreated != 1 || res.ClustersDiscarded != 1 {
		t.Fatalf("sessions=%d discarded=%d, want 1/1", res.SessionsCreated, res.ClustersDiscarded)
	}
	if res.EventsScanned != 4 {
		t.Errorf("scanned %d events, want 4", res.EventsScanned)
	}

	sessions := mem.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 stored session, got %d", len(sessions))
	}
	for _, e := range mem.Events() {
		linked := e.SessionID != nil
		if (e.ID[0] == 'a') != linked {
			t.Errorf("event %s linked=%v", e.ID, linked)
		}
	}

	wm, _ := mem.Watermark(context.Background(), history.WatermarkSessionReconstruction)
	if want := base.Add(6 * time.Minute); !wm.At.Equal(want) || wm.ID != "a2" {
		t.Errorf("watermark = %+v, want a2 at %v", wm, want)
	}
}

func TestRun_CommitsInBatches(t *testing.T) {
	mem := store.NewMemory()
	for i := 0; i < 3; i++ {
		mem.AddEvents(block(string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour), 3)...)
	}
	cfg := smallBatches()
	cfg.CommitEvery = 1

	var commits []int
	r := NewReconstructor(mem, nil, cfg, nil)
	res, err := r.Run(context.Background(), history.Cursor{}, func(p Result) { commits = append(commits, p.SessionsCreated) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SessionsCreated != 3 {
		t.Fatalf("sessions = %d, want 3", res.SessionsCreated)
	}
	if len(commits) != 3 || commits[2] != 3 {
		t.Errorf("progress callbacks = %v, want [1 2 3]", commits)
	}
}

func TestRun_IdempotentAfterReset(t *testing.T) {
	mem := store.NewMemory()
	mem.AddEvents(block("a", base, 4)...)
	mem.AddEvents(block("b", base.Add(50*time.Minute), 3)...)
	mem.AddEvents(block("c", base.Add(3*time.Hour), 5)...)

	r := NewReconstructor(mem, nil, smallBatches(), nil)
	ctx := context.Background()
	if _, err := r.Run(ctx, history.Cursor{}, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := mem.Sessions()

	if err := mem.ResetSessions(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := r.Run(ctx, history.Cursor{}, nil); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second := mem.Sessions()

	if len(first) != 3 || len(first) != len(second) {
		t.Fatalf("session counts %d vs %d, want 3", len(first), len(second))
	}
	for i := range first {
		if !first[i].StartedAt.Equal(second[i].StartedAt) || !first[i].EndedAt.Equal(second[i].EndedAt) {
			t.Errorf("session %d boundaries differ", i)
		}
	}
}

func TestRun_IncrementalFromWatermark(t *testing.T) {
	mem := store.NewMemory()
	mem.AddEvents(block("a", base, 3)...)
	r := NewReconstructor(mem, nil, DefaultConfig(), nil)
	ctx := context.Background()

	res, err := r.Run(ctx, history.Cursor{}, nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	mem.AddEvents(block("b", base.Add(4*time.Hour), 3)...)
	res2, err := r.Run(ctx, res.Watermark, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res2.SessionsCreated != 1 || res2.EventsScanned != 3 {
		t.Errorf("incremental run: sessions=%d scanned=%d, want 1/3", res2.SessionsCreated, res2.EventsScanned)
	}
	if len(mem.Sessions()) != 2 {
		t.Errorf("expected 2 sessions total, got %d", len(mem.Sessions()))
	}
}

func TestRun_CancelledLeavesWatermark(t *testing.T) {
	mem := store.NewMemory()
	mem.AddEvents(block("a", base, 3)...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewReconstructor(mem, nil, DefaultConfig(), nil)
	_, err := r.Run(ctx, history.Cursor{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(mem.Sessions()) != 0 {
		t.Error("expected no sessions after cancellation")
	}
	wm, _ := mem.Watermark(context.Background(), history.WatermarkSessionReconstruction)
	if !wm.IsZero() {
		t.Errorf("watermark moved to %v", wm)
	}
}

func TestRun_SkipsMalformedEvents(t *testing.T) {
	mem := store.NewMemory()
	events := block("a", base, 3)
	mem.AddEvents(events...)
	mem.AddEvents(history.PlaybackEvent{ID: "a1x", SongID: "x", StartedAt: base.Add(4 * time.Minute)})

	r := NewReconstructor(mem, nil, DefaultConfig(), nil)
	res, err := r.Run(context.Background(), history.Cursor{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.MalformedSkipped != 1 || res.SessionsCreated != 1 {
		t.Errorf("malformed=%d sessions=%d, want 1/1", res.MalformedSkipped, res.SessionsCreated)
	}
}

func TestRun_EnrichesFromBiometrics(t *testing.T) {
	mem := store.NewMemory()
	mem.AddEvents(block("a", base, 4)...)
	mem.AddBiometrics(
		[]history.Sample{{Value: 100, At: base.Add(-2 * time.Minute)}, {Value: 80, At: base.Add(13 * time.Minute)}},
		[]history.Sample{{Value: 40, At: base}, {Value: 52, At: base.Add(12 * time.Minute)}},
		nil,
		[]history.Workout{{Type: "cycling", Start: base.Add(-10 * time.Minute), End: base.Add(5 * time.Minute)}},
	)

	r := NewReconstructor(mem, mem, DefaultConfig(), nil)
	if _, err := r.Run(context.Background(), history.Cursor{}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := mem.Sessions()[0]
	if s.Context != history.ContextWorkout {
		t.Errorf("context = %s, want workout", s.Context)
	}
	if s.Biometrics.HRDelta == nil || *s.Biometrics.HRDelta != -20 {
		t.Errorf("hr delta = %v, want -20", s.Biometrics.HRDelta)
	}
	if s.Biometrics.HRVDelta == nil || *s.Biometrics.HRVDelta != 12 {
		t.Errorf("hrv delta = %v, want 12", s.Biometrics.HRVDelta)
	}
	if s.OverallImpact <= 0 || s.OverallImpact > 1 {
		t.Errorf("overall impact out of range: %f", s.OverallImpact)
	}
}

// failingStore fails SaveSessions to exercise storage error propagation.
type failingStore struct {
	*store.Memory
}

func (f failingStore) SaveSessions(context.Context, []history.HistoricalSession) error {
	return errors.New("disk full")
}

func TestRun_StorageFailure(t *testing.T) {
	mem := store.NewMemory()
	mem.AddEvents(block("a", base, 3)...)
	r := NewReconstructor(failingStore{mem}, nil, DefaultConfig(), nil)
	_, err := r.Run(context.Background(), history.Cursor{}, nil)
	if err == nil {
		t.Fatal("expected storage error")
	}
	wm, _ := mem.Watermark(context.Background(), history.WatermarkSessionReconstruction)
	if !wm.IsZero() {
		t.Error("watermark must not advance on failed commit")
	}
}
