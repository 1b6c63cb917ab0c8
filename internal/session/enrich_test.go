package session

import (
	"math"
	"testing"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCorrelateSleep_SixHoursNoDeep(t *testing.T) {
	end := base.Add(14 * time.Hour) // 23:00
	samples := []history.SleepSample{
		{Start: end.Add(time.Hour), End: end.Add(7 * time.Hour), Stage: history.SleepCore},
	}
	got := CorrelateSleep(samples, end, DefaultConfig())
	if got.SleepScore == nil {
		t.Fatal("expected sleep score")
	}
	if !approx(*got.SleepScore, 0.45) {
		t.Errorf("sleep score = %f, want 0.45", *got.SleepScore)
	}
	if *got.SleepDuration != 6*time.Hour {
		t.Errorf("duration = %v, want 6h", *got.SleepDuration)
	}
}

func TestCorrelateSleep_QuarterDeepNormalizesToOne(t *testing.T) {
	end := base.Add(14 * time.Hour)
	samples := []history.SleepSample{
		{Start: end.Add(time.Hour), End: end.Add(7 * time.Hour), Stage: history.SleepCore},
		{Start: end.Add(7 * time.Hour), End: end.Add(9 * time.Hour), Stage: history.SleepDeep},
	}
	got := CorrelateSleep(samples, end, DefaultConfig())
	if got.DeepSleepFraction == nil || !approx(*got.DeepSleepFraction, 1.0) {
		t.Fatalf("deep fraction = %v, want 1.0", got.DeepSleepFraction)
	}
	if !approx(*got.SleepScore, 1.0) {
		t.Errorf("sleep score = %f, want 1.0", *got.SleepScore)
	}
}

func TestCorrelateSleep_NapIgnored(t *testing.T) {
	end := base.Add(5 * time.Hour) // 14:00
	nap := history.SleepSample{Start: end.Add(time.Hour), End: end.Add(2 * time.Hour), Stage: history.SleepAsleep}
	got := CorrelateSleep([]history.SleepSample{nap}, end, DefaultConfig())
	if got.SleepScore != nil {
		t.Fatalf("expected nap to be excluded, got score %f", *got.SleepScore)
	}

	night := history.SleepSample{Start: end.Add(9 * time.Hour), End: end.Add(11*time.Hour + 30*time.Minute), Stage: history.SleepCore}
	night2 := history.SleepSample{Start: end.Add(11*time.Hour + 30*time.Minute), End: end.Add(16 * time.Hour), Stage: history.SleepCore}
	got = CorrelateSleep([]history.SleepSample{nap, night, night2}, end, DefaultConfig())
	if got.SleepScore == nil {
		t.Fatal("expected the night's sleep to count")
	}
	if *got.SleepDuration != 7*time.Hour {
		t.Errorf("duration = %v, want 7h", *got.SleepDuration)
	}
}

func TestCorrelateSleep_OutsideWindow(t *testing.T) {
	end := base
	late := history.SleepSample{Start: end.Add(13 * time.Hour), End: end.Add(20 * time.Hour), Stage: history.SleepCore}
	if got := CorrelateSleep([]history.SleepSample{late}, end, DefaultConfig()); got.SleepScore != nil {
		t.Error("expected sleep starting after 12h window to be ignored")
	}
}

func TestCorrelateSleep_AwakeDoesNotCount(t *testing.T) {
	end := base.Add(14 * time.Hour)
	samples := []history.SleepSample{
		{Start: end.Add(time.Hour), End: end.Add(3 * time.Hour), Stage: history.SleepInBed},
		{Start: end.Add(3 * time.Hour), End: end.Add(5 * time.Hour), Stage: history.SleepCore},
	}
	if got := CorrelateSleep(samples, end, DefaultConfig()); got.SleepScore != nil {
		t.Error("expected 2h asleep (plus 2h in bed) to be treated as a nap")
	}
}

func TestOverallImpact(t *testing.T) {
	cfg := DefaultConfig()
	s := history.HistoricalSession{SkipRate: 0.2, AvgListenPercentage: 0.8}
	// neutral HRV and sleep
	want := 0.25*0.8 + 0.30*0.5 + 0.25*0.8 + 0.20*0.5
	if got := OverallImpact(s, cfg); !approx(got, want) {
		t.Errorf("impact = %f, want %f", got, want)
	}

	d, score := 10.0, 0.9
	s.Biometrics.HRVDelta = &d
	s.Sleep.SleepScore = &score
	want = 0.25*0.8 + 0.30*1.0 + 0.25*0.8 + 0.20*0.9
	if got := OverallImpact(s, cfg); !approx(got, want) {
		t.Errorf("impact = %f, want %f", got, want)
	}
}

func TestInferContext(t *testing.T) {
	start := base // Wednesday 09:00
	end := start.Add(30 * time.Minute)
	if got := InferContext(start, end, nil); got != history.ContextDeepWork {
		t.Errorf("weekday morning = %s, want deep_work", got)
	}
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	if got := InferContext(saturday, saturday.Add(time.Hour), nil); got != history.ContextRelaxing {
		t.Errorf("weekend morning = %s, want relaxing", got)
	}
	workouts := []history.Workout{{Type: "run", Start: start.Add(20 * time.Minute), End: start.Add(time.Hour)}}
	if got := InferContext(start, end, workouts); got != history.ContextWorkout {
		t.Errorf("overlapping workout = %s, want workout", got)
	}
	disjoint := []history.Workout{{Type: "run", Start: end.Add(time.Minute), End: end.Add(time.Hour)}}
	if got := InferContext(start, end, disjoint); got != history.ContextDeepWork {
		t.Errorf("non-overlapping workout = %s, want deep_work", got)
	}
}

func TestBuildBiometricSummary(t *testing.T) {
	hr := []history.Sample{
		{Value: 80, At: base.Add(2 * time.Minute)},
		{Value: 90, At: base},
		{Value: 70, At: base.Add(4 * time.Minute)},
	}
	b := BuildBiometricSummary(hr, nil)
	if *b.HRStart != 90 || *b.HREnd != 70 || *b.HRDelta != -20 {
		t.Errorf("unexpected start/end/delta: %v %v %v", *b.HRStart, *b.HREnd, *b.HRDelta)
	}
	if *b.HRMin != 70 || *b.HRMax != 90 || !approx(*b.HRAvg, 80) {
		t.Errorf("unexpected min/max/avg: %v %v %v", *b.HRMin, *b.HRMax, *b.HRAvg)
	}
	if b.HRVAvg != nil {
		t.Error("expected nil HRV summary without samples")
	}
}

func TestAssemble_ListenerClock(t *testing.T) {
	pst := time.FixedZone("PST", -8*60*60)
	start := time.Date(2026, 3, 5, 6, 0, 0, 0, time.UTC) // Wednesday 22:00 PST
	cluster := []history.PlaybackEvent{
		ev("a", start, 3*time.Minute),
		ev("b", start.Add(3*time.Minute), 3*time.Minute),
	}
	cfg := DefaultConfig()

	utc := Assemble("s1", cluster, Inputs{}, cfg)
	if utc.Context != history.ContextWaking || utc.TimeSlot != history.SlotEarlyMorning {
		t.Errorf("without a location: %s/%s, want waking/early_morning", utc.Context, utc.TimeSlot)
	}

	cfg.Location = pst
	local := Assemble("s2", cluster, Inputs{}, cfg)
	if local.Context != history.ContextWindDown || local.TimeSlot != history.SlotLateEvening {
		t.Errorf("in PST: %s/%s, want wind_down/late_evening", local.Context, local.TimeSlot)
	}
	if !local.StartedAt.Equal(start) {
		t.Errorf("start = %v, want the same instant", local.StartedAt)
	}
}

func TestAssemble_ListeningStats(t *testing.T) {
	a := ev("a", base, 3*time.Minute)
	b := ev("b", base.Add(3*time.Minute), 3*time.Minute)
	b.WasSkipped = true
	b.ListenPercentage = 0.2
	b.PlaylistID = "pl-2"
	c := ev("c", base.Add(6*time.Minute), 3*time.Minute)

	s := Assemble("s1", []history.PlaybackEvent{a, b, c}, Inputs{}, DefaultConfig())
	if !approx(s.SkipRate, 1.0/3) {
		t.Errorf("skip rate = %f", s.SkipRate)
	}
	if !approx(s.AvgListenPercentage, (1+0.2+1)/3) {
		t.Errorf("avg listen = %f", s.AvgListenPercentage)
	}
	if s.PlaylistID != "pl-1" {
		t.Errorf("playlist = %s, want pl-1", s.PlaylistID)
	}
	if s.TimeSlot != history.SlotMorning {
		t.Errorf("slot = %s, want morning", s.TimeSlot)
	}
	if !s.EndedAt.Equal(base.Add(9 * time.Minute)) {
		t.Errorf("end = %v", s.EndedAt)
	}
	if len(s.EventIDs) != 3 {
		t.Errorf("expected 3 event ids, got %d", len(s.EventIDs))
	}
}
