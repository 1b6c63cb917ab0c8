package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/replay"
	"github.com/danielpatrickdp/cadence/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to cadence.db")
	last := flag.Int("last", 0, "export only the N most recent events (0 = all)")
	outPath := flag.String("out", "", "output fixture path (.json, or .json.zst to compress)")
	description := flag.String("description", "", "fixture description")
	padding := flag.Duration("padding", 10*time.Minute, "biometric window around the exported events")
	flag.Parse()

	if *dbPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --db path/to/cadence.db --out path/to/fixture.json[.zst] [--last N] [--description text]")
		os.Exit(2)
	}

	if err := run(context.Background(), *dbPath, *last, *outPath, *description, *padding); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region extract

func run(ctx context.Context, dbPath string, last int, outPath, description string, padding time.Duration) error {
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	events, err := db.AllEvents(ctx)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if len(events) == 0 {
		return fmt.Errorf("no playback events in %s", dbPath)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].StartedAt.Before(events[j].StartedAt) })
	if last > 0 && last < len(events) {
		events = events[len(events)-last:]
	}

	seen := make(map[string]bool)
	var ids []string
	for _, e := range events {
		if !seen[e.SongID] {
			seen[e.SongID] = true
			ids = append(ids, e.SongID)
		}
	}
	found, err := db.Songs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load songs: %w", err)
	}
	songs := make([]history.Song, 0, len(found))
	for _, id := range ids {
		if s, ok := found[id]; ok {
			songs = append(songs, s)
		}
	}

	from := events[0].StartedAt.Add(-padding)
	to := events[len(events)-1].StartedAt.Add(padding)
	if end, ok := events[len(events)-1].EffectiveEnd(); ok {
		to = end.Add(padding)
	}
	hr, err := db.HeartRateHistory(ctx, from, to)
	if err != nil {
		return fmt.Errorf("heart rate: %w", err)
	}
	hrv, err := db.HRVHistory(ctx, from, to)
	if err != nil {
		return fmt.Errorf("hrv: %w", err)
	}
	sleep, err := db.SleepSessions(ctx, from, to)
	if err != nil {
		return fmt.Errorf("sleep: %w", err)
	}
	workouts, err := db.WorkoutSessions(ctx, from, to)
	if err != nil {
		return fmt.Errorf("workouts: %w", err)
	}

	f := &replay.Fixture{
		Description: description,
		Songs:       replay.FromSongs(songs),
		Events:      replay.FromEvents(events),
		HeartRate:   replay.FromSamples(hr),
		HRV:         replay.FromSamples(hrv),
	}
	for _, s := range sleep {
		f.Sleep = append(f.Sleep, replay.FixtureSleep{Start: s.Start, End: s.End, Stage: string(s.Stage)})
	}
	for _, w := range workouts {
		f.Workouts = append(f.Workouts, replay.FixtureWorkout{Type: w.Type, Start: w.Start, End: w.End})
	}

	if err := replay.WriteFixture(f, outPath); err != nil {
		return err
	}
	fmt.Printf("Exported %d events, %d songs, %d HR / %d HRV samples to %s\n",
		len(events), len(songs), len(hr), len(hrv), outPath)
	if missing := len(ids) - len(songs); missing > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d songs referenced by events are not in the library\n", missing)
	}
	return nil
}

// #endregion extract
