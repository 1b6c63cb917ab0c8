package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/danielpatrickdp/cadence/internal/health"
	"github.com/danielpatrickdp/cadence/internal/logging"
	"github.com/danielpatrickdp/cadence/internal/state"
	"github.com/danielpatrickdp/cadence/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to cadence.db")
	what := flag.String("show", "effects", "effects | sessions | playlists | selections | backfills | states")
	last := flag.Int("last", 20, "show N most recent rows")
	song := flag.String("song", "", "limit effects to one song")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	healthAddr := flag.String("health", "", "check a running daemon's gRPC health at addr and exit")
	flag.Parse()

	if *healthAddr != "" {
		os.Exit(checkHealth(*healthAddr))
	}

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/cadence.db [--show effects|sessions|playlists|selections|backfills|states] [--last N] [--song id] [--json]")
		fmt.Fprintln(os.Stderr, "       inspect --health host:port")
		os.Exit(2)
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	switch *what {
	case "effects":
		err = showEffects(ctx, db, *song, *last, *jsonOut)
	case "sessions":
		err = showSessions(ctx, db, *last, *jsonOut)
	case "playlists":
		err = showPlaylists(ctx, db, *jsonOut)
	case "selections":
		err = showSelections(ctx, db, *last, *jsonOut)
	case "backfills":
		err = showBackfills(ctx, db, *last, *jsonOut)
	case "states":
		err = showStates(ctx, db, *last, *jsonOut)
	default:
		fmt.Fprintf(os.Stderr, "unknown --show %q\n", *what)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region effects

type effectRow struct {
	SongID     string  `json:"song_id"`
	Context    string  `json:"context"`
	Calm       float64 `json:"calm"`
	Energy     float64 `json:"energy"`
	Focus      float64 `json:"focus"`
	MoodLift   float64 `json:"mood_lift"`
	Samples    int     `json:"samples"`
	Confidence float64 `json:"confidence"`
	Updated    string  `json:"last_updated"`
}

func showEffects(ctx context.Context, db *store.SQLite, song string, last int, jsonOut bool) error {
	effects, err := db.ListEffects(ctx, last)
	if song != "" {
		effects, err = db.EffectsForSong(ctx, song)
	}
	if err != nil {
		return err
	}
	if len(effects) == 0 {
		fmt.Fprintln(os.Stderr, "no effects learned yet")
		return nil
	}

	rows := make([]effectRow, len(effects))
	for i, e := range effects {
		rows[i] = effectRow{
			SongID:     e.SongID,
			Context:    string(e.Context),
			Calm:       e.Calm,
			Energy:     e.Energy,
			Focus:      e.Focus,
			MoodLift:   e.MoodLift,
			Samples:    e.SampleCount,
			Confidence: e.Confidence,
			Updated:    e.LastUpdated.Format(time.RFC3339),
		}
	}
	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-12s  %-10s  %7s  %7s  %7s  %7s  %7s  %5s\n",
		"Song", "Context", "Calm", "Energy", "Focus", "Mood", "Samples", "Conf")
	fmt.Printf("%-12s+-%-10s+-%7s+-%7s+-%7s+-%7s+-%7s+-%5s\n",
		"------------", "----------", "-------", "-------", "-------", "-------", "-------", "-----")
	for _, r := range rows {
		fmt.Printf("%-12s  %-10s  %+7.3f  %+7.3f  %+7.3f  %+7.3f  %7d  %5.2f\n",
			shortID(r.SongID), r.Context, r.Calm, r.Energy, r.Focus, r.MoodLift, r.Samples, r.Confidence)
	}
	return nil
}

// #endregion effects

// #region sessions

type sessionRow struct {
	ID        string  `json:"id"`
	StartedAt string  `json:"started_at"`
	Duration  string  `json:"duration"`
	Events    int     `json:"events"`
	Playlist  string  `json:"playlist_id,omitempty"`
	Context   string  `json:"context"`
	TimeSlot  string  `json:"time_slot"`
	SkipRate  float64 `json:"skip_rate"`
	Listen    float64 `json:"avg_listen_percentage"`
	Impact    float64 `json:"overall_impact"`
}

func showSessions(ctx context.Context, db *store.SQLite, last int, jsonOut bool) error {
	sessions, err := db.ListSessions(ctx, last)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(os.Stderr, "no sessions found")
		return nil
	}

	// store returns newest first; print chronologically
	rows := make([]sessionRow, len(sessions))
	for i, s := range sessions {
		rows[len(sessions)-1-i] = sessionRow{
			ID:        s.ID,
			StartedAt: s.StartedAt.Format("2006-01-02T15:04:05Z"),
			Duration:  s.Duration().Round(time.Second).String(),
			Events:    len(s.EventIDs),
			Playlist:  s.PlaylistID,
			Context:   string(s.Context),
			TimeSlot:  string(s.TimeSlot),
			SkipRate:  s.SkipRate,
			Listen:    s.AvgListenPercentage,
			Impact:    s.OverallImpact,
		}
	}
	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-8s  %-20s  %9s  %6s  %-10s  %-13s  %5s  %6s  %7s\n",
		"Session", "Started", "Duration", "Events", "Context", "Slot", "Skip", "Listen", "Impact")
	for _, r := range rows {
		fmt.Printf("%-8s  %-20s  %9s  %6d  %-10s  %-13s  %5.2f  %6.2f  %+7.3f\n",
			shortID(r.ID), r.StartedAt, r.Duration, r.Events, r.Context, r.TimeSlot, r.SkipRate, r.Listen, r.Impact)
	}
	return nil
}

// #endregion sessions

// #region playlists

func showPlaylists(ctx context.Context, db *store.SQLite, jsonOut bool) error {
	ids, err := db.PlaylistIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "no playlists found")
		return nil
	}
	sort.Strings(ids)

	type playlistRow struct {
		ID         string             `json:"playlist_id"`
		Calm       float64            `json:"avg_calm"`
		Energy     float64            `json:"avg_energy"`
		Focus      float64            `json:"avg_focus"`
		Confidence float64            `json:"effect_confidence"`
		Sessions   int                `json:"session_count"`
		Contexts   map[string]float64 `json:"context_frequency,omitempty"`
	}
	var rows []playlistRow
	for _, id := range ids {
		agg, err := db.PlaylistAggregate(ctx, id)
		if err != nil {
			// not aggregated yet
			continue
		}
		r := playlistRow{
			ID:         id,
			Calm:       agg.AvgCalm,
			Energy:     agg.AvgEnergy,
			Focus:      agg.AvgFocus,
			Confidence: agg.EffectConfidence,
			Sessions:   agg.SessionCount,
			Contexts:   map[string]float64{},
		}
		for c, st := range agg.Contexts {
			r.Contexts[string(c)] = st.Frequency
		}
		rows = append(rows, r)
	}
	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-16s  %7s  %7s  %7s  %5s  %8s\n", "Playlist", "Calm", "Energy", "Focus", "Conf", "Sessions")
	for _, r := range rows {
		fmt.Printf("%-16s  %+7.3f  %+7.3f  %+7.3f  %5.2f  %8d\n",
			r.ID, r.Calm, r.Energy, r.Focus, r.Confidence, r.Sessions)
	}
	return nil
}

// #endregion playlists

// #region logs

func showSelections(ctx context.Context, db *store.SQLite, last int, jsonOut bool) error {
	entries, err := logging.RecentSelections(ctx, db.DB(), last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no selections logged")
		return nil
	}

	fmt.Printf("%-20s  %-12s  %-9s  %-10s  %6s  %5s\n", "Time", "Song", "Need", "Context", "Score", "Conf")
	for _, e := range entries {
		fmt.Printf("%-20s  %-12s  %-9s  %-10s  %6.3f  %5.2f\n",
			e.CreatedAt.Format("2006-01-02T15:04:05Z"), shortID(e.SongID), e.Need, e.Context, e.FinalScore, e.Confidence)
	}
	return nil
}

func showBackfills(ctx context.Context, db *store.SQLite, last int, jsonOut bool) error {
	entries, err := logging.RecentBackfills(ctx, db.DB(), last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no backfill runs logged")
		return nil
	}

	fmt.Printf("%-8s  %-11s  %-9s  %-20s  %9s  %s\n", "Run", "Mode", "Outcome", "Started", "Duration", "Reason")
	for _, e := range entries {
		fmt.Printf("%-8s  %-11s  %-9s  %-20s  %9s  %s\n",
			shortID(e.RunID), e.Mode, e.Outcome, e.StartedAt.Format("2006-01-02T15:04:05Z"),
			e.FinishedAt.Sub(e.StartedAt).Round(time.Millisecond), e.Reason)
	}
	return nil
}

func showStates(ctx context.Context, db *store.SQLite, last int, jsonOut bool) error {
	rec, err := state.NewRecorder(db.DB(), nil)
	if err != nil {
		return err
	}
	records, err := rec.ListVersions(ctx, last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stderr, "no state estimates recorded")
		return nil
	}

	fmt.Printf("%-8s  %-20s  %6s  %6s  %6s  %6s  %6s  %-10s  %-10s  %5s\n",
		"Version", "Time", "Arous", "Energy", "Focus", "Stress", "Val", "Context", "Need", "Conf")
	for _, r := range records {
		s := r.State
		fmt.Printf("%-8s  %-20s  %6.3f  %6.3f  %6.3f  %6.3f  %6.3f  %-10s  %-10s  %5.2f\n",
			shortID(r.VersionID), s.Timestamp.Format("2006-01-02T15:04:05Z"),
			s.Arousal, s.Energy, s.Focus, s.Stress, s.Valence, s.Context, s.Need, s.Confidence)
	}
	return nil
}

// #endregion logs

// #region health

func checkHealth(addr string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code := 0
	for _, svc := range []string{"", health.BackfillService} {
		st, err := health.Check(ctx, addr, svc)
		name := svc
		if name == "" {
			name = "(process)"
		}
		if err != nil {
			fmt.Printf("%-18s  error: %v\n", name, err)
			code = 1
			continue
		}
		fmt.Printf("%-18s  %s\n", name, st)
		if st.String() != "SERVING" {
			code = 1
		}
	}
	return code
}

// #endregion health

// #region output

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
