package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielpatrickdp/cadence/internal/backfill"
	"github.com/danielpatrickdp/cadence/internal/config"
	"github.com/danielpatrickdp/cadence/internal/logging"
	"github.com/danielpatrickdp/cadence/internal/replay"
	"github.com/danielpatrickdp/cadence/internal/store"
)

// #region main

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: search XDG and home)")
	dbPath := flag.String("db", "", "path to cadence.db (overrides config)")
	mode := flag.String("mode", "incremental", "full | incremental")
	seed := flag.String("seed", "", "import a fixture (.json or .json.zst) into the store before running")
	jsonOut := flag.Bool("json", false, "print the run result as JSON")
	flag.Parse()

	if *mode != string(backfill.ModeFull) && *mode != string(backfill.ModeIncremental) {
		fmt.Fprintln(os.Stderr, "usage: backfill [--config path] [--db path] [--mode full|incremental] [--seed fixture.json] [--json]")
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, cfg, backfill.Mode(*mode), *seed)
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
	} else {
		printResult(res)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// #endregion main

// #region run

func run(ctx context.Context, cfg config.Config, mode backfill.Mode, seed string) (backfill.Result, error) {
	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return backfill.Result{}, err
	}
	defer logger.Close()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return backfill.Result{}, fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if seed != "" {
		if err := importFixture(ctx, db, seed); err != nil {
			return backfill.Result{}, err
		}
	}

	orch := backfill.New(backfill.Deps{
		Store:      db,
		Biometrics: db,
		RunLog:     db.DB(),
		Log:        logger.Logger,
	}, cfg.BackfillConfig())

	if mode == backfill.ModeFull {
		return orch.RunFull(ctx)
	}
	return orch.RunIncremental(ctx)
}

func importFixture(ctx context.Context, db *store.SQLite, path string) error {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return err
	}
	if err := db.UpsertSongs(ctx, f.ToSongs()); err != nil {
		return fmt.Errorf("import songs: %w", err)
	}
	if err := db.InsertEvents(ctx, f.ToEvents()); err != nil {
		return fmt.Errorf("import events: %w", err)
	}
	hr, hrv, sleep, workouts := f.Biometrics()
	if err := db.AddBiometrics(ctx, hr, hrv, sleep, workouts); err != nil {
		return fmt.Errorf("import biometrics: %w", err)
	}
	fmt.Fprintf(os.Stderr, "imported %d songs, %d events from %s\n", len(f.Songs), len(f.Events), path)
	return nil
}

// #endregion run

// #region output

func printResult(res backfill.Result) {
	fmt.Printf("Run:        %s (%s)\n", res.RunID, res.Mode)
	fmt.Printf("Phase:      %s\n", res.Phase)
	if res.Reason != "" {
		fmt.Printf("Reason:     %s\n", res.Reason)
	}
	if !res.FinishedAt.IsZero() {
		fmt.Printf("Duration:   %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	}
	fmt.Printf("Sessions:   %d events scanned, %d sessions created\n",
		res.Sessions.EventsScanned, res.Sessions.SessionsCreated)
	fmt.Printf("Songs:      %d events, %d effects, %d songs updated\n",
		res.Songs.EventsScanned, res.Songs.EffectsUpdated, res.Songs.SongsUpdated)
	fmt.Printf("Playlists:  %d aggregated\n", res.Playlists.Playlists)
	if res.Eval != nil {
		verdict := "passed"
		if !res.Eval.Passed {
			verdict = "failed: " + res.Eval.Reason
		}
		fmt.Printf("Validation: %s\n", verdict)
	}
}

// #endregion output
