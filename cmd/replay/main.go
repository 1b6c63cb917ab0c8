package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/cadence/internal/backfill"
	"github.com/danielpatrickdp/cadence/internal/config"
	"github.com/danielpatrickdp/cadence/internal/replay"
)

// #region main

func main() {
	fixturePath := flag.String("fixture", "", "path to fixture (.json or .json.zst)")
	configPath := flag.String("config", "", "optional config.toml with learning parameters")
	verbose := flag.Bool("v", false, "print every learned effect")
	flag.Parse()

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json [--config path/to/config.toml] [-v]")
		os.Exit(2)
	}
	os.Exit(run(*fixturePath, *configPath, *verbose))
}

// #endregion main

// #region run

func run(fixturePath, configPath string, verbose bool) int {
	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	cfg := backfill.DefaultConfig()
	if configPath != "" {
		c, err := config.LoadFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}
		cfg = c.BackfillConfig()
	}

	out, err := replay.Replay(context.Background(), f, cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if f.Description != "" {
		fmt.Printf("Fixture:   %s\n", f.Description)
	}
	fmt.Printf("Input:     %d songs, %d events\n", len(f.Songs), len(f.Events))
	fmt.Printf("Sessions:  %d (discarded %d, malformed %d)\n",
		len(out.Sessions), out.Result.Sessions.ClustersDiscarded, out.Result.Sessions.MalformedSkipped)
	fmt.Printf("Effects:   %d across %d songs\n", len(out.Effects), out.Result.Songs.SongsUpdated)
	fmt.Printf("Playlists: %d\n", len(out.Playlists))
	if out.Result.Eval != nil && !out.Result.Eval.Passed {
		fmt.Printf("Validation failed: %s\n", out.Result.Eval.Reason)
	}

	if verbose {
		fmt.Println()
		fmt.Printf("%-12s  %-10s  %7s  %7s  %7s  %7s  %5s\n", "Song", "Context", "Calm", "Energy", "Focus", "Mood", "Conf")
		for _, e := range out.Effects {
			fmt.Printf("%-12s  %-10s  %+7.3f  %+7.3f  %+7.3f  %+7.3f  %5.2f\n",
				e.SongID, e.Context, e.Calm, e.Energy, e.Focus, e.MoodLift, e.Confidence)
		}
	}

	mismatches := replay.Check(out, f.Expected)
	if len(mismatches) == 0 {
		if f.Expected != nil {
			fmt.Println("\nAll expectations met.")
		}
		return 0
	}
	fmt.Printf("\n%d expectation(s) not met:\n", len(mismatches))
	for _, m := range mismatches {
		fmt.Printf("  %s\n", m)
	}
	return 1
}

// #endregion run
