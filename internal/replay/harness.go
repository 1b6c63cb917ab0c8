package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danielpatrickdp/cadence/internal/backfill"
	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/store"
)

// #region types

// Outcome is what one replay learned.
type Outcome struct {
	Result    backfill.Result
	Sessions  []history.HistoricalSession
	Effects   []history.SongEffect
	Playlists []history.PlaylistAggregate
}

// Mismatch is one expectation the replay did not meet.
type Mismatch struct {
	Field string
	Want  int
	Got   int
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: want %d, got %d", m.Field, m.Want, m.Got)
}

// #endregion types

// #region replay

// Replay runs a full backfill over the fixture in an in-memory store.
func Replay(ctx context.Context, f *Fixture, cfg backfill.Config, log *slog.Logger) (Outcome, error) {
	mem := store.NewMemory()
	mem.UpsertSongs(f.ToSongs()...)
	mem.AddEvents(f.ToEvents()...)
	mem.AddBiometrics(f.Biometrics())

	o := backfill.New(backfill.Deps{Store: mem, Biometrics: mem, Log: log}, cfg)
	res, err := o.RunFull(ctx)
	out := Outcome{Result: res}
	if err != nil {
		return out, fmt.Errorf("replay backfill: %w", err)
	}

	out.Sessions = mem.Sessions()
	out.Effects = mem.Effects()
	ids, err := mem.PlaylistIDs(ctx)
	if err != nil {
		return out, fmt.Errorf("list playlists: %w", err)
	}
	for _, id := range ids {
		agg, err := mem.PlaylistAggregate(ctx, id)
		if err != nil {
			return out, fmt.Errorf("playlist %s: %w", id, err)
		}
		out.Playlists = append(out.Playlists, agg)
	}
	return out, nil
}

// Check compares an outcome against the fixture's expectations. A fixture
// without expectations always passes.
func Check(o Outcome, want *FixtureExpected) []Mismatch {
	if want == nil {
		return nil
	}
	var out []Mismatch
	check := func(field string, w, g int) {
		if w != 0 && w != g {
			out = append(out, Mismatch{Field: field, Want: w, Got: g})
		}
	}
	check("sessions", want.Sessions, len(o.Sessions))
	check("effects", want.Effects, len(o.Effects))
	check("songs", want.Songs, o.Result.Songs.SongsUpdated)
	check("playlists", want.Playlists, len(o.Playlists))
	return out
}

// #endregion replay
