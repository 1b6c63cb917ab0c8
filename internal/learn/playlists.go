package learn

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// #region store

// PlaylistStore is the persistence the playlist aggregator needs.
type PlaylistStore interface {
	history.EventSource
	history.SessionStore
	history.EffectStore
	history.PlaylistStore
}

// #endregion store

// #region aggregator

// PlaylistAggregator rolls learned song effects up into playlist
// aggregates. It always recomputes every playlist.
type PlaylistAggregator struct {
	store PlaylistStore
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

// NewPlaylistAggregator creates a PlaylistAggregator. log may be nil.
func NewPlaylistAggregator(store PlaylistStore, cfg Config, log *slog.Logger) *PlaylistAggregator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &PlaylistAggregator{
		store: store,
		cfg:   cfg,
		log:   log.With(slog.String("component", "playlist-aggregator")),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Run recomputes and saves the aggregate of every playlist that has linked
// sessions. Cancellation is checked between playlists.
func (a *PlaylistAggregator) Run(ctx context.Context) (PlaylistResult, error) {
	var res PlaylistResult
	ids, err := a.store.PlaylistIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("list playlists: %w", err)
	}
	if len(ids) == 0 {
		return res, nil
	}
	played, err := a.sessionSongs(ctx)
	if err != nil {
		return res, err
	}

	effects := make(map[string][]history.SongEffect)
	now := a.now()
	aggs := make([]history.PlaylistAggregate, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sessions, err := a.store.SessionsByPlaylist(ctx, id)
		if err != nil {
			return res, fmt.Errorf("sessions for %s: %w", id, err)
		}
		for _, s := range sessions {
			for _, song := range played[s.ID] {
				if _, ok := effects[song]; ok {
					continue
				}
				es, err := a.store.EffectsForSong(ctx, song)
				if err != nil {
					return res, fmt.Errorf("effects for %s: %w", song, err)
				}
				effects[song] = es
			}
		}
		agg := AggregatePlaylist(id, sessions, played, effects)
		agg.UpdatedAt = now
		aggs = append(aggs, agg)
		res.Sessions += len(sessions)
	}

	if err := a.store.SavePlaylistAggregates(ctx, aggs); err != nil {
		return res, fmt.Errorf("save playlist aggregates: %w", err)
	}
	res.Playlists = len(aggs)
	a.log.Info("playlist aggregation finished", "playlists", res.Playlists, "sessions", res.Sessions)
	return res, nil
}

// sessionSongs maps each session ID to the distinct songs played in it.
func (a *PlaylistAggregator) sessionSongs(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	seen := make(map[[2]string]struct{})
	var cursor history.Cursor
	for {
		batch, err := a.store.FetchSessionEvents(ctx, cursor, a.cfg.FetchBatch)
		if err != nil {
			return nil, fmt.Errorf("fetch session events: %w", err)
		}
		for _, ev := range batch {
			cursor = history.After(ev)
			if ev.SessionID == nil {
				continue
			}
			k := [2]string{*ev.SessionID, ev.SongID}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out[*ev.SessionID] = append(out[*ev.SessionID], ev.SongID)
		}
		if len(batch) < a.cfg.FetchBatch {
			return out, nil
		}
	}
}

// #endregion aggregator

// #region aggregate-playlist

// AggregatePlaylist computes one playlist's aggregate from its sessions,
// the songs played in each session and each song's effects.
//
// Each song contributes its confidence-weighted mean effect, weighted again
// by its mean confidence. Songs with no confidence contribute nothing; a
// playlist without any confident song gets zero averages and zero
// confidence.
func AggregatePlaylist(playlistID string, sessions []history.HistoricalSession, played map[string][]string, effects map[string][]history.SongEffect) history.PlaylistAggregate {
	agg := history.PlaylistAggregate{
		PlaylistID:   playlistID,
		SessionCount: len(sessions),
	}

	songs := distinctSongs(sessions, played)
	var wsum, confSum float64
	var counted int
	for _, song := range songs {
		es := effects[song]
		if len(es) == 0 {
			continue
		}
		calm, energy, focus, conf := songMean(es)
		counted++
		confSum += conf
		if conf == 0 {
			continue
		}
		agg.AvgCalm += calm * conf
		agg.AvgEnergy += energy * conf
		agg.AvgFocus += focus * conf
		wsum += conf
	}
	if wsum > 0 {
		agg.AvgCalm /= wsum
		agg.AvgEnergy /= wsum
		agg.AvgFocus /= wsum
		agg.EffectConfidence = confSum / float64(counted)
	}

	agg.Contexts = contextTable(sessions, played, effects)
	return agg
}

// songMean returns a song's confidence-weighted effect averages and its
// mean confidence.
func songMean(es []history.SongEffect) (calm, energy, focus, conf float64) {
	var w float64
	for _, e := range es {
		w += e.Confidence
		calm += e.Calm * e.Confidence
		energy += e.Energy * e.Confidence
		focus += e.Focus * e.Confidence
	}
	conf = w / float64(len(es))
	if w == 0 {
		return 0, 0, 0, 0
	}
	return calm / w, energy / w, focus / w, conf
}

// contextTable builds the context-association table: frequency of each
// session context and the mean effects, in that context, of the songs
// played in its sessions.
func contextTable(sessions []history.HistoricalSession, played map[string][]string, effects map[string][]history.SongEffect) map[history.ActivityContext]history.ContextStat {
	table := make(map[history.ActivityContext]history.ContextStat)
	if len(sessions) == 0 {
		return table
	}
	byContext := make(map[history.ActivityContext][]history.HistoricalSession)
	for _, s := range sessions {
		byContext[s.Context] = append(byContext[s.Context], s)
	}
	for c, ss := range byContext {
		stat := history.ContextStat{Frequency: float64(len(ss)) / float64(len(sessions))}
		var n int
		for _, song := range distinctSongs(ss, played) {
			for _, e := range effects[song] {
				if e.Context != c {
					continue
				}
				stat.AvgCalm += e.Calm
				stat.AvgEnergy += e.Energy
				stat.AvgFocus += e.Focus
				n++
			}
		}
		if n > 0 {
			stat.AvgCalm /= float64(n)
			stat.AvgEnergy /= float64(n)
			stat.AvgFocus /= float64(n)
			stat.HasEffects = true
		}
		table[c] = stat
	}
	return table
}

func distinctSongs(sessions []history.HistoricalSession, played map[string][]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range sessions {
		for _, song := range played[s.ID] {
			if _, ok := seen[song]; ok {
				continue
			}
			seen[song] = struct{}{}
			out = append(out, song)
		}
	}
	sort.Strings(out)
	return out
}

// #endregion aggregate-playlist
