package learn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/impact"
)

// #region store

// SongStore is the persistence the song impact learner needs.
type SongStore interface {
	history.EventSource
	history.SessionStore
	history.EffectStore
	history.Watermarks
}

// #endregion store

// #region learner

// SongLearner folds session-linked playback events into per-(song, context)
// effects and recomputes the touched songs' aggregates.
type SongLearner struct {
	store SongStore
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

// NewSongLearner creates a SongLearner. log may be nil.
func NewSongLearner(store SongStore, cfg Config, log *slog.Logger) *SongLearner {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &SongLearner{
		store: store,
		cfg:   cfg,
		log:   log.With(slog.String("component", "song-learner")),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// #endregion learner

// #region run

// songRun carries the mutable state of one learning pass.
type songRun struct {
	res      SongResult
	pending  map[history.EffectKey]history.SongEffect
	touched  map[string]struct{}
	sessions map[string]history.ActivityContext
	effects  map[history.EffectKey]struct{}
	songs    map[string]struct{}
	uncommit int
	mark     history.Cursor
	progress func(SongResult)
}

// Run learns from every session-linked event after since.
// Cancellation is checked before each event; on cancellation the pending
// batch is dropped and ctx.Err() is returned. progress, when non-nil, is
// called after every commit.
func (l *SongLearner) Run(ctx context.Context, since history.Cursor, progress func(SongResult)) (SongResult, error) {
	st := &songRun{
		res:      SongResult{Watermark: since},
		pending:  make(map[history.EffectKey]history.SongEffect),
		touched:  make(map[string]struct{}),
		sessions: make(map[string]history.ActivityContext),
		effects:  make(map[history.EffectKey]struct{}),
		songs:    make(map[string]struct{}),
		progress: progress,
	}
	cursor := since

	for {
		batch, err := l.store.FetchSessionEvents(ctx, cursor, l.cfg.FetchBatch)
		if err != nil {
			return st.res, fmt.Errorf("fetch session events: %w", err)
		}
		for _, ev := range batch {
			if err := ctx.Err(); err != nil {
				return st.res, err
			}
			cursor = history.After(ev)
			st.res.EventsScanned++
			if err := l.learn(ctx, st, ev); err != nil {
				return st.res, err
			}
			if st.uncommit >= l.cfg.CommitEvery {
				if err := l.commit(ctx, st); err != nil {
					return st.res, err
				}
			}
		}
		if len(batch) < l.cfg.FetchBatch {
			break
		}
	}
	if err := l.commit(ctx, st); err != nil {
		return st.res, err
	}
	st.res.EffectsUpdated, st.res.SongsUpdated = len(st.effects), len(st.songs)
	l.log.Info("song learning finished",
		"events", st.res.EventsScanned,
		"effects", st.res.EffectsUpdated,
		"songs", st.res.SongsUpdated,
		"missing_session", st.res.MissingSession)
	return st.res, nil
}

// learn applies one event to its pending effect.
func (l *SongLearner) learn(ctx context.Context, st *songRun, ev history.PlaybackEvent) error {
	if ev.SessionID == nil {
		return nil
	}
	c, ok, err := l.sessionContext(ctx, st, *ev.SessionID)
	if err != nil {
		return err
	}
	// Events with a missing session still advance the watermark.
	st.mark = history.After(ev)
	st.uncommit++
	if !ok {
		st.res.MissingSession++
		l.log.Warn("session not found for event", "event_id", ev.ID, "session_id", *ev.SessionID)
		return nil
	}

	key := history.EffectKey{SongID: ev.SongID, Context: c}
	eff, ok := st.pending[key]
	if !ok {
		eff, err = l.store.Effect(ctx, key)
		switch {
		case errors.Is(err, history.ErrNotFound):
			eff = NewEffect(ev.SongID, c, ev.StartedAt)
		case err != nil:
			return fmt.Errorf("load effect: %w", err)
		}
	}
	score := impact.Calculate(ev, l.cfg.Impact)
	st.pending[key] = ApplyImpact(eff, score, ev.StartedAt, l.cfg)
	st.touched[ev.SongID] = struct{}{}
	return nil
}

// sessionContext resolves and caches a session's activity context. ok is
// false when the session does not exist.
func (l *SongLearner) sessionContext(ctx context.Context, st *songRun, id string) (history.ActivityContext, bool, error) {
	if c, ok := st.sessions[id]; ok {
		return c, c != "", nil
	}
	sess, err := l.store.Session(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		st.sessions[id] = ""
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load session: %w", err)
	}
	st.sessions[id] = sess.Context
	return sess.Context, true, nil
}

// commit recomputes aggregates for touched songs, then writes effects,
// aggregates and the watermark.
func (l *SongLearner) commit(ctx context.Context, st *songRun) error {
	if st.uncommit == 0 {
		return nil
	}
	var batch history.LearningBatch
	for _, e := range st.pending {
		batch.Effects = append(batch.Effects, e)
	}
	sort.Slice(batch.Effects, func(i, j int) bool {
		a, b := batch.Effects[i], batch.Effects[j]
		if a.SongID != b.SongID {
			return a.SongID < b.SongID
		}
		return a.Context < b.Context
	})

	songIDs := make([]string, 0, len(st.touched))
	for id := range st.touched {
		songIDs = append(songIDs, id)
	}
	sort.Strings(songIDs)
	now := l.now()
	for _, id := range songIDs {
		agg, err := l.aggregate(ctx, st, id, now)
		if err != nil {
			return err
		}
		batch.Aggregates = append(batch.Aggregates, agg)
	}

	if len(batch.Effects) > 0 {
		if err := l.store.SaveLearning(ctx, batch); err != nil {
			return fmt.Errorf("save learning: %w", err)
		}
	}
	if err := l.store.SetWatermark(ctx, history.WatermarkSongImpact, st.mark); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}

	for k := range st.pending {
		st.effects[k] = struct{}{}
	}
	for _, id := range songIDs {
		st.songs[id] = struct{}{}
	}
	st.res.Watermark = st.mark
	st.res.CommittedBatches++
	st.pending = make(map[history.EffectKey]history.SongEffect)
	st.touched = make(map[string]struct{})
	st.uncommit = 0
	if st.progress != nil {
		st.progress(st.res)
	}
	return nil
}

// aggregate merges stored effects with pending ones and rolls them up.
func (l *SongLearner) aggregate(ctx context.Context, st *songRun, songID string, now time.Time) (history.SongAggregate, error) {
	stored, err := l.store.EffectsForSong(ctx, songID)
	if err != nil {
		return history.SongAggregate{}, fmt.Errorf("load effects for %s: %w", songID, err)
	}
	merged := make(map[history.ActivityContext]history.SongEffect, len(stored))
	for _, e := range stored {
		merged[e.Context] = e
	}
	for k, e := range st.pending {
		if k.SongID == songID {
			merged[k.Context] = e
		}
	}
	effects := make([]history.SongEffect, 0, len(merged))
	for _, e := range merged {
		effects = append(effects, e)
	}
	sort.Slice(effects, func(i, j int) bool { return effects[i].Context < effects[j].Context })

	plays, err := l.store.FetchEvents(ctx, songID)
	if err != nil {
		return history.SongAggregate{}, fmt.Errorf("load plays for %s: %w", songID, err)
	}
	return Aggregate(songID, effects, len(plays), now, l.cfg), nil
}

// #endregion run
