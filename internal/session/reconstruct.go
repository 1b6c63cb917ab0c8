package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/google/uuid"
)

// #region store

// Store is the persistence the reconstructor needs.
type Store interface {
	history.EventSource
	history.SessionStore
	history.Watermarks
}

// #endregion store

// #region reconstructor

// Reconstructor groups unprocessed playback events into historical
// sessions. It keeps no state between runs beyond the session
// reconstruction watermark.
type Reconstructor struct {
	store Store
	bio   history.Biometrics
	cfg   Config
	log   *slog.Logger
}

// NewReconstructor creates a Reconstructor. bio may be nil, in which case
// sessions carry no biometric, workout or sleep context.
func NewReconstructor(store Store, bio history.Biometrics, cfg Config, log *slog.Logger) *Reconstructor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Reconstructor{
		store: store,
		bio:   bio,
		cfg:   cfg,
		log:   log.With(slog.String("component", "session-reconstructor")),
	}
}

// #endregion reconstructor

// #region run

// run carries the mutable state of one reconstruction pass.
type run struct {
	res      Result
	pending  []history.HistoricalSession
	mark     history.Cursor
	progress func(Result)
}

// Run reconstructs sessions from unprocessed events after since. Cancellation
// is checked between clusters; on cancellation the uncommitted batch is
// dropped and ctx.Err() is returned with the watermark left at the last
// commit. progress, when non-nil, is called after every commit.
func (r *Reconstructor) Run(ctx context.Context, since history.Cursor, progress func(Result)) (Result, error) {
	st := &run{res: Result{Watermark: since}, progress: progress}
	cursor := since
	var cur []history.PlaybackEvent

	for {
		if err := ctx.Err(); err != nil {
			return st.res, err
		}
		batch, err := r.store.FetchUnprocessedEvents(ctx, cursor, r.cfg.FetchBatch)
		if err != nil {
			return st.res, fmt.Errorf("fetch events: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		cursor = history.After(batch[len(batch)-1])
		st.res.EventsScanned += len(batch)

		for _, ev := range batch {
			if Malformed(ev) {
				st.res.MalformedSkipped++
				r.log.Warn("skipping malformed event", "event_id", ev.ID, "song_id", ev.SongID)
				continue
			}
			if len(cur) > 0 {
				if gap, _ := Gap(cur[len(cur)-1], ev); gap > r.cfg.GapThreshold {
					if err := r.closeCluster(ctx, st, cur); err != nil {
						return st.res, err
					}
					cur = nil
				}
			}
			cur = append(cur, ev)
		}
		if len(batch) < r.cfg.FetchBatch {
			break
		}
	}

	if len(cur) > 0 {
		if err := r.closeCluster(ctx, st, cur); err != nil {
			return st.res, err
		}
	}
	if err := r.commit(ctx, st); err != nil {
		return st.res, err
	}
	r.log.Info("reconstruction finished",
		"events", st.res.EventsScanned,
		"sessions", st.res.SessionsCreated,
		"discarded", st.res.ClustersDiscarded,
		"malformed", st.res.MalformedSkipped)
	return st.res, nil
}

// closeCluster turns a finished cluster into a pending session, committing
// when the batch is full.
func (r *Reconstructor) closeCluster(ctx context.Context, st *run, cluster []history.PlaybackEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !Retain(cluster, r.cfg) {
		st.res.ClustersDiscarded++
		return nil
	}
	st.pending = append(st.pending, r.build(ctx, cluster))
	st.mark = history.After(cluster[len(cluster)-1])
	if len(st.pending) >= r.cfg.CommitEvery {
		return r.commit(ctx, st)
	}
	return nil
}

// commit persists pending sessions and advances the watermark.
func (r *Reconstructor) commit(ctx context.Context, st *run) error {
	if len(st.pending) == 0 {
		return nil
	}
	if err := r.store.SaveSessions(ctx, st.pending); err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	if err := r.store.SetWatermark(ctx, history.WatermarkSessionReconstruction, st.mark); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	st.res.SessionsCreated += len(st.pending)
	st.res.Watermark = st.mark
	st.pending = nil
	if st.progress != nil {
		st.progress(st.res)
	}
	return nil
}

// #endregion run

// #region build

// build queries the biometric collaborator and assembles a session.
// Collaborator failures degrade to missing context rather than aborting.
func (r *Reconstructor) build(ctx context.Context, cluster []history.PlaybackEvent) history.HistoricalSession {
	start, end := Span(cluster)
	var in Inputs
	if r.bio != nil {
		from, to := start.Add(-r.cfg.BiometricPadding), end.Add(r.cfg.BiometricPadding)
		var err error
		if in.HeartRate, err = r.bio.HeartRateHistory(ctx, from, to); err != nil {
			r.log.Warn("heart rate history unavailable", "error", err)
		}
		if in.HRV, err = r.bio.HRVHistory(ctx, from, to); err != nil {
			r.log.Warn("hrv history unavailable", "error", err)
		}
		if in.Workouts, err = r.bio.WorkoutSessions(ctx, start, end); err != nil {
			r.log.Warn("workout history unavailable", "error", err)
		}
		if in.Sleep, err = r.bio.SleepSessions(ctx, end, end.Add(r.cfg.SleepWindow)); err != nil {
			r.log.Warn("sleep history unavailable", "error", err)
		}
	}
	return Assemble(uuid.New().String(), cluster, in, r.cfg)
}

// Inputs is the biometric context gathered for one cluster.
type Inputs struct {
	HeartRate []history.Sample
	HRV       []history.Sample
	Workouts  []history.Workout
	Sleep     []history.SleepSample
}

// Assemble builds a HistoricalSession from a retained cluster and its
// biometric context. Pure apart from the caller-supplied id.
func Assemble(id string, cluster []history.PlaybackEvent, in Inputs, cfg Config) history.HistoricalSession {
	start, end := Span(cluster)
	ids := make([]string, len(cluster))
	for i, ev := range cluster {
		ids[i] = ev.ID
	}
	skipRate, avgListen := listeningStats(cluster)
	local := history.Local(start, cfg.Location)

	s := history.HistoricalSession{
		ID:                  id,
		StartedAt:           start,
		EndedAt:             end,
		EventIDs:            ids,
		PlaylistID:          dominantPlaylist(cluster),
		Biometrics:          BuildBiometricSummary(in.HeartRate, in.HRV),
		Context:             InferContext(local, end, in.Workouts),
		TimeSlot:            history.SlotFor(local),
		SkipRate:            skipRate,
		AvgListenPercentage: avgListen,
		Sleep:               CorrelateSleep(in.Sleep, end, cfg),
		CreatedAt:           time.Now().UTC(),
	}
	s.OverallImpact = OverallImpact(s, cfg)
	return s
}

// #endregion build
