package backfill

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/cadence/internal/eval"
	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/learn"
	"github.com/danielpatrickdp/cadence/internal/logging"
	"github.com/danielpatrickdp/cadence/internal/metrics"
	"github.com/danielpatrickdp/cadence/internal/session"
	"github.com/google/uuid"
)

// #region deps

// EffectLister is implemented by stores that can enumerate learned
// effects. When the store implements it, learned effects are validated
// after the song impact stage.
type EffectLister interface {
	ListEffects(ctx context.Context, limit int) ([]history.SongEffect, error)
}

// Deps are the orchestrator's collaborators. Only Store is required.
type Deps struct {
	Store      history.Store
	Biometrics history.Biometrics
	RunLog     *sql.DB // receives one backfill_runs row per run
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// #endregion deps

// #region orchestrator

// Orchestrator sequences session reconstruction, song impact learning and
// playlist aggregation. At most one run is active at a time; concurrent
// triggers are coalesced into ErrAlreadyRunning.
type Orchestrator struct {
	store     history.Store
	sessions  *session.Reconstructor
	songs     *learn.SongLearner
	playlists *learn.PlaylistAggregator
	eval      *eval.EvalHarness
	runLog    *sql.DB
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	running atomic.Bool

	mu       sync.Mutex
	progress Progress
	cancel   context.CancelFunc
	subs     map[int]chan Progress
	nextSub  int
}

// New wires the three stages over deps.
func New(deps Deps, cfg Config) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		store:     deps.Store,
		sessions:  session.NewReconstructor(deps.Store, deps.Biometrics, cfg.Session, log),
		songs:     learn.NewSongLearner(deps.Store, cfg.Learn, log),
		playlists: learn.NewPlaylistAggregator(deps.Store, cfg.Learn, log),
		eval:      eval.NewEvalHarness(cfg.Eval),
		runLog:    deps.RunLog,
		metrics:   deps.Metrics,
		log:       log.With(slog.String("component", "backfill")),
		now:       func() time.Time { return time.Now().UTC() },
		progress:  Progress{Phase: PhaseIdle},
		subs:      make(map[int]chan Progress),
	}
}

// RunFull recomputes everything from the beginning of history. Existing
// sessions, effects and aggregates are discarded first.
func (o *Orchestrator) RunFull(ctx context.Context) (Result, error) {
	return o.run(ctx, ModeFull)
}

// RunIncremental resumes each stage from its own watermark. Playlist
// aggregation is always recomputed in full.
func (o *Orchestrator) RunIncremental(ctx context.Context) (Result, error) {
	return o.run(ctx, ModeIncremental)
}

// Cancel requests cooperative cancellation of the active run, if any.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Progress returns a snapshot of the current or last run.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Subscribe returns a channel receiving every progress update and a
// function that unsubscribes and closes it. A slow subscriber loses
// intermediate updates, never the latest one.
func (o *Orchestrator) Subscribe(buf int) (<-chan Progress, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Progress, buf)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// #endregion orchestrator

// #region run

func (o *Orchestrator) run(parent context.Context, mode Mode) (Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		o.log.Info("backfill already running, trigger ignored", "mode", mode)
		return Result{Progress: o.Progress()}, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
	}()

	res := Result{Progress: Progress{RunID: uuid.New().String(), Mode: mode, StartedAt: o.now()}}
	o.log.Info("backfill started", "run_id", res.RunID, "mode", mode)

	err := o.stages(ctx, &res)
	reached := res.Phase
	res.FinishedAt = o.now()
	outcome := string(PhaseCompleted)
	switch {
	case err == nil:
		res.Phase = PhaseCompleted
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		res.Phase, res.Reason, res.Cancelled = PhaseFailed, ReasonCancelled, true
		outcome = ReasonCancelled
		err = ErrCancelled
	default:
		res.Phase, res.Reason = PhaseFailed, err.Error()
		outcome = string(PhaseFailed)
	}
	o.publish(res.Progress)
	o.record(res, outcome)
	if mode == ModeFull && err != nil {
		o.log.Warn("full backfill incomplete, learned state is partial until the next full run",
			"run_id", res.RunID,
			"outcome", outcome,
			"phase_reached", reached,
			"sessions", res.Sessions.SessionsCreated,
			"effects", res.Songs.EffectsUpdated)
	}

	o.log.Info("backfill finished",
		"run_id", res.RunID,
		"mode", mode,
		"outcome", outcome,
		"reason", res.Reason,
		"sessions", res.Sessions.SessionsCreated,
		"events_learned", res.Songs.EventsScanned,
		"playlists", res.Playlists.Playlists,
		"duration", res.FinishedAt.Sub(res.StartedAt))
	return res, err
}

// stages runs the three stages in order, stopping at the first error.
func (o *Orchestrator) stages(ctx context.Context, res *Result) error {
	// 1. Session reconstruction
	o.enter(res, PhaseReconstructing)
	start := o.now()
	var since history.Cursor
	if res.Mode == ModeFull {
		if err := o.reset(ctx); err != nil {
			return err
		}
	} else {
		w, err := o.store.Watermark(ctx, history.WatermarkSessionReconstruction)
		if err != nil {
			return fmt.Errorf("read session watermark: %w", err)
		}
		since = w
	}
	sres, err := o.sessions.Run(ctx, since, func(r session.Result) {
		res.Sessions = r
		o.publish(res.Progress)
	})
	res.Sessions = sres
	o.metrics.StageFinished(string(PhaseReconstructing), o.now().Sub(start))
	o.metrics.Processed("events_clustered", sres.EventsScanned)
	o.metrics.Processed("sessions", sres.SessionsCreated)
	if err != nil {
		return err
	}

	// 2. Song impact learning
	o.enter(res, PhaseSongImpacts)
	start = o.now()
	since = history.Cursor{}
	if res.Mode == ModeIncremental {
		w, err := o.store.Watermark(ctx, history.WatermarkSongImpact)
		if err != nil {
			return fmt.Errorf("read song impact watermark: %w", err)
		}
		since = w
	}
	before, canEval := o.snapshot(ctx)
	lres, err := o.songs.Run(ctx, since, func(r learn.SongResult) {
		res.Songs = r
		o.publish(res.Progress)
	})
	res.Songs = lres
	o.metrics.StageFinished(string(PhaseSongImpacts), o.now().Sub(start))
	o.metrics.Processed("events_learned", lres.EventsScanned)
	o.metrics.Processed("effects", lres.EffectsUpdated)
	if err != nil {
		return err
	}
	if canEval {
		o.validate(ctx, res, before)
	}

	// 3. Playlist aggregation, always full
	o.enter(res, PhasePlaylistImpacts)
	start = o.now()
	pres, err := o.playlists.Run(ctx)
	res.Playlists = pres
	o.metrics.StageFinished(string(PhasePlaylistImpacts), o.now().Sub(start))
	o.metrics.Processed("playlists", pres.Playlists)
	if err != nil {
		return err
	}

	if res.Mode == ModeFull {
		if err := o.store.SetWatermark(ctx, history.WatermarkLastFullBackfill, history.Cursor{At: o.now()}); err != nil {
			return fmt.Errorf("record full backfill: %w", err)
		}
	}
	return nil
}

// reset discards derived state so a full run starts from scratch.
func (o *Orchestrator) reset(ctx context.Context) error {
	if err := o.store.ResetSessions(ctx); err != nil {
		return fmt.Errorf("reset sessions: %w", err)
	}
	if err := o.store.ResetEffects(ctx); err != nil {
		return fmt.Errorf("reset effects: %w", err)
	}
	for _, key := range []string{history.WatermarkSessionReconstruction, history.WatermarkSongImpact} {
		if err := o.store.SetWatermark(ctx, key, history.Cursor{}); err != nil {
			return fmt.Errorf("reset watermark %s: %w", key, err)
		}
	}
	return nil
}

// #endregion run

// #region eval

// snapshot lists every effect, when the store supports it.
func (o *Orchestrator) snapshot(ctx context.Context) ([]history.SongEffect, bool) {
	lister, ok := o.store.(EffectLister)
	if !ok {
		return nil, false
	}
	effects, err := lister.ListEffects(ctx, 0)
	if err != nil {
		o.log.Warn("effect snapshot failed, skipping eval", "error", err)
		return nil, false
	}
	return effects, true
}

// validate checks committed effects against the pre-stage snapshot. A
// failed check is logged and recorded but never fails the run.
func (o *Orchestrator) validate(ctx context.Context, res *Result, before []history.SongEffect) {
	after, ok := o.snapshot(ctx)
	if !ok {
		return
	}
	r := o.eval.Run(before, after)
	res.Eval = &r
	if !r.Passed {
		o.log.Warn("learned effects failed validation", "reason", r.Reason, "violations", r.Violations)
	}
}

// #endregion eval

// #region progress

// enter moves the run into phase and notifies subscribers.
func (o *Orchestrator) enter(res *Result, phase Phase) {
	res.Phase = phase
	o.publish(res.Progress)
}

// publish stores p as the current progress and fans it out. A full
// subscriber channel drops its oldest update to make room.
func (o *Orchestrator) publish(p Progress) {
	phases := make([]string, len(Phases))
	for i, ph := range Phases {
		phases[i] = string(ph)
	}
	o.metrics.SetPhase(string(p.Phase), phases)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = p
	for _, ch := range o.subs {
		select {
		case ch <- p:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p:
		default:
		}
	}
}

// record writes the run to the run log and metrics.
func (o *Orchestrator) record(res Result, outcome string) {
	o.metrics.BackfillFinished(string(res.Mode), outcome, res.FinishedAt.Sub(res.StartedAt))
	if o.runLog == nil {
		return
	}
	summary, err := json.Marshal(struct {
		Sessions  session.Result       `json:"sessions"`
		Songs     learn.SongResult     `json:"songs"`
		Playlists learn.PlaylistResult `json:"playlists"`
		Eval      *eval.EvalResult     `json:"eval,omitempty"`
	}{res.Sessions, res.Songs, res.Playlists, res.Eval})
	if err != nil {
		o.log.Warn("marshal backfill summary", "error", err)
	}
	err = logging.LogBackfill(o.runLog, logging.BackfillEntry{
		RunID:       res.RunID,
		Mode:        string(res.Mode),
		Outcome:     outcome,
		Reason:      res.Reason,
		SummaryJSON: string(summary),
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
	})
	if err != nil {
		o.log.Warn("record backfill run", "error", err)
	}
}

// #endregion progress
