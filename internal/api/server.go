package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/danielpatrickdp/cadence/internal/backfill"
	"github.com/danielpatrickdp/cadence/internal/decision"
	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/logging"
	"github.com/danielpatrickdp/cadence/internal/metrics"
	"github.com/danielpatrickdp/cadence/internal/state"
)

var errUnknownSong = errors.New("unknown song")

// #region server

// Deps are the server's collaborators. Reporter and DecisionLog may be nil.
type Deps struct {
	State       StateReader
	Reporter    Reporter
	Ranker      Ranker
	Backfill    Backfiller
	Library     Library
	DecisionLog *sql.DB
	Metrics     *metrics.Metrics
	MetricsPath string // defaults to /metrics
	Log         *slog.Logger
	Now         func() time.Time
}

// Server is the daemon's HTTP surface.
type Server struct {
	deps Deps
	base context.Context
	log  *slog.Logger
}

// New creates a Server. Backfills it triggers run under ctx, so they stop
// when ctx does rather than with the request.
func New(ctx context.Context, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.New(slog.DiscardHandler)
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Server{deps: deps, base: ctx, log: deps.Log.With(slog.String("component", "api"))}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	s.route(r, "/health", s.health, http.MethodGet)
	s.route(r, "/state", s.getState, http.MethodGet)
	s.route(r, "/state/context", s.putContext, http.MethodPut)
	s.route(r, "/state/mood", s.postMood, http.MethodPost)
	s.route(r, "/select", s.postSelect, http.MethodPost)
	s.route(r, "/rank", s.postRank, http.MethodPost)
	s.route(r, "/weights", s.getWeights, http.MethodGet)
	s.route(r, "/weights", s.putWeights, http.MethodPut)
	s.route(r, "/backfill", s.getBackfill, http.MethodGet)
	s.route(r, "/backfill", s.postBackfill, http.MethodPost)
	s.route(r, "/backfill", s.deleteBackfill, http.MethodDelete)
	s.route(r, "/songs/{id}/effects", s.getEffects, http.MethodGet)
	s.route(r, "/playlists/{id}", s.getPlaylist, http.MethodGet)
	s.route(r, "/selections", s.getSelections, http.MethodGet)
	r.Handle(s.deps.MetricsPath, s.deps.Metrics.Handler()).Methods(http.MethodGet)

	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(r)
}

func (s *Server) route(r *mux.Router, path string, h http.HandlerFunc, method string) {
	r.Handle(path, s.deps.Metrics.WrapHandler(method+" "+path, h)).Methods(method)
}

// #endregion server

// #region state

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.deps.State.Last()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no estimate yet"))
		return
	}
	writeJSON(w, http.StatusOK, toState(st))
}

func (s *Server) putContext(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reporter == nil {
		writeError(w, http.StatusNotImplemented, errors.New("context reporting disabled"))
		return
	}
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	c := history.ActivityContext("")
	if req.Context != "" {
		c = history.ParseContext(req.Context)
	}
	s.deps.Reporter.SetContext(c)
	s.log.Info("context reported", "context", c)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postMood(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reporter == nil {
		writeError(w, http.StatusNotImplemented, errors.New("mood reporting disabled"))
		return
	}
	var req moodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Valence < 0 || req.Valence > 1 || req.Energy < 0 || req.Energy > 1 {
		writeError(w, http.StatusBadRequest, errors.New("valence and energy must be in [0,1]"))
		return
	}
	s.deps.Reporter.SetMood(state.ManualMood{Valence: req.Valence, Energy: req.Energy, At: s.deps.Now()})
	w.WriteHeader(http.StatusNoContent)
}

// #endregion state

// #region selection

func (s *Server) postRank(w http.ResponseWriter, r *http.Request) {
	dc, ok := s.decisionContext(w, r)
	if !ok {
		return
	}
	ranking, err := s.deps.Ranker.Rank(dc)
	if err != nil && !errors.Is(err, decision.ErrNoCandidates) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := rankResponse{
		Need:         string(dc.State.Need),
		TargetBPM:    ranking.TargetBPM,
		TargetEnergy: ranking.TargetEnergy,
		Scores:       make([]scoreResponse, 0, len(ranking.Scores)),
		Vetoes:       toVetoes(ranking),
	}
	for _, sc := range ranking.Scores {
		resp.Scores = append(resp.Scores, toScore(sc))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) postSelect(w http.ResponseWriter, r *http.Request) {
	dc, ok := s.decisionContext(w, r)
	if !ok {
		return
	}
	ranking, err := s.deps.Ranker.Rank(dc)
	if errors.Is(err, decision.ErrNoCandidates) {
		s.deps.Metrics.SelectionEmpty()
		writeJSON(w, http.StatusConflict, struct {
			errorResponse
			Vetoes []vetoResponse `json:"vetoes"`
		}{errorResponse{err.Error()}, toVetoes(ranking)})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	best := ranking.Scores[0]
	s.deps.Metrics.Selected(string(dc.State.Need))

	if db := s.deps.DecisionLog; db != nil {
		weights := s.deps.Ranker.Weights()
		if dc.Weights != nil {
			weights = *dc.Weights
		}
		entry, err := decision.Provenance(dc, ranking, best, weights)
		if err == nil {
			err = logging.LogSelection(db, entry)
		}
		if err != nil {
			s.log.Warn("selection not logged", "song_id", best.Song.ID, "error", err)
		}
	}
	s.log.Info("song selected", "song_id", best.Song.ID, "need", dc.State.Need, "final", best.Final)
	writeJSON(w, http.StatusOK, selectResponse{Song: toScore(best), Vetoes: toVetoes(ranking)})
}

// decisionContext decodes a selection request and resolves it against the
// library and the latest estimate. It writes the error response itself.
func (s *Server) decisionContext(w http.ResponseWriter, r *http.Request) (decision.DecisionContext, bool) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return decision.DecisionContext{}, false
	}
	ctx := r.Context()

	ids := append(append([]string{}, req.Candidates...), req.Session...)
	songs, err := s.deps.Library.Songs(ctx, ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("load songs: %w", err))
		return decision.DecisionContext{}, false
	}
	resolve := func(ids []string) ([]history.Song, error) {
		out := make([]history.Song, 0, len(ids))
		for _, id := range ids {
			song, ok := songs[id]
			if !ok {
				return nil, fmt.Errorf("%w: %s", errUnknownSong, id)
			}
			out = append(out, song)
		}
		return out, nil
	}
	candidates, err := resolve(req.Candidates)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return decision.DecisionContext{}, false
	}
	sessionSongs, err := resolve(req.Session)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return decision.DecisionContext{}, false
	}
	effects, err := decision.LoadEffects(ctx, s.deps.Library, candidates)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return decision.DecisionContext{}, false
	}

	now := s.deps.Now()
	st, ok := s.deps.State.Last()
	if !ok {
		st = state.Neutral(now)
	}
	return decision.DecisionContext{
		State:          st,
		Candidates:     candidates,
		RecentlyPlayed: req.RecentlyPlayed,
		SessionHistory: sessionSongs,
		Effects:        effects,
		Weights:        req.Weights,
		Now:            now,
	}, true
}

func (s *Server) getWeights(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Ranker.Weights())
}

func (s *Server) putWeights(w http.ResponseWriter, r *http.Request) {
	weights := s.deps.Ranker.Weights()
	if err := json.NewDecoder(r.Body).Decode(&weights); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	for name, v := range weights.Map() {
		if v < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("weight %s is negative", name))
			return
		}
	}
	s.deps.Ranker.SetWeights(weights)
	writeJSON(w, http.StatusOK, weights)
}

func (s *Server) getSelections(w http.ResponseWriter, r *http.Request) {
	if s.deps.DecisionLog == nil {
		writeError(w, http.StatusNotImplemented, errors.New("decision log disabled"))
		return
	}
	limit, err := queryLimit(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := logging.RecentSelections(r.Context(), s.deps.DecisionLog, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]selectionLogResponse, len(entries))
	for i, e := range entries {
		out[i] = selectionLogResponse{
			SongID:     e.SongID,
			Need:       e.Need,
			Context:    e.Context,
			FinalScore: e.FinalScore,
			Confidence: e.Confidence,
			CreatedAt:  e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// #endregion selection

// #region backfill

func (s *Server) getBackfill(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toProgress(s.deps.Backfill.Progress(), s.deps.Backfill.Running()))
}

func (s *Server) postBackfill(w http.ResponseWriter, r *http.Request) {
	mode := backfill.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = backfill.ModeIncremental
	}
	run := s.deps.Backfill.RunIncremental
	switch mode {
	case backfill.ModeIncremental:
	case backfill.ModeFull:
		run = s.deps.Backfill.RunFull
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown mode %q", mode))
		return
	}
	if s.deps.Backfill.Running() {
		writeError(w, http.StatusConflict, backfill.ErrAlreadyRunning)
		return
	}

	go func() {
		res, err := run(s.base)
		switch {
		case errors.Is(err, backfill.ErrAlreadyRunning):
			s.log.Info("backfill trigger coalesced", "mode", mode)
		case err != nil:
			s.log.Warn("backfill ended", "mode", mode, "run_id", res.RunID, "phase", res.Phase, "error", err)
		}
	}()
	s.log.Info("backfill triggered", "mode", mode)
	writeJSON(w, http.StatusAccepted, map[string]string{"mode": string(mode)})
}

func (s *Server) deleteBackfill(w http.ResponseWriter, _ *http.Request) {
	if !s.deps.Backfill.Running() {
		writeError(w, http.StatusConflict, errors.New("no backfill running"))
		return
	}
	s.deps.Backfill.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

// #endregion backfill

// #region library

func (s *Server) getEffects(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	effects, err := s.deps.Library.EffectsForSong(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]effectResponse, len(effects))
	for i, e := range effects {
		out[i] = effectResponse{
			SongID:      e.SongID,
			Context:     string(e.Context),
			Calm:        e.Calm,
			Energy:      e.Energy,
			Focus:       e.Focus,
			MoodLift:    e.MoodLift,
			SampleCount: e.SampleCount,
			Confidence:  e.Confidence,
			LastUpdated: e.LastUpdated,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getPlaylist(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	agg, err := s.deps.Library.PlaylistAggregate(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := playlistResponse{
		PlaylistID:       agg.PlaylistID,
		AvgCalm:          agg.AvgCalm,
		AvgFocus:         agg.AvgFocus,
		AvgEnergy:        agg.AvgEnergy,
		EffectConfidence: agg.EffectConfidence,
		SessionCount:     agg.SessionCount,
		Contexts:         make(map[string]contextStatResponse, len(agg.Contexts)),
		UpdatedAt:        agg.UpdatedAt,
	}
	for c, st := range agg.Contexts {
		resp.Contexts[string(c)] = contextStatResponse(st)
	}
	writeJSON(w, http.StatusOK, resp)
}

// #endregion library

// #region encoding

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func toState(st state.StateVector) stateResponse {
	sources := make([]string, len(st.Sources))
	for i, src := range st.Sources {
		sources[i] = string(src)
	}
	return stateResponse{
		Arousal:    st.Arousal,
		Energy:     st.Energy,
		Focus:      st.Focus,
		Stress:     st.Stress,
		Valence:    st.Valence,
		Context:    string(st.Context),
		Need:       string(st.Need),
		Confidence: st.Confidence,
		Sources:    sources,
		Timestamp:  st.Timestamp,
	}
}

func toScore(sc decision.SongScore) scoreResponse {
	out := scoreResponse{
		SongID:       sc.Song.ID,
		Title:        sc.Song.Title,
		Artist:       sc.Song.Artist,
		Final:        sc.Final,
		Confidence:   sc.Confidence,
		Transition:   sc.Transition,
		Components:   sc.Components(),
		Explanations: make([]explanationResponse, len(sc.Explanations)),
	}
	for i, e := range sc.Explanations {
		out.Explanations[i] = explanationResponse(e)
	}
	return out
}

func toVetoes(r decision.Ranking) []vetoResponse {
	out := make([]vetoResponse, len(r.Vetoes))
	for i, v := range r.Vetoes {
		out[i] = vetoResponse{SongID: v.SongID, Type: string(v.Type), Reason: v.Reason}
	}
	return out
}

func toProgress(p backfill.Progress, running bool) progressResponse {
	out := progressResponse{
		RunID:     p.RunID,
		Mode:      string(p.Mode),
		Phase:     string(p.Phase),
		Running:   running,
		Reason:    p.Reason,
		Events:    p.Sessions.EventsScanned,
		Sessions:  p.Sessions.SessionsCreated,
		Effects:   p.Songs.EffectsUpdated,
		Songs:     p.Songs.SongsUpdated,
		Playlists: p.Playlists.Playlists,
	}
	if out.Phase == "" {
		out.Phase = string(backfill.PhaseIdle)
	}
	if !p.StartedAt.IsZero() {
		t := p.StartedAt
		out.StartedAt = &t
	}
	if !p.FinishedAt.IsZero() {
		t := p.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// #endregion encoding
