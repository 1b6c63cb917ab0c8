package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/cadence/internal/backfill"
	"github.com/danielpatrickdp/cadence/internal/decision"
	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/logging"
	"github.com/danielpatrickdp/cadence/internal/metrics"
	"github.com/danielpatrickdp/cadence/internal/session"
	"github.com/danielpatrickdp/cadence/internal/state"
	"github.com/danielpatrickdp/cadence/internal/store"
)

var afternoon = time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)

// #region fakes

type fakeState struct {
	st state.StateVector
	ok bool
}

func (f fakeState) Last() (state.StateVector, bool) { return f.st, f.ok }

type fakeBackfill struct {
	mu        sync.Mutex
	running   bool
	cancelled bool
	modes     chan backfill.Mode
}

func newFakeBackfill() *fakeBackfill {
	return &fakeBackfill{modes: make(chan backfill.Mode, 4)}
}

func (f *fakeBackfill) RunFull(context.Context) (backfill.Result, error) {
	f.modes <- backfill.ModeFull
	return backfill.Result{}, nil
}

func (f *fakeBackfill) RunIncremental(context.Context) (backfill.Result, error) {
	f.modes <- backfill.ModeIncremental
	return backfill.Result{}, nil
}

func (f *fakeBackfill) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
}

func (f *fakeBackfill) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeBackfill) Progress() backfill.Progress {
	return backfill.Progress{
		RunID:     "run-1",
		Mode:      backfill.ModeFull,
		Phase:     backfill.PhaseSongImpacts,
		Sessions:  session.Result{EventsScanned: 12, SessionsCreated: 3},
		StartedAt: afternoon,
	}
}

// #endregion fakes

// #region helpers

type harness struct {
	srv      http.Handler
	db       *store.SQLite
	backfill *fakeBackfill
	source   *state.LiveSource
	scorer   *decision.Scorer
}

func calmState() state.StateVector {
	return state.StateVector{
		Arousal:    0.3,
		Energy:     0.2,
		Focus:      0.4,
		Stress:     0.8,
		Valence:    0.4,
		Context:    history.ContextRelaxing,
		Need:       state.NeedCalm,
		Confidence: 1,
		Sources:    []state.DataSource{state.SourceHRV, state.SourceHeartRate},
		Timestamp:  afternoon,
	}
}

func newHarness(t *testing.T, st fakeState) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cadence.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	err = db.UpsertSongs(context.Background(), []history.Song{
		{ID: "calm", Title: "Still Water", Artist: "a", BPM: 70, Energy: 0.3},
		{ID: "loud", Title: "Riot", Artist: "b", BPM: 150, Energy: 0.9},
	})
	if err != nil {
		t.Fatalf("upsert songs: %v", err)
	}

	h := &harness{
		db:       db,
		backfill: newFakeBackfill(),
		source:   state.NewLiveSource(db, state.DefaultConfig()),
		scorer:   decision.NewScorer(decision.DefaultConfig(), nil, nil),
	}
	h.srv = New(context.Background(), Deps{
		State:       st,
		Reporter:    h.source,
		Ranker:      h.scorer,
		Backfill:    h.backfill,
		Library:     db,
		DecisionLog: db.DB(),
		Metrics:     metrics.New(nil),
		Now:         func() time.Time { return afternoon },
	}).Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// #endregion helpers

// #region state-tests

func TestHealth(t *testing.T) {
	h := newHarness(t, fakeState{})
	rec := h.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetState(t *testing.T) {
	h := newHarness(t, fakeState{})
	if rec := h.do(t, http.MethodGet, "/state", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status before first estimate = %d", rec.Code)
	}

	h = newHarness(t, fakeState{st: calmState(), ok: true})
	rec := h.do(t, http.MethodGet, "/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[stateResponse](t, rec)
	if got.Need != "calm" || got.Context != "relaxing" || got.Stress != 0.8 {
		t.Errorf("state = %+v", got)
	}
	if len(got.Sources) != 2 {
		t.Errorf("sources = %v", got.Sources)
	}
}

func TestPutContext(t *testing.T) {
	h := newHarness(t, fakeState{})
	rec := h.do(t, http.MethodPut, "/state/context", `{"context":"deep_work"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	in, err := h.source.Input(context.Background(), afternoon)
	if err != nil {
		t.Fatal(err)
	}
	if in.Context != history.ContextDeepWork {
		t.Errorf("context = %q", in.Context)
	}

	h.do(t, http.MethodPut, "/state/context", `{"context":""}`)
	in, _ = h.source.Input(context.Background(), afternoon)
	if in.Context != "" {
		t.Errorf("empty context should return to inference, got %q", in.Context)
	}
}

func TestPostMood(t *testing.T) {
	h := newHarness(t, fakeState{})
	if rec := h.do(t, http.MethodPost, "/state/mood", `{"valence":1.5,"energy":0.5}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("out of range mood: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/state/mood", `{"valence":0.8,"energy":0.6}`); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	in, _ := h.source.Input(context.Background(), afternoon)
	if in.Manual == nil || in.Manual.Valence != 0.8 || !in.Manual.At.Equal(afternoon) {
		t.Errorf("manual = %+v", in.Manual)
	}
}

// #endregion state-tests

// #region selection-tests

func TestSelect_LogsProvenance(t *testing.T) {
	h := newHarness(t, fakeState{st: calmState(), ok: true})

	rec := h.do(t, http.MethodPost, "/select", `{"candidates":["loud","calm"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[selectResponse](t, rec)
	if got.Song.SongID != "calm" {
		t.Fatalf("selected %s, want calm", got.Song.SongID)
	}
	if len(got.Song.Explanations) == 0 || len(got.Song.Components) != 7 {
		t.Errorf("score = %+v", got.Song)
	}

	entries, err := logging.RecentSelections(context.Background(), h.db.DB(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].SongID != "calm" || entries[0].Need != "calm" {
		t.Fatalf("selection log = %+v", entries)
	}

	rec = h.do(t, http.MethodGet, "/selections?limit=5", "")
	if rows := decode[[]selectionLogResponse](t, rec); len(rows) != 1 {
		t.Errorf("selections = %+v", rows)
	}
}

func TestSelect_UnknownSong(t *testing.T) {
	h := newHarness(t, fakeState{st: calmState(), ok: true})
	rec := h.do(t, http.MethodPost, "/select", `{"candidates":["calm","missing"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "missing") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestSelect_AllVetoed(t *testing.T) {
	h := newHarness(t, fakeState{st: calmState(), ok: true})
	body := `{"candidates":["calm"],"recently_played":{"calm":"2026-03-04T14:50:00Z"}}`

	rec := h.do(t, http.MethodPost, "/select", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[struct {
		Error  string         `json:"error"`
		Vetoes []vetoResponse `json:"vetoes"`
	}](t, rec)
	if !strings.Contains(got.Error, "no candidates") {
		t.Errorf("error = %q", got.Error)
	}
	if len(got.Vetoes) != 1 || got.Vetoes[0].Type != "recently_played" {
		t.Errorf("vetoes = %+v", got.Vetoes)
	}
}

func TestSelect_NeutralWithoutEstimate(t *testing.T) {
	h := newHarness(t, fakeState{})
	rec := h.do(t, http.MethodPost, "/select", `{"candidates":["calm","loud"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRank_OrdersAllCandidates(t *testing.T) {
	h := newHarness(t, fakeState{st: calmState(), ok: true})
	rec := h.do(t, http.MethodPost, "/rank", `{"candidates":["loud","calm"],"session":["calm"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[rankResponse](t, rec)
	if len(got.Scores) != 2 || got.Scores[0].SongID != "calm" {
		t.Fatalf("scores = %+v", got.Scores)
	}
	if got.Scores[0].Final < got.Scores[1].Final {
		t.Errorf("scores out of order: %v < %v", got.Scores[0].Final, got.Scores[1].Final)
	}
	if got.Scores[0].Transition >= 1 && got.Scores[1].Transition >= 1 {
		t.Errorf("session history should apply a transition factor")
	}
	if got.Need != "calm" || math.Abs(got.TargetBPM-66) > 1e-9 {
		t.Errorf("need %s target %v", got.Need, got.TargetBPM)
	}
}

func TestWeights(t *testing.T) {
	h := newHarness(t, fakeState{})

	rec := h.do(t, http.MethodGet, "/weights", "")
	if got := decode[decision.Weights](t, rec); got != decision.DefaultWeights() {
		t.Fatalf("weights = %+v", got)
	}

	rec = h.do(t, http.MethodPut, "/weights", `{"bpm_match":0.9}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	w := h.scorer.Weights()
	if w.BPMMatch != 0.9 || w.EnergyMatch != decision.DefaultWeights().EnergyMatch {
		t.Errorf("weights = %+v", w)
	}

	if rec := h.do(t, http.MethodPut, "/weights", `{"recency":-1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("negative weight: status = %d", rec.Code)
	}
	if h.scorer.Weights().Recency < 0 {
		t.Error("rejected weights were applied")
	}
}

// #endregion selection-tests

// #region backfill-tests

func TestBackfill_Trigger(t *testing.T) {
	h := newHarness(t, fakeState{})

	rec := h.do(t, http.MethodPost, "/backfill?mode=full", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case m := <-h.backfill.modes:
		if m != backfill.ModeFull {
			t.Errorf("mode = %s", m)
		}
	case <-time.After(time.Second):
		t.Fatal("backfill not started")
	}

	h.do(t, http.MethodPost, "/backfill", "")
	select {
	case m := <-h.backfill.modes:
		if m != backfill.ModeIncremental {
			t.Errorf("default mode = %s", m)
		}
	case <-time.After(time.Second):
		t.Fatal("backfill not started")
	}

	if rec := h.do(t, http.MethodPost, "/backfill?mode=sideways", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown mode: status = %d", rec.Code)
	}
}

func TestBackfill_RunningConflictAndCancel(t *testing.T) {
	h := newHarness(t, fakeState{})
	if rec := h.do(t, http.MethodDelete, "/backfill", ""); rec.Code != http.StatusConflict {
		t.Fatalf("cancel while idle: status = %d", rec.Code)
	}

	h.backfill.running = true
	if rec := h.do(t, http.MethodPost, "/backfill?mode=full", ""); rec.Code != http.StatusConflict {
		t.Fatalf("trigger while running: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, "/backfill", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: status = %d", rec.Code)
	}
	if !h.backfill.cancelled {
		t.Error("Cancel not called")
	}
}

func TestBackfill_Progress(t *testing.T) {
	h := newHarness(t, fakeState{})
	rec := h.do(t, http.MethodGet, "/backfill", "")
	got := decode[progressResponse](t, rec)
	if got.Phase != "calculating_song_impacts" || got.Events != 12 || got.Sessions != 3 {
		t.Errorf("progress = %+v", got)
	}
	if got.StartedAt == nil || got.FinishedAt != nil {
		t.Errorf("times = %v / %v", got.StartedAt, got.FinishedAt)
	}
}

// #endregion backfill-tests

// #region library-tests

func TestPlaylist(t *testing.T) {
	h := newHarness(t, fakeState{})
	if rec := h.do(t, http.MethodGet, "/playlists/pl-1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing playlist: status = %d", rec.Code)
	}

	err := h.db.SavePlaylistAggregates(context.Background(), []history.PlaylistAggregate{{
		PlaylistID:   "pl-1",
		AvgCalm:      0.6,
		SessionCount: 4,
		Contexts: map[history.ActivityContext]history.ContextStat{
			history.ContextRelaxing: {Frequency: 1, AvgCalm: 0.6, HasEffects: true},
		},
		UpdatedAt: afternoon,
	}})
	if err != nil {
		t.Fatal(err)
	}
	rec := h.do(t, http.MethodGet, "/playlists/pl-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[playlistResponse](t, rec)
	if got.SessionCount != 4 || !got.Contexts["relaxing"].HasEffects {
		t.Errorf("playlist = %+v", got)
	}
}

func TestSongEffects_Empty(t *testing.T) {
	h := newHarness(t, fakeState{})
	rec := h.do(t, http.MethodGet, "/songs/calm/effects", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[[]effectResponse](t, rec); len(got) != 0 {
		t.Errorf("effects = %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, fakeState{})
	h.do(t, http.MethodGet, "/health", "")

	rec := h.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `cadence_http_requests_total{route="GET /health",status="200"} 1`) {
		t.Errorf("metrics missing request counter:\n%s", rec.Body.String())
	}
}

// #endregion library-tests
