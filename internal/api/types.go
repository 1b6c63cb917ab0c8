package api

import (
	"context"
	"time"

	"github.com/danielpatrickdp/cadence/internal/backfill"
	"github.com/danielpatrickdp/cadence/internal/decision"
	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/state"
)

// #region collaborators

// StateReader returns the latest estimate.
type StateReader interface {
	Last() (state.StateVector, bool)
}

// Reporter accepts listener-reported context and mood.
type Reporter interface {
	SetContext(c history.ActivityContext)
	SetMood(m state.ManualMood)
}

// Ranker scores candidates and holds the default weights.
type Ranker interface {
	Rank(dc decision.DecisionContext) (decision.Ranking, error)
	Weights() decision.Weights
	SetWeights(w decision.Weights)
}

// Backfiller runs and reports the learning pipeline.
type Backfiller interface {
	RunFull(ctx context.Context) (backfill.Result, error)
	RunIncremental(ctx context.Context) (backfill.Result, error)
	Cancel()
	Running() bool
	Progress() backfill.Progress
}

// Library reads songs and what has been learned about them.
type Library interface {
	history.SongStore
	history.PlaylistStore
	decision.EffectReader
}

// #endregion collaborators

// #region requests

type contextRequest struct {
	Context string `json:"context"`
}

type moodRequest struct {
	Valence float64 `json:"valence"`
	Energy  float64 `json:"energy"`
}

// selectRequest names candidates by song id. Songs unknown to the library
// are rejected.
type selectRequest struct {
	Candidates     []string             `json:"candidates"`
	RecentlyPlayed map[string]time.Time `json:"recently_played,omitempty"`
	Session        []string             `json:"session,omitempty"` // most recent last
	Weights        *decision.Weights    `json:"weights,omitempty"`
}

// #endregion requests

// #region responses

type stateResponse struct {
	Arousal    float64   `json:"arousal"`
	Energy     float64   `json:"energy"`
	Focus      float64   `json:"focus"`
	Stress     float64   `json:"stress"`
	Valence    float64   `json:"valence"`
	Context    string    `json:"context"`
	Need       string    `json:"need"`
	Confidence float64   `json:"confidence"`
	Sources    []string  `json:"sources"`
	Timestamp  time.Time `json:"timestamp"`
}

type explanationResponse struct {
	Factor       string  `json:"factor"`
	Contribution float64 `json:"contribution"`
	Text         string  `json:"text"`
}

type scoreResponse struct {
	SongID       string                `json:"song_id"`
	Title        string                `json:"title,omitempty"`
	Artist       string                `json:"artist,omitempty"`
	Final        float64               `json:"final"`
	Confidence   float64               `json:"confidence"`
	Transition   float64               `json:"transition_factor"`
	Components   map[string]float64    `json:"components"`
	Explanations []explanationResponse `json:"explanations"`
}

type vetoResponse struct {
	SongID string `json:"song_id"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type rankResponse struct {
	Need         string          `json:"need"`
	TargetBPM    float64         `json:"target_bpm"`
	TargetEnergy float64         `json:"target_energy"`
	Scores       []scoreResponse `json:"scores"`
	Vetoes       []vetoResponse  `json:"vetoes"`
}

type selectResponse struct {
	Song   scoreResponse  `json:"song"`
	Vetoes []vetoResponse `json:"vetoes"`
}

type progressResponse struct {
	RunID      string     `json:"run_id,omitempty"`
	Mode       string     `json:"mode,omitempty"`
	Phase      string     `json:"phase"`
	Running    bool       `json:"running"`
	Reason     string     `json:"reason,omitempty"`
	Events     int        `json:"events_scanned"`
	Sessions   int        `json:"sessions_created"`
	Effects    int        `json:"effects_updated"`
	Songs      int        `json:"songs_updated"`
	Playlists  int        `json:"playlists"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type effectResponse struct {
	SongID      string    `json:"song_id"`
	Context     string    `json:"context"`
	Calm        float64   `json:"calm"`
	Energy      float64   `json:"energy"`
	Focus       float64   `json:"focus"`
	MoodLift    float64   `json:"mood_lift"`
	SampleCount int       `json:"sample_count"`
	Confidence  float64   `json:"confidence"`
	LastUpdated time.Time `json:"last_updated"`
}

type contextStatResponse struct {
	Frequency  float64 `json:"frequency"`
	AvgCalm    float64 `json:"avg_calm"`
	AvgEnergy  float64 `json:"avg_energy"`
	AvgFocus   float64 `json:"avg_focus"`
	HasEffects bool    `json:"has_effects"`
}

type playlistResponse struct {
	PlaylistID       string                         `json:"playlist_id"`
	AvgCalm          float64                        `json:"avg_calm"`
	AvgFocus         float64                        `json:"avg_focus"`
	AvgEnergy        float64                        `json:"avg_energy"`
	EffectConfidence float64                        `json:"effect_confidence"`
	SessionCount     int                            `json:"session_count"`
	Contexts         map[string]contextStatResponse `json:"contexts"`
	UpdatedAt        time.Time                      `json:"updated_at"`
}

type selectionLogResponse struct {
	SongID     string    `json:"song_id"`
	Need       string    `json:"need"`
	Context    string    `json:"context"`
	FinalScore float64   `json:"final_score"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// #endregion responses
