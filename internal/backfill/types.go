package backfill

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/cadence/internal/eval"
	"github.com/danielpatrickdp/cadence/internal/learn"
	"github.com/danielpatrickdp/cadence/internal/session"
)

// #region phase

// Phase is the orchestrator's position in its state machine.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseReconstructing  Phase = "reconstructing_sessions"
	PhaseSongImpacts     Phase = "calculating_song_impacts"
	PhasePlaylistImpacts Phase = "calculating_playlist_impacts"
	PhaseCompleted       Phase = "completed"
	PhaseFailed          Phase = "failed"
)

// Phases lists every phase in state machine order.
var Phases = []Phase{
	PhaseIdle, PhaseReconstructing, PhaseSongImpacts, PhasePlaylistImpacts, PhaseCompleted, PhaseFailed,
}

// Running reports whether p is one of the working phases.
func (p Phase) Running() bool {
	switch p {
	case PhaseReconstructing, PhaseSongImpacts, PhasePlaylistImpacts:
		return true
	}
	return false
}

// Mode selects how far back each stage starts.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ReasonCancelled is the failure reason of a cancelled run.
const ReasonCancelled = "cancelled"

// #endregion phase

// #region errors

var (
	// ErrAlreadyRunning is returned when a run is triggered while another
	// is active. The trigger is a no-op.
	ErrAlreadyRunning = errors.New("backfill already running")
	// ErrCancelled is returned when a run stops because it was cancelled.
	ErrCancelled = errors.New("backfill cancelled")
)

// #endregion errors

// #region config

// Config bundles the stage configurations.
type Config struct {
	Session session.Config
	Learn   learn.Config
	Eval    eval.EvalConfig
}

// DefaultConfig returns the default stage configurations.
func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
		Learn:   learn.DefaultConfig(),
		Eval:    eval.DefaultEvalConfig(),
	}
}

// #endregion config

// #region progress

// Progress is a snapshot of the current or last run, suitable for UI
// binding.
type Progress struct {
	RunID      string
	Mode       Mode
	Phase      Phase
	Reason     string // failure reason; "cancelled" on cancellation
	Sessions   session.Result
	Songs      learn.SongResult
	Playlists  learn.PlaylistResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Result is the outcome of one run.
type Result struct {
	Progress
	Cancelled bool
	Eval      *eval.EvalResult // nil when effects could not be listed
}

// #endregion progress
