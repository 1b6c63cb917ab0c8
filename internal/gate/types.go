package gate

import (
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoRecentlyPlayed VetoType = "recently_played"
	VetoArtistRun      VetoType = "artist_run"
	VetoBPMCap         VetoType = "bpm_cap"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition on one candidate.
type VetoSignal struct {
	SongID string
	Type   VetoType
	Reason string
}

// #endregion veto-signal

// #region gate-config
// GateConfig holds the guard thresholds.
type GateConfig struct {
	RecentWindow time.Duration                // songs played within this window are excluded
	MaxArtistRun int                          // longest allowed run of one artist
	BPMCaps      map[history.TimeSlot]float64 // max BPM per time-of-day slot; missing slot = no cap
	Location     *time.Location               // clock the slot is read on; nil keeps Now's zone
}

// DefaultGateConfig returns the standard guard thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		RecentWindow: 2 * time.Hour,
		MaxArtistRun: 2,
		BPMCaps: map[history.TimeSlot]float64{
			history.SlotNight:       110,
			history.SlotLateEvening: 130,
		},
	}
}

// #endregion gate-config

// #region listening-history
// Listening is the history the guards check candidates against.
type Listening struct {
	RecentlyPlayed map[string]time.Time // song id -> last play start
	Session        []history.Song       // songs played this session, most recent last
	Now            time.Time
}

// #endregion listening-history

// #region gate-decision
// GateDecision is the output of filtering a candidate set.
type GateDecision struct {
	Kept        []history.Song // candidates that passed, in input order
	VetoSignals []VetoSignal   // every veto raised, grouped by candidate in input order
	Reason      string
}

// Vetoed reports whether songID was excluded.
func (d GateDecision) Vetoed(songID string) bool {
	for _, v := range d.VetoSignals {
		if v.SongID == songID {
			return true
		}
	}
	return false
}

// #endregion gate-decision
