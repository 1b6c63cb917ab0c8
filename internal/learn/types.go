package learn

import (
	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/impact"
)

// #region config

// Config holds the learning rates and batching for the song impact learner
// and playlist aggregator.
type Config struct {
	ColdStartAlpha   float64 // EMA rate for the first ColdStartSamples observations
	ColdStartSamples int
	SteadyAlpha      float64 // EMA rate afterwards

	ConfidenceSamples       int     // samples needed for full confidence
	BehavioralConfidenceCap float64 // cap when an event carries no biometric data
	FamiliarityPlays        int     // plays needed for full familiarity

	FetchBatch  int // events per fetch
	CommitEvery int // events per transactional commit

	Impact impact.Config
}

// DefaultConfig returns the standard learning parameters.
func DefaultConfig() Config {
	return Config{
		ColdStartAlpha:          0.4,
		ColdStartSamples:        5,
		SteadyAlpha:             0.2,
		ConfidenceSamples:       20,
		BehavioralConfidenceCap: 0.7,
		FamiliarityPlays:        10,
		FetchBatch:              500,
		CommitEvery:             100,
		Impact:                  impact.DefaultConfig(),
	}
}

// #endregion config

// #region results

// SongResult summarizes one song impact learning run.
type SongResult struct {
	EventsScanned    int
	EffectsUpdated   int // distinct (song, context) effects written
	SongsUpdated     int
	MissingSession   int // events skipped because their session was not found
	Watermark        history.Cursor
	CommittedBatches int
}

// PlaylistResult summarizes one playlist aggregation run.
type PlaylistResult struct {
	Playlists int
	Sessions  int
}

// #endregion results
