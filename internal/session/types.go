package session

import (
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// #region config

// Config holds clustering and enrichment parameters for session
// reconstruction.
type Config struct {
	GapThreshold     time.Duration // silence longer than this closes a session
	MinDuration      time.Duration // shorter clusters are discarded
	BiometricPadding time.Duration // biometric window padding on both sides
	FetchBatch       int           // events per fetch
	CommitEvery      int           // sessions per transactional commit

	SleepWindow    time.Duration // how far after a session to look for sleep
	MinNightSleep  time.Duration // shorter sleep is a nap and ignored
	NightGap       time.Duration // gap that splits sleep samples into separate nights
	TargetSleep    time.Duration // duration that earns a full duration component
	DeepSleepNorm  float64       // deep fraction that normalizes to 1.0
	HRVImpactScale float64       // divisor of the HRV delta in the overall impact term

	Location *time.Location // clock for context and time slot; nil keeps the event's zone
}

// DefaultConfig returns the standard reconstruction parameters.
func DefaultConfig() Config {
	return Config{
		GapThreshold:     30 * time.Minute,
		MinDuration:      5 * time.Minute,
		BiometricPadding: 5 * time.Minute,
		FetchBatch:       500,
		CommitEvery:      50,
		SleepWindow:      12 * time.Hour,
		MinNightSleep:    3 * time.Hour,
		NightGap:         time.Hour,
		TargetSleep:      8 * time.Hour,
		DeepSleepNorm:    0.25,
		HRVImpactScale:   20,
	}
}

// #endregion config

// #region result

// Result summarizes one reconstruction run.
type Result struct {
	EventsScanned     int
	SessionsCreated   int
	ClustersDiscarded int
	MalformedSkipped  int
	Watermark         history.Cursor // last event of the last committed session
}

// #endregion result
