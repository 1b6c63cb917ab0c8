package history

import "time"

// #region activity-context
// ActivityContext is the inferred activity a listening session or state
// estimate belongs to.
type ActivityContext string

const (
	ContextWorkout  ActivityContext = "workout"
	ContextDeepWork ActivityContext = "deep_work"
	ContextCommute  ActivityContext = "commute"
	ContextRelaxing ActivityContext = "relaxing"
	ContextWindDown ActivityContext = "wind_down"
	ContextSleep    ActivityContext = "sleep"
	ContextWaking   ActivityContext = "waking"
	ContextSocial   ActivityContext = "social"
	ContextGeneral  ActivityContext = "general"
)

// TimeSlot is a coarse time-of-day bucket.
type TimeSlot string

const (
	SlotEarlyMorning TimeSlot = "early_morning" // [05:00, 08:00)
	SlotMorning      TimeSlot = "morning"       // [08:00, 12:00)
	SlotAfternoon    TimeSlot = "afternoon"     // [12:00, 17:00)
	SlotEvening      TimeSlot = "evening"       // [17:00, 21:00)
	SlotLateEvening  TimeSlot = "late_evening"  // [21:00, 24:00)
	SlotNight        TimeSlot = "night"         // [00:00, 05:00)
)

// #endregion activity-context

// #region playback-event

// SkipReason records why a song was skipped, when known.
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipUser           SkipReason = "user"
	SkipAutoAdvance    SkipReason = "auto_advance"
	SkipPlaylistChange SkipReason = "playlist_change"
)

// PlaybackEvent is one song play. It is created at playback start,
// finalized at playback end or skip, and immutable afterward except for
// the session link set by the session reconstructor.
type PlaybackEvent struct {
	ID               string
	SongID           string
	PlaylistID       string
	StartedAt        time.Time
	EndedAt          *time.Time
	SongDuration     time.Duration
	ListenPercentage float64
	WasSkipped       bool
	SkipReason       SkipReason

	HRStart  *float64
	HREnd    *float64
	HRVStart *float64
	HRVEnd   *float64
	HRDelta  *float64
	HRVDelta *float64

	AISelected bool
	SessionID  *string
}

// EffectiveEnd returns the end of playback: EndedAt when recorded, else
// StartedAt + SongDuration. ok is false when neither is known.
func (e PlaybackEvent) EffectiveEnd() (end time.Time, ok bool) {
	if e.EndedAt != nil && !e.EndedAt.IsZero() {
		return *e.EndedAt, true
	}
	if e.SongDuration > 0 {
		return e.StartedAt.Add(e.SongDuration), true
	}
	return time.Time{}, false
}

// HeartRateDelta returns the recorded HR delta, or end-start when both
// samples exist.
func (e PlaybackEvent) HeartRateDelta() *float64 {
	return delta(e.HRDelta, e.HRStart, e.HREnd)
}

// HRVDeltaValue returns the recorded HRV delta, or end-start when both
// samples exist.
func (e PlaybackEvent) HRVDeltaValue() *float64 {
	return delta(e.HRVDelta, e.HRVStart, e.HRVEnd)
}

func delta(recorded, start, end *float64) *float64 {
	if recorded != nil {
		return recorded
	}
	if start != nil && end != nil {
		d := *end - *start
		return &d
	}
	return nil
}

// #endregion playback-event

// #region biometrics

// Sample is one timestamped biometric reading (bpm for heart rate,
// milliseconds SDNN for HRV).
type Sample struct {
	Value float64
	At    time.Time
}

// SleepStage classifies a sleep sample.
type SleepStage string

const (
	SleepInBed  SleepStage = "in_bed"
	SleepAwake  SleepStage = "awake"
	SleepCore   SleepStage = "core"
	SleepDeep   SleepStage = "deep"
	SleepREM    SleepStage = "rem"
	SleepAsleep SleepStage = "asleep"
)

// Asleep reports whether the stage counts toward total sleep time.
func (s SleepStage) Asleep() bool {
	switch s {
	case SleepCore, SleepDeep, SleepREM, SleepAsleep:
		return true
	}
	return false
}

// SleepSample is one contiguous interval of a sleep stage.
type SleepSample struct {
	Start time.Time
	End   time.Time
	Stage SleepStage
}

// Workout is a detected workout interval.
type Workout struct {
	Type  string
	Start time.Time
	End   time.Time
}

// #endregion biometrics

// #region historical-session

// BiometricSummary aggregates heart-rate and HRV over a session window.
// Every field is nil when no samples were found.
type BiometricSummary struct {
	HRStart  *float64
	HREnd    *float64
	HRAvg    *float64
	HRMin    *float64
	HRMax    *float64
	HRDelta  *float64
	HRVStart *float64
	HRVEnd   *float64
	HRVAvg   *float64
	HRVMin   *float64
	HRVMax   *float64
	HRVDelta *float64
}

// SleepCorrelation describes the night of sleep following a session.
type SleepCorrelation struct {
	SleepScore        *float64
	SleepDuration     *time.Duration
	DeepSleepFraction *float64 // normalized: 0.25 raw fraction => 1.0
}

// HistoricalSession is a cluster of playback events bounded by a silence
// gap. Built once by the session reconstructor and never mutated.
type HistoricalSession struct {
	ID                  string
	StartedAt           time.Time
	EndedAt             time.Time
	EventIDs            []string
	PlaylistID          string
	Biometrics          BiometricSummary
	Context             ActivityContext
	TimeSlot            TimeSlot
	SkipRate            float64
	AvgListenPercentage float64
	Sleep               SleepCorrelation
	OverallImpact       float64
	CreatedAt           time.Time
}

// Duration returns the end-to-end span of the session.
func (s HistoricalSession) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// #endregion historical-session

// #region learned-effects

// SongEffect is the learned effect of one song in one activity context.
type SongEffect struct {
	SongID       string
	Context      ActivityContext
	Calm         float64
	Energy       float64
	Focus        float64
	MoodLift     float64
	SampleCount  int
	Confidence   float64
	FirstUpdated time.Time
	LastUpdated  time.Time
}

// EffectKey identifies a SongEffect.
type EffectKey struct {
	SongID  string
	Context ActivityContext
}

// Key returns the effect's (song, context) key.
func (e SongEffect) Key() EffectKey {
	return EffectKey{SongID: e.SongID, Context: e.Context}
}

// SongAggregate is the per-song rollup of all of a song's effects.
type SongAggregate struct {
	SongID      string
	Calm        float64
	Energy      float64
	Focus       float64
	MoodLift    float64
	Confidence  float64
	Familiarity float64
	PlayCount   int
	UpdatedAt   time.Time
}

// Song is a library track with its audio features and learned aggregate.
type Song struct {
	ID        string
	Title     string
	Artist    string
	Genre     string
	BPM       float64
	Energy    float64 // audio energy in [0,1]
	Duration  time.Duration
	Aggregate *SongAggregate
}

// ContextStat is one row of a playlist's context-association table.
type ContextStat struct {
	Frequency  float64
	AvgCalm    float64
	AvgEnergy  float64
	AvgFocus   float64
	HasEffects bool
}

// PlaylistAggregate is the rollup of a playlist's songs' effects.
type PlaylistAggregate struct {
	PlaylistID       string
	AvgCalm          float64
	AvgFocus         float64
	AvgEnergy        float64
	EffectConfidence float64
	SessionCount     int
	Contexts         map[ActivityContext]ContextStat
	UpdatedAt        time.Time
}

// #endregion learned-effects
