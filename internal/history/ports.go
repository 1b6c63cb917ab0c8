package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

// Watermark keys.
const (
	WatermarkSessionReconstruction = "session_reconstruction"
	WatermarkSongImpact            = "song_impact"
	WatermarkLastFullBackfill      = "last_full_backfill"
)

// Cursor is a position in the (StartedAt, ID) ordering of playback events.
// With an empty ID the cursor is strictly after At; with an ID it is after
// (At, ID), which lets batches resume between events sharing a start time.
type Cursor struct {
	At time.Time
	ID string
}

// After returns a cursor positioned just after e.
func After(e PlaybackEvent) Cursor {
	return Cursor{At: e.StartedAt, ID: e.ID}
}

// IsZero reports whether c is the start of the ordering.
func (c Cursor) IsZero() bool { return c.At.IsZero() && c.ID == "" }

// Precedes reports whether e sorts after the cursor position.
func (c Cursor) Precedes(e PlaybackEvent) bool {
	if e.StartedAt.After(c.At) {
		return true
	}
	return c.ID != "" && e.StartedAt.Equal(c.At) && e.ID > c.ID
}

// EventSource reads playback events.
type EventSource interface {
	// FetchUnprocessedEvents returns events with no session link after the
	// cursor, ascending by (StartedAt, ID), at most limit.
	FetchUnprocessedEvents(ctx context.Context, after Cursor, limit int) ([]PlaybackEvent, error)
	// FetchSessionEvents returns events linked to a session after the
	// cursor, ascending by (StartedAt, ID), at most limit.
	FetchSessionEvents(ctx context.Context, after Cursor, limit int) ([]PlaybackEvent, error)
	// FetchEvents returns every event for one song.
	FetchEvents(ctx context.Context, songID string) ([]PlaybackEvent, error)
}

// Biometrics reads historical sensor data.
type Biometrics interface {
	HeartRateHistory(ctx context.Context, from, to time.Time) ([]Sample, error)
	HRVHistory(ctx context.Context, from, to time.Time) ([]Sample, error)
	SleepSessions(ctx context.Context, from, to time.Time) ([]SleepSample, error)
	WorkoutSessions(ctx context.Context, from, to time.Time) ([]Workout, error)
}

// SessionStore persists historical sessions and their event links.
type SessionStore interface {
	// SaveSessions inserts sessions and links their events in one
	// transaction.
	SaveSessions(ctx context.Context, sessions []HistoricalSession) error
	Session(ctx context.Context, id string) (HistoricalSession, error)
	SessionsByPlaylist(ctx context.Context, playlistID string) ([]HistoricalSession, error)
	// PlaylistIDs lists playlists that have at least one linked session.
	PlaylistIDs(ctx context.Context) ([]string, error)
	// ResetSessions deletes all sessions and clears every event's link.
	ResetSessions(ctx context.Context) error
}

// LearningBatch is one transactional commit of the song impact learner.
type LearningBatch struct {
	Effects    []SongEffect
	Aggregates []SongAggregate
}

// EffectStore persists learned song effects and song aggregates.
type EffectStore interface {
	Effect(ctx context.Context, key EffectKey) (SongEffect, error)
	EffectsForSong(ctx context.Context, songID string) ([]SongEffect, error)
	SaveLearning(ctx context.Context, batch LearningBatch) error
	// ResetEffects deletes all effects and song aggregates.
	ResetEffects(ctx context.Context) error
}

// SongStore reads library songs with their aggregates.
type SongStore interface {
	Song(ctx context.Context, id string) (Song, error)
	Songs(ctx context.Context, ids []string) (map[string]Song, error)
}

// PlaylistStore persists playlist aggregates.
type PlaylistStore interface {
	SavePlaylistAggregates(ctx context.Context, aggs []PlaylistAggregate) error
	PlaylistAggregate(ctx context.Context, playlistID string) (PlaylistAggregate, error)
}

// Watermarks stores per-stage cursors. A missing key reads as the zero
// cursor; setting the zero cursor deletes the key.
type Watermarks interface {
	Watermark(ctx context.Context, key string) (Cursor, error)
	SetWatermark(ctx context.Context, key string, c Cursor) error
}

// Store bundles every persistence collaborator the learning pipeline needs.
type Store interface {
	EventSource
	SessionStore
	EffectStore
	SongStore
	PlaylistStore
	Watermarks
}
