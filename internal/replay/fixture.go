package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// #region fixture-types

// Fixture is a recorded listening history: library songs, playback
// events, and the biometrics around them, plus optional expectations for
// what a full backfill should learn from it.
type Fixture struct {
	Description string           `json:"description"`
	Songs       []FixtureSong    `json:"songs"`
	Events      []FixtureEvent   `json:"events"`
	HeartRate   []FixtureSample  `json:"heart_rate,omitempty"`
	HRV         []FixtureSample  `json:"hrv,omitempty"`
	Sleep       []FixtureSleep   `json:"sleep,omitempty"`
	Workouts    []FixtureWorkout `json:"workouts,omitempty"`
	Expected    *FixtureExpected `json:"expected,omitempty"`
}

// FixtureSong mirrors history.Song without its learned aggregate.
type FixtureSong struct {
	ID          string  `json:"id"`
	Title       string  `json:"title,omitempty"`
	Artist      string  `json:"artist,omitempty"`
	Genre       string  `json:"genre,omitempty"`
	BPM         float64 `json:"bpm,omitempty"`
	Energy      float64 `json:"energy"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// FixtureEvent mirrors history.PlaybackEvent with JSON tags. Session links
// are never exported; a replay reconstructs them.
type FixtureEvent struct {
	ID               string     `json:"id,omitempty"` // generated on load when empty
	SongID           string     `json:"song_id"`
	PlaylistID       string     `json:"playlist_id,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	SongDurationSec  float64    `json:"song_duration_sec,omitempty"`
	ListenPercentage float64    `json:"listen_percentage"`
	WasSkipped       bool       `json:"was_skipped,omitempty"`
	SkipReason       string     `json:"skip_reason,omitempty"`
	HRStart          *float64   `json:"hr_start,omitempty"`
	HREnd            *float64   `json:"hr_end,omitempty"`
	HRVStart         *float64   `json:"hrv_start,omitempty"`
	HRVEnd           *float64   `json:"hrv_end,omitempty"`
	AISelected       bool       `json:"ai_selected,omitempty"`
}

type FixtureSample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

type FixtureSleep struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Stage string    `json:"stage"`
}

type FixtureWorkout struct {
	Type  string    `json:"type"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// FixtureExpected is what a full backfill over the fixture should produce.
// Zero fields are not checked.
type FixtureExpected struct {
	Sessions  int `json:"sessions,omitempty"`
	Effects   int `json:"effects,omitempty"`
	Songs     int `json:"songs,omitempty"`
	Playlists int `json:"playlists,omitempty"`
}

// #endregion fixture-types

// #region fixture-io

// IsCompressed reports whether path names a zstd-compressed fixture.
func IsCompressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

// LoadFixture reads a JSON fixture, decompressing .zst files.
func LoadFixture(path string) (*Fixture, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	defer file.Close()

	var r io.Reader = file
	if IsCompressed(path) {
		dec, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	var f Fixture
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture writes f as indented JSON, compressing .zst paths.
func WriteFixture(f *Fixture, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	var w io.Writer = file
	var enc *zstd.Encoder
	if IsCompressed(path) {
		enc, err = zstd.NewWriter(file)
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		w = enc
	}

	je := json.NewEncoder(w)
	je.SetIndent("", "  ")
	if err := je.Encode(f); err != nil {
		if enc != nil {
			enc.Close()
		}
		return fmt.Errorf("encode fixture: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("finalize compression: %w", err)
		}
	}
	return file.Close()
}

// #endregion fixture-io

// #region conversions

// ToSongs converts the fixture library.
func (f *Fixture) ToSongs() []history.Song {
	out := make([]history.Song, len(f.Songs))
	for i, s := range f.Songs {
		out[i] = history.Song{
			ID:       s.ID,
			Title:    s.Title,
			Artist:   s.Artist,
			Genre:    s.Genre,
			BPM:      s.BPM,
			Energy:   s.Energy,
			Duration: seconds(s.DurationSec),
		}
	}
	return out
}

// ToEvents converts the fixture events, generating missing IDs.
func (f *Fixture) ToEvents() []history.PlaybackEvent {
	out := make([]history.PlaybackEvent, len(f.Events))
	for i, e := range f.Events {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		out[i] = history.PlaybackEvent{
			ID:               id,
			SongID:           e.SongID,
			PlaylistID:       e.PlaylistID,
			StartedAt:        e.StartedAt,
			EndedAt:          e.EndedAt,
			SongDuration:     seconds(e.SongDurationSec),
			ListenPercentage: e.ListenPercentage,
			WasSkipped:       e.WasSkipped,
			SkipReason:       history.SkipReason(e.SkipReason),
			HRStart:          e.HRStart,
			HREnd:            e.HREnd,
			HRVStart:         e.HRVStart,
			HRVEnd:           e.HRVEnd,
			AISelected:       e.AISelected,
		}
	}
	return out
}

// Biometrics converts the fixture sensor data.
func (f *Fixture) Biometrics() (hr, hrv []history.Sample, sleep []history.SleepSample, workouts []history.Workout) {
	for _, s := range f.HeartRate {
		hr = append(hr, history.Sample{Value: s.Value, At: s.At})
	}
	for _, s := range f.HRV {
		hrv = append(hrv, history.Sample{Value: s.Value, At: s.At})
	}
	for _, s := range f.Sleep {
		sleep = append(sleep, history.SleepSample{Start: s.Start, End: s.End, Stage: history.SleepStage(s.Stage)})
	}
	for _, w := range f.Workouts {
		workouts = append(workouts, history.Workout{Type: w.Type, Start: w.Start, End: w.End})
	}
	return hr, hrv, sleep, workouts
}

// FromEvents builds fixture events from stored ones.
func FromEvents(events []history.PlaybackEvent) []FixtureEvent {
	out := make([]FixtureEvent, len(events))
	for i, e := range events {
		out[i] = FixtureEvent{
			ID:               e.ID,
			SongID:           e.SongID,
			PlaylistID:       e.PlaylistID,
			StartedAt:        e.StartedAt,
			EndedAt:          e.EndedAt,
			SongDurationSec:  e.SongDuration.Seconds(),
			ListenPercentage: e.ListenPercentage,
			WasSkipped:       e.WasSkipped,
			SkipReason:       string(e.SkipReason),
			HRStart:          e.HRStart,
			HREnd:            e.HREnd,
			HRVStart:         e.HRVStart,
			HRVEnd:           e.HRVEnd,
			AISelected:       e.AISelected,
		}
	}
	return out
}

// FromSongs builds fixture songs from library songs.
func FromSongs(songs []history.Song) []FixtureSong {
	out := make([]FixtureSong, len(songs))
	for i, s := range songs {
		out[i] = FixtureSong{
			ID:          s.ID,
			Title:       s.Title,
			Artist:      s.Artist,
			Genre:       s.Genre,
			BPM:         s.BPM,
			Energy:      s.Energy,
			DurationSec: s.Duration.Seconds(),
		}
	}
	return out
}

// FromSamples builds fixture samples from biometric samples.
func FromSamples(samples []history.Sample) []FixtureSample {
	out := make([]FixtureSample, len(samples))
	for i, s := range samples {
		out[i] = FixtureSample{At: s.At, Value: s.Value}
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// #endregion conversions
