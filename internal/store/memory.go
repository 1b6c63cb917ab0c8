package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// Memory is an in-memory implementation of history.Store and
// history.Biometrics. It backs the replay harness and tests.
type Memory struct {
	mu        sync.RWMutex
	events    map[string]history.PlaybackEvent
	sessions  map[string]history.HistoricalSession
	effects   map[history.EffectKey]history.SongEffect
	songs     map[string]history.Song
	playlists map[string]history.PlaylistAggregate
	marks     map[string]history.Cursor

	heartRate []history.Sample
	hrv       []history.Sample
	sleep     []history.SleepSample
	workouts  []history.Workout
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		events:    make(map[string]history.PlaybackEvent),
		sessions:  make(map[string]history.HistoricalSession),
		effects:   make(map[history.EffectKey]history.SongEffect),
		songs:     make(map[string]history.Song),
		playlists: make(map[string]history.PlaylistAggregate),
		marks:     make(map[string]history.Cursor),
	}
}

// #region seeding

// AddEvents inserts or replaces playback events.
func (m *Memory) AddEvents(events ...history.PlaybackEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		m.events[ev.ID] = ev
	}
}

// UpsertSongs inserts or replaces library songs, keeping learned
// aggregates already present.
func (m *Memory) UpsertSongs(songs ...history.Song) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range songs {
		if old, ok := m.songs[s.ID]; ok && s.Aggregate == nil {
			s.Aggregate = old.Aggregate
		}
		m.songs[s.ID] = s
	}
}

// AddBiometrics appends sensor history.
func (m *Memory) AddBiometrics(hr, hrv []history.Sample, sleep []history.SleepSample, workouts []history.Workout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartRate = append(m.heartRate, hr...)
	m.hrv = append(m.hrv, hrv...)
	m.sleep = append(m.sleep, sleep...)
	m.workouts = append(m.workouts, workouts...)
}

// Events returns every event ascending by (StartedAt, ID).
func (m *Memory) Events() []history.PlaybackEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedEvents(func(history.PlaybackEvent) bool { return true })
}

// Sessions returns every session ascending by start.
func (m *Memory) Sessions() []history.HistoricalSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]history.HistoricalSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ListSessions returns the most recent sessions, newest first. A limit <= 0
// returns every session.
func (m *Memory) ListSessions(_ context.Context, limit int) ([]history.HistoricalSession, error) {
	all := m.Sessions()
	out := make([]history.HistoricalSession, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Effects returns every learned effect.
func (m *Memory) Effects() []history.SongEffect {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]history.SongEffect, 0, len(m.effects))
	for _, e := range m.effects {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SongID != out[j].SongID {
			return out[i].SongID < out[j].SongID
		}
		return out[i].Context < out[j].Context
	})
	return out
}

// ListEffects returns up to limit effects ordered by confidence, highest
// first. A limit <= 0 returns every effect.
func (m *Memory) ListEffects(_ context.Context, limit int) ([]history.SongEffect, error) {
	out := m.Effects()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// #endregion seeding

// #region events

func (m *Memory) sortedEvents(keep func(history.PlaybackEvent) bool) []history.PlaybackEvent {
	var out []history.PlaybackEvent
	for _, ev := range m.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func limitEvents(events []history.PlaybackEvent, limit int) []history.PlaybackEvent {
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}

func (m *Memory) FetchUnprocessedEvents(_ context.Context, after history.Cursor, limit int) ([]history.PlaybackEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return limitEvents(m.sortedEvents(func(ev history.PlaybackEvent) bool {
		return ev.SessionID == nil && after.Precedes(ev)
	}), limit), nil
}

func (m *Memory) FetchSessionEvents(_ context.Context, after history.Cursor, limit int) ([]history.PlaybackEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return limitEvents(m.sortedEvents(func(ev history.PlaybackEvent) bool {
		return ev.SessionID != nil && after.Precedes(ev)
	}), limit), nil
}

func (m *Memory) FetchEvents(_ context.Context, songID string) ([]history.PlaybackEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedEvents(func(ev history.PlaybackEvent) bool { return ev.SongID == songID }), nil
}

// #endregion events

// #region sessions

func (m *Memory) SaveSessions(_ context.Context, sessions []history.HistoricalSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		if _, ok := m.sessions[s.ID]; ok {
			return fmt.Errorf("session %s already exists", s.ID)
		}
	}
	for _, s := range sessions {
		s.EventIDs = append([]string(nil), s.EventIDs...)
		m.sessions[s.ID] = s
		for _, id := range s.EventIDs {
			ev, ok := m.events[id]
			if !ok {
				continue
			}
			sid := s.ID
			ev.SessionID = &sid
			m.events[id] = ev
		}
	}
	return nil
}

func (m *Memory) Session(_ context.Context, id string) (history.HistoricalSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return history.HistoricalSession{}, fmt.Errorf("session %s: %w", id, history.ErrNotFound)
	}
	return s, nil
}

func (m *Memory) SessionsByPlaylist(_ context.Context, playlistID string) ([]history.HistoricalSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []history.HistoricalSession
	for _, s := range m.sessions {
		if s.PlaylistID == playlistID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) PlaylistIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, s := range m.sessions {
		if s.PlaylistID == "" {
			continue
		}
		if _, ok := seen[s.PlaylistID]; !ok {
			seen[s.PlaylistID] = struct{}{}
			out = append(out, s.PlaylistID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ResetSessions(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]history.HistoricalSession)
	for id, ev := range m.events {
		ev.SessionID = nil
		m.events[id] = ev
	}
	return nil
}

// #endregion sessions

// #region effects

func (m *Memory) Effect(_ context.Context, key history.EffectKey) (history.SongEffect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.effects[key]
	if !ok {
		return history.SongEffect{}, fmt.Errorf("effect %s/%s: %w", key.SongID, key.Context, history.ErrNotFound)
	}
	return e, nil
}

func (m *Memory) EffectsForSong(_ context.Context, songID string) ([]history.SongEffect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []history.SongEffect
	for _, e := range m.effects {
		if e.SongID == songID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Context < out[j].Context })
	return out, nil
}

func (m *Memory) SaveLearning(_ context.Context, batch history.LearningBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range batch.Effects {
		m.effects[e.Key()] = e
	}
	for _, a := range batch.Aggregates {
		agg := a
		s := m.songs[a.SongID]
		s.ID = a.SongID
		s.Aggregate = &agg
		m.songs[a.SongID] = s
	}
	return nil
}

func (m *Memory) ResetEffects(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.effects = make(map[history.EffectKey]history.SongEffect)
	for id, s := range m.songs {
		s.Aggregate = nil
		m.songs[id] = s
	}
	return nil
}

// #endregion effects

// #region songs

func (m *Memory) Song(_ context.Context, id string) (history.Song, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.songs[id]
	if !ok {
		return history.Song{}, fmt.Errorf("song %s: %w", id, history.ErrNotFound)
	}
	return s, nil
}

func (m *Memory) Songs(_ context.Context, ids []string) (map[string]history.Song, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]history.Song, len(ids))
	for _, id := range ids {
		if s, ok := m.songs[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

// #endregion songs

// #region playlists

func (m *Memory) SavePlaylistAggregates(_ context.Context, aggs []history.PlaylistAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range aggs {
		m.playlists[a.PlaylistID] = a
	}
	return nil
}

func (m *Memory) PlaylistAggregate(_ context.Context, playlistID string) (history.PlaylistAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.playlists[playlistID]
	if !ok {
		return history.PlaylistAggregate{}, fmt.Errorf("playlist %s: %w", playlistID, history.ErrNotFound)
	}
	return a, nil
}

// #endregion playlists

// #region watermarks

func (m *Memory) Watermark(_ context.Context, key string) (history.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marks[key], nil
}

func (m *Memory) SetWatermark(_ context.Context, key string, c history.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.IsZero() {
		delete(m.marks, key)
		return nil
	}
	m.marks[key] = c
	return nil
}

// #endregion watermarks

// #region biometrics

func samplesIn(samples []history.Sample, from, to time.Time) []history.Sample {
	var out []history.Sample
	for _, s := range samples {
		if !s.At.Before(from) && !s.At.After(to) {
			out = append(out, s)
		}
	}
	return out
}

func (m *Memory) HeartRateHistory(_ context.Context, from, to time.Time) ([]history.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return samplesIn(m.heartRate, from, to), nil
}

func (m *Memory) HRVHistory(_ context.Context, from, to time.Time) ([]history.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return samplesIn(m.hrv, from, to), nil
}

func (m *Memory) SleepSessions(_ context.Context, from, to time.Time) ([]history.SleepSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []history.SleepSample
	for _, s := range m.sleep {
		if s.End.After(from) && s.Start.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) WorkoutSessions(_ context.Context, from, to time.Time) ([]history.Workout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []history.Workout
	for _, w := range m.workouts {
		if w.End.After(from) && w.Start.Before(to) {
			out = append(out, w)
		}
	}
	return out, nil
}

// #endregion biometrics
