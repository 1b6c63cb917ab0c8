package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS songs (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL DEFAULT '',
	artist         TEXT NOT NULL DEFAULT '',
	genre          TEXT NOT NULL DEFAULT '',
	bpm            REAL NOT NULL DEFAULT 0,
	energy         REAL NOT NULL DEFAULT 0,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	agg_calm       REAL,
	agg_energy     REAL,
	agg_focus      REAL,
	agg_mood_lift  REAL,
	agg_confidence REAL,
	familiarity    REAL,
	play_count     INTEGER,
	agg_updated_at INTEGER
);

CREATE TABLE IF NOT EXISTS playback_events (
	id           TEXT PRIMARY KEY,
	song_id      TEXT NOT NULL,
	playlist_id  TEXT NOT NULL DEFAULT '',
	started_at   INTEGER NOT NULL,
	ended_at     INTEGER,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	listen_pct   REAL NOT NULL DEFAULT 0,
	was_skipped  INTEGER NOT NULL DEFAULT 0,
	skip_reason  TEXT NOT NULL DEFAULT '',
	hr_start     REAL,
	hr_end       REAL,
	hrv_start    REAL,
	hrv_end      REAL,
	hr_delta     REAL,
	hrv_delta    REAL,
	ai_selected  INTEGER NOT NULL DEFAULT 0,
	session_id   TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_order ON playback_events (started_at, id);
CREATE INDEX IF NOT EXISTS idx_events_song ON playback_events (song_id);
CREATE INDEX IF NOT EXISTS idx_events_session ON playback_events (session_id);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	started_at        INTEGER NOT NULL,
	ended_at          INTEGER NOT NULL,
	playlist_id       TEXT NOT NULL DEFAULT '',
	context           TEXT NOT NULL,
	time_slot         TEXT NOT NULL,
	skip_rate         REAL NOT NULL,
	avg_listen        REAL NOT NULL,
	biometrics_json   TEXT NOT NULL,
	sleep_score       REAL,
	sleep_duration_ms INTEGER,
	deep_sleep        REAL,
	overall_impact    REAL NOT NULL,
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_playlist ON sessions (playlist_id);

CREATE TABLE IF NOT EXISTS song_effects (
	song_id       TEXT NOT NULL,
	context       TEXT NOT NULL,
	calm          REAL NOT NULL,
	energy        REAL NOT NULL,
	focus         REAL NOT NULL,
	mood_lift     REAL NOT NULL,
	sample_count  INTEGER NOT NULL,
	confidence    REAL NOT NULL,
	first_updated INTEGER NOT NULL,
	last_updated  INTEGER NOT NULL,
	PRIMARY KEY (song_id, context)
);

CREATE TABLE IF NOT EXISTS playlist_aggregates (
	playlist_id       TEXT PRIMARY KEY,
	avg_calm          REAL NOT NULL,
	avg_focus         REAL NOT NULL,
	avg_energy        REAL NOT NULL,
	effect_confidence REAL NOT NULL,
	session_count     INTEGER NOT NULL,
	contexts_json     TEXT NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS watermarks (
	key       TEXT PRIMARY KEY,
	value     INTEGER NOT NULL,
	cursor_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS heart_rate_samples (at INTEGER NOT NULL, value REAL NOT NULL);
CREATE INDEX IF NOT EXISTS idx_hr_at ON heart_rate_samples (at);
CREATE TABLE IF NOT EXISTS hrv_samples (at INTEGER NOT NULL, value REAL NOT NULL);
CREATE INDEX IF NOT EXISTS idx_hrv_at ON hrv_samples (at);
CREATE TABLE IF NOT EXISTS sleep_samples (start_at INTEGER NOT NULL, end_at INTEGER NOT NULL, stage TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS workouts (type TEXT NOT NULL, start_at INTEGER NOT NULL, end_at INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS selection_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	song_id      TEXT NOT NULL,
	need         TEXT NOT NULL,
	context      TEXT NOT NULL,
	final_score  REAL NOT NULL,
	confidence   REAL NOT NULL,
	signals_json TEXT,
	vetoes_json  TEXT,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backfill_runs (
	run_id       TEXT PRIMARY KEY,
	mode         TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	reason       TEXT,
	summary_json TEXT,
	started_at   TEXT NOT NULL,
	finished_at  TEXT NOT NULL
);
`

// #endregion schema

// #region store-struct

// SQLite implements history.Store and history.Biometrics on a SQLite
// database.
type SQLite struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor

// Open opens a SQLite database and runs migrations.
func Open(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := addColumn(db, "watermarks", "cursor_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

// addColumn adds a column that databases created before it existed lack.
func addColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	if _, err := db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region time-encoding

// Timestamps are stored as Unix nanoseconds so that ordering in SQL matches
// time ordering.
func encodeTime(t time.Time) int64 { return t.UnixNano() }

func decodeTime(v int64) time.Time { return time.Unix(0, v).UTC() }

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// #endregion time-encoding

// #region events

const eventColumns = `id, song_id, playlist_id, started_at, ended_at, duration_ms, listen_pct,
	was_skipped, skip_reason, hr_start, hr_end, hrv_start, hrv_end, hr_delta, hrv_delta,
	ai_selected, session_id`

// InsertEvents inserts or replaces playback events in one transaction.
func (s *SQLite) InsertEvents(ctx context.Context, events []history.PlaybackEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO playback_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert event: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var sessionID interface{}
		if ev.SessionID != nil {
			sessionID = *ev.SessionID
		}
		_, err := stmt.ExecContext(ctx,
			ev.ID, ev.SongID, ev.PlaylistID, encodeTime(ev.StartedAt), nullTime(ev.EndedAt),
			ev.SongDuration.Milliseconds(), ev.ListenPercentage, ev.WasSkipped, string(ev.SkipReason),
			nullFloat(ev.HRStart), nullFloat(ev.HREnd), nullFloat(ev.HRVStart), nullFloat(ev.HRVEnd),
			nullFloat(ev.HRDelta), nullFloat(ev.HRVDelta), ev.AISelected, sessionID,
		)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (history.PlaybackEvent, error) {
	var ev history.PlaybackEvent
	var startedAt, durationMs int64
	var endedAt sql.NullInt64
	var skipReason string
	var hrStart, hrEnd, hrvStart, hrvEnd, hrDelta, hrvDelta sql.NullFloat64
	var sessionID sql.NullString

	err := row.Scan(&ev.ID, &ev.SongID, &ev.PlaylistID, &startedAt, &endedAt, &durationMs,
		&ev.ListenPercentage, &ev.WasSkipped, &skipReason, &hrStart, &hrEnd, &hrvStart, &hrvEnd,
		&hrDelta, &hrvDelta, &ev.AISelected, &sessionID)
	if err != nil {
		return history.PlaybackEvent{}, err
	}
	ev.StartedAt = decodeTime(startedAt)
	if endedAt.Valid {
		t := decodeTime(endedAt.Int64)
		ev.EndedAt = &t
	}
	ev.SongDuration = time.Duration(durationMs) * time.Millisecond
	ev.SkipReason = history.SkipReason(skipReason)
	ev.HRStart, ev.HREnd = floatPtr(hrStart), floatPtr(hrEnd)
	ev.HRVStart, ev.HRVEnd = floatPtr(hrvStart), floatPtr(hrvEnd)
	ev.HRDelta, ev.HRVDelta = floatPtr(hrDelta), floatPtr(hrvDelta)
	if sessionID.Valid {
		id := sessionID.String
		ev.SessionID = &id
	}
	return ev, nil
}

func (s *SQLite) queryEvents(ctx context.Context, query string, args ...interface{}) ([]history.PlaybackEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []history.PlaybackEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// cursorClause renders the (started_at, id) > cursor predicate.
func cursorClause(after history.Cursor) (string, []interface{}) {
	at := encodeTime(after.At)
	if after.At.IsZero() {
		at = -1 << 62
	}
	if after.ID == "" {
		return `started_at > ?`, []interface{}{at}
	}
	return `(started_at > ? OR (started_at = ? AND id > ?))`, []interface{}{at, at, after.ID}
}

func (s *SQLite) FetchUnprocessedEvents(ctx context.Context, after history.Cursor, limit int) ([]history.PlaybackEvent, error) {
	clause, args := cursorClause(after)
	args = append(args, limit)
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM playback_events
		WHERE session_id IS NULL AND `+clause+` ORDER BY started_at, id LIMIT ?`, args...)
}

func (s *SQLite) FetchSessionEvents(ctx context.Context, after history.Cursor, limit int) ([]history.PlaybackEvent, error) {
	clause, args := cursorClause(after)
	args = append(args, limit)
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM playback_events
		WHERE session_id IS NOT NULL AND `+clause+` ORDER BY started_at, id LIMIT ?`, args...)
}

func (s *SQLite) FetchEvents(ctx context.Context, songID string) ([]history.PlaybackEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM playback_events
		WHERE song_id = ? ORDER BY started_at, id`, songID)
}

// AllEvents returns every stored event in (started_at, id) order.
func (s *SQLite) AllEvents(ctx context.Context) ([]history.PlaybackEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM playback_events ORDER BY started_at, id`)
}

// #endregion events

// #region sessions

// SaveSessions inserts sessions and links their events atomically.
func (s *SQLite) SaveSessions(ctx context.Context, sessions []history.HistoricalSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, sess := range sessions {
		bioJSON, err := json.Marshal(sess.Biometrics)
		if err != nil {
			return fmt.Errorf("marshal biometrics: %w", err)
		}
		var sleepDur interface{}
		if sess.Sleep.SleepDuration != nil {
			sleepDur = sess.Sleep.SleepDuration.Milliseconds()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, started_at, ended_at, playlist_id, context, time_slot, skip_rate,
				avg_listen, biometrics_json, sleep_score, sleep_duration_ms, deep_sleep, overall_impact, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, encodeTime(sess.StartedAt), encodeTime(sess.EndedAt), sess.PlaylistID,
			string(sess.Context), string(sess.TimeSlot), sess.SkipRate, sess.AvgListenPercentage,
			string(bioJSON), nullFloat(sess.Sleep.SleepScore), sleepDur, nullFloat(sess.Sleep.DeepSleepFraction),
			sess.OverallImpact, encodeTime(sess.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
		for _, id := range sess.EventIDs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE playback_events SET session_id = ? WHERE id = ?`, sess.ID, id); err != nil {
				return fmt.Errorf("link event %s: %w", id, err)
			}
		}
	}
	return tx.Commit()
}

const sessionColumns = `id, started_at, ended_at, playlist_id, context, time_slot, skip_rate, avg_listen,
	biometrics_json, sleep_score, sleep_duration_ms, deep_sleep, overall_impact, created_at`

func scanSession(row scanner) (history.HistoricalSession, error) {
	var sess history.HistoricalSession
	var startedAt, endedAt, createdAt int64
	var ctxName, slot, bioJSON string
	var sleepScore, deepSleep sql.NullFloat64
	var sleepDur sql.NullInt64

	err := row.Scan(&sess.ID, &startedAt, &endedAt, &sess.PlaylistID, &ctxName, &slot, &sess.SkipRate,
		&sess.AvgListenPercentage, &bioJSON, &sleepScore, &sleepDur, &deepSleep, &sess.OverallImpact, &createdAt)
	if err != nil {
		return history.HistoricalSession{}, err
	}
	sess.StartedAt, sess.EndedAt, sess.CreatedAt = decodeTime(startedAt), decodeTime(endedAt), decodeTime(createdAt)
	sess.Context = history.ParseContext(ctxName)
	sess.TimeSlot = history.TimeSlot(slot)
	if err := json.Unmarshal([]byte(bioJSON), &sess.Biometrics); err != nil {
		return history.HistoricalSession{}, fmt.Errorf("unmarshal biometrics: %w", err)
	}
	sess.Sleep.SleepScore = floatPtr(sleepScore)
	sess.Sleep.DeepSleepFraction = floatPtr(deepSleep)
	if sleepDur.Valid {
		d := time.Duration(sleepDur.Int64) * time.Millisecond
		sess.Sleep.SleepDuration = &d
	}
	return sess, nil
}

func (s *SQLite) eventIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM playback_events WHERE session_id = ? ORDER BY started_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Session(ctx context.Context, id string) (history.HistoricalSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return history.HistoricalSession{}, fmt.Errorf("session %s: %w", id, history.ErrNotFound)
	}
	if err != nil {
		return history.HistoricalSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if sess.EventIDs, err = s.eventIDs(ctx, id); err != nil {
		return history.HistoricalSession{}, err
	}
	return sess, nil
}

func (s *SQLite) querySessions(ctx context.Context, query string, args ...interface{}) ([]history.HistoricalSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	var out []history.HistoricalSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].EventIDs, err = s.eventIDs(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLite) SessionsByPlaylist(ctx context.Context, playlistID string) ([]history.HistoricalSession, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE playlist_id = ? ORDER BY started_at`, playlistID)
}

// ListSessions returns the most recent sessions, newest first. A limit <= 0
// returns every session.
func (s *SQLite) ListSessions(ctx context.Context, limit int) ([]history.HistoricalSession, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		ORDER BY started_at DESC LIMIT ?`, limit)
}

func (s *SQLite) PlaylistIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT playlist_id FROM sessions WHERE playlist_id != '' ORDER BY playlist_id`)
	if err != nil {
		return nil, fmt.Errorf("list playlists: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) ResetSessions(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE playback_events SET session_id = NULL`); err != nil {
		return fmt.Errorf("unlink events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return tx.Commit()
}

// #endregion sessions

// #region effects

const effectColumns = `song_id, context, calm, energy, focus, mood_lift, sample_count, confidence,
	first_updated, last_updated`

func scanEffect(row scanner) (history.SongEffect, error) {
	var e history.SongEffect
	var ctxName string
	var first, last int64
	if err := row.Scan(&e.SongID, &ctxName, &e.Calm, &e.Energy, &e.Focus, &e.MoodLift,
		&e.SampleCount, &e.Confidence, &first, &last); err != nil {
		return history.SongEffect{}, err
	}
	e.Context = history.ParseContext(ctxName)
	e.FirstUpdated, e.LastUpdated = decodeTime(first), decodeTime(last)
	return e, nil
}

func (s *SQLite) Effect(ctx context.Context, key history.EffectKey) (history.SongEffect, error) {
	e, err := scanEffect(s.db.QueryRowContext(ctx,
		`SELECT `+effectColumns+` FROM song_effects WHERE song_id = ? AND context = ?`,
		key.SongID, string(key.Context)))
	if errors.Is(err, sql.ErrNoRows) {
		return history.SongEffect{}, fmt.Errorf("effect %s/%s: %w", key.SongID, key.Context, history.ErrNotFound)
	}
	if err != nil {
		return history.SongEffect{}, fmt.Errorf("get effect: %w", err)
	}
	return e, nil
}

func (s *SQLite) queryEffects(ctx context.Context, query string, args ...interface{}) ([]history.SongEffect, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query effects: %w", err)
	}
	defer rows.Close()
	var out []history.SongEffect
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			return nil, fmt.Errorf("scan effect: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) EffectsForSong(ctx context.Context, songID string) ([]history.SongEffect, error) {
	return s.queryEffects(ctx, `SELECT `+effectColumns+` FROM song_effects
		WHERE song_id = ? ORDER BY context`, songID)
}

// ListEffects returns learned effects ordered by confidence, highest first.
// A limit <= 0 returns every effect.
func (s *SQLite) ListEffects(ctx context.Context, limit int) ([]history.SongEffect, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryEffects(ctx, `SELECT `+effectColumns+` FROM song_effects
		ORDER BY confidence DESC, song_id, context LIMIT ?`, limit)
}

// SaveLearning upserts effects and song aggregates in one transaction.
func (s *SQLite) SaveLearning(ctx context.Context, batch history.LearningBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range batch.Effects {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO song_effects (`+effectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(song_id, context) DO UPDATE SET
				calm = excluded.calm, energy = excluded.energy, focus = excluded.focus,
				mood_lift = excluded.mood_lift, sample_count = excluded.sample_count,
				confidence = excluded.confidence, last_updated = excluded.last_updated`,
			e.SongID, string(e.Context), e.Calm, e.Energy, e.Focus, e.MoodLift, e.SampleCount,
			e.Confidence, encodeTime(e.FirstUpdated), encodeTime(e.LastUpdated),
		)
		if err != nil {
			return fmt.Errorf("upsert effect %s/%s: %w", e.SongID, e.Context, err)
		}
	}
	for _, a := range batch.Aggregates {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO songs (id, agg_calm, agg_energy, agg_focus, agg_mood_lift, agg_confidence,
				familiarity, play_count, agg_updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				agg_calm = excluded.agg_calm, agg_energy = excluded.agg_energy,
				agg_focus = excluded.agg_focus, agg_mood_lift = excluded.agg_mood_lift,
				agg_confidence = excluded.agg_confidence, familiarity = excluded.familiarity,
				play_count = excluded.play_count, agg_updated_at = excluded.agg_updated_at`,
			a.SongID, a.Calm, a.Energy, a.Focus, a.MoodLift, a.Confidence, a.Familiarity,
			a.PlayCount, encodeTime(a.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert aggregate %s: %w", a.SongID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) ResetEffects(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM song_effects`); err != nil {
		return fmt.Errorf("delete effects: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE songs SET agg_calm = NULL, agg_energy = NULL,
		agg_focus = NULL, agg_mood_lift = NULL, agg_confidence = NULL, familiarity = NULL,
		play_count = NULL, agg_updated_at = NULL`); err != nil {
		return fmt.Errorf("clear aggregates: %w", err)
	}
	return tx.Commit()
}

// #endregion effects

// #region songs

const songColumns = `id, title, artist, genre, bpm, energy, duration_ms, agg_calm, agg_energy,
	agg_focus, agg_mood_lift, agg_confidence, familiarity, play_count, agg_updated_at`

func scanSong(row scanner) (history.Song, error) {
	var song history.Song
	var durationMs int64
	var calm, energy, focus, mood, conf, fam sql.NullFloat64
	var plays, updated sql.NullInt64
	if err := row.Scan(&song.ID, &song.Title, &song.Artist, &song.Genre, &song.BPM, &song.Energy,
		&durationMs, &calm, &energy, &focus, &mood, &conf, &fam, &plays, &updated); err != nil {
		return history.Song{}, err
	}
	song.Duration = time.Duration(durationMs) * time.Millisecond
	if updated.Valid {
		song.Aggregate = &history.SongAggregate{
			SongID:      song.ID,
			Calm:        calm.Float64,
			Energy:      energy.Float64,
			Focus:       focus.Float64,
			MoodLift:    mood.Float64,
			Confidence:  conf.Float64,
			Familiarity: fam.Float64,
			PlayCount:   int(plays.Int64),
			UpdatedAt:   decodeTime(updated.Int64),
		}
	}
	return song, nil
}

// UpsertSongs inserts or updates library metadata, leaving learned
// aggregates untouched.
func (s *SQLite) UpsertSongs(ctx context.Context, songs []history.Song) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, song := range songs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO songs (id, title, artist, genre, bpm, energy, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET title = excluded.title, artist = excluded.artist,
				genre = excluded.genre, bpm = excluded.bpm, energy = excluded.energy,
				duration_ms = excluded.duration_ms`,
			song.ID, song.Title, song.Artist, song.Genre, song.BPM, song.Energy, song.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("upsert song %s: %w", song.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Song(ctx context.Context, id string) (history.Song, error) {
	song, err := scanSong(s.db.QueryRowContext(ctx, `SELECT `+songColumns+` FROM songs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return history.Song{}, fmt.Errorf("song %s: %w", id, history.ErrNotFound)
	}
	if err != nil {
		return history.Song{}, fmt.Errorf("get song %s: %w", id, err)
	}
	return song, nil
}

func (s *SQLite) Songs(ctx context.Context, ids []string) (map[string]history.Song, error) {
	out := make(map[string]history.Song, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+songColumns+` FROM songs WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query songs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, fmt.Errorf("scan song: %w", err)
		}
		out[song.ID] = song
	}
	return out, rows.Err()
}

// #endregion songs

// #region playlists

func (s *SQLite) SavePlaylistAggregates(ctx context.Context, aggs []history.PlaylistAggregate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, a := range aggs {
		ctxJSON, err := json.Marshal(a.Contexts)
		if err != nil {
			return fmt.Errorf("marshal contexts: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO playlist_aggregates (playlist_id, avg_calm, avg_focus, avg_energy,
				effect_confidence, session_count, contexts_json, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(playlist_id) DO UPDATE SET avg_calm = excluded.avg_calm,
				avg_focus = excluded.avg_focus, avg_energy = excluded.avg_energy,
				effect_confidence = excluded.effect_confidence, session_count = excluded.session_count,
				contexts_json = excluded.contexts_json, updated_at = excluded.updated_at`,
			a.PlaylistID, a.AvgCalm, a.AvgFocus, a.AvgEnergy, a.EffectConfidence, a.SessionCount,
			string(ctxJSON), encodeTime(a.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert playlist %s: %w", a.PlaylistID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) PlaylistAggregate(ctx context.Context, playlistID string) (history.PlaylistAggregate, error) {
	var a history.PlaylistAggregate
	var ctxJSON string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT playlist_id, avg_calm, avg_focus, avg_energy, effect_confidence, session_count,
			contexts_json, updated_at FROM playlist_aggregates WHERE playlist_id = ?`, playlistID,
	).Scan(&a.PlaylistID, &a.AvgCalm, &a.AvgFocus, &a.AvgEnergy, &a.EffectConfidence,
		&a.SessionCount, &ctxJSON, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return history.PlaylistAggregate{}, fmt.Errorf("playlist %s: %w", playlistID, history.ErrNotFound)
	}
	if err != nil {
		return history.PlaylistAggregate{}, fmt.Errorf("get playlist %s: %w", playlistID, err)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &a.Contexts); err != nil {
		return history.PlaylistAggregate{}, fmt.Errorf("unmarshal contexts: %w", err)
	}
	a.UpdatedAt = decodeTime(updated)
	return a, nil
}

// #endregion playlists

// #region watermarks

func (s *SQLite) Watermark(ctx context.Context, key string) (history.Cursor, error) {
	var (
		v  int64
		id string
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, cursor_id FROM watermarks WHERE key = ?`, key).Scan(&v, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Cursor{}, nil
	}
	if err != nil {
		return history.Cursor{}, fmt.Errorf("get watermark %s: %w", key, err)
	}
	return history.Cursor{At: decodeTime(v), ID: id}, nil
}

func (s *SQLite) SetWatermark(ctx context.Context, key string, c history.Cursor) error {
	if c.IsZero() {
		_, err := s.db.ExecContext(ctx, `DELETE FROM watermarks WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("clear watermark %s: %w", key, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks (key, value, cursor_id) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, cursor_id = excluded.cursor_id`,
		key, encodeTime(c.At), c.ID)
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", key, err)
	}
	return nil
}

// #endregion watermarks
