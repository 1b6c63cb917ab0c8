package state

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/google/uuid"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS state_versions (
	version_id   TEXT PRIMARY KEY,
	parent_id    TEXT,
	state_vector BLOB NOT NULL,
	context      TEXT NOT NULL,
	need         TEXT NOT NULL,
	confidence   REAL NOT NULL,
	sources_json TEXT,
	created_at   TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES state_versions(version_id)
);

CREATE INDEX IF NOT EXISTS idx_state_versions_created ON state_versions(created_at);

CREATE TABLE IF NOT EXISTS active_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version_id TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES state_versions(version_id)
);
`

// #endregion schema

// #region recorder

// Record is one persisted estimate, chained to the estimate before it.
type Record struct {
	VersionID string
	ParentID  string
	State     StateVector
}

// Recorder persists emitted StateVectors to SQLite as a version chain and
// tracks the active (latest) version. It is a Sink.
type Recorder struct {
	db  *sql.DB
	log *slog.Logger

	mu     sync.Mutex
	parent string
}

// NewRecorder migrates the state tables on db.
func NewRecorder(db *sql.DB, log *slog.Logger) (*Recorder, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate state: %w", err)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := &Recorder{db: db, log: log.With(slog.String("component", "state_recorder"))}
	err := db.QueryRow(`SELECT version_id FROM active_state WHERE id = 1`).Scan(&r.parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get active: %w", err)
	}
	return r, nil
}

// Observe records s, logging instead of returning failures.
func (r *Recorder) Observe(ctx context.Context, s StateVector) {
	if _, err := r.Record(ctx, s); err != nil {
		r.log.Warn("record state", "error", err)
	}
}

// Record inserts s as a new version and makes it active atomically.
func (r *Recorder) Record(ctx context.Context, s StateVector) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := Record{VersionID: uuid.New().String(), ParentID: r.parent, State: s}
	sources, err := json.Marshal(s.Sources)
	if err != nil {
		return Record{}, fmt.Errorf("marshal sources: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parent interface{}
	if rec.ParentID != "" {
		parent = rec.ParentID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO state_versions (version_id, parent_id, state_vector, context, need, confidence, sources_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.VersionID, parent, encodeVector(s), string(s.Context), string(s.Need), s.Confidence,
		string(sources), s.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert version: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_state (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		rec.VersionID,
	)
	if err != nil {
		return Record{}, fmt.Errorf("set active: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	r.parent = rec.VersionID
	return rec, nil
}

// Current returns the active version, or history.ErrNotFound before the
// first record.
func (r *Recorder) Current(ctx context.Context) (Record, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT version_id FROM active_state WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, history.ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get active: %w", err)
	}
	recs, err := r.query(ctx, `WHERE version_id = ?`, id)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, history.ErrNotFound
	}
	return recs[0], nil
}

// ListVersions returns the most recent versions, newest first.
func (r *Recorder) ListVersions(ctx context.Context, limit int) ([]Record, error) {
	return r.query(ctx, `ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

func (r *Recorder) query(ctx context.Context, tail string, args ...interface{}) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT version_id, parent_id, state_vector, context, need, confidence, sources_json, created_at
		 FROM state_versions `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var parent, sources sql.NullString
		var blob []byte
		var ctxName, need, created string
		if err := rows.Scan(&rec.VersionID, &parent, &blob, &ctxName, &need, &rec.State.Confidence, &sources, &created); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec.ParentID = parent.String
		decodeVector(blob, &rec.State)
		rec.State.Context = history.ParseContext(ctxName)
		rec.State.Need = ParseNeed(need)
		if sources.Valid {
			if err := json.Unmarshal([]byte(sources.String), &rec.State.Sources); err != nil {
				return nil, fmt.Errorf("unmarshal sources: %w", err)
			}
		}
		rec.State.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion recorder

// #region vector-encoding
// The five dimensions are stored as little-endian float64s in the order
// arousal, energy, focus, stress, valence.
func encodeVector(s StateVector) []byte {
	dims := [5]float64{s.Arousal, s.Energy, s.Focus, s.Stress, s.Valence}
	buf := make([]byte, len(dims)*8)
	for i, f := range dims {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte, s *StateVector) {
	var dims [5]float64
	for i := range dims {
		if i*8+8 <= len(b) {
			dims[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
		}
	}
	s.Arousal, s.Energy, s.Focus, s.Stress, s.Valence = dims[0], dims[1], dims[2], dims[3], dims[4]
}

// #endregion vector-encoding
