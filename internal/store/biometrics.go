package store

import (
	"context"
	"fmt"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// AddBiometrics stores imported sensor history in one transaction.
func (s *SQLite) AddBiometrics(ctx context.Context, hr, hrv []history.Sample, sleep []history.SleepSample, workouts []history.Workout) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, smp := range hr {
		if _, err := tx.ExecContext(ctx, `INSERT INTO heart_rate_samples (at, value) VALUES (?, ?)`,
			encodeTime(smp.At), smp.Value); err != nil {
			return fmt.Errorf("insert heart rate: %w", err)
		}
	}
	for _, smp := range hrv {
		if _, err := tx.ExecContext(ctx, `INSERT INTO hrv_samples (at, value) VALUES (?, ?)`,
			encodeTime(smp.At), smp.Value); err != nil {
			return fmt.Errorf("insert hrv: %w", err)
		}
	}
	for _, sl := range sleep {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sleep_samples (start_at, end_at, stage) VALUES (?, ?, ?)`,
			encodeTime(sl.Start), encodeTime(sl.End), string(sl.Stage)); err != nil {
			return fmt.Errorf("insert sleep: %w", err)
		}
	}
	for _, w := range workouts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO workouts (type, start_at, end_at) VALUES (?, ?, ?)`,
			w.Type, encodeTime(w.Start), encodeTime(w.End)); err != nil {
			return fmt.Errorf("insert workout: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) samples(ctx context.Context, table string, from, to time.Time) ([]history.Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, value FROM `+table+` WHERE at >= ? AND at <= ? ORDER BY at`,
		encodeTime(from), encodeTime(to))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()
	var out []history.Sample
	for rows.Next() {
		var at int64
		var smp history.Sample
		if err := rows.Scan(&at, &smp.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		smp.At = decodeTime(at)
		out = append(out, smp)
	}
	return out, rows.Err()
}

func (s *SQLite) HeartRateHistory(ctx context.Context, from, to time.Time) ([]history.Sample, error) {
	return s.samples(ctx, "heart_rate_samples", from, to)
}

func (s *SQLite) HRVHistory(ctx context.Context, from, to time.Time) ([]history.Sample, error) {
	return s.samples(ctx, "hrv_samples", from, to)
}

func (s *SQLite) SleepSessions(ctx context.Context, from, to time.Time) ([]history.SleepSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT start_at, end_at, stage FROM sleep_samples WHERE end_at > ? AND start_at < ? ORDER BY start_at`,
		encodeTime(from), encodeTime(to))
	if err != nil {
		return nil, fmt.Errorf("query sleep: %w", err)
	}
	defer rows.Close()
	var out []history.SleepSample
	for rows.Next() {
		var start, end int64
		var stage string
		if err := rows.Scan(&start, &end, &stage); err != nil {
			return nil, fmt.Errorf("scan sleep: %w", err)
		}
		out = append(out, history.SleepSample{Start: decodeTime(start), End: decodeTime(end), Stage: history.SleepStage(stage)})
	}
	return out, rows.Err()
}

func (s *SQLite) WorkoutSessions(ctx context.Context, from, to time.Time) ([]history.Workout, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, start_at, end_at FROM workouts WHERE end_at > ? AND start_at < ? ORDER BY start_at`,
		encodeTime(from), encodeTime(to))
	if err != nil {
		return nil, fmt.Errorf("query workouts: %w", err)
	}
	defer rows.Close()
	var out []history.Workout
	for rows.Next() {
		var w history.Workout
		var start, end int64
		if err := rows.Scan(&w.Type, &start, &end); err != nil {
			return nil, fmt.Errorf("scan workout: %w", err)
		}
		w.Start, w.End = decodeTime(start), decodeTime(end)
		out = append(out, w)
	}
	return out, rows.Err()
}
