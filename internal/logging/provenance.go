package logging

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// #region log-selection
// LogSelection writes a selection to the selection_log table.
func LogSelection(db *sql.DB, entry SelectionEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO selection_log (song_id, need, context, final_score, confidence, signals_json, vetoes_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SongID,
		entry.Need,
		entry.Context,
		entry.FinalScore,
		entry.Confidence,
		nullIfEmpty(entry.SignalsJSON),
		nullIfEmpty(entry.VetoesJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log selection: %w", err)
	}
	return nil
}

// RecentSelections returns the latest selections, newest first.
func RecentSelections(ctx context.Context, db *sql.DB, limit int) ([]SelectionEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT song_id, need, context, final_score, confidence, signals_json, vetoes_json, created_at
		 FROM selection_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query selections: %w", err)
	}
	defer rows.Close()

	var out []SelectionEntry
	for rows.Next() {
		var e SelectionEntry
		var signals, vetoes sql.NullString
		var created string
		if err := rows.Scan(&e.SongID, &e.Need, &e.Context, &e.FinalScore, &e.Confidence, &signals, &vetoes, &created); err != nil {
			return nil, fmt.Errorf("scan selection: %w", err)
		}
		e.SignalsJSON, e.VetoesJSON = signals.String, vetoes.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion log-selection

// #region log-backfill
// LogBackfill records one finished backfill run.
func LogBackfill(db *sql.DB, entry BackfillEntry) error {
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = time.Now().UTC()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = entry.FinishedAt
	}

	_, err := db.Exec(
		`INSERT INTO backfill_runs (run_id, mode, outcome, reason, summary_json, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Mode,
		entry.Outcome,
		nullIfEmpty(entry.Reason),
		nullIfEmpty(entry.SummaryJSON),
		entry.StartedAt.Format(time.RFC3339Nano),
		entry.FinishedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log backfill: %w", err)
	}
	return nil
}

// RecentBackfills returns the latest backfill runs, newest first.
func RecentBackfills(ctx context.Context, db *sql.DB, limit int) ([]BackfillEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, mode, outcome, reason, summary_json, started_at, finished_at
		 FROM backfill_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query backfills: %w", err)
	}
	defer rows.Close()

	var out []BackfillEntry
	for rows.Next() {
		var e BackfillEntry
		var reason, summary sql.NullString
		var started, finished string
		if err := rows.Scan(&e.RunID, &e.Mode, &e.Outcome, &reason, &summary, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan backfill: %w", err)
		}
		e.Reason, e.SummaryJSON = reason.String, summary.String
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		e.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion log-backfill

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
