package logging

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/cadence/internal/store"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.DB()
}

// #endregion helpers

// #region log-selection-tests
func TestLogSelection_Success(t *testing.T) {
	db := setupDB(t)

	entry := SelectionEntry{
		SongID:      "song-1",
		Need:        "calm",
		Context:     "wind_down",
		FinalScore:  0.82,
		Confidence:  0.6,
		SignalsJSON: `{"components":{"bpm_match":0.9}}`,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := LogSelection(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM selection_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}

	var vetoes sql.NullString
	db.QueryRow("SELECT vetoes_json FROM selection_log").Scan(&vetoes)
	if vetoes.Valid {
		t.Errorf("expected NULL vetoes_json, got %q", vetoes.String)
	}
}

func TestLogSelection_ZeroCreatedAt(t *testing.T) {
	db := setupDB(t)

	before := time.Now().UTC().Add(-time.Second)
	if err := LogSelection(db, SelectionEntry{SongID: "s", Need: "maintain", Context: "general"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := RecentSelections(context.Background(), db, 5)
	if err != nil {
		t.Fatalf("RecentSelections: %v", err)
	}
	if len(got) != 1 || got[0].CreatedAt.Before(before) {
		t.Fatalf("expected a current created_at, got %+v", got)
	}
}

func TestRecentSelections_NewestFirst(t *testing.T) {
	db := setupDB(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := LogSelection(db, SelectionEntry{SongID: id, Need: "focus", Context: "deep_work"}); err != nil {
			t.Fatalf("log %s: %v", id, err)
		}
	}
	got, err := RecentSelections(context.Background(), db, 2)
	if err != nil {
		t.Fatalf("RecentSelections: %v", err)
	}
	if len(got) != 2 || got[0].SongID != "c" || got[1].SongID != "b" {
		t.Errorf("got %+v", got)
	}
}

// #endregion log-selection-tests

// #region log-backfill-tests
func TestLogBackfill_RoundTrip(t *testing.T) {
	db := setupDB(t)
	start := time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC)
	entry := BackfillEntry{
		RunID:       "run-1",
		Mode:        "full",
		Outcome:     "failed",
		Reason:      "cancelled",
		SummaryJSON: `{"sessions":3}`,
		StartedAt:   start,
		FinishedAt:  start.Add(time.Minute),
	}
	if err := LogBackfill(db, entry); err != nil {
		t.Fatalf("LogBackfill: %v", err)
	}

	got, err := RecentBackfills(context.Background(), db, 10)
	if err != nil {
		t.Fatalf("RecentBackfills: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 run, got %d", len(got))
	}
	if got[0].Reason != "cancelled" || !got[0].FinishedAt.Equal(start.Add(time.Minute)) {
		t.Errorf("got %+v", got[0])
	}
}

func TestLogBackfill_DuplicateRunID(t *testing.T) {
	db := setupDB(t)
	entry := BackfillEntry{RunID: "dup", Mode: "incremental", Outcome: "completed"}
	if err := LogBackfill(db, entry); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := LogBackfill(db, entry); err == nil {
		t.Fatal("expected error on duplicate run id")
	}
}

// #endregion log-backfill-tests

// #region logger-tests
func TestNewLogger_JSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(Config{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	l.Info("hidden")
	l.Warn("shown", "k", 1)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected json record, got %q", out)
	}
}

func TestNewLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cadence.log")
	var buf bytes.Buffer
	l, err := newLogger(Config{File: path}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	l.Info("to both")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(buf.String(), "to both") {
		t.Error("record missing from primary writer")
	}
}

func TestNewLogger_RejectsUnknown(t *testing.T) {
	if _, err := newLogger(Config{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := newLogger(Config{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

// #endregion logger-tests
