package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_RecordsBackfillAndSelection(t *testing.T) {
	m := New(nil)
	m.BackfillFinished("full", "completed", 2*time.Second)
	m.Processed("events", 12)
	m.Selected("calm")
	m.SetPhase("completed", []string{"idle", "completed"})

	out := scrape(t, m)
	for _, want := range []string{
		`cadence_backfill_runs_total{mode="full",outcome="completed"} 1`,
		`cadence_learning_processed_total{kind="events"} 12`,
		`cadence_selections_total{need="calm"} 1`,
		`cadence_backfill_phase{phase="completed"} 1`,
		`cadence_backfill_phase{phase="idle"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in scrape output", want)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.BackfillFinished("full", "failed", time.Second)
	m.Processed("events", 3)
	m.Selected("focus")
	m.StateEstimated(map[string]float64{"stress": 0.2}, 0.5)
}

func TestWrapHandler_CountsStatus(t *testing.T) {
	m := New(nil)
	h := m.WrapHandler("/x", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if out := scrape(t, m); !strings.Contains(out, `cadence_http_requests_total{route="/x",status="418"} 1`) {
		t.Error("request not counted with its status")
	}
}
