package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/danielpatrickdp/cadence/internal/backfill"
	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/session"
	"github.com/danielpatrickdp/cadence/internal/state"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var at = time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)

func TestPublishState(t *testing.T) {
	w := &fakeWriter{}
	p := NewWithWriters(w, nil, nil)

	p.Observe(context.Background(), state.StateVector{
		Energy:    0.7,
		Context:   history.ContextWorkout,
		Need:      state.NeedEnergize,
		Sources:   []state.DataSource{state.SourceHeartRate},
		Timestamp: at,
	})

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "workout" {
		t.Errorf("key = %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "state" {
		t.Errorf("headers = %+v", msg.Headers)
	}
	var ev StateEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Need != "energize" || ev.Energy != 0.7 || len(ev.Sources) != 1 || !ev.Timestamp.Equal(at) {
		t.Errorf("event = %+v", ev)
	}
}

func TestPublishState_WriteFailureIsLogged(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewWithWriters(w, nil, nil)

	// Observe must not panic or block on a failing broker.
	p.Observe(context.Background(), state.Neutral(at))

	if err := p.PublishState(context.Background(), state.Neutral(at)); err == nil {
		t.Fatal("expected write error")
	}
}

func TestPublishProgress_Follow(t *testing.T) {
	w := &fakeWriter{}
	p := NewWithWriters(nil, w, nil)

	ch := make(chan backfill.Progress, 2)
	ch <- backfill.Progress{RunID: "run-1", Mode: backfill.ModeFull, Phase: backfill.PhaseReconstructing, StartedAt: at}
	ch <- backfill.Progress{
		RunID:      "run-1",
		Mode:       backfill.ModeFull,
		Phase:      backfill.PhaseCompleted,
		Sessions:   session.Result{EventsScanned: 9, SessionsCreated: 2},
		StartedAt:  at,
		FinishedAt: at.Add(time.Minute),
	}
	close(ch)
	p.Follow(context.Background(), ch)

	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.msgs))
	}
	var last ProgressEvent
	if err := json.Unmarshal(w.msgs[1].Value, &last); err != nil {
		t.Fatal(err)
	}
	if last.Phase != "completed" || last.Sessions != 2 || last.Events != 9 {
		t.Errorf("event = %+v", last)
	}
	if string(w.msgs[1].Key) != "run-1" {
		t.Errorf("key = %q", w.msgs[1].Key)
	}
}

func TestNilWritersDropStreams(t *testing.T) {
	p := NewWithWriters(nil, nil, nil)
	if err := p.PublishState(context.Background(), state.Neutral(at)); err != nil {
		t.Fatal(err)
	}
	if err := p.PublishProgress(context.Background(), backfill.Progress{}); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNew_RequiresBrokers(t *testing.T) {
	if _, err := New(Config{StateTopic: "s"}, nil); err == nil {
		t.Fatal("expected error without brokers")
	}
	p, err := New(Config{Brokers: []string{"localhost:9092"}, StateTopic: "s"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.state == nil || p.progress != nil {
		t.Errorf("writers = %v / %v", p.state, p.progress)
	}
	p.Close()
}

func TestClose(t *testing.T) {
	a, b := &fakeWriter{}, &fakeWriter{}
	if err := NewWithWriters(a, b, nil).Close(); err != nil {
		t.Fatal(err)
	}
	if !a.closed || !b.closed {
		t.Error("writers not closed")
	}
}
