package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/danielpatrickdp/cadence/internal/backfill"
	"github.com/danielpatrickdp/cadence/internal/state"
)

// #region types

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config names the brokers and topics.
type Config struct {
	Brokers       []string
	StateTopic    string
	ProgressTopic string
}

// StateEvent is the payload of one state message.
type StateEvent struct {
	Arousal    float64   `json:"arousal"`
	Energy     float64   `json:"energy"`
	Focus      float64   `json:"focus"`
	Stress     float64   `json:"stress"`
	Valence    float64   `json:"valence"`
	Context    string    `json:"context"`
	Need       string    `json:"need"`
	Confidence float64   `json:"confidence"`
	Sources    []string  `json:"sources,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProgressEvent is the payload of one backfill progress message.
type ProgressEvent struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	Phase      string    `json:"phase"`
	Reason     string    `json:"reason,omitempty"`
	Events     int       `json:"events_scanned"`
	Sessions   int       `json:"sessions_created"`
	Effects    int       `json:"effects_updated"`
	Playlists  int       `json:"playlists"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// #endregion types

// #region publisher

// Publisher writes state estimates and backfill progress to Kafka. It is a
// state.Sink. A nil writer drops that stream.
type Publisher struct {
	state    MessageWriter
	progress MessageWriter
	log      *slog.Logger
}

// New creates a Publisher with one writer per configured topic.
func New(cfg Config, log *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no brokers provided")
	}
	writer := func(topic string) MessageWriter {
		if topic == "" {
			return nil
		}
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		}
	}
	return NewWithWriters(writer(cfg.StateTopic), writer(cfg.ProgressTopic), log), nil
}

// NewWithWriters creates a Publisher over existing writers.
func NewWithWriters(stateW, progressW MessageWriter, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Publisher{state: stateW, progress: progressW, log: log.With(slog.String("component", "publisher"))}
}

// Observe publishes s keyed by its context, logging failures.
func (p *Publisher) Observe(ctx context.Context, s state.StateVector) {
	if err := p.PublishState(ctx, s); err != nil {
		p.log.Warn("state not published", "error", err)
	}
}

// PublishState writes one state message.
func (p *Publisher) PublishState(ctx context.Context, s state.StateVector) error {
	if p.state == nil {
		return nil
	}
	ev := StateEvent{
		Arousal:    s.Arousal,
		Energy:     s.Energy,
		Focus:      s.Focus,
		Stress:     s.Stress,
		Valence:    s.Valence,
		Context:    string(s.Context),
		Need:       string(s.Need),
		Confidence: s.Confidence,
		Timestamp:  s.Timestamp,
	}
	for _, src := range s.Sources {
		ev.Sources = append(ev.Sources, string(src))
	}
	return p.write(ctx, p.state, "state", string(s.Context), ev)
}

// PublishProgress writes one backfill progress message keyed by run.
func (p *Publisher) PublishProgress(ctx context.Context, pr backfill.Progress) error {
	if p.progress == nil {
		return nil
	}
	ev := ProgressEvent{
		RunID:      pr.RunID,
		Mode:       string(pr.Mode),
		Phase:      string(pr.Phase),
		Reason:     pr.Reason,
		Events:     pr.Sessions.EventsScanned,
		Sessions:   pr.Sessions.SessionsCreated,
		Effects:    pr.Songs.EffectsUpdated,
		Playlists:  pr.Playlists.Playlists,
		StartedAt:  pr.StartedAt,
		FinishedAt: pr.FinishedAt,
	}
	return p.write(ctx, p.progress, "backfill_progress", pr.RunID, ev)
}

// Follow publishes progress from ch until it closes or ctx ends.
func (p *Publisher) Follow(ctx context.Context, ch <-chan backfill.Progress) {
	for {
		select {
		case <-ctx.Done():
			return
		case pr, ok := <-ch:
			if !ok {
				return
			}
			if err := p.PublishProgress(ctx, pr); err != nil {
				p.log.Warn("progress not published", "run_id", pr.RunID, "phase", pr.Phase, "error", err)
			}
		}
	}
}

func (p *Publisher) write(ctx context.Context, w MessageWriter, kind, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(kind)}},
		Time:    time.Now().UTC(),
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

// Close closes both writers.
func (p *Publisher) Close() error {
	var errs []error
	for _, w := range []MessageWriter{p.state, p.progress} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}

// #endregion publisher
