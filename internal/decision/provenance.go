package decision

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/logging"
)

// EffectReader reads a song's learned effects.
type EffectReader interface {
	EffectsForSong(ctx context.Context, songID string) ([]history.SongEffect, error)
}

// LoadEffects reads every learned effect of the given songs, keyed for
// DecisionContext.Effects.
func LoadEffects(ctx context.Context, r EffectReader, songs []history.Song) (map[history.EffectKey]history.SongEffect, error) {
	out := make(map[history.EffectKey]history.SongEffect)
	for _, s := range songs {
		effects, err := r.EffectsForSong(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("load effects for %s: %w", s.ID, err)
		}
		for _, e := range effects {
			out[e.Key()] = e
		}
	}
	return out, nil
}

type vetoRecord struct {
	SongID string `json:"song_id"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Provenance builds the selection log row for best, chosen from r.
func Provenance(dc DecisionContext, r Ranking, best SongScore, w Weights) (logging.SelectionEntry, error) {
	st := dc.State
	sources := make([]string, len(st.Sources))
	for i, s := range st.Sources {
		sources[i] = string(s)
	}
	rec := logging.SelectionRecord{
		State: logging.SelectionState{
			Arousal:    st.Arousal,
			Energy:     st.Energy,
			Focus:      st.Focus,
			Stress:     st.Stress,
			Valence:    st.Valence,
			Confidence: st.Confidence,
			Sources:    sources,
		},
		Components: best.Components(),
		Weights:    w.Map(),
		Transition: best.Transition,
		Candidates: len(dc.Candidates),
		Vetoed:     len(dc.Candidates) - len(r.Scores),
	}
	for _, e := range best.Explanations {
		rec.Reasons = append(rec.Reasons, e.Text)
	}
	signals, err := json.Marshal(rec)
	if err != nil {
		return logging.SelectionEntry{}, fmt.Errorf("marshal selection: %w", err)
	}

	entry := logging.SelectionEntry{
		SongID:      best.Song.ID,
		Need:        string(st.Need),
		Context:     string(st.Context),
		FinalScore:  best.Final,
		Confidence:  best.Confidence,
		SignalsJSON: string(signals),
		CreatedAt:   dc.Now,
	}
	if len(r.Vetoes) > 0 {
		vetoes := make([]vetoRecord, len(r.Vetoes))
		for i, v := range r.Vetoes {
			vetoes[i] = vetoRecord{SongID: v.SongID, Type: string(v.Type), Reason: v.Reason}
		}
		b, err := json.Marshal(vetoes)
		if err != nil {
			return logging.SelectionEntry{}, fmt.Errorf("marshal vetoes: %w", err)
		}
		entry.VetoesJSON = string(b)
	}
	return entry, nil
}
