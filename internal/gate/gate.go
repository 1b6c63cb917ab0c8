package gate

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/cadence/internal/history"
)

// #region gate
// Gate excludes candidates that must not be played next, before any
// scoring happens.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Filter runs every guard over candidates. Kept preserves input order.
func (g *Gate) Filter(candidates []history.Song, l Listening) GateDecision {
	var d GateDecision
	for _, song := range candidates {
		vetoes := g.Evaluate(song, l)
		if len(vetoes) > 0 {
			d.VetoSignals = append(d.VetoSignals, vetoes...)
			continue
		}
		d.Kept = append(d.Kept, song)
	}

	switch {
	case len(candidates) == 0:
		d.Reason = "no candidates"
	case len(d.Kept) == 0:
		d.Reason = fmt.Sprintf("all %d candidates vetoed: %s", len(candidates), d.VetoSignals[0].Reason)
	default:
		d.Reason = fmt.Sprintf("kept %d of %d candidates", len(d.Kept), len(candidates))
	}
	return d
}

// Evaluate returns every hard veto raised against one candidate.
func (g *Gate) Evaluate(song history.Song, l Listening) []VetoSignal {
	var vetoes []VetoSignal

	// 1. Played too recently
	if at, ok := l.RecentlyPlayed[song.ID]; ok && g.config.RecentWindow > 0 {
		if age := l.Now.Sub(at); age < g.config.RecentWindow {
			vetoes = append(vetoes, VetoSignal{
				SongID: song.ID,
				Type:   VetoRecentlyPlayed,
				Reason: fmt.Sprintf("%s played %s ago, window %s", song.ID, age.Round(time.Second), g.config.RecentWindow),
			})
		}
	}

	// 2. Same artist too many times in a row
	if run := artistRun(l.Session, song.Artist); g.config.MaxArtistRun > 0 && run+1 > g.config.MaxArtistRun {
		vetoes = append(vetoes, VetoSignal{
			SongID: song.ID,
			Type:   VetoArtistRun,
			Reason: fmt.Sprintf("%s would be play %d in a row by %q, max %d", song.ID, run+1, song.Artist, g.config.MaxArtistRun),
		})
	}

	// 3. Too fast for the time of day
	slot := history.SlotFor(history.Local(l.Now, g.config.Location))
	if limit, ok := g.config.BPMCaps[slot]; ok && song.BPM > 0 && song.BPM > limit {
		vetoes = append(vetoes, VetoSignal{
			SongID: song.ID,
			Type:   VetoBPMCap,
			Reason: fmt.Sprintf("%s bpm %.0f exceeds %s cap %.0f", song.ID, song.BPM, slot, limit),
		})
	}

	return vetoes
}

// #endregion gate

// #region helpers
// artistRun counts how many of the most recent session songs are by
// artist, stopping at the first song by someone else. An unknown artist
// never forms a run.
func artistRun(session []history.Song, artist string) int {
	if artist == "" {
		return 0
	}
	n := 0
	for i := len(session) - 1; i >= 0 && session[i].Artist == artist; i-- {
		n++
	}
	return n
}

// #endregion helpers
