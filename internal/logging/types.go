package logging

import "time"

// #region selection-entry
// SelectionEntry is a single row in the selection_log table.
type SelectionEntry struct {
	SongID      string
	Need        string
	Context     string
	FinalScore  float64
	Confidence  float64
	SignalsJSON string // SelectionRecord as JSON
	VetoesJSON  string
	CreatedAt   time.Time
}

// #endregion selection-entry

// #region selection-record
// SelectionRecord captures the inputs and components of one selection.
// Serialized as JSON into selection_log.signals_json so a decision can be
// explained after the fact.
type SelectionRecord struct {
	State      SelectionState     `json:"state"`
	Components map[string]float64 `json:"components"`
	Weights    map[string]float64 `json:"weights"`
	Transition float64            `json:"transition_factor"`
	Candidates int                `json:"candidates"`
	Vetoed     int                `json:"vetoed"`
	Reasons    []string           `json:"reasons,omitempty"`
}

// SelectionState is the state estimate a selection was made against.
type SelectionState struct {
	Arousal    float64  `json:"arousal"`
	Energy     float64  `json:"energy"`
	Focus      float64  `json:"focus"`
	Stress     float64  `json:"stress"`
	Valence    float64  `json:"valence"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources,omitempty"`
}

// #endregion selection-record

// #region backfill-entry
// BackfillEntry is a single row in the backfill_runs table.
type BackfillEntry struct {
	RunID       string
	Mode        string // "full" | "incremental"
	Outcome     string // "completed" | "failed" | "cancelled"
	Reason      string
	SummaryJSON string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// #endregion backfill-entry

// #region config
// Config selects the slog handler.
type Config struct {
	Level  string // debug | info | warn | error
	Format string // text | json
	File   string // optional file receiving a copy of every record
}

// DefaultConfig logs info-level text to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// #endregion config
