package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/danielpatrickdp/cadence/internal/backfill"
	"github.com/danielpatrickdp/cadence/internal/decision"
	"github.com/danielpatrickdp/cadence/internal/eval"
	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/impact"
	"github.com/danielpatrickdp/cadence/internal/learn"
	"github.com/danielpatrickdp/cadence/internal/logging"
	"github.com/danielpatrickdp/cadence/internal/session"
	"github.com/danielpatrickdp/cadence/internal/state"
)

const appDir = "cadence"

// #region types

// Config is the daemon configuration. Every section starts from the
// package defaults; a config file only needs the keys it changes.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Time      TimeConfig      `toml:"time"`
	Log       LogConfig       `toml:"log"`
	Session   SessionConfig   `toml:"session"`
	Learn     LearnConfig     `toml:"learn"`
	Impact    ImpactConfig    `toml:"impact"`
	Estimator EstimatorConfig `toml:"estimator"`
	Scorer    ScorerConfig    `toml:"scorer"`
	Backfill  BackfillConfig  `toml:"backfill"`
	HTTP      HTTPConfig      `toml:"http"`
	GRPC      GRPCConfig      `toml:"grpc"`
	Kafka     KafkaConfig     `toml:"kafka"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

// TimeConfig names the listener's clock. Time-of-day slots and clock
// contexts are read in this zone; an empty Location uses the host's.
type TimeConfig struct {
	Location string `toml:"location"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

type SessionConfig struct {
	GapThreshold     time.Duration `toml:"gap_threshold"`
	MinDuration      time.Duration `toml:"min_duration"`
	BiometricPadding time.Duration `toml:"biometric_padding"`
	FetchBatch       int           `toml:"fetch_batch"`
	CommitEvery      int           `toml:"commit_every"`
}

type LearnConfig struct {
	ColdStartAlpha          float64 `toml:"cold_start_alpha"`
	ColdStartSamples        int     `toml:"cold_start_samples"`
	SteadyAlpha             float64 `toml:"steady_alpha"`
	ConfidenceSamples       int     `toml:"confidence_samples"`
	BehavioralConfidenceCap float64 `toml:"behavioral_confidence_cap"`
	FamiliarityPlays        int     `toml:"familiarity_plays"`
	FetchBatch              int     `toml:"fetch_batch"`
	CommitEvery             int     `toml:"commit_every"`
}

type ImpactConfig struct {
	EarlySkipThreshold float64 `toml:"early_skip_threshold"`
	LateSkipThreshold  float64 `toml:"late_skip_threshold"`
	EarlySkipPenalty   float64 `toml:"early_skip_penalty"`
	LateSkipPenalty    float64 `toml:"late_skip_penalty"`
	CompletionWeight   float64 `toml:"completion_weight"`
}

type EstimatorConfig struct {
	Tick           time.Duration `toml:"tick"`
	RestingHR      float64       `toml:"resting_hr"`
	MaxHR          float64       `toml:"max_hr"`
	BaselineHRV    float64       `toml:"baseline_hrv"`
	ManualDecay    time.Duration `toml:"manual_decay"`
	CalmStress     float64       `toml:"calm_stress"`
	EnergizeEnergy float64       `toml:"energize_energy"`
}

type ScorerConfig struct {
	Weights        decision.Weights `toml:"weights"`
	Guard          GuardConfig      `toml:"guard"`
	BPMTolerance   float64          `toml:"bpm_tolerance"`
	RecencyHorizon time.Duration    `toml:"recency_horizon"`
	TransitionBase float64          `toml:"transition_base"`
}

// GuardConfig sets the hard filters. A zero value disables that guard.
type GuardConfig struct {
	RecentWindow      time.Duration `toml:"recent_window"`
	MaxArtistRun      int           `toml:"max_artist_run"`
	NightBPMCap       float64       `toml:"night_bpm_cap"`
	LateEveningBPMCap float64       `toml:"late_evening_bpm_cap"`
}

type BackfillConfig struct {
	Interval   time.Duration `toml:"interval"` // incremental backfill period; 0 disables the schedule
	RunOnStart bool          `toml:"run_on_start"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

type GRPCConfig struct {
	Addr string `toml:"addr"` // empty disables the health server
}

// KafkaConfig enables the event publisher when Brokers is non-empty.
type KafkaConfig struct {
	Brokers       []string `toml:"brokers"`
	StateTopic    string   `toml:"state_topic"`
	ProgressTopic string   `toml:"progress_topic"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// #endregion types

// #region defaults

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	sc := session.DefaultConfig()
	lc := learn.DefaultConfig()
	ic := impact.DefaultConfig()
	ec := state.DefaultConfig()
	dc := decision.DefaultConfig()
	lg := logging.DefaultConfig()

	return Config{
		Store: StoreConfig{Path: "cadence.db"},
		Log:   LogConfig{Level: lg.Level, Format: lg.Format, File: lg.File},
		Session: SessionConfig{
			GapThreshold:     sc.GapThreshold,
			MinDuration:      sc.MinDuration,
			BiometricPadding: sc.BiometricPadding,
			FetchBatch:       sc.FetchBatch,
			CommitEvery:      sc.CommitEvery,
		},
		Learn: LearnConfig{
			ColdStartAlpha:          lc.ColdStartAlpha,
			ColdStartSamples:        lc.ColdStartSamples,
			SteadyAlpha:             lc.SteadyAlpha,
			ConfidenceSamples:       lc.ConfidenceSamples,
			BehavioralConfidenceCap: lc.BehavioralConfidenceCap,
			FamiliarityPlays:        lc.FamiliarityPlays,
			FetchBatch:              lc.FetchBatch,
			CommitEvery:             lc.CommitEvery,
		},
		Impact: ImpactConfig{
			EarlySkipThreshold: ic.EarlySkipThreshold,
			LateSkipThreshold:  ic.LateSkipThreshold,
			EarlySkipPenalty:   ic.EarlySkipPenalty,
			LateSkipPenalty:    ic.LateSkipPenalty,
			CompletionWeight:   ic.CompletionWeight,
		},
		Estimator: EstimatorConfig{
			Tick:           ec.Tick,
			RestingHR:      ec.Profile.RestingHR,
			MaxHR:          ec.Profile.MaxHR,
			BaselineHRV:    ec.Profile.BaselineHRV,
			ManualDecay:    ec.ManualDecay,
			CalmStress:     ec.CalmStress,
			EnergizeEnergy: ec.EnergizeEnergy,
		},
		Scorer: ScorerConfig{
			Weights: dc.Weights,
			Guard: GuardConfig{
				RecentWindow:      dc.Gate.RecentWindow,
				MaxArtistRun:      dc.Gate.MaxArtistRun,
				NightBPMCap:       dc.Gate.BPMCaps[history.SlotNight],
				LateEveningBPMCap: dc.Gate.BPMCaps[history.SlotLateEvening],
			},
			BPMTolerance:   dc.BPMTolerance,
			RecencyHorizon: dc.RecencyHorizon,
			TransitionBase: dc.TransitionBase,
		},
		Backfill: BackfillConfig{Interval: 6 * time.Hour, RunOnStart: true},
		HTTP:     HTTPConfig{Addr: ":8080"},
		GRPC:     GRPCConfig{Addr: ":50051"},
		Kafka:    KafkaConfig{StateTopic: "cadence.state", ProgressTopic: "cadence.backfill"},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// #endregion defaults

// #region load

// Load reads config from the first config file found, falling back to
// defaults, then applies environment overrides.
func Load() (Config, error) {
	cfg := DefaultConfig()
	for _, p := range configPaths() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if _, err := toml.DecodeFile(p, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", p, err)
		}
		break
	}
	cfg.applyEnv()
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Log.File = expandHome(cfg.Log.File)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile reads one config file over the defaults. A missing file is an
// error.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Log.File = expandHome(cfg.Log.File)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Path returns the first existing config file, or "" when there is none.
func Path() string {
	for _, p := range configPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CADENCE_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("CADENCE_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
}

func configPaths() []string {
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, appDir, "config.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", appDir, "config.toml"))
	}
	return paths
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// #endregion load

// #region validate

// Validate rejects values the pipeline cannot run with: zero batch sizes
// process nothing and a degenerate profile divides by zero.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Session.FetchBatch <= 0 {
		errs = append(errs, fmt.Errorf("session.fetch_batch must be positive, got %d", c.Session.FetchBatch))
	}
	if c.Session.CommitEvery <= 0 {
		errs = append(errs, fmt.Errorf("session.commit_every must be positive, got %d", c.Session.CommitEvery))
	}
	if c.Learn.FetchBatch <= 0 {
		errs = append(errs, fmt.Errorf("learn.fetch_batch must be positive, got %d", c.Learn.FetchBatch))
	}
	if c.Learn.CommitEvery <= 0 {
		errs = append(errs, fmt.Errorf("learn.commit_every must be positive, got %d", c.Learn.CommitEvery))
	}
	e := c.Estimator
	if e.Tick <= 0 {
		errs = append(errs, fmt.Errorf("estimator.tick must be positive, got %s", e.Tick))
	}
	if e.MaxHR <= e.RestingHR {
		errs = append(errs, fmt.Errorf("estimator.max_hr (%g) must exceed resting_hr (%g)", e.MaxHR, e.RestingHR))
	}
	if e.BaselineHRV <= 0 {
		errs = append(errs, fmt.Errorf("estimator.baseline_hrv must be positive, got %g", e.BaselineHRV))
	}
	if c.Backfill.Interval < 0 {
		errs = append(errs, fmt.Errorf("backfill.interval must not be negative, got %s", c.Backfill.Interval))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location resolves the listener's clock.
func (c Config) Location() (*time.Location, error) {
	if c.Time.Location == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Time.Location)
	if err != nil {
		return nil, fmt.Errorf("time.location: %w", err)
	}
	return loc, nil
}

// location is Location for conversions, which run after Validate.
func (c Config) location() *time.Location {
	loc, err := c.Location()
	if err != nil {
		return time.Local
	}
	return loc
}

// #endregion validate

// #region conversions

func (c Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, File: c.Log.File}
}

func (c Config) SessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.GapThreshold = c.Session.GapThreshold
	sc.MinDuration = c.Session.MinDuration
	sc.BiometricPadding = c.Session.BiometricPadding
	sc.FetchBatch = c.Session.FetchBatch
	sc.CommitEvery = c.Session.CommitEvery
	sc.Location = c.location()
	return sc
}

func (c Config) LearnConfig() learn.Config {
	lc := learn.DefaultConfig()
	lc.ColdStartAlpha = c.Learn.ColdStartAlpha
	lc.ColdStartSamples = c.Learn.ColdStartSamples
	lc.SteadyAlpha = c.Learn.SteadyAlpha
	lc.ConfidenceSamples = c.Learn.ConfidenceSamples
	lc.BehavioralConfidenceCap = c.Learn.BehavioralConfidenceCap
	lc.FamiliarityPlays = c.Learn.FamiliarityPlays
	lc.FetchBatch = c.Learn.FetchBatch
	lc.CommitEvery = c.Learn.CommitEvery

	lc.Impact.EarlySkipThreshold = c.Impact.EarlySkipThreshold
	lc.Impact.LateSkipThreshold = c.Impact.LateSkipThreshold
	lc.Impact.EarlySkipPenalty = c.Impact.EarlySkipPenalty
	lc.Impact.LateSkipPenalty = c.Impact.LateSkipPenalty
	lc.Impact.CompletionWeight = c.Impact.CompletionWeight
	return lc
}

func (c Config) BackfillConfig() backfill.Config {
	ev := eval.DefaultEvalConfig()
	ev.ConfidenceSamples = c.Learn.ConfidenceSamples
	return backfill.Config{
		Session: c.SessionConfig(),
		Learn:   c.LearnConfig(),
		Eval:    ev,
	}
}

func (c Config) EstimatorConfig() state.Config {
	ec := state.DefaultConfig()
	ec.Tick = c.Estimator.Tick
	ec.Profile = state.Profile{
		RestingHR:   c.Estimator.RestingHR,
		MaxHR:       c.Estimator.MaxHR,
		BaselineHRV: c.Estimator.BaselineHRV,
	}
	ec.ManualDecay = c.Estimator.ManualDecay
	ec.CalmStress = c.Estimator.CalmStress
	ec.EnergizeEnergy = c.Estimator.EnergizeEnergy
	ec.Location = c.location()
	return ec
}

func (c Config) ScorerConfig() decision.Config {
	dc := decision.DefaultConfig()
	dc.Weights = c.Scorer.Weights
	dc.BPMTolerance = c.Scorer.BPMTolerance
	dc.RecencyHorizon = c.Scorer.RecencyHorizon
	dc.TransitionBase = c.Scorer.TransitionBase
	dc.Location = c.location()

	g := c.Scorer.Guard
	dc.Gate.RecentWindow = g.RecentWindow
	dc.Gate.MaxArtistRun = g.MaxArtistRun
	dc.Gate.Location = dc.Location
	dc.Gate.BPMCaps = map[history.TimeSlot]float64{}
	if g.NightBPMCap > 0 {
		dc.Gate.BPMCaps[history.SlotNight] = g.NightBPMCap
	}
	if g.LateEveningBPMCap > 0 {
		dc.Gate.BPMCaps[history.SlotLateEvening] = g.LateEveningBPMCap
	}
	return dc
}

// #endregion conversions

// #region watch

// Watch calls onChange with the reloaded config each time the file at path
// is written, until ctx is done. A file that fails to parse or validate is
// logged and skipped. The parent directory is watched so editors that replace the
// file on save are seen.
func Watch(ctx context.Context, path string, log *slog.Logger, onChange func(Config)) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With(slog.String("component", "config"))

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadFile(path)
			if err != nil {
				log.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			log.Info("config reloaded", "path", path)
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("config watcher overflow", "error", err)
				continue
			}
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}
}

// #endregion watch
