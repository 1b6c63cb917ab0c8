package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/cadence/internal/decision"
	"github.com/danielpatrickdp/cadence/internal/history"
	"github.com/danielpatrickdp/cadence/internal/learn"
	"github.com/danielpatrickdp/cadence/internal/session"
	"github.com/danielpatrickdp/cadence/internal/state"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	configDir := filepath.Join(dir, "cadence")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func isolate(t *testing.T) string {
	t.Helper()
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CADENCE_DB", "")
	t.Setenv("CADENCE_HTTP_ADDR", "")
	return xdg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Session.GapThreshold != 30*time.Minute {
		t.Errorf("Session.GapThreshold = %v", cfg.Session.GapThreshold)
	}
	if cfg.Learn.ColdStartAlpha != 0.4 || cfg.Learn.SteadyAlpha != 0.2 {
		t.Errorf("Learn alphas = %v/%v", cfg.Learn.ColdStartAlpha, cfg.Learn.SteadyAlpha)
	}
	if cfg.Scorer.Guard.NightBPMCap != 110 || cfg.Scorer.Guard.LateEveningBPMCap != 130 {
		t.Errorf("BPM caps = %v/%v", cfg.Scorer.Guard.NightBPMCap, cfg.Scorer.Guard.LateEveningBPMCap)
	}
	if cfg.Scorer.Weights != decision.DefaultWeights() {
		t.Errorf("Weights = %+v", cfg.Scorer.Weights)
	}
	if cfg.Kafka.Enabled() {
		t.Error("Kafka should be disabled without brokers")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics should default to enabled")
	}
}

func TestDefaultConfig_RoundTripsPackageDefaults(t *testing.T) {
	cfg := DefaultConfig()

	sess := cfg.SessionConfig()
	est := cfg.EstimatorConfig()
	if sess.Location != time.Local || est.Location != time.Local {
		t.Errorf("locations = %v/%v, want host local", sess.Location, est.Location)
	}
	sess.Location, est.Location = nil, nil
	if sess != session.DefaultConfig() {
		t.Errorf("SessionConfig = %+v", sess)
	}
	if got := cfg.LearnConfig(); got != learn.DefaultConfig() {
		t.Errorf("LearnConfig = %+v", got)
	}
	if est != state.DefaultConfig() {
		t.Errorf("EstimatorConfig = %+v", est)
	}
	sc := cfg.ScorerConfig()
	if sc.Location != time.Local || sc.Gate.Location != time.Local {
		t.Errorf("scorer locations = %v/%v", sc.Location, sc.Gate.Location)
	}
	want := decision.DefaultConfig()
	if sc.Gate.RecentWindow != want.Gate.RecentWindow || sc.Gate.MaxArtistRun != want.Gate.MaxArtistRun {
		t.Errorf("Gate = %+v", sc.Gate)
	}
	if sc.Gate.BPMCaps[history.SlotNight] != 110 || sc.Gate.BPMCaps[history.SlotLateEvening] != 130 {
		t.Errorf("BPMCaps = %v", sc.Gate.BPMCaps)
	}
}

func TestLoad_NoConfig(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "cadence.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	xdg := isolate(t)
	writeConfig(t, xdg, `
[store]
path = "/data/cadence.db"

[session]
gap_threshold = "45m"

[learn]
steady_alpha = 0.1

[scorer]
recency_horizon = "12h"

[scorer.weights]
bpm_match = 0.5
historical_effect = 0.1

[scorer.guard]
max_artist_run = 3
night_bpm_cap = 0

[kafka]
brokers = ["localhost:9092"]
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Store.Path != "/data/cadence.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Session.GapThreshold != 45*time.Minute {
		t.Errorf("GapThreshold = %v", cfg.Session.GapThreshold)
	}
	if cfg.Session.MinDuration != 5*time.Minute {
		t.Errorf("MinDuration should keep its default, got %v", cfg.Session.MinDuration)
	}
	if cfg.Learn.SteadyAlpha != 0.1 {
		t.Errorf("SteadyAlpha = %v", cfg.Learn.SteadyAlpha)
	}
	if cfg.Scorer.Weights.BPMMatch != 0.5 || cfg.Scorer.Weights.HistoricalEffect != 0.1 {
		t.Errorf("Weights = %+v", cfg.Scorer.Weights)
	}
	if cfg.Scorer.Weights.EnergyMatch != 0.2 {
		t.Errorf("EnergyMatch should keep its default, got %v", cfg.Scorer.Weights.EnergyMatch)
	}
	if !cfg.Kafka.Enabled() {
		t.Error("Kafka should be enabled with brokers set")
	}

	sc := cfg.ScorerConfig()
	if sc.RecencyHorizon != 12*time.Hour {
		t.Errorf("RecencyHorizon = %v", sc.RecencyHorizon)
	}
	if sc.Gate.MaxArtistRun != 3 {
		t.Errorf("MaxArtistRun = %d", sc.Gate.MaxArtistRun)
	}
	if _, ok := sc.Gate.BPMCaps[history.SlotNight]; ok {
		t.Error("a zero night cap should disable the guard")
	}
}

func TestLoad_InvalidConfig(t *testing.T) {
	xdg := isolate(t)
	writeConfig(t, xdg, `[session
gap_threshold = `)

	_, err := Load()
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "parse config") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_TimeLocation(t *testing.T) {
	xdg := isolate(t)
	writeConfig(t, xdg, `
[time]
location = "America/Los_Angeles"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc.String() != "America/Los_Angeles" {
		t.Errorf("location = %s", loc)
	}
	for name, got := range map[string]*time.Location{
		"session":   cfg.SessionConfig().Location,
		"estimator": cfg.EstimatorConfig().Location,
		"scorer":    cfg.ScorerConfig().Location,
		"gate":      cfg.ScorerConfig().Gate.Location,
	} {
		if got == nil || got.String() != loc.String() {
			t.Errorf("%s location = %v, want %v", name, got, loc)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"max hr equals resting", func(c *Config) { c.Estimator.MaxHR = c.Estimator.RestingHR }, "max_hr"},
		{"zero baseline hrv", func(c *Config) { c.Estimator.BaselineHRV = 0 }, "baseline_hrv"},
		{"zero tick", func(c *Config) { c.Estimator.Tick = 0 }, "estimator.tick"},
		{"zero session fetch batch", func(c *Config) { c.Session.FetchBatch = 0 }, "session.fetch_batch"},
		{"zero session commit", func(c *Config) { c.Session.CommitEvery = 0 }, "session.commit_every"},
		{"zero learn fetch batch", func(c *Config) { c.Learn.FetchBatch = 0 }, "learn.fetch_batch"},
		{"zero learn commit", func(c *Config) { c.Learn.CommitEvery = 0 }, "learn.commit_every"},
		{"negative interval", func(c *Config) { c.Backfill.Interval = -time.Minute }, "backfill.interval"},
		{"unknown location", func(c *Config) { c.Time.Location = "Mars/Olympus_Mons" }, "time.location"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadFile_RejectsInvalid(t *testing.T) {
	isolate(t)
	p := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(p, []byte("[estimator]\nmax_hr = 60\nresting_hr = 60\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(p)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("LoadFile = %v, want invalid config", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	xdg := isolate(t)
	writeConfig(t, xdg, `
[store]
path = "/from/file.db"
`)
	t.Setenv("CADENCE_DB", "/from/env.db")
	t.Setenv("CADENCE_HTTP_ADDR", ":9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/from/env.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	isolate(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	writeConfig(t, xdg, `
[store]
path = "~/music/cadence.db"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := filepath.Join(home, "music", "cadence.db"); cfg.Store.Path != want {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, want)
	}
}

func TestLoad_HomeFallback(t *testing.T) {
	isolate(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	writeConfig(t, filepath.Join(home, ".config"), `
[http]
addr = ":7070"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":7070" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if Path() == "" {
		t.Error("Path should report the home config")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	p := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(p, []byte("[scorer.weights]\nbpm_match = 0.25\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, p, nil, func(c Config) { got <- c })
	}()

	// Keep rewriting until the watcher is registered and sees a change.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-got:
			if c.Scorer.Weights.BPMMatch != 0.9 {
				t.Fatalf("BPMMatch = %v", c.Scorer.Weights.BPMMatch)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(p, []byte("[scorer.weights]\nbpm_match = 0.9\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no reload within 5s")
		}
	}
}

func TestWatch_SkipsInvalidReload(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	p := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(p, []byte("[scorer.weights]\nbpm_match = 0.25\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, p, nil, func(c Config) { got <- c })
	}()

	invalid := []byte("[session]\nfetch_batch = 0\n[scorer.weights]\nbpm_match = 0.1\n")
	valid := []byte("[scorer.weights]\nbpm_match = 0.9\n")
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-got:
			if c.Session.FetchBatch == 0 || c.Scorer.Weights.BPMMatch == 0.1 {
				t.Fatalf("invalid config delivered: %+v", c.Session)
			}
			if c.Scorer.Weights.BPMMatch != 0.9 {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(p, invalid, 0o644); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(p, valid, 0o644); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no valid reload within 5s")
		}
	}
}
