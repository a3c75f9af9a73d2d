package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate != 0 && (cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 192000) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", cfg.Audio.SampleRate))
	}
	switch cfg.Audio.ChannelCount {
	case 0, 1, 2:
	default:
		errs = append(errs, fmt.Errorf("audio.channel_count %d is invalid; valid values: 1, 2", cfg.Audio.ChannelCount))
	}
	if cfg.Audio.BufferMillis < 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_millis %d must not be negative", cfg.Audio.BufferMillis))
	} else if cfg.Audio.BufferMillis > 500 {
		slog.Warn("audio.buffer_millis adds noticeable latency beyond 500ms", "buffer_millis", cfg.Audio.BufferMillis)
	}
	if cfg.Audio.SoundFont == "" {
		slog.Warn("audio.soundfont is empty; sample-based categories will not be able to construct engines")
	}

	// Session
	if cfg.Session.LoadTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.load_timeout %s must not be negative", cfg.Session.LoadTimeout))
	} else if cfg.Session.LoadTimeout > 2*time.Minute {
		slog.Warn("session.load_timeout is unusually long; a stuck construction will block local playback for this duration",
			"load_timeout", cfg.Session.LoadTimeout)
	}
	if cfg.Session.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("session.sweep_interval %s must not be negative", cfg.Session.SweepInterval))
	}
	if cfg.Session.PreloadParallelism < 0 {
		errs = append(errs, fmt.Errorf("session.preload_parallelism %d must not be negative", cfg.Session.PreloadParallelism))
	}

	// Prefs availability
	if cfg.Prefs.PostgresDSN == "" {
		slog.Warn("prefs.postgres_dsn is empty; participant preferences will not survive a restart")
	}

	// Catalog overrides: duplicate category detection plus per-entry checks.
	categoriesSeen := make(map[string]int, len(cfg.Catalogs))
	for i, cat := range cfg.Catalogs {
		prefix := fmt.Sprintf("catalogs[%d]", i)
		if cat.Category == "" {
			errs = append(errs, fmt.Errorf("%s.category is required", prefix))
		} else if !cat.Category.IsValid() {
			errs = append(errs, fmt.Errorf("%s.category %q is invalid; valid values: synth, sampler, drums", prefix, cat.Category))
		} else {
			if prev, ok := categoriesSeen[string(cat.Category)]; ok {
				errs = append(errs, fmt.Errorf("%s.category %q is a duplicate of catalogs[%d]", prefix, cat.Category, prev))
			}
			categoriesSeen[string(cat.Category)] = i
		}
		if len(cat.Instruments) == 0 {
			errs = append(errs, fmt.Errorf("%s.instruments must not be empty; the fallback resolver needs at least one entry", prefix))
		}
		namesSeen := make(map[string]int, len(cat.Instruments))
		for j, name := range cat.Instruments {
			if name == "" {
				errs = append(errs, fmt.Errorf("%s.instruments[%d] must not be empty", prefix, j))
				continue
			}
			if prev, ok := namesSeen[name]; ok {
				errs = append(errs, fmt.Errorf("%s.instruments[%d] %q is a duplicate of instruments[%d]", prefix, j, name, prev))
			}
			namesSeen[name] = j
		}
	}

	return errors.Join(errs...)
}
