// Package config loads the conduit CLI configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the CLI configuration. Zero fields in a file fall back to the
// values from [Default].
type Config struct {
	Log       LogConfig       `toml:"log"`
	FlatMap   FlatMapConfig   `toml:"flatmap"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Queue     QueueConfig     `toml:"queue"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// FlatMapConfig drives the flatmap demo: Items upstream values, each mapped
// to a sub-stream of Fanout values, with at most MaxConcurrent transforms in
// flight. MaxConcurrent 0 means unlimited.
type FlatMapConfig struct {
	MaxConcurrent int `toml:"max_concurrent"`
	Items         int `toml:"items"`
	Fanout        int `toml:"fanout"`
	Demand        int `toml:"demand"`
}

type SchedulerConfig struct {
	Jobs       int `toml:"jobs"`
	Priorities int `toml:"priorities"`
}

type QueueConfig struct {
	Producers int `toml:"producers"`
	Items     int `toml:"items"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		FlatMap: FlatMapConfig{
			MaxConcurrent: 1,
			Items:         2,
			Fanout:        5,
			Demand:        1,
		},
		Scheduler: SchedulerConfig{
			Jobs:       8,
			Priorities: 3,
		},
		Queue: QueueConfig{
			Producers: 4,
			Items:     10000,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: %s does not exist", path)
		}
		return Config{}, fmt.Errorf("config: %s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("[log].format must be text or json, got %q", c.Log.Format)
	}

	switch {
	case c.FlatMap.MaxConcurrent < 0:
		return fmt.Errorf("[flatmap].max_concurrent must be >= 0 (0 is unlimited)")
	case c.FlatMap.Items < 0:
		return fmt.Errorf("[flatmap].items must be >= 0")
	case c.FlatMap.Fanout < 0:
		return fmt.Errorf("[flatmap].fanout must be >= 0")
	case c.FlatMap.Demand <= 0:
		return fmt.Errorf("[flatmap].demand must be > 0")
	case c.Scheduler.Jobs < 0:
		return fmt.Errorf("[scheduler].jobs must be >= 0")
	case c.Scheduler.Priorities <= 0 || c.Scheduler.Priorities > 256:
		return fmt.Errorf("[scheduler].priorities must be in 1..256")
	case c.Queue.Producers <= 0:
		return fmt.Errorf("[queue].producers must be > 0")
	case c.Queue.Items < 0:
		return fmt.Errorf("[queue].items must be >= 0")
	}
	return nil
}

// Logger builds the slog logger described by the [log] section.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("[log].level %q: must be debug, info, warn or error", s)
	}
	return level, nil
}
