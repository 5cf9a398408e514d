package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	logpkg "github.com/rzbill/flowstream/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir string `json:"dataDir" toml:"data_dir"`
	// Fsync is one of always, interval or never and applies to the pebble
	// stores. Stream files are synced on flush when it is always.
	Fsync   string        `json:"fsync" toml:"fsync"`
	State   StateConfig   `json:"state" toml:"state"`
	Stream  StreamDefault `json:"stream" toml:"stream"`
	Log     logpkg.Config `json:"log" toml:"log"`
	Metrics MetricsConfig `json:"metrics" toml:"metrics"`
	GRPC    GRPCConfig    `json:"grpc" toml:"grpc"`
}

// StateConfig selects the consumer state backend.
type StateConfig struct {
	// Backend is pebble, sqlite or memory.
	Backend       string `json:"backend" toml:"backend"`
	SQLitePath    string `json:"sqlitePath" toml:"sqlite_path"`
	BusyTimeoutMS int    `json:"busyTimeoutMs" toml:"busy_timeout_ms"`
	// CacheSize bounds the consumed-position cache. Zero uses the default,
	// negative disables it.
	CacheSize int `json:"cacheSize" toml:"cache_size"`
}

// StreamDefault captures defaults for newly created streams.
type StreamDefault struct {
	PartitionDuration Duration `json:"partitionDuration" toml:"partition_duration"`
	TTL               Duration `json:"ttl" toml:"ttl"`
	FilePrefix        string   `json:"filePrefix" toml:"file_prefix"`
	IndexInterval     int      `json:"indexInterval" toml:"index_interval"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr string `json:"addr" toml:"addr"`
}

type GRPCConfig struct {
	Addr string `json:"addr" toml:"addr"`
}

// Duration is a time.Duration written as a string ("90s", "24h") in files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Fsync:   "always",
		State: StateConfig{
			Backend:       "pebble",
			BusyTimeoutMS: 5000,
			CacheSize:     64 << 10,
		},
		Stream: StreamDefault{
			PartitionDuration: Duration(time.Hour),
			FilePrefix:        "file",
			IndexInterval:     64,
		},
		Log:     logpkg.Config{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: ":9464"},
		GRPC:    GRPCConfig{Addr: ":7070"},
	}
}

// Load reads configuration from a JSON or TOML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(b), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks enumerated fields.
func (c Config) Validate() error {
	switch c.Fsync {
	case "always", "interval", "never":
	default:
		return fmt.Errorf("config: unknown fsync mode %q", c.Fsync)
	}
	switch c.State.Backend {
	case "pebble", "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown state backend %q", c.State.Backend)
	}
	if c.Stream.TTL < 0 {
		return fmt.Errorf("config: negative stream ttl")
	}
	return nil
}

// SQLitePath returns the SQLite state database path, defaulting to a file in
// the data directory.
func (c Config) SQLitePath() string {
	if c.State.SQLitePath != "" {
		return c.State.SQLitePath
	}
	return filepath.Join(c.DataDir, "consumer-state.db")
}
