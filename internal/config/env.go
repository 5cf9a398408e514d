package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays FLOWSTREAM_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("FLOWSTREAM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FLOWSTREAM_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("FLOWSTREAM_STATE_BACKEND"); v != "" {
		cfg.State.Backend = v
	}
	if v := os.Getenv("FLOWSTREAM_STATE_SQLITE_PATH"); v != "" {
		cfg.State.SQLitePath = v
	}
	if v := os.Getenv("FLOWSTREAM_STATE_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.State.CacheSize = n
		}
	}
	if v := os.Getenv("FLOWSTREAM_STREAM_PARTITION_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stream.PartitionDuration = Duration(d)
		}
	}
	if v := os.Getenv("FLOWSTREAM_STREAM_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stream.TTL = Duration(d)
		}
	}
	if v := os.Getenv("FLOWSTREAM_STREAM_INDEX_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.IndexInterval = n
		}
	}
	if v := os.Getenv("FLOWSTREAM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FLOWSTREAM_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v, ok := os.LookupEnv("FLOWSTREAM_METRICS_ADDR"); ok {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("FLOWSTREAM_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
}
