// Package rconfig loads process-level configuration (ports, concurrency
// ceilings, timeouts) from config.toml with environment variable overrides.
// The domain manifest (networks, contracts, events, sinks) is a separate
// artifact handled by internal/manifest.
package rconfig

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// MaxChannelSize and MaxConcurrentTasks are hard ceilings the config file and
// environment can only narrow, never widen; the timeouts are defaults used
// when a setting is unset or not positive.
const (
	MaxChannelSize       = 10
	MaxConcurrentTasks   = 100
	DefaultRPCTimeout     = 30 * time.Second
	DefaultSinkTimeout    = 5 * time.Second
	DefaultCheckpointTTL  = 5 * time.Second
	DefaultShutdownWindow = 10 * time.Second
)

// Config is the process-level configuration surface.
type Config struct {
	ManifestPath       string
	LogLevel           string
	MetricsAddress     string
	HealthAddress      string
	ChannelSize        int
	MaxConcurrentTasks int
	RPCTimeout         time.Duration
	SinkTimeout        time.Duration
	CheckpointTimeout  time.Duration
	ShutdownTimeout    time.Duration
	DatabaseURL        string
	ClickhouseAddress  string
	CheckpointPath     string
	IndexingMode       string
}

// Load reads configPath (TOML) and overlays environment variables prefixed
// with RINDEXER_, following the same koanf load order as the teacher's
// internal/util/init.go.
func Load(logger *zerolog.Logger, configPath string) (*Config, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return nil, err
	}

	if err := ko.Load(env.Provider("RINDEXER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RINDEXER_")
		switch s {
		case "CHANNEL_SIZE":
			return "indexer.channel_size"
		case "MAX_CONCURRENT_TASKS":
			return "indexer.max_concurrent_tasks"
		}
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment overrides")
	}

	cfg := &Config{
		ManifestPath:       ko.String("manifest.path"),
		LogLevel:           ko.String("logging.level"),
		MetricsAddress:     ko.String("metrics.address"),
		HealthAddress:      ko.String("health.address"),
		ChannelSize:        clamp(ko.Int("indexer.channel_size"), 1, MaxChannelSize, MaxChannelSize),
		MaxConcurrentTasks: clamp(ko.Int("indexer.max_concurrent_tasks"), 1, MaxConcurrentTasks, MaxConcurrentTasks),
		RPCTimeout:         durationOr(ko, "provider.rpc_timeout", DefaultRPCTimeout),
		SinkTimeout:        durationOr(ko, "sink.timeout", DefaultSinkTimeout),
		CheckpointTimeout:  durationOr(ko, "checkpoint.timeout", DefaultCheckpointTTL),
		ShutdownTimeout:    durationOr(ko, "shutdown.timeout", DefaultShutdownWindow),
		DatabaseURL:        ko.String("database.url"),
		ClickhouseAddress:  ko.String("clickhouse.address"),
		CheckpointPath:     ko.String("checkpoint.path"),
		IndexingMode:       ko.String("indexer.mode"),
	}

	if cfg.ManifestPath == "" {
		cfg.ManifestPath = "manifest.yaml"
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = ":9090"
	}
	if cfg.HealthAddress == "" {
		cfg.HealthAddress = ":8080"
	}
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = "checkpoints.db"
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}

	return cfg, nil
}

func durationOr(ko *koanf.Koanf, key string, fallback time.Duration) time.Duration {
	if d := ko.Duration(key); d > 0 {
		return d
	}
	return fallback
}

// clamp returns v bounded to [lo, hi], falling back to def when v is unset
// (zero or negative, since no legitimate config value is ≤ 0 here).
func clamp(v, lo, hi, def int) int {
	if v <= 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
