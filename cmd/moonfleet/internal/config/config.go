// Package config holds the flag and environment plumbing for the moonfleet
// binary. Flags win over environment variables, environment variables win
// over defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"github.com/moonfleet/moonfleet/cache"
	"github.com/moonfleet/moonfleet/fanout"
	"github.com/moonfleet/moonfleet/ingest"
	"github.com/moonfleet/moonfleet/persist"
	"github.com/moonfleet/moonfleet/statusprobe"
	"github.com/moonfleet/moonfleet/wire"
)

// AppConfig collects every tunable of the control plane binary.
type AppConfig struct {
	Mode        string
	DatabaseURL string
	RedisURL    string
	HTTPListen  string

	Workers            int
	QueueSize          int
	BatchMaxSize       int
	BatchFlushInterval time.Duration

	WSBatchMaxSize       int
	WSBatchInterval      time.Duration
	WSCompressionMinSize int
	WSMaxConnsPerUser    int
	WSMaxMsgsPerSec      int
	WSJWTSecret          string

	CacheBalanceTTL    time.Duration
	CacheStrategiesTTL time.Duration

	UDPMaxCommandBytes int
	KeepaliveIdle      time.Duration
	ProbeInterval      time.Duration

	LogLevel  string
	LogJSON   bool
	LogGroups []string
}

// DefaultConfig returns the configuration used when neither flag nor
// environment override a value.
func DefaultConfig() AppConfig {
	return AppConfig{
		Mode:        "server",
		DatabaseURL: "moonfleet.db",
		HTTPListen:  ":8080",

		Workers:            ingest.DefaultWorkers,
		QueueSize:          ingest.DefaultQueueSize,
		BatchMaxSize:       persist.DefaultBatchMax,
		BatchFlushInterval: persist.DefaultFlushInterval,

		WSBatchMaxSize:       fanout.DefaultBatchMax,
		WSBatchInterval:      fanout.DefaultBatchInterval,
		WSCompressionMinSize: fanout.DefaultCompressionMin,
		WSMaxConnsPerUser:    fanout.DefaultMaxConnsPerUser,
		WSMaxMsgsPerSec:      fanout.DefaultMaxMsgsPerSec,

		CacheBalanceTTL:    cache.BalanceTTL,
		CacheStrategiesTTL: cache.StrategiesTTL,

		UDPMaxCommandBytes: wire.DefaultMaxCommandBytes,
		KeepaliveIdle:      30 * time.Second,
		ProbeInterval:      statusprobe.DefaultInterval,

		LogLevel: "info",
	}
}

// NewConfigFlagSet declares every flag against cfg. It does not parse;
// callers parse os.Args themselves so tests can feed their own argv.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("moonfleet", pflag.ContinueOnError)

	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "socket mode: server (shared sockets) or local (socket per bot)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "sqlite database path")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis URL for the read cache; empty selects the in-process cache")
	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP listen address")

	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "ingest worker count")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "ingest queue capacity in datagrams")
	fs.IntVar(&cfg.BatchMaxSize, "batch-max-size", cfg.BatchMaxSize, "max rows per persistence batch")
	fs.DurationVar(&cfg.BatchFlushInterval, "batch-flush-interval", cfg.BatchFlushInterval, "max age of a persistence batch before flush")

	fs.IntVar(&cfg.WSBatchMaxSize, "ws-batch-max-size", cfg.WSBatchMaxSize, "max notifications per websocket frame")
	fs.DurationVar(&cfg.WSBatchInterval, "ws-batch-interval", cfg.WSBatchInterval, "websocket batch window")
	fs.IntVar(&cfg.WSCompressionMinSize, "ws-compression-min-size", cfg.WSCompressionMinSize, "compress websocket frames above this size in bytes")
	fs.IntVar(&cfg.WSMaxConnsPerUser, "ws-max-conns-per-user", cfg.WSMaxConnsPerUser, "websocket connections allowed per user")
	fs.IntVar(&cfg.WSMaxMsgsPerSec, "ws-max-msgs-per-sec", cfg.WSMaxMsgsPerSec, "notifications per second per user before drop")
	fs.StringVar(&cfg.WSJWTSecret, "ws-jwt-secret", cfg.WSJWTSecret, "HMAC secret for websocket JWT auth")

	fs.DurationVar(&cfg.CacheBalanceTTL, "cache-balance-ttl", cfg.CacheBalanceTTL, "balance cache TTL")
	fs.DurationVar(&cfg.CacheStrategiesTTL, "cache-strategies-ttl", cfg.CacheStrategiesTTL, "strategy cache TTL")

	fs.IntVar(&cfg.UDPMaxCommandBytes, "udp-max-command-bytes", cfg.UDPMaxCommandBytes, "largest outbound command payload")
	fs.DurationVar(&cfg.KeepaliveIdle, "keepalive", cfg.KeepaliveIdle, "idle gap before a listener sends a keep-alive ping")
	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "status probe sweep interval")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON logs instead of console text")
	fs.StringSliceVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "restrict console logs to these logger groups")

	return fs
}

// ApplyEnvDefaults fills flags the caller did not set from MOONBOT_*
// environment variables. Explicit flags always win.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	set := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { set[f.Name] = true })

	var firstErr error
	setString := func(flag, env string, dst *string) {
		if set[flag] {
			return
		}
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
	setInt := func(flag, env string, dst *int) {
		if set[flag] {
			return
		}
		if v, ok := os.LookupEnv(env); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("parse %s: %w", env, err)
				}
				return
			}
			*dst = n
		}
	}
	setBool := func(flag, env string, dst *bool) {
		if set[flag] {
			return
		}
		if v, ok := os.LookupEnv(env); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("parse %s: %w", env, err)
				}
				return
			}
			*dst = b
		}
	}
	setDuration := func(flag, env string, dst *time.Duration) {
		if set[flag] {
			return
		}
		if v, ok := os.LookupEnv(env); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("parse %s: %w", env, err)
				}
				return
			}
			*dst = d
		}
	}

	setString("mode", "MOONBOT_MODE", &cfg.Mode)
	setString("database-url", "DATABASE_URL", &cfg.DatabaseURL)
	setString("redis-url", "REDIS_URL", &cfg.RedisURL)
	setString("http-listen", "MOONBOT_HTTP_LISTEN", &cfg.HTTPListen)

	setInt("workers", "MOONBOT_WORKERS", &cfg.Workers)
	setInt("queue-size", "MOONBOT_QUEUE_SIZE", &cfg.QueueSize)
	setInt("batch-max-size", "MOONBOT_BATCH_MAX_SIZE", &cfg.BatchMaxSize)
	setDuration("batch-flush-interval", "MOONBOT_BATCH_FLUSH_INTERVAL", &cfg.BatchFlushInterval)

	setInt("ws-batch-max-size", "MOONBOT_WS_BATCH_MAX_SIZE", &cfg.WSBatchMaxSize)
	setDuration("ws-batch-interval", "MOONBOT_WS_BATCH_INTERVAL", &cfg.WSBatchInterval)
	setInt("ws-compression-min-size", "MOONBOT_WS_COMPRESSION_MIN_SIZE", &cfg.WSCompressionMinSize)
	setInt("ws-max-conns-per-user", "MOONBOT_WS_MAX_CONNS_PER_USER", &cfg.WSMaxConnsPerUser)
	setInt("ws-max-msgs-per-sec", "MOONBOT_WS_MAX_MSGS_PER_SEC", &cfg.WSMaxMsgsPerSec)
	setString("ws-jwt-secret", "MOONBOT_WS_JWT_SECRET", &cfg.WSJWTSecret)

	setDuration("cache-balance-ttl", "MOONBOT_CACHE_BALANCE_TTL", &cfg.CacheBalanceTTL)
	setDuration("cache-strategies-ttl", "MOONBOT_CACHE_STRATEGIES_TTL", &cfg.CacheStrategiesTTL)

	setInt("udp-max-command-bytes", "MOONBOT_UDP_MAX_COMMAND_BYTES", &cfg.UDPMaxCommandBytes)
	setDuration("keepalive", "MOONBOT_KEEPALIVE", &cfg.KeepaliveIdle)
	setDuration("probe-interval", "MOONBOT_PROBE_INTERVAL", &cfg.ProbeInterval)

	setString("log-level", "MOONBOT_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "MOONBOT_LOG_JSON", &cfg.LogJSON)
	if !set["log-groups"] {
		if v, ok := os.LookupEnv("MOONBOT_LOG_GROUPS"); ok {
			cfg.LogGroups = strings.Split(v, ",")
		}
	}

	return firstErr
}

// ValidateConfig rejects configurations the app cannot start with.
func ValidateConfig(cfg AppConfig) error {
	var problems []string
	switch cfg.Mode {
	case "server", "local":
	default:
		problems = append(problems, fmt.Sprintf("mode %q (want server or local)", cfg.Mode))
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		problems = append(problems, "database-url is empty")
	}
	if cfg.Workers <= 0 {
		problems = append(problems, "workers must be positive")
	}
	if cfg.QueueSize <= 0 {
		problems = append(problems, "queue-size must be positive")
	}
	if cfg.BatchMaxSize <= 0 {
		problems = append(problems, "batch-max-size must be positive")
	}
	if cfg.UDPMaxCommandBytes <= 0 || cfg.UDPMaxCommandBytes > wire.MaxDatagramBytes {
		problems = append(problems, fmt.Sprintf("udp-max-command-bytes %d (want 1..%d)", cfg.UDPMaxCommandBytes, wire.MaxDatagramBytes))
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("log-level %q", cfg.LogLevel))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GetLogHandler builds the console handler described by cfg.
func GetLogHandler(cfg AppConfig) slog.Handler {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	if cfg.LogJSON {
		return slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}
