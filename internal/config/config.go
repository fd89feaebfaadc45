// Package config resolves the runtime settings of the lycoris command from
// the environment and an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/born-ml/lycoris/internal/blob"
)

// Environment variables read by Load.
//
//	LYCORIS_DEVICE:        compute device (default cpu)
//	LYCORIS_LOG_LEVEL:     debug|info|warn|error (default info)
//	LYCORIS_METRICS_FILE:  Prometheus text file written after each run
//	LYCORIS_S3_REGION:     region for s3:// locations (default us-east-1)
//	LYCORIS_S3_ENDPOINT:   custom endpoint, e.g. a MinIO server
//	LYCORIS_S3_PATH_STYLE: force path-style addressing (true|false)
//	LYCORIS_WORKERS:       CPU workers for tensor kernels (default NumCPU)
const (
	EnvDevice      = "LYCORIS_DEVICE"
	EnvLogLevel    = "LYCORIS_LOG_LEVEL"
	EnvMetricsFile = "LYCORIS_METRICS_FILE"
	EnvS3Region    = "LYCORIS_S3_REGION"
	EnvS3Endpoint  = "LYCORIS_S3_ENDPOINT"
	EnvS3PathStyle = "LYCORIS_S3_PATH_STYLE"
	EnvWorkers     = "LYCORIS_WORKERS"
)

// Config is the resolved environment.
type Config struct {
	Device      string
	LogLevel    slog.Level
	MetricsFile string
	Workers     int // 0 keeps the default
	S3          blob.S3Config
}

// Load reads envFile (if it exists) into the process environment without
// overriding variables already set, then resolves Config.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}
	return FromEnv(os.Getenv)
}

// FromEnv resolves Config through getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Device:      strings.ToLower(strings.TrimSpace(getenv(EnvDevice))),
		MetricsFile: getenv(EnvMetricsFile),
		S3: blob.S3Config{
			Region:   getenv(EnvS3Region),
			Endpoint: getenv(EnvS3Endpoint),
		},
	}
	if cfg.Device == "" {
		cfg.Device = "cpu"
	}

	level, err := ParseLevel(getenv(EnvLogLevel))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", EnvLogLevel, err)
	}
	cfg.LogLevel = level

	if v := getenv(EnvS3PathStyle); v != "" {
		cfg.S3.PathStyle, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", EnvS3PathStyle, err)
		}
	}
	if v := getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("config: %s: invalid worker count %q", EnvWorkers, v)
		}
		cfg.Workers = n
	}
	return cfg, nil
}

// ParseLevel maps a level name to slog.Level. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
