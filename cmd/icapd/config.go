package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"icapd/icap"
)

// Config is the daemon configuration. Values come from the YAML file, then
// ICAP_* environment variables, then command-line flags.
type Config struct {
	Listen   string         `yaml:"listen"`
	ISTag    string         `yaml:"istag"`
	TLS      TLSConfig      `yaml:"tls"`
	Log      LogConfig      `yaml:"log"`
	Limits   LimitsConfig   `yaml:"limits"`
	Health   HealthConfig   `yaml:"health"`
	Services ServicesConfig `yaml:"services"`
}

type TLSConfig struct {
	// Mode is off, implicit or upgrade.
	Mode              string `yaml:"mode"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	EnableTLS11       bool   `yaml:"enable_tls_1_1"`
	WatchCertificates bool   `yaml:"watch_certificates"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File receives the server log in addition to stdout.
	File         string `yaml:"file"`
	RotateSizeMB int64  `yaml:"rotate_size_mb"`
	// RotateSchedule is a cron expression; empty disables scheduled rotation.
	RotateSchedule string `yaml:"rotate_schedule"`
	AccessFile     string `yaml:"access_file"`
	Bodies         bool   `yaml:"bodies"`
}

type LimitsConfig struct {
	MaxBodySize  int64         `yaml:"max_body_size"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type HealthConfig struct {
	// Listen is the address of the /healthz and /metrics server; empty
	// disables it.
	Listen string `yaml:"listen"`
}

type ServicesConfig struct {
	Echo EchoConfig `yaml:"echo"`
}

type EchoConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Path           string        `yaml:"path"`
	MaxConnections int           `yaml:"max_connections"`
	Timeout        time.Duration `yaml:"timeout"`
	// PreviewSize below zero disables previews.
	PreviewSize int    `yaml:"preview_size"`
	OptionsTTL  int    `yaml:"options_ttl"`
	ISTag       string `yaml:"istag"`
	ServiceID   string `yaml:"service_id"`
}

func defaultConfig() *Config {
	return &Config{
		Listen: ":1344",
		TLS:    TLSConfig{Mode: "off"},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			RotateSizeMB: 25,
		},
		Limits: LimitsConfig{
			MaxBodySize:  10 * 1024 * 1024,
			IdleTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Health: HealthConfig{Listen: ":8080"},
		Services: ServicesConfig{Echo: EchoConfig{
			Enabled:        true,
			Path:           "echo",
			MaxConnections: 1000,
			PreviewSize:    1024,
			OptionsTTL:     60,
		}},
	}
}

// loadConfig reads path over the defaults and applies environment
// overrides. An empty path skips the file.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Listen = getEnv("ICAP_LISTEN", cfg.Listen)
	if port := getEnv("ICAP_PORT", ""); port != "" {
		cfg.Listen = ":" + port
	}
	cfg.ISTag = getEnv("ICAP_ISTAG", cfg.ISTag)

	cfg.TLS.Mode = getEnv("ICAP_TLS_MODE", cfg.TLS.Mode)
	cfg.TLS.CertFile = getEnv("ICAP_TLS_CERT_FILE", cfg.TLS.CertFile)
	cfg.TLS.KeyFile = getEnv("ICAP_TLS_KEY_FILE", cfg.TLS.KeyFile)

	cfg.Log.Level = getEnv("ICAP_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("ICAP_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getEnv("ICAP_LOG_FILE", cfg.Log.File)
	cfg.Log.RotateSizeMB = int64(getEnvInt("ICAP_LOG_ROTATE_SIZE_MB", int(cfg.Log.RotateSizeMB)))
	cfg.Log.AccessFile = getEnv("ICAP_ACCESS_LOG_FILE", cfg.Log.AccessFile)

	cfg.Limits.MaxBodySize = int64(getEnvInt("ICAP_MAX_BODY_SIZE", int(cfg.Limits.MaxBodySize)))
	cfg.Limits.IdleTimeout = getEnvSeconds("ICAP_IDLE_TIMEOUT_SEC", cfg.Limits.IdleTimeout)
	cfg.Limits.WriteTimeout = getEnvSeconds("ICAP_WRITE_TIMEOUT_SEC", cfg.Limits.WriteTimeout)

	cfg.Health.Listen = getEnv("ICAP_HEALTH_LISTEN", cfg.Health.Listen)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	return time.Duration(getEnvInt(key, int(fallback/time.Second))) * time.Second
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	mode, err := icap.ParseTLSMode(c.TLS.Mode)
	if err != nil {
		return err
	}
	if mode != icap.TLSOff && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls mode %s requires cert_file and key_file", mode)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Log.RotateSizeMB < 0 {
		return errors.New("log.rotate_size_mb must not be negative")
	}
	if c.Log.RotateSchedule != "" {
		if _, err := cron.ParseStandard(c.Log.RotateSchedule); err != nil {
			return fmt.Errorf("invalid rotate schedule %q: %w", c.Log.RotateSchedule, err)
		}
	}

	if c.Limits.MaxBodySize < 0 || c.Limits.IdleTimeout < 0 || c.Limits.WriteTimeout < 0 {
		return errors.New("limits must not be negative")
	}

	echo := c.Services.Echo
	if echo.Enabled {
		if echo.Path == "" {
			return errors.New("services.echo.path is empty")
		}
		if echo.MaxConnections < 0 || echo.Timeout < 0 || echo.OptionsTTL < 0 {
			return errors.New("services.echo limits must not be negative")
		}
	}
	return nil
}
