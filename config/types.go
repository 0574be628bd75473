// Package config provides configuration management for the SpacePanda core.
package config

import "time"

// Config is the top-level configuration recognized by the service façade.
// It is loaded from YAML (JSON accepted as a fallback) with ${VAR}/${VAR:default}
// environment-variable substitution applied before parsing, and an optional
// .env overlay loaded ahead of the process environment.
type Config struct {
	Ciphersuite string          `yaml:"ciphersuite" json:"ciphersuite"`
	StoragePath string          `yaml:"storage_path" json:"storage_path"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Breaker     BreakerConfig   `yaml:"breaker" json:"breaker"`
	Shutdown    ShutdownConfig  `yaml:"shutdown" json:"shutdown"`
	Logging     LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics     MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// RateLimitConfig configures the per-peer token bucket.
type RateLimitConfig struct {
	RequestsPerSec float64 `yaml:"requests_per_sec" json:"requests_per_sec"`
	Burst          float64 `yaml:"burst" json:"burst"`
}

// BreakerConfig configures the per-peer circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	OpenTimeoutMS    int `yaml:"open_timeout_ms" json:"open_timeout_ms"`
}

// OpenTimeout returns the breaker's open-state timeout as a time.Duration.
func (b BreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(b.OpenTimeoutMS) * time.Millisecond
}

// ShutdownConfig configures graceful shutdown.
type ShutdownConfig struct {
	GraceMS int `yaml:"grace_ms" json:"grace_ms"`
}

// Grace returns the shutdown grace period as a time.Duration.
func (s ShutdownConfig) Grace() time.Duration {
	return time.Duration(s.GraceMS) * time.Millisecond
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// Defaults returns a Config populated with the recognized defaults.
func Defaults() *Config {
	return &Config{
		Ciphersuite: "MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519",
		StoragePath: "./spacepanda-data",
		RateLimit: RateLimitConfig{
			RequestsPerSec: 100,
			Burst:          200,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 10,
			OpenTimeoutMS:    30000,
		},
		Shutdown: ShutdownConfig{
			GraceMS: 30000,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9090"},
	}
}
