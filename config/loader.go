package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadFromFile loads configuration from a YAML (or JSON) file, applying defaults
// for any field the file leaves zero. Environment variables referenced as
// ${VAR} or ${VAR:default} in the raw file are substituted before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := SubstituteEnvVars(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// LoadFromEnvFile loads a .env file (if present) into the process environment
// ahead of reading cfgPath, so ${VAR} references in the config file can pick
// up secrets injected this way. It is not an error for the .env file to be
// absent.
func LoadFromEnvFile(envPath, cfgPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	return LoadFromFile(cfgPath)
}

// applyDefaults fills in any zero-valued fields left by a partial config file.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Ciphersuite == "" {
		cfg.Ciphersuite = d.Ciphersuite
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = d.StoragePath
	}
	if cfg.RateLimit.RequestsPerSec == 0 {
		cfg.RateLimit.RequestsPerSec = d.RateLimit.RequestsPerSec
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = d.RateLimit.Burst
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = d.Breaker.FailureThreshold
	}
	if cfg.Breaker.OpenTimeoutMS == 0 {
		cfg.Breaker.OpenTimeoutMS = d.Breaker.OpenTimeoutMS
	}
	if cfg.Shutdown.GraceMS == 0 {
		cfg.Shutdown.GraceMS = d.Shutdown.GraceMS
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = d.Metrics.Addr
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
}
