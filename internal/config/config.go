// Package config provides YAML configuration loading and validation for the
// provenance ledger service.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the provenance ledger
// service.
type Config struct {
	// DataDir holds the HMAC secret, system identity file, and staged
	// uploads. Required.
	DataDir string `yaml:"data_dir"`

	// DBDriver selects the record store backend: "sqlite" or "postgres".
	// Defaults to "sqlite" when omitted.
	DBDriver string `yaml:"db_driver"`

	// DBPath is the SQLite database file path. Used only when DBDriver is
	// "sqlite". Defaults to "<data_dir>/provenance.db" when omitted.
	DBPath string `yaml:"db_path"`

	// DSN is the PostgreSQL connection string. Required when DBDriver is
	// "postgres".
	DSN string `yaml:"dsn"`

	// HTTPAddr is the listen address for the REST surface. Defaults to
	// "127.0.0.1:8080" when omitted.
	HTTPAddr string `yaml:"http_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// JWTPublicKeyPath, when set, enables RS256 JWT validation on the
	// admin-gated listing routes. Left empty, those routes are open.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// MaxUploadBytes caps the size of a single file accepted by the upload
	// endpoint. Defaults to 104857600 (100 MiB) when omitted.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDBDrivers is the set of accepted record store backends.
var validDBDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// environment overrides and defaults, and validates all required fields. It
// returns a typed error describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets PROV_DATA_DIR and PROV_DB_PATH take precedence over
// whatever the YAML file specifies.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROV_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PROV_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.DBDriver == "" {
		cfg.DBDriver = "sqlite"
	}
	if cfg.DBPath == "" && cfg.DataDir != "" {
		cfg.DBPath = cfg.DataDir + "/provenance.db"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 104857600
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if !validDBDrivers[cfg.DBDriver] {
		errs = append(errs, fmt.Errorf("db_driver %q must be one of: sqlite, postgres", cfg.DBDriver))
	}
	if cfg.DBDriver == "postgres" && cfg.DSN == "" {
		errs = append(errs, errors.New("dsn is required when db_driver is postgres"))
	}
	if cfg.DBDriver == "sqlite" && cfg.DBPath == "" {
		errs = append(errs, errors.New("db_path is required when db_driver is sqlite"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("max_upload_bytes must not be negative"))
	}

	return errors.Join(errs...)
}
